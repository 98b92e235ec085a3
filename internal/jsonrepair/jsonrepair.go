// Package jsonrepair turns raw LLM output into JSON records, tolerating
// markdown fences, surrounding prose, trailing commas and truncated arrays.
package jsonrepair

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
)

// Parser extracts records from model output. It never returns an error:
// output that cannot be salvaged yields no records.
type Parser struct {
	// WrapperKeys name top-level object fields that hold the record array,
	// e.g. {"questions": [...]}.
	WrapperKeys []string
	// FallbackKeys are the record fields pulled out by regex when nothing
	// parses as JSON.
	FallbackKeys []string
}

// Parse returns the records found in raw.
func (p Parser) Parse(raw string) []map[string]any {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil
	}
	if recs, ok := p.decode(s); ok {
		return recs
	}

	if stripped := stripFences(s); stripped != s {
		if recs, ok := p.decode(stripped); ok {
			return recs
		}
		s = stripped
	}

	if candidate := largestStructure(s); candidate != "" {
		if recs, ok := p.decode(Repair(candidate)); ok {
			slog.Debug("repaired model output", "raw_len", len(raw), "records", len(recs))
			return recs
		}
	}

	recs := p.extractFields(s)
	slog.Debug("fell back to field extraction", "raw_len", len(raw), "records", len(recs))
	return recs
}

func (p Parser) decode(s string) ([]map[string]any, bool) {
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch t := v.(type) {
	case []any:
		return objects(t), true
	case map[string]any:
		for _, k := range p.WrapperKeys {
			if arr, ok := t[k].([]any); ok {
				return objects(arr), true
			}
		}
		return []map[string]any{t}, true
	}
	return nil, false
}

func objects(arr []any) []map[string]any {
	out := make([]map[string]any, 0, len(arr))
	for _, el := range arr {
		if m, ok := el.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)\\s*```")

// stripFences removes markdown code fences, including an unterminated
// opening fence left by a truncated response.
func stripFences(s string) string {
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		return strings.TrimSpace(m[1])
	}
	if i := strings.Index(s, "```"); i >= 0 {
		rest := s[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		rest = strings.TrimPrefix(rest, "JSON")
		return strings.TrimSpace(rest)
	}
	return s
}

// largestStructure returns the longest bracketed span in s. A span that is
// still open at the end of input is returned as-is for Repair to close.
func largestStructure(s string) string {
	var best string
	for i := 0; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		end, closed := matchBrackets(s, i)
		candidate := s[i:end]
		if len(candidate) > len(best) {
			best = candidate
		}
		if !closed {
			break
		}
		i = end - 1
	}
	return best
}

// matchBrackets scans from the opening bracket at start and returns the end
// offset of the balanced span, or len(s) and false when input runs out.
func matchBrackets(s string, start int) (int, bool) {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return len(s), false
}

// Repair fixes the common ways model JSON is broken: a truncated tail is cut
// back to the last complete element and closed, and trailing commas before a
// closing bracket are dropped. [{"a":1},] becomes [{"a":1}].
func Repair(s string) string {
	return dropTrailingCommas(closeTruncated(strings.TrimSpace(s)))
}

func closeTruncated(s string) string {
	var stack []byte
	cut, cutStack := -1, []byte(nil)
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 {
				return s[:i]
			}
			stack = stack[:len(stack)-1]
			// A closed element inside an array is a safe place to cut.
			if len(stack) > 0 && stack[len(stack)-1] == ']' {
				cut = i + 1
				cutStack = append(cutStack[:0], stack...)
			}
		}
	}
	if len(stack) == 0 {
		return s
	}
	if cut < 0 {
		return s
	}
	var b strings.Builder
	b.WriteString(s[:cut])
	for i := len(cutStack) - 1; i >= 0; i-- {
		b.WriteByte(cutStack[i])
	}
	return b.String()
}

func dropTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			b.WriteByte(c)
			continue
		}
		if c == '"' {
			inString = true
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && strings.IndexByte(" \t\r\n", s[j]) >= 0 {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

const valuePattern = `("(?:[^"\\]|\\.)*"|-?\d+(?:\.\d+)?|true|false|null|\[[^\[\]]*\])`

// extractFields pulls known key/value pairs out of text that is not JSON.
// A key seen twice starts a new record.
func (p Parser) extractFields(s string) []map[string]any {
	if len(p.FallbackKeys) == 0 {
		return nil
	}
	names := make([]string, len(p.FallbackKeys))
	for i, k := range p.FallbackKeys {
		names[i] = regexp.QuoteMeta(k)
	}
	re, err := regexp.Compile(`"(` + strings.Join(names, "|") + `)"\s*:\s*` + valuePattern)
	if err != nil {
		return nil
	}

	var out []map[string]any
	cur := map[string]any{}
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		var v any
		if err := json.Unmarshal([]byte(m[2]), &v); err != nil {
			continue
		}
		if _, seen := cur[m[1]]; seen {
			out = append(out, cur)
			cur = map[string]any{}
		}
		cur[m[1]] = v
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// Decode converts records into typed values. Records that do not fit T are
// dropped; the number dropped is returned.
func Decode[T any](records []map[string]any) ([]T, int) {
	out := make([]T, 0, len(records))
	dropped := 0
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			dropped++
			continue
		}
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			dropped++
			continue
		}
		out = append(out, v)
	}
	return out, dropped
}
