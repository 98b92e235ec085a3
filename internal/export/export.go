// Package export writes a paper's grading results as JSON or XLSX.
package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/pavelanni/examforge/internal/model"
)

// Format is an export file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "json" or "xlsx"; an empty string means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatXLSX:
		return FormatXLSX, nil
	default:
		return "", fmt.Errorf("unknown export format %q", s)
	}
}

// ContentType returns the MIME type for the format.
func (f Format) ContentType() string {
	if f == FormatXLSX {
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/json"
}

// FileName suggests a download name for a paper export.
func (f Format) FileName(paperID int64) string {
	return fmt.Sprintf("paper-%d-results.%s", paperID, f)
}

// Write encodes exp to w in the given format.
func Write(w io.Writer, f Format, exp *model.PaperExport) error {
	if f == FormatXLSX {
		return XLSX(w, exp)
	}
	return JSON(w, exp)
}

// JSON writes the export as indented JSON.
func JSON(w io.Writer, exp *model.PaperExport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(exp)
}

const summarySheet = "Summary"

var summaryHeaders = []string{"Sheet ID", "Student", "Status", "Score", "Max score", "Percent", "Missing"}

var answerHeaders = []string{"Question", "Topic", "Text", "Max marks", "Awarded", "Confidence", "Feedback"}

// XLSX writes a workbook with a summary sheet and one sheet per answer
// sheet.
func XLSX(w io.Writer, exp *model.PaperExport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return fmt.Errorf("rename summary sheet: %w", err)
	}
	writeRow(f, summarySheet, 1, []any{"Paper", exp.Title})
	writeRow(f, summarySheet, 2, []any{"Subject", exp.Subject})
	writeRow(f, summarySheet, 3, []any{"Total marks", exp.TotalMarks})
	writeRow(f, summarySheet, 5, toAny(summaryHeaders))
	for i, res := range exp.Results {
		pct := 0.0
		if res.MaxScore > 0 {
			pct = res.TotalScore / res.MaxScore * 100
		}
		writeRow(f, summarySheet, 6+i, []any{
			res.SheetID, res.StudentRef, string(res.Status),
			res.TotalScore, res.MaxScore, pct, strings.Join(res.Missing, ", "),
		})
	}
	_ = f.SetColWidth(summarySheet, "A", "G", 16)

	used := map[string]bool{strings.ToLower(summarySheet): true}
	for _, res := range exp.Results {
		name := sheetName(res, used)
		if _, err := f.NewSheet(name); err != nil {
			return fmt.Errorf("add sheet %q: %w", name, err)
		}
		writeRow(f, name, 1, toAny(answerHeaders))
		for i, a := range res.Answers {
			writeRow(f, name, 2+i, []any{
				a.Key, a.Topic, a.Text, a.MaximumMarks, a.MarksAwarded, a.Confidence, a.Feedback,
			})
		}
		row := 2 + len(res.Answers)
		for _, key := range res.Missing {
			writeRow(f, name, row, []any{key, "", "not graded"})
			row++
		}
		_ = f.SetColWidth(name, "A", "B", 12)
		_ = f.SetColWidth(name, "C", "C", 48)
		_ = f.SetColWidth(name, "G", "G", 48)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) {
	for col, v := range values {
		cell, _ := excelize.CoordinatesToCellName(col+1, row)
		_ = f.SetCellValue(sheet, cell, v)
	}
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// sheetName derives a unique worksheet name. Excel limits names to 31
// characters and forbids a handful of punctuation marks.
func sheetName(res model.SheetResult, used map[string]bool) string {
	base := fmt.Sprintf("%d %s", res.SheetID, res.StudentRef)
	base = strings.Map(func(r rune) rune {
		if strings.ContainsRune(`[]:*?/\'`, r) {
			return '_'
		}
		return r
	}, strings.TrimSpace(base))
	base = truncate(base, 31)

	name := base
	for n := 2; used[strings.ToLower(name)]; n++ {
		suffix := fmt.Sprintf(" (%d)", n)
		name = truncate(base, 31-len(suffix)) + suffix
	}
	used[strings.ToLower(name)] = true
	return name
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
