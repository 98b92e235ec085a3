package model

// TokenUsage is a running sum of LLM token counts.
type TokenUsage struct {
	Input  int `json:"input_tokens"`
	Output int `json:"output_tokens"`
	Total  int `json:"total_tokens"`
}

// Add returns the field-wise sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		Input:  u.Input + o.Input,
		Output: u.Output + o.Output,
		Total:  u.Total + o.Total,
	}
}

// ValidationReport summarizes one validation pass.
type ValidationReport struct {
	ValidCount  int                 `json:"valid_count"`
	FailedCount int                 `json:"failed_count"`
	FailedKeys  []IdentityKey       `json:"failed_identifiers,omitempty"`
	Reasons     map[string][]string `json:"reasons,omitempty"`
}

// Fail records a failed item and its reasons.
func (r *ValidationReport) Fail(key IdentityKey, reasons ...string) {
	r.FailedCount++
	r.FailedKeys = append(r.FailedKeys, key)
	if r.Reasons == nil {
		r.Reasons = make(map[string][]string)
	}
	r.Reasons[key.String()] = append(r.Reasons[key.String()], reasons...)
}
