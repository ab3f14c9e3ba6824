package domain

// Table is a generic tabular result from an ad-hoc warehouse query.
type Table struct {
	Columns   []string   `json:"columns"`
	Rows      [][]string `json:"rows"`
	Truncated bool       `json:"truncated,omitempty"`
}

// Callout is a finished report ready to be persisted.
type Callout struct {
	ID                string  `json:"callout_id"`
	Date              string  `json:"callout_date"`
	Markdown          string  `json:"full_callout"`
	Slack             string  `json:"slack_formatted"`
	Model             string  `json:"model_used"`
	GenerationSeconds float64 `json:"generation_time_seconds"`
	ToolCalls         int     `json:"tool_calls_count"`
}
