package models

import "time"

// TrimKind classifies what the budget manager did to a result block or section.
type TrimKind string

const (
	TrimTruncated TrimKind = "truncated"
	TrimDropped   TrimKind = "dropped"
	TrimSkipped   TrimKind = "skipped"
)

// TrimAction records a truncation or removal applied to one result block,
// or to a named prompt section (Index -1).
type TrimAction struct {
	Index       int       `json:"index"`
	Table       TableName `json:"table,omitempty"`
	Section     string    `json:"section,omitempty"`
	Kind        TrimKind  `json:"kind"`
	Reason      string    `json:"reason"`
	RowsKept    int       `json:"rows_kept"`
	RowsDropped int       `json:"rows_dropped"`
}

// ParseReport counts how the plan parser treated the model's output.
type ParseReport struct {
	Accepted             int      `json:"accepted"`
	DroppedInvalidTable  int      `json:"dropped_invalid_table"`
	DroppedInvalidFilter int      `json:"dropped_invalid_filter"`
	DroppedOverCap       int      `json:"dropped_over_cap"`
	Unparsable           bool     `json:"unparsable"`
	Warnings             []string `json:"warnings,omitempty"`
}

// Dropped is the number of plan entries not executed.
func (r ParseReport) Dropped() int {
	return r.DroppedInvalidTable + r.DroppedInvalidFilter + r.DroppedOverCap
}

// ChatMessage is a single role/content pair sent to the model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ConversationTurn is the full audit record of one question.
type ConversationTurn struct {
	ID             string           `json:"id"`
	SessionID      string           `json:"session_id"`
	Question       string           `json:"question"`
	Environments   []string         `json:"environments,omitempty"`
	PlanNote       string           `json:"plan_note,omitempty"`
	Plan           []QueryRequest   `json:"plan"`
	Results        []ExecutedResult `json:"results"`
	Answer         string           `json:"answer"`
	Messages       []ChatMessage    `json:"messages"`
	Payload        string           `json:"payload"`
	PayloadTokens  int              `json:"payload_tokens"`
	TokenBudget    int              `json:"token_budget"`
	ParseReport    ParseReport      `json:"parse_report"`
	Trims          []TrimAction     `json:"trims"`
	PlanUnparsable bool             `json:"plan_unparsable"`
	DroppedEntries int              `json:"dropped_entries"`
	BudgetExceeded bool             `json:"budget_exceeded"`
	DegradedNoLLM  bool             `json:"degraded_no_llm"`
	States         []string         `json:"states"`
	CreatedAt      time.Time        `json:"created_at"`
	Duration       time.Duration    `json:"duration"`
}
