// Package budget fits query results into a token budget by priority.
package budget

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/miradorstack/fleet-assistant/internal/models"
)

// DefaultTokenBudget applies when a caller passes no budget.
const DefaultTokenBudget = 6000

// OmissionNotice is appended to the payload whenever a result was trimmed.
const OmissionNotice = "\n\nNote: some requested data was truncated or omitted to fit the context budget; say so if it limits the answer."

const (
	reasonExhausted = "skipped: budget exhausted"
	reasonTooLarge  = "dropped: exceeds budget even at minimum size"
)

// Input is everything competing for the budget. System and Required are
// never trimmed. Context sections follow Required in the body and are
// budgeted ahead of Results; Heading is written, untrimmed, right before the
// result blocks. Results are in priority order, highest first.
type Input struct {
	MaxTokens int
	System    string
	Required  []string
	Context   []Section
	Heading   string
	Results   []models.ExecutedResult
}

// Section is optional prompt content with alternative renderings, richest
// first. The first rendering that fits is used.
type Section struct {
	Name       string
	Renderings []string
}

// Result is the assembled user-message body and an account of every trim.
type Result struct {
	Body           string
	MaxTokens      int
	UsedTokens     int
	Trims          []models.TrimAction
	BudgetExceeded bool
}

// Manager assembles payloads. It is stateless and safe for concurrent use.
type Manager struct {
	estimator     Estimator
	defaultBudget int
	logger        *slog.Logger
}

// NewManager builds a Manager. A nil estimator uses CharEstimator.
func NewManager(estimator Estimator, defaultBudget int, logger *slog.Logger) *Manager {
	if estimator == nil {
		estimator = CharEstimator{CharsPerToken: DefaultCharsPerToken}
	}
	if defaultBudget <= 0 {
		defaultBudget = DefaultTokenBudget
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{estimator: estimator, defaultBudget: defaultBudget, logger: logger}
}

// Estimator exposes the manager's token estimator.
func (m *Manager) Estimator() Estimator {
	return m.estimator
}

// Build fits in.Context and in.Results into the budget. The first item that
// cannot be included whole is reduced (a later rendering, or halved rows
// down to one) or dropped, and every item after it is skipped, so a
// higher-priority item is never cut while a lower-priority one survives.
// BudgetExceeded is set only when System and Required alone overflow; in
// every other case the estimate of System plus Body never exceeds MaxTokens.
func (m *Manager) Build(in Input) Result {
	limit := in.MaxTokens
	if limit <= 0 {
		limit = m.defaultBudget
	}

	var body strings.Builder
	parts := 0
	write := func(s string) {
		if parts > 0 {
			body.WriteString("\n\n")
		}
		body.WriteString(s)
		parts++
	}
	sep := func(s string) string {
		if parts > 0 {
			return "\n\n" + s
		}
		return s
	}

	used := m.estimator.Estimate(in.System)
	for _, section := range in.Required {
		used += m.estimator.Estimate(sep(section))
		write(section)
	}
	if in.Heading != "" {
		used += m.estimator.Estimate("\n\n" + in.Heading)
	}

	res := Result{MaxTokens: limit}
	if used > limit {
		res.BudgetExceeded = true
	}
	reserve := 0
	if len(in.Results) > 0 || len(in.Context) > 0 {
		reserve = m.estimator.Estimate(OmissionNotice)
	}
	fits := func(cost int) bool { return used+cost+reserve <= limit }

	exhausted := res.BudgetExceeded
	for _, sec := range in.Context {
		if exhausted {
			res.Trims = append(res.Trims, sectionTrim(sec, models.TrimSkipped, reasonExhausted))
			continue
		}
		placed := false
		for i, text := range sec.Renderings {
			cost := m.estimator.Estimate(sep(text))
			if !fits(cost) {
				continue
			}
			write(text)
			used += cost
			if i > 0 {
				res.Trims = append(res.Trims, sectionTrim(sec, models.TrimTruncated, "truncated: compact form"))
				exhausted = true
			}
			placed = true
			break
		}
		if !placed {
			res.Trims = append(res.Trims, sectionTrim(sec, models.TrimDropped, reasonTooLarge))
			exhausted = true
		}
	}
	if in.Heading != "" {
		write(in.Heading)
	}

	for _, r := range in.Results {
		total := len(r.Rows)
		if exhausted {
			res.Trims = append(res.Trims, trim(r, models.TrimSkipped, reasonExhausted, 0, total))
			continue
		}

		block := renderBlock(r, total)
		cost := m.estimator.Estimate(block)
		if fits(cost) {
			body.WriteString(block)
			used += cost
			continue
		}

		exhausted = true
		placed := false
		for n := total / 2; n >= 1; n /= 2 {
			block = renderBlock(r, n)
			cost = m.estimator.Estimate(block)
			if fits(cost) {
				body.WriteString(block)
				used += cost
				res.Trims = append(res.Trims, trim(r, models.TrimTruncated, fmt.Sprintf("truncated: kept %d of %d rows", n, total), n, total-n))
				placed = true
				break
			}
		}
		if !placed {
			res.Trims = append(res.Trims, trim(r, models.TrimDropped, reasonTooLarge, 0, total))
		}
	}

	if len(res.Trims) > 0 {
		notice := m.estimator.Estimate(OmissionNotice)
		if res.BudgetExceeded || used+notice <= limit {
			body.WriteString(OmissionNotice)
			used += notice
		}
	}

	res.Body = body.String()
	res.UsedTokens = used
	if res.BudgetExceeded {
		m.logger.Warn("required prompt content exceeds token budget",
			slog.Int("max_tokens", limit), slog.Int("used_tokens", used))
	}
	return res
}

func sectionTrim(sec Section, kind models.TrimKind, reason string) models.TrimAction {
	return models.TrimAction{Index: -1, Section: sec.Name, Kind: kind, Reason: reason}
}

func trim(r models.ExecutedResult, kind models.TrimKind, reason string, kept, dropped int) models.TrimAction {
	return models.TrimAction{
		Index:       r.Request.Index,
		Table:       r.Request.Table,
		Kind:        kind,
		Reason:      reason,
		RowsKept:    kept,
		RowsDropped: dropped,
	}
}

type blockPayload struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// renderBlock serialises the first n rows of r, leading separator included,
// so the body is exactly the concatenation of its parts.
func renderBlock(r models.ExecutedResult, n int) string {
	if n > len(r.Rows) {
		n = len(r.Rows)
	}
	columns := r.Columns
	if len(columns) == 0 && len(r.Rows) > 0 {
		for c := range r.Rows[0] {
			columns = append(columns, c)
		}
		sort.Strings(columns)
	}
	payload := blockPayload{Columns: columns, Rows: make([][]any, 0, n)}
	for _, row := range r.Rows[:n] {
		cells := make([]any, 0, len(columns))
		for _, c := range columns {
			cells = append(cells, row[c])
		}
		payload.Rows = append(payload.Rows, cells)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"columns":[],"rows":[]}`)
	}

	header := fmt.Sprintf("\n\n### [%d] %s", r.Request.Index, r.Summary)
	if n < len(r.Rows) {
		header += fmt.Sprintf(" (showing first %d)", n)
	}
	return header + "\n" + string(data)
}
