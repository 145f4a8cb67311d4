package services

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/miradorstack/fleet-assistant/internal/utils"
)

var csvHeader = []string{
	"turn_id", "created_at", "question", "answer", "environments", "plan",
	"payload_tokens", "token_budget", "dropped_entries", "trims",
	"plan_unparsable", "budget_exceeded", "degraded_no_llm", "duration_ms",
}

// ExportJSON renders the session transcript as an indented JSON array.
func (s *AssistantService) ExportJSON(ctx context.Context, sessionID string) ([]byte, error) {
	turns, err := s.Transcript(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if turns == nil {
		return []byte("[]"), nil
	}
	out, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return nil, utils.NewAppError("assistant.ExportJSON", "encode transcript", err)
	}
	return out, nil
}

// ExportCSV renders one summary row per turn.
func (s *AssistantService) ExportCSV(ctx context.Context, sessionID string) ([]byte, error) {
	turns, err := s.Transcript(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write(csvHeader)
	for _, t := range turns {
		plan := make([]string, 0, len(t.Plan))
		for _, r := range t.Plan {
			plan = append(plan, r.Describe())
		}
		_ = w.Write([]string{
			t.ID,
			t.CreatedAt.UTC().Format(time.RFC3339),
			t.Question,
			t.Answer,
			strings.Join(t.Environments, ";"),
			strings.Join(plan, "; "),
			strconv.Itoa(t.PayloadTokens),
			strconv.Itoa(t.TokenBudget),
			strconv.Itoa(t.DroppedEntries),
			strconv.Itoa(len(t.Trims)),
			strconv.FormatBool(t.PlanUnparsable),
			strconv.FormatBool(t.BudgetExceeded),
			strconv.FormatBool(t.DegradedNoLLM),
			strconv.FormatInt(t.Duration.Milliseconds(), 10),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, utils.NewAppError("assistant.ExportCSV", "encode transcript", err)
	}
	return buf.Bytes(), nil
}
