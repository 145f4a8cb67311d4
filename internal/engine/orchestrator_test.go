package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/fleet-assistant/internal/budget"
	"github.com/miradorstack/fleet-assistant/internal/hub"
	"github.com/miradorstack/fleet-assistant/internal/llm"
	"github.com/miradorstack/fleet-assistant/internal/models"
	"github.com/miradorstack/fleet-assistant/internal/sanitize"
)

type fakeLLM struct {
	mu        sync.Mutex
	plan      string
	planErr   error
	answer    string
	answerErr error
	calls     map[string][][]models.ChatMessage
}

func (f *fakeLLM) Complete(ctx context.Context, messages []models.ChatMessage, opts llm.Options) (string, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = make(map[string][][]models.ChatMessage)
	}
	f.calls[opts.Stage] = append(f.calls[opts.Stage], messages)
	f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	switch opts.Stage {
	case "plan":
		return f.plan, f.planErr
	default:
		return f.answer, f.answerErr
	}
}

func (f *fakeLLM) stageCalls(stage string) [][]models.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[stage]
}

func fleetSnapshot(t *testing.T) *hub.Snapshot {
	t.Helper()
	containers := make([]models.Row, 0, 10)
	for i := 0; i < 10; i++ {
		state, status := "running", "Up 3 hours"
		if i%3 == 0 {
			state, status = "unhealthy", "Up 3 hours (unhealthy)"
		}
		containers = append(containers, models.Row{
			"environment_name": "prod",
			"container_name":   fmt.Sprintf("svc-%02d", i),
			"image":            "nginx:1.27",
			"state":            state,
			"status":           status,
			"restart_count":    int64(i),
		})
	}
	ct, err := models.NewTable(models.TableContainers,
		[]string{"environment_name", "container_name", "image", "state", "status", "restart_count"}, containers)
	require.NoError(t, err)

	logs, err := models.NewTable(models.TableLogs,
		[]string{"environment_name", "container_name", "log_level", "message"},
		[]models.Row{
			{"environment_name": "prod", "container_name": "svc-00", "log_level": "error", "message": "auth failed password=hunter2 for admin"},
			{"environment_name": "prod", "container_name": "svc-00", "log_level": "info", "message": "retrying"},
		})
	require.NoError(t, err)

	h := hub.New(nil, 0, nil)
	require.NoError(t, h.Load([]models.Table{ct, logs}))
	return h.Snapshot()
}

func newTestOrchestrator(t *testing.T, client LLMClient, cfg Config) *Orchestrator {
	t.Helper()
	red, err := sanitize.New()
	require.NoError(t, err)
	return NewOrchestrator(nil, client, budget.NewManager(nil, 0, nil), red, cfg)
}

func TestAskUnhealthyContainers(t *testing.T) {
	client := &fakeLLM{
		plan:   `[{"table":"containers","filter_column":"state","filter_operator":"eq","filter_value":"unhealthy","limit":20}]`,
		answer: "Four containers are unhealthy: svc-00, svc-03, svc-06 and svc-09.",
	}
	o := newTestOrchestrator(t, client, Config{})

	turn, err := o.Ask(context.Background(), AskRequest{
		SessionID:   "s1",
		Question:    "Which containers are unhealthy?",
		Snapshot:    fleetSnapshot(t),
		TokenBudget: 4000,
		RowLimit:    50,
	})
	require.NoError(t, err)

	require.Len(t, turn.Plan, 1)
	assert.Equal(t, models.TableContainers, turn.Plan[0].Table)
	assert.Equal(t, 20, turn.Plan[0].Limit)
	require.Len(t, turn.Results, 1)
	assert.Equal(t, 4, turn.Results[0].MatchedRows)
	assert.Equal(t, client.answer, turn.Answer)
	assert.False(t, turn.DegradedNoLLM)
	assert.False(t, turn.PlanUnparsable)
	assert.Empty(t, turn.Trims)
	assert.Equal(t, []string{"idle", "planning", "parsing", "executing", "budgeting", "answering", "done"}, turn.States)
	assert.NotEmpty(t, turn.ID)

	answerCalls := client.stageCalls("answer")
	require.Len(t, answerCalls, 1)
	last := answerCalls[0][len(answerCalls[0])-1]
	assert.Equal(t, turn.Payload, last.Content)
	assert.Contains(t, last.Content, "Which containers are unhealthy?")
	assert.Contains(t, last.Content, "svc-03")
	assert.LessOrEqual(t, turn.PayloadTokens, 4000)
}

func TestAskUnparsablePlanStillAnswers(t *testing.T) {
	client := &fakeLLM{plan: "I think you should look at the containers.", answer: "Overview looks fine."}
	o := newTestOrchestrator(t, client, Config{})

	turn, err := o.Ask(context.Background(), AskRequest{Question: "How is prod?", Snapshot: fleetSnapshot(t)})
	require.NoError(t, err)
	assert.True(t, turn.PlanUnparsable)
	assert.Empty(t, turn.Plan)
	assert.Empty(t, turn.Results)
	assert.Equal(t, "Overview looks fine.", turn.Answer)
	assert.Contains(t, turn.Payload, "No table data was requested")
}

func TestAskCapsPlanEntries(t *testing.T) {
	entries := make([]string, 12)
	for i := range entries {
		entries[i] = `{"table":"containers","limit":1}`
	}
	client := &fakeLLM{plan: "[" + strings.Join(entries, ",") + "]", answer: "ok"}
	o := newTestOrchestrator(t, client, Config{MaxPlanEntries: 8})

	turn, err := o.Ask(context.Background(), AskRequest{Question: "everything", Snapshot: fleetSnapshot(t)})
	require.NoError(t, err)
	assert.Len(t, turn.Plan, 8)
	assert.Len(t, turn.Results, 8)
	assert.Equal(t, 4, turn.ParseReport.DroppedOverCap)
	assert.Equal(t, 4, turn.DroppedEntries)
	for i, r := range turn.Results {
		assert.Equal(t, i, r.Request.Index)
	}
}

func TestAskDropsLowPriorityResultsOverBudget(t *testing.T) {
	client := &fakeLLM{
		plan:   `[{"table":"containers","limit":2},{"table":"containers","limit":50}]`,
		answer: "done",
	}
	o := newTestOrchestrator(t, client, Config{})
	snap := fleetSnapshot(t)

	// Large enough for required sections and the first block, not the second.
	baseline, err := o.Ask(context.Background(), AskRequest{Question: "q", Snapshot: snap, TokenBudget: 100000})
	require.NoError(t, err)
	require.Len(t, baseline.Results, 2)
	first := baseline.PayloadTokens - 60

	turn, err := o.Ask(context.Background(), AskRequest{Question: "q", Snapshot: snap, TokenBudget: first})
	require.NoError(t, err)
	require.NotEmpty(t, turn.Trims)
	assert.Equal(t, 1, turn.Trims[len(turn.Trims)-1].Index)
	for _, tr := range turn.Trims {
		assert.NotEqual(t, 0, tr.Index, "highest priority block must survive")
	}
	assert.Contains(t, turn.Payload, budget.OmissionNotice)
	assert.LessOrEqual(t, turn.PayloadTokens, first)
}

func TestAskAnswerFailureIsDegraded(t *testing.T) {
	client := &fakeLLM{
		plan:      `[{"table":"containers","filter_column":"state","filter_value":"unhealthy"}]`,
		answerErr: errors.New("upstream 503"),
	}
	o := newTestOrchestrator(t, client, Config{})
	history := NewHistory(3, 600)

	turn, err := o.Ask(context.Background(), AskRequest{Question: "unhealthy?", Snapshot: fleetSnapshot(t), History: history})
	require.NoError(t, err)
	assert.True(t, turn.DegradedNoLLM)
	assert.Contains(t, turn.Answer, "could not be reached")
	assert.Contains(t, turn.Answer, "4 unhealthy")
	assert.Equal(t, "done", turn.States[len(turn.States)-1])
	assert.Empty(t, history.Exchanges())
}

func TestAskPlanFailureAnswersFromOverview(t *testing.T) {
	client := &fakeLLM{planErr: errors.New("timeout"), answer: "From the overview, four are unhealthy."}
	o := newTestOrchestrator(t, client, Config{})

	turn, err := o.Ask(context.Background(), AskRequest{Question: "status?", Snapshot: fleetSnapshot(t)})
	require.NoError(t, err)
	assert.True(t, turn.DegradedNoLLM)
	assert.Empty(t, turn.Plan)
	assert.Equal(t, client.answer, turn.Answer)
	assert.NotContains(t, turn.States, "parsing")
}

func TestAskWithoutClientIsDegraded(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil, nil, Config{})
	turn, err := o.Ask(context.Background(), AskRequest{Question: "status?", Snapshot: fleetSnapshot(t)})
	require.NoError(t, err)
	assert.True(t, turn.DegradedNoLLM)
	assert.Contains(t, turn.Answer, "10 containers")
}

func TestAskCancelledContextErrors(t *testing.T) {
	client := &fakeLLM{plan: "[]", answer: "never"}
	o := newTestOrchestrator(t, client, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	turn, err := o.Ask(ctx, AskRequest{Question: "status?", Snapshot: fleetSnapshot(t)})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "errored", turn.States[len(turn.States)-1])
}

func TestAskRejectsBadInput(t *testing.T) {
	o := newTestOrchestrator(t, &fakeLLM{}, Config{})

	_, err := o.Ask(context.Background(), AskRequest{Question: "   ", Snapshot: fleetSnapshot(t)})
	assert.ErrorIs(t, err, ErrEmptyQuestion)

	turn, err := o.Ask(context.Background(), AskRequest{Question: "hi"})
	assert.ErrorIs(t, err, ErrNoSnapshot)
	assert.Equal(t, []string{"idle", "errored"}, turn.States)
}

func TestAskRecordsHistoryForFollowUps(t *testing.T) {
	client := &fakeLLM{plan: `[{"table":"containers","filter_column":"state","filter_value":"unhealthy"}]`, answer: "svc-00 is unhealthy."}
	o := newTestOrchestrator(t, client, Config{})
	history := NewHistory(3, 600)
	snap := fleetSnapshot(t)

	_, err := o.Ask(context.Background(), AskRequest{Question: "which are unhealthy?", Snapshot: snap, History: history})
	require.NoError(t, err)
	require.Len(t, history.Exchanges(), 1)
	assert.Contains(t, history.Exchanges()[0].Plan, "containers")

	_, err = o.Ask(context.Background(), AskRequest{Question: "and why?", Snapshot: snap, History: history})
	require.NoError(t, err)

	planCalls := client.stageCalls("plan")
	require.Len(t, planCalls, 2)
	var seen bool
	for _, m := range planCalls[1] {
		if strings.Contains(m.Content, "Earlier question: which are unhealthy?") {
			seen = true
		}
	}
	assert.True(t, seen, "follow-up plan prompt should carry the earlier exchange")
}

func TestAskSanitizesLogRows(t *testing.T) {
	client := &fakeLLM{plan: `[{"table":"logs","filter_column":"log_level","filter_value":"error"}]`, answer: "auth errors"}
	o := newTestOrchestrator(t, client, Config{})
	snap := fleetSnapshot(t)

	turn, err := o.Ask(context.Background(), AskRequest{Question: "errors?", Snapshot: snap})
	require.NoError(t, err)
	require.Len(t, turn.Results, 1)
	assert.NotContains(t, turn.Payload, "hunter2")
	assert.NotContains(t, fmt.Sprint(turn.Results[0].Rows), "hunter2")

	raw, ok := snap.Table(models.TableLogs)
	require.True(t, ok)
	assert.Contains(t, raw.Rows[0]["message"], "hunter2")
}

func TestClampLimits(t *testing.T) {
	o := NewOrchestrator(nil, nil, nil, nil, Config{RowLimit: 25})
	got := o.clampLimits([]models.QueryRequest{{Limit: 0}, {Limit: 10}, {Limit: 500}}, 0)
	assert.Equal(t, []int{25, 10, 25}, []int{got[0].Limit, got[1].Limit, got[2].Limit})

	got = o.clampLimits([]models.QueryRequest{{Limit: 100}}, 40)
	assert.Equal(t, 40, got[0].Limit)
}

func wideFleetSnapshot(t *testing.T, n int) *hub.Snapshot {
	t.Helper()
	rows := make([]models.Row, 0, n)
	for i := 0; i < n; i++ {
		rows = append(rows, models.Row{
			"environment_name": fmt.Sprintf("env-%03d", i),
			"container_name":   fmt.Sprintf("app-%03d", i),
			"state":            fmt.Sprintf("state-%03d", i),
			"status":           "Up 1 hour",
		})
	}
	ct, err := models.NewTable(models.TableContainers, []string{"environment_name", "container_name", "state", "status"}, rows)
	require.NoError(t, err)
	h := hub.New(nil, 0, nil)
	require.NoError(t, h.Load([]models.Table{ct}))
	return h.Snapshot()
}

func TestAskLargeFleetStaysWithinBudget(t *testing.T) {
	client := &fakeLLM{plan: `[{"table":"containers"}]`, answer: "ok"}
	o := newTestOrchestrator(t, client, Config{})
	question := "Which environments look unhealthy?"

	framing := o.budget.Build(budget.Input{
		MaxTokens: 1 << 20,
		System:    joinedContent(answerPreamble(nil)),
		Required:  answerRequired(question),
		Heading:   answerHeading(true),
	}).UsedTokens
	limit := framing + 200

	turn, err := o.Ask(context.Background(), AskRequest{Question: question, Snapshot: wideFleetSnapshot(t, 200), TokenBudget: limit})
	require.NoError(t, err)
	assert.False(t, turn.BudgetExceeded)
	assert.LessOrEqual(t, turn.PayloadTokens, limit)
	assert.Contains(t, turn.Payload, "Question: "+question)
	assert.NotContains(t, turn.Payload, "env-150", "overview lists are capped")
	require.NotEmpty(t, turn.Trims)
}

func TestAskIsIdempotentForSameSnapshotAndPlan(t *testing.T) {
	client := &fakeLLM{
		plan:   `[{"table":"containers","limit":50},{"table":"logs"},{"table":"containers","filter_column":"state","filter_value":"unhealthy"}]`,
		answer: "done",
	}
	o := newTestOrchestrator(t, client, Config{})
	snap := fleetSnapshot(t)
	req := AskRequest{Question: "what changed?", Snapshot: snap, TokenBudget: 500}

	first, err := o.Ask(context.Background(), req)
	require.NoError(t, err)
	second, err := o.Ask(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Results, second.Results)
	assert.Equal(t, first.Trims, second.Trims)
	assert.Equal(t, first.Payload, second.Payload)
	assert.NotEmpty(t, first.Trims, "budget should force trimming")
}

func TestAskKeepsPlanOrderWhenQueriesFinishOutOfOrder(t *testing.T) {
	client := &fakeLLM{plan: `[{"table":"containers","limit":2},{"table":"logs"},{"table":"containers","filter_column":"state","filter_value":"unhealthy"}]`, answer: "ok"}
	o := newTestOrchestrator(t, client, Config{})

	const n = 3
	done := make([]chan struct{}, n)
	for i := range done {
		done[i] = make(chan struct{})
	}
	var mu sync.Mutex
	var finished []int
	o.query = func(s *hub.Snapshot, q models.QueryRequest) (models.ExecutedResult, error) {
		if q.Index < n-1 {
			select {
			case <-done[q.Index+1]:
			case <-time.After(5 * time.Second):
				return models.ExecutedResult{}, errors.New("timed out waiting for later request")
			}
		}
		defer close(done[q.Index])
		mu.Lock()
		finished = append(finished, q.Index)
		mu.Unlock()
		return s.Query(q)
	}

	turn, err := o.Ask(context.Background(), AskRequest{Question: "status?", Snapshot: fleetSnapshot(t), TokenBudget: 100000})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 1, 0}, finished)
	require.Len(t, turn.Results, n)
	for i, r := range turn.Results {
		assert.Equal(t, i, r.Request.Index)
	}
	p0 := strings.Index(turn.Payload, "### [0]")
	p1 := strings.Index(turn.Payload, "### [1]")
	p2 := strings.Index(turn.Payload, "### [2]")
	assert.True(t, p0 >= 0 && p0 < p1 && p1 < p2, "blocks must follow plan order")
}
