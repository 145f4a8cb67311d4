package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/fleet-assistant/internal/budget"
	"github.com/miradorstack/fleet-assistant/internal/hub"
	"github.com/miradorstack/fleet-assistant/internal/llm"
	"github.com/miradorstack/fleet-assistant/internal/metrics"
	"github.com/miradorstack/fleet-assistant/internal/models"
	"github.com/miradorstack/fleet-assistant/internal/planner"
)

var (
	// ErrNoSnapshot is returned when no data hub snapshot has been loaded.
	ErrNoSnapshot = errors.New("no infrastructure snapshot loaded")
	// ErrEmptyQuestion is returned for blank questions.
	ErrEmptyQuestion = errors.New("question is empty")
)

// State is a stage of one question's lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StatePlanning  State = "planning"
	StateParsing   State = "parsing"
	StateExecuting State = "executing"
	StateBudgeting State = "budgeting"
	StateAnswering State = "answering"
	StateDone      State = "done"
	StateErrored   State = "errored"
)

// LLMClient is the chat completion dependency.
type LLMClient interface {
	Complete(ctx context.Context, messages []models.ChatMessage, opts llm.Options) (string, error)
}

// Sanitizer redacts secrets from log text.
type Sanitizer interface {
	Sanitize(text string) string
}

// Config holds orchestration defaults. Zero values fall back to defaults.
type Config struct {
	MaxPlanEntries  int
	RowLimit        int
	PlanMaxTokens   int
	AnswerMaxTokens int
	TopN            int
}

// DefaultRowLimit is the per-table row limit when neither caller nor config sets one.
const DefaultRowLimit = 50

// AskRequest carries one question and everything it runs against.
type AskRequest struct {
	SessionID    string
	Question     string
	Environments []string
	Snapshot     *hub.Snapshot
	TokenBudget  int
	RowLimit     int
	History      *History
}

// Orchestrator runs plan, execute and answer for a question.
type Orchestrator struct {
	logger    *slog.Logger
	llm       LLMClient
	budget    *budget.Manager
	sanitizer Sanitizer
	cfg       Config

	query func(*hub.Snapshot, models.QueryRequest) (models.ExecutedResult, error)
}

// NewOrchestrator constructs an orchestrator. A nil LLM client makes every
// turn degraded; a nil sanitizer leaves log rows untouched.
func NewOrchestrator(logger *slog.Logger, client LLMClient, manager *budget.Manager, sanitizer Sanitizer, cfg Config) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if manager == nil {
		manager = budget.NewManager(nil, 0, logger)
	}
	if cfg.MaxPlanEntries <= 0 {
		cfg.MaxPlanEntries = planner.DefaultMaxEntries
	}
	if cfg.RowLimit <= 0 {
		cfg.RowLimit = DefaultRowLimit
	}
	if cfg.PlanMaxTokens <= 0 {
		cfg.PlanMaxTokens = 600
	}
	if cfg.TopN <= 0 {
		cfg.TopN = hub.DefaultTopN
	}
	return &Orchestrator{logger: logger, llm: client, budget: manager, sanitizer: sanitizer, cfg: cfg, query: (*hub.Snapshot).Query}
}

type run struct {
	turn   models.ConversationTurn
	logger *slog.Logger
}

func (r *run) to(s State) {
	r.turn.States = append(r.turn.States, string(s))
	r.logger.Debug("ask state", slog.String("state", string(s)))
}

func (r *run) fail(err error) (models.ConversationTurn, error) {
	r.to(StateErrored)
	return r.turn, err
}

// Ask answers one question against req.Snapshot. Model failures degrade the
// turn; only cancellation and invalid input end in the errored state.
func (o *Orchestrator) Ask(ctx context.Context, req AskRequest) (models.ConversationTurn, error) {
	start := time.Now()
	r := &run{
		turn: models.ConversationTurn{
			ID:           uuid.NewString(),
			SessionID:    req.SessionID,
			Question:     strings.TrimSpace(req.Question),
			Environments: append([]string(nil), req.Environments...),
			CreatedAt:    start.UTC(),
		},
	}
	r.logger = o.logger.With(slog.String("turn_id", r.turn.ID))
	r.to(StateIdle)
	defer func() { r.turn.Duration = time.Since(start) }()

	if r.turn.Question == "" {
		return r.fail(ErrEmptyQuestion)
	}
	if req.Snapshot == nil {
		return r.fail(ErrNoSnapshot)
	}
	snap := req.Snapshot
	catalog := snap.Catalog()
	overview := snap.Overview(o.cfg.TopN)
	overviewJSON := overview.Compact(overviewListCap).JSON()

	r.to(StatePlanning)
	planText, planErr := o.plan(ctx, r.turn.Question, catalog, overviewJSON, req.History)
	if ctx.Err() != nil {
		return r.fail(ctx.Err())
	}

	var results []models.ExecutedResult
	if planErr != nil {
		r.turn.DegradedNoLLM = true
		r.logger.Warn("planning failed, answering from overview only", slog.Any("error", planErr))
	} else {
		r.to(StateParsing)
		plan := planner.Parse(planText, catalog, o.cfg.MaxPlanEntries)
		r.turn.ParseReport = plan.Report
		r.turn.PlanUnparsable = plan.Report.Unparsable
		r.turn.PlanNote = plan.Note
		r.turn.DroppedEntries = plan.Report.Dropped()
		metrics.AddPlanDrops(string(planner.DiscardInvalidTable), plan.Report.DroppedInvalidTable)
		metrics.AddPlanDrops(string(planner.DiscardInvalidFilter), plan.Report.DroppedInvalidFilter)
		metrics.AddPlanDrops(string(planner.DiscardOverCap), plan.Report.DroppedOverCap)

		r.to(StateExecuting)
		reqs := o.clampLimits(plan.Requests(), req.RowLimit)
		r.turn.Plan = reqs
		var err error
		results, err = o.execute(ctx, r, snap, reqs)
		if err != nil {
			return r.fail(err)
		}
		results = o.sanitize(catalog, results)
	}
	r.turn.Results = results

	r.to(StateBudgeting)
	preamble := answerPreamble(req.History)
	built := o.budget.Build(budget.Input{
		MaxTokens: req.TokenBudget,
		System:    joinedContent(preamble),
		Required:  answerRequired(r.turn.Question),
		Context:   answerContext(overview, r.turn.PlanNote, r.turn.Plan),
		Heading:   answerHeading(len(results) > 0),
		Results:   results,
	})
	r.turn.Payload = built.Body
	r.turn.PayloadTokens = built.UsedTokens
	r.turn.TokenBudget = built.MaxTokens
	r.turn.Trims = built.Trims
	r.turn.BudgetExceeded = built.BudgetExceeded
	r.turn.Messages = append(preamble, models.ChatMessage{Role: roleUser, Content: built.Body})
	for _, t := range built.Trims {
		metrics.IncBudgetTrim(string(t.Kind))
	}

	r.to(StateAnswering)
	answer, err := o.answer(ctx, r.turn.Messages)
	if ctx.Err() != nil {
		return r.fail(ctx.Err())
	}
	if err != nil {
		r.turn.DegradedNoLLM = true
		r.turn.Answer = fallbackAnswer(overview, results)
		r.logger.Warn("answer stage failed, returning best-effort turn", slog.Any("error", err))
	} else {
		r.turn.Answer = strings.TrimSpace(answer)
		if req.History != nil {
			req.History.Record(Exchange{Question: r.turn.Question, Answer: r.turn.Answer, Plan: planSummary(r.turn)})
		}
	}

	r.to(StateDone)
	r.logger.Info("question answered",
		slog.Int("requests", len(r.turn.Plan)),
		slog.Int("dropped_entries", r.turn.DroppedEntries),
		slog.Int("trims", len(r.turn.Trims)),
		slog.Int("payload_tokens", r.turn.PayloadTokens),
		slog.Bool("degraded", r.turn.DegradedNoLLM))
	return r.turn, nil
}

func (o *Orchestrator) plan(ctx context.Context, question string, catalog *hub.Catalog, overviewJSON string, history *History) (string, error) {
	if o.llm == nil {
		return "", llm.ErrNotConfigured
	}
	msgs := planMessages(catalog, overviewJSON, question, o.cfg.MaxPlanEntries, history)
	return o.llm.Complete(ctx, msgs, llm.Options{Stage: "plan", MaxTokens: o.cfg.PlanMaxTokens})
}

func (o *Orchestrator) answer(ctx context.Context, msgs []models.ChatMessage) (string, error) {
	if o.llm == nil {
		return "", llm.ErrNotConfigured
	}
	return o.llm.Complete(ctx, msgs, llm.Options{Stage: "answer", MaxTokens: o.cfg.AnswerMaxTokens})
}

// clampLimits applies the per-table row limit: unspecified or larger
// requested limits become the row limit.
func (o *Orchestrator) clampLimits(reqs []models.QueryRequest, rowLimit int) []models.QueryRequest {
	if rowLimit <= 0 {
		rowLimit = o.cfg.RowLimit
	}
	out := make([]models.QueryRequest, len(reqs))
	for i, r := range reqs {
		if r.Limit <= 0 || r.Limit > rowLimit {
			r.Limit = rowLimit
		}
		out[i] = r
	}
	return out
}

// execute runs requests concurrently and returns results in plan order.
// Requests the hub rejects are dropped and counted.
func (o *Orchestrator) execute(ctx context.Context, r *run, snap *hub.Snapshot, reqs []models.QueryRequest) ([]models.ExecutedResult, error) {
	slots := make([]*models.ExecutedResult, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxPlanEntries)
	for i, q := range reqs {
		i, q := i, q
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := o.query(snap, q)
			if err != nil {
				r.logger.Warn("query rejected", slog.String("request", q.Describe()), slog.Any("error", err))
				return nil
			}
			slots[i] = &res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("execute plan: %w", err)
	}

	results := make([]models.ExecutedResult, 0, len(slots))
	for _, s := range slots {
		if s == nil {
			r.turn.DroppedEntries++
			continue
		}
		results = append(results, *s)
	}
	return results, nil
}

// sanitize redacts string cells of log-bearing results. Snapshot rows are
// never modified.
func (o *Orchestrator) sanitize(catalog *hub.Catalog, results []models.ExecutedResult) []models.ExecutedResult {
	if o.sanitizer == nil {
		return results
	}
	for i, res := range results {
		spec, ok := catalog.Lookup(res.Request.Table)
		if !ok || !spec.LogBearing {
			continue
		}
		rows := make([]models.Row, 0, len(res.Rows))
		for _, row := range res.Rows {
			clean := make(models.Row, len(row))
			for k, v := range row {
				if s, isStr := v.(string); isStr {
					v = o.sanitizer.Sanitize(s)
				}
				clean[k] = v
			}
			rows = append(rows, clean)
		}
		results[i].Rows = rows
	}
	return results
}

func planSummary(turn models.ConversationTurn) string {
	if turn.PlanNote != "" {
		return turn.PlanNote
	}
	parts := make([]string, 0, len(turn.Plan))
	for _, r := range turn.Plan {
		parts = append(parts, r.Describe())
	}
	return strings.Join(parts, "; ")
}
