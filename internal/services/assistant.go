// Package services exposes the assistant as session-scoped operations used
// by the HTTP and gRPC transports and the CLI.
package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/miradorstack/fleet-assistant/internal/engine"
	"github.com/miradorstack/fleet-assistant/internal/hub"
	"github.com/miradorstack/fleet-assistant/internal/metrics"
	"github.com/miradorstack/fleet-assistant/internal/models"
	"github.com/miradorstack/fleet-assistant/internal/repo"
	"github.com/miradorstack/fleet-assistant/internal/utils"
)

// ErrNoEnvironments is returned when no Portainer environment is configured.
var ErrNoEnvironments = repo.ErrNoEnvironments

// SnapshotSource produces the infrastructure tables for an environment selection.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, environments []string) ([]models.Table, error)
	Environments() []string
}

// Asker runs one question against a snapshot.
type Asker interface {
	Ask(ctx context.Context, req engine.AskRequest) (models.ConversationTurn, error)
}

// TranscriptStore persists turns. Optional.
type TranscriptStore interface {
	Save(ctx context.Context, turn models.ConversationTurn) error
	List(ctx context.Context, sessionID string, limit int) ([]models.ConversationTurn, error)
}

// Options carries assistant defaults.
type Options struct {
	TokenBudget        int
	RowLimit           int
	TopN               int
	HistoryTurns       int
	SummaryTokenBudget int
	MaxRowsPerRequest  int
	SessionIdleTimeout time.Duration
	Catalog            *hub.Catalog
}

// DefaultSessionIdleTimeout is how long an unused session is kept.
const DefaultSessionIdleTimeout = time.Hour

// AskOptions are the per-question parameters.
type AskOptions struct {
	Question     string   `json:"question"`
	Environments []string `json:"environments,omitempty"`
	TokenBudget  int      `json:"token_budget,omitempty"`
	RowLimit     int      `json:"row_limit,omitempty"`
}

// RefreshResult describes a freshly loaded snapshot.
type RefreshResult struct {
	SessionID    string                   `json:"session_id"`
	Environments []string                 `json:"environments"`
	Counts       map[models.TableName]int `json:"counts"`
	LoadedAt     time.Time                `json:"loaded_at"`
}

type session struct {
	mu           sync.Mutex
	id           string
	hub          *hub.Hub
	history      *engine.History
	environments []string
	loaded       bool
	turns        []models.ConversationTurn
	lastUsed     time.Time
}

// AssistantService owns one data hub and conversation history per session.
type AssistantService struct {
	logger       *slog.Logger
	source       SnapshotSource
	orchestrator Asker
	store        TranscriptStore
	opts         Options
	latencies    *utils.LatencyTracker

	mu       sync.Mutex
	sessions map[string]*session
	now      func() time.Time
}

// NewAssistantService wires the service. store may be nil, in which case
// transcripts live in memory for the life of the process.
func NewAssistantService(logger *slog.Logger, source SnapshotSource, orchestrator Asker, store TranscriptStore, opts Options) *AssistantService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Catalog == nil {
		opts.Catalog = hub.DefaultCatalog()
	}
	if opts.HistoryTurns <= 0 {
		opts.HistoryTurns = 3
	}
	if opts.SummaryTokenBudget <= 0 {
		opts.SummaryTokenBudget = 600
	}
	if opts.SessionIdleTimeout <= 0 {
		opts.SessionIdleTimeout = DefaultSessionIdleTimeout
	}
	return &AssistantService{
		logger:       logger,
		source:       source,
		orchestrator: orchestrator,
		store:        store,
		opts:         opts,
		latencies:    utils.NewLatencyTracker(1024),
		sessions:     make(map[string]*session),
		now:          time.Now,
	}
}

func (s *AssistantService) session(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{
			id:      id,
			hub:     hub.New(s.opts.Catalog, s.opts.MaxRowsPerRequest, s.logger),
			history: engine.NewHistory(s.opts.HistoryTurns, s.opts.SummaryTokenBudget),
		}
		s.sessions[id] = sess
	}
	sess.lastUsed = s.now()
	return sess
}

// EvictIdle forgets sessions unused for longer than the idle timeout and
// returns how many were removed. Persisted transcripts are kept.
func (s *AssistantService) EvictIdle() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.opts.SessionIdleTimeout)
	evicted := 0
	for id, sess := range s.sessions {
		if sess.lastUsed.Before(cutoff) {
			delete(s.sessions, id)
			evicted++
		}
	}
	return evicted
}

func validSessionID(op, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return utils.InvalidInput(op, "session id is required", nil)
	}
	if len(id) > 64 {
		return utils.InvalidInput(op, "session id must be at most 64 characters", nil)
	}
	return nil
}

// Ask answers a question in a session. The session snapshot is refreshed
// first when it was never loaded or the environment selection changed.
func (s *AssistantService) Ask(ctx context.Context, sessionID string, opts AskOptions) (models.ConversationTurn, error) {
	const op = "assistant.Ask"
	if err := validSessionID(op, sessionID); err != nil {
		return models.ConversationTurn{}, err
	}
	if strings.TrimSpace(opts.Question) == "" {
		return models.ConversationTurn{}, utils.InvalidInput(op, "question is required", engine.ErrEmptyQuestion)
	}
	if s.orchestrator == nil {
		return models.ConversationTurn{}, utils.Unavailable(op, "orchestrator not configured", nil)
	}

	sess := s.session(sessionID)
	sess.mu.Lock()
	envs := normalizeEnvironments(opts.Environments)
	if envs == nil {
		envs = sess.environments
	}
	if !sess.loaded || !sameEnvironments(envs, sess.environments) {
		if _, err := s.refreshLocked(ctx, sess, envs); err != nil {
			sess.mu.Unlock()
			return models.ConversationTurn{}, err
		}
	}
	// The run keeps this snapshot even if a refresh swaps in a newer one.
	snapshot := sess.hub.Snapshot()
	environments := sess.environments
	history := sess.history
	sess.mu.Unlock()

	tokenBudget := opts.TokenBudget
	if tokenBudget <= 0 {
		tokenBudget = s.opts.TokenBudget
	}
	rowLimit := opts.RowLimit
	if rowLimit <= 0 {
		rowLimit = s.opts.RowLimit
	}

	start := time.Now()
	turn, err := s.orchestrator.Ask(ctx, engine.AskRequest{
		SessionID:    sessionID,
		Question:     opts.Question,
		Environments: environments,
		Snapshot:     snapshot,
		TokenBudget:  tokenBudget,
		RowLimit:     rowLimit,
		History:      history,
	})
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveAsk(duration, metrics.OutcomeError)
		s.logger.Error("ask failed", slog.String("session", sessionID), slog.Any("error", err))
		switch {
		case errors.Is(err, engine.ErrEmptyQuestion):
			return turn, utils.InvalidInput(op, "question is required", err)
		case errors.Is(err, engine.ErrNoSnapshot):
			return turn, utils.Unavailable(op, "no infrastructure snapshot loaded", err)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return turn, utils.Unavailable(op, "request cancelled", err)
		}
		return turn, utils.NewAppError(op, "ask failed", err)
	}

	outcome := metrics.OutcomeSuccess
	if turn.DegradedNoLLM {
		outcome = metrics.OutcomeDegraded
	}
	metrics.ObserveAsk(duration, outcome)
	s.latencies.Observe(duration)
	if count := s.latencies.Count(); count >= 20 && count%20 == 0 {
		s.logger.Info("ask latency", slog.Duration("p95", s.latencies.Percentile(95)), slog.Int("samples", count))
	}

	s.record(ctx, sess, turn)
	return turn, nil
}

func (s *AssistantService) record(ctx context.Context, sess *session, turn models.ConversationTurn) {
	if s.store != nil {
		err := s.store.Save(ctx, turn)
		if err == nil {
			return
		}
		s.logger.Warn("persist turn failed, keeping it in memory", slog.String("turn_id", turn.ID), slog.Any("error", err))
	}
	sess.mu.Lock()
	sess.turns = append(sess.turns, turn)
	sess.mu.Unlock()
}

// Refresh reloads the session snapshot for environments (the session's
// current selection when empty).
func (s *AssistantService) Refresh(ctx context.Context, sessionID string, environments []string) (RefreshResult, error) {
	if err := validSessionID("assistant.Refresh", sessionID); err != nil {
		return RefreshResult{}, err
	}
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	envs := normalizeEnvironments(environments)
	if envs == nil {
		envs = sess.environments
	}
	return s.refreshLocked(ctx, sess, envs)
}

// RefreshAll reloads every session that has a snapshot. Failures are logged
// and the previous snapshot is kept.
func (s *AssistantService) RefreshAll(ctx context.Context) int {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	refreshed := 0
	for _, sess := range sessions {
		sess.mu.Lock()
		if sess.loaded {
			if _, err := s.refreshLocked(ctx, sess, sess.environments); err == nil {
				refreshed++
			}
		}
		sess.mu.Unlock()
	}
	return refreshed
}

func (s *AssistantService) refreshLocked(ctx context.Context, sess *session, envs []string) (RefreshResult, error) {
	const op = "assistant.Refresh"
	if s.source == nil || len(s.source.Environments()) == 0 {
		return RefreshResult{}, utils.Unavailable(op, "no environments available", ErrNoEnvironments)
	}
	tables, err := s.source.FetchSnapshot(ctx, envs)
	metrics.ObserveSnapshotRefresh(err)
	if err != nil {
		s.logger.Warn("snapshot refresh failed", slog.String("session", sess.id), slog.Any("error", err))
		if errors.Is(err, repo.ErrUnknownEnvironment) {
			return RefreshResult{}, utils.InvalidInput(op, "unknown environment", err)
		}
		if errors.Is(err, repo.ErrNoEnvironments) {
			return RefreshResult{}, utils.Unavailable(op, "no environments available", err)
		}
		return RefreshResult{}, utils.Unavailable(op, "could not load infrastructure snapshot", err)
	}
	if err := sess.hub.Load(tables); err != nil {
		return RefreshResult{}, utils.NewAppError(op, "snapshot rejected", err)
	}
	sess.environments = envs
	sess.loaded = true

	snap := sess.hub.Snapshot()
	res := RefreshResult{SessionID: sess.id, Environments: envs, Counts: snap.Counts(), LoadedAt: snap.LoadedAt}
	if res.Environments == nil {
		res.Environments = s.source.Environments()
	}
	s.logger.Info("snapshot loaded", slog.String("session", sess.id), slog.Int("rows", snap.RowCount()), slog.Any("environments", res.Environments))
	return res, nil
}

// Overview returns the operational overview of the session snapshot,
// loading it first when needed.
func (s *AssistantService) Overview(ctx context.Context, sessionID string) (models.Overview, error) {
	if err := validSessionID("assistant.Overview", sessionID); err != nil {
		return models.Overview{}, err
	}
	sess := s.session(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.loaded {
		if _, err := s.refreshLocked(ctx, sess, sess.environments); err != nil {
			return models.Overview{}, err
		}
	}
	return sess.hub.Snapshot().Overview(s.opts.TopN), nil
}

// Transcript returns the session's turns oldest first.
func (s *AssistantService) Transcript(ctx context.Context, sessionID string) ([]models.ConversationTurn, error) {
	const op = "assistant.Transcript"
	if err := validSessionID(op, sessionID); err != nil {
		return nil, err
	}
	sess := s.session(sessionID)
	sess.mu.Lock()
	memory := append([]models.ConversationTurn(nil), sess.turns...)
	sess.mu.Unlock()

	if s.store == nil {
		return memory, nil
	}
	stored, err := s.store.List(ctx, sessionID, 0)
	if err != nil {
		return nil, utils.Unavailable(op, "transcript store unavailable", err)
	}
	// Turns that failed to persist are kept in memory; merge them by time.
	turns := append(stored, memory...)
	sort.SliceStable(turns, func(i, j int) bool { return turns[i].CreatedAt.Before(turns[j].CreatedAt) })
	return turns, nil
}

// Environments lists configured environment names.
func (s *AssistantService) Environments() []string {
	if s.source == nil {
		return nil
	}
	return s.source.Environments()
}

// Catalog describes the queryable tables.
func (s *AssistantService) Catalog() []hub.TableSpec {
	return s.opts.Catalog.Specs()
}

// LatencyP95 returns the current p95 ask latency.
func (s *AssistantService) LatencyP95() time.Duration {
	return s.latencies.Percentile(95)
}

func normalizeEnvironments(envs []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(envs))
	for _, e := range envs {
		e = strings.TrimSpace(e)
		key := strings.ToLower(e)
		if e == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return strings.ToLower(out[i]) < strings.ToLower(out[j]) })
	return out
}

func sameEnvironments(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}

// String renders a result for CLI output.
func (r RefreshResult) String() string {
	names := make([]string, 0, len(r.Counts))
	for name := range r.Counts {
		names = append(names, string(name))
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", n, r.Counts[models.TableName(n)]))
	}
	return fmt.Sprintf("loaded %s at %s (%s)", strings.Join(r.Environments, ","), r.LoadedAt.Format(time.RFC3339), strings.Join(parts, " "))
}
