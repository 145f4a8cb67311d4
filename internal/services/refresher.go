package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Refresher reloads every active session snapshot on a cron schedule and
// evicts idle sessions.
type Refresher struct {
	cron    *cron.Cron
	service *AssistantService
	logger  *slog.Logger
	timeout time.Duration
}

// NewRefresher validates schedule (5-field cron or a descriptor such as
// "@every 5m") and registers the refresh job. Start must be called to run it.
func NewRefresher(service *AssistantService, schedule string, timeout time.Duration, logger *slog.Logger) (*Refresher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	r := &Refresher{
		cron:    cron.New(cron.WithParser(scheduleParser)),
		service: service,
		logger:  logger,
		timeout: timeout,
	}
	if _, err := r.cron.AddFunc(schedule, r.run); err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", schedule, err)
	}
	return r, nil
}

func (r *Refresher) run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	start := time.Now()
	evicted := r.service.EvictIdle()
	n := r.service.RefreshAll(ctx)
	r.logger.Debug("scheduled refresh complete",
		slog.Int("sessions", n), slog.Int("evicted", evicted), slog.Duration("took", time.Since(start)))
}

// Start runs the scheduler in its own goroutine.
func (r *Refresher) Start() { r.cron.Start() }

// Stop stops scheduling and waits for a running refresh, bounded by ctx.
func (r *Refresher) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
