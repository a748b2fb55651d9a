package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"flight-cdm/internal/model"
	"flight-cdm/pkg/logger"
	"flight-cdm/pkg/utils"
)

// ApplyFunc installs freshly fetched rows.
type ApplyFunc func(ctx context.Context, rows []model.ScheduleRow) error

// Refresher fetches the schedule once a day at a fixed UTC clock time and
// whenever a refresh is requested.
type Refresher struct {
	source  Source
	apply   ApplyFunc
	at      string
	timeout time.Duration
	trigger chan struct{}
	logger  *logger.Logger
	now     func() time.Time

	mu          sync.Mutex
	lastRefresh time.Time
	lastRows    int
}

// NewRefresher creates a refresher that runs daily at the HH:MM clock time at.
func NewRefresher(source Source, apply ApplyFunc, at string, timeout time.Duration, log *logger.Logger) (*Refresher, error) {
	hhmm, err := utils.NormalizeClock(at)
	if err != nil {
		return nil, fmt.Errorf("schedule refresh time: %w", err)
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Refresher{
		source:  source,
		apply:   apply,
		at:      hhmm,
		timeout: timeout,
		trigger: make(chan struct{}, 1),
		logger:  log.With("component", "schedule"),
		now:     time.Now,
	}, nil
}

// Refresh fetches and applies the schedule now.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.source.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	if err := r.apply(ctx, rows); err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.lastRefresh = r.now()
	r.lastRows = len(rows)
	r.mu.Unlock()

	r.logger.Info("Schedule refreshed with %d rows", len(rows))
	return len(rows), nil
}

// Trigger requests an asynchronous refresh. Requests made while one is
// already pending are coalesced.
func (r *Refresher) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// LastRefresh reports when the schedule was last applied and how many rows it had.
func (r *Refresher) LastRefresh() (time.Time, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastRefresh, r.lastRows
}

// NextRun returns the next daily refresh time strictly after now.
func (r *Refresher) NextRun(now time.Time) time.Time {
	next, err := utils.ResolveClockTimeRelativeTo(r.at, utils.TruncateToMinute(now))
	if err != nil {
		return now.Add(24 * time.Hour)
	}
	return next
}

// Run refreshes immediately, then daily and on demand until ctx is cancelled.
// A failed refresh keeps the previous schedule.
func (r *Refresher) Run(ctx context.Context) error {
	r.refreshAndLog(ctx)

	for {
		next := r.NextRun(r.now())
		timer := time.NewTimer(time.Until(next))
		r.logger.Debug("Next schedule refresh at %s", next.UTC().Format(time.RFC3339))

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		case <-r.trigger:
			timer.Stop()
		}
		r.refreshAndLog(ctx)
	}
}

func (r *Refresher) refreshAndLog(ctx context.Context) {
	if _, err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
		r.logger.Error("Schedule refresh failed: %v", err)
	}
}
