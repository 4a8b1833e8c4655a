// Package scheduler owns the per-query timers that drive watch query
// execution. Every active watch query has exactly one armed timer;
// inactive or deleted queries have none. Schedule and Unschedule are
// the only mutators of the timer set.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"dealwatch/internal/model"
	"dealwatch/internal/notifier"
	"dealwatch/internal/storage"
)

const (
	executeTimeout = time.Minute

	// defaultLookback bounds the first run of a query that has never
	// executed: only listings from the last hour are considered.
	defaultLookback = time.Hour

	rescheduleRetries = 4
	rescheduleBackoff = 500 * time.Millisecond
)

// Scheduler maps watch query IDs to armed one-shot timers.
type Scheduler struct {
	store     storage.Storage
	notifier  notifier.Notifier
	log       *slog.Logger
	retryBase time.Duration

	lock   sync.Mutex
	timers map[int64]*time.Timer
	closed bool
}

// New creates a Scheduler. No timers are armed until Bootstrap or
// Schedule is called.
func New(store storage.Storage, n notifier.Notifier, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		notifier:  n,
		log:       log,
		retryBase: rescheduleBackoff,
		timers:    make(map[int64]*time.Timer),
	}
}

// Bootstrap loads every active watch query and arms a timer for each.
// It runs once at process start, before any query mutations are
// accepted, rebuilding the in-memory timer set from persisted state.
func (s *Scheduler) Bootstrap(ctx context.Context) error {
	queries, err := s.store.ListActiveWatchQueries(ctx)
	if err != nil {
		return fmt.Errorf("list active watch queries: %w", err)
	}
	for _, q := range queries {
		s.Schedule(q)
	}
	s.log.Info("scheduler bootstrapped", "queries", len(queries))
	return nil
}

// Schedule arms (or re-arms) the timer for q. An existing timer is
// cancelled first. Inactive queries are disarmed instead. A NextRun in
// the past fires immediately rather than being skipped.
func (s *Scheduler) Schedule(q model.WatchQuery) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if t, ok := s.timers[q.ID]; ok {
		t.Stop()
		delete(s.timers, q.ID)
	}
	if s.closed || !q.IsActive {
		return
	}

	delay := time.Until(q.NextRun)
	if delay < 0 {
		delay = 0
	}

	id := q.ID
	s.timers[id] = time.AfterFunc(delay, func() { s.execute(id) })
	s.log.Debug("scheduled watch query", "query_id", id, "delay", delay)
}

// Unschedule cancels and removes the timer for the given query ID.
// It is a no-op when no timer exists and has no effect on an
// execution already in progress.
func (s *Scheduler) Unschedule(id int64) {
	s.lock.Lock()
	defer s.lock.Unlock()

	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
		s.log.Debug("unscheduled watch query", "query_id", id)
	}
}

// Stop disarms every timer. In-flight executions complete but will not
// re-arm.
func (s *Scheduler) Stop() {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// execute runs a single watch query cycle: reload, match, deliver,
// then advance lastRun/nextRun and re-arm. Rescheduling is deferred so
// a failing match or delivery can never strand the query unscheduled.
func (s *Scheduler) execute(id int64) {
	ctx, cancel := context.WithTimeout(context.Background(), executeTimeout)
	defer cancel()

	q, err := s.store.GetWatchQuery(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			s.Unschedule(id)
			return
		}
		s.log.Error("reload watch query", "query_id", id, "error", err)
		s.reschedule(ctx, id)
		return
	}
	if !q.IsActive {
		s.Unschedule(id)
		return
	}

	defer s.reschedule(ctx, id)

	s.deliver(ctx, q)
}

// deliver evaluates the query's filter over listings created since the
// watermark and posts matches to the webhook. All failures are logged
// and swallowed; the bookkeeping in reschedule still advances.
func (s *Scheduler) deliver(ctx context.Context, q *model.WatchQuery) {
	since := time.Now().UTC().Add(-defaultLookback)
	if q.LastRun != nil {
		since = *q.LastRun
	}

	matches, err := s.store.SearchListings(ctx, storage.MatchSpec{
		Keywords:   q.Keywords,
		Categories: q.Categories,
		Since:      since,
	})
	if err != nil {
		s.log.Error("search listings", "query_id", q.ID, "error", err)
		return
	}
	if len(matches) == 0 {
		s.log.Debug("no new matches", "query_id", q.ID, "name", q.Name)
		return
	}

	if err := s.notifier.Notify(ctx, *q, matches); err != nil {
		s.log.Warn("webhook delivery failed", "query_id", q.ID, "name", q.Name, "error", err)
		return
	}
	s.log.Info("sent webhook notification", "query_id", q.ID, "name", q.Name, "matches", len(matches))
}

// reschedule advances lastRun/nextRun against a freshly reloaded query
// and re-arms the timer. The persist is retried with exponential
// backoff; if it keeps failing the query stalls until restart, which
// is surfaced as an alertable error log.
func (s *Scheduler) reschedule(ctx context.Context, id int64) {
	backoff := retry.WithMaxRetries(rescheduleRetries, retry.NewExponential(s.retryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		q, err := s.store.GetWatchQuery(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return nil // deleted mid-run; the delete path already unscheduled
			}
			return retry.RetryableError(err)
		}
		if !q.IsActive {
			return nil
		}

		now := time.Now().UTC()
		nextRun := now.Add(time.Duration(q.IntervalMinutes) * time.Minute)
		if err := s.store.UpdateWatchQueryRun(ctx, id, now, nextRun); err != nil {
			return retry.RetryableError(err)
		}

		q.LastRun = &now
		q.NextRun = nextRun
		s.Schedule(*q)
		return nil
	})
	if err != nil {
		s.log.Error("reschedule failed, watch query stalled until restart", "query_id", id, "error", err)
	}
}
