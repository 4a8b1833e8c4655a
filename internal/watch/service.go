// Package watch implements the watch query lifecycle: validation,
// persistence and keeping the scheduler's timer set in step with every
// create, update and delete.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"dealwatch/internal/model"
	"dealwatch/internal/notifier"
	"dealwatch/internal/storage"
)

// MinIntervalMinutes is the hard lower bound on a query's delivery
// interval, enforced at create and update time.
const MinIntervalMinutes = 30

// ErrValidation marks errors caused by invalid user input.
var ErrValidation = errors.New("validation")

// Scheduler is the part of the timer scheduler the service drives.
// Every create, update and delete notifies it synchronously so the
// timer set never drifts from the persisted is_active flags.
type Scheduler interface {
	Schedule(q model.WatchQuery)
	Unschedule(id int64)
}

// Service manages watch queries on behalf of the API layer.
type Service struct {
	store storage.Storage
	sched Scheduler
	log   *slog.Logger
}

// NewService creates a watch query Service.
func NewService(store storage.Storage, sched Scheduler, log *slog.Logger) *Service {
	return &Service{store: store, sched: sched, log: log}
}

// CreateParams are the fields of a new watch query.
type CreateParams struct {
	OwnerID         string
	Name            string
	Keywords        []string
	Categories      []string
	IntervalMinutes int
	WebhookURL      string
}

// UpdateParams are the mutable fields of a watch query. Nil fields are
// left unchanged.
type UpdateParams struct {
	Name            *string
	Keywords        []string
	Categories      []string
	IntervalMinutes *int
	WebhookURL      *string
	IsActive        *bool
}

// Create validates and persists a new watch query and arms its timer.
func (s *Service) Create(ctx context.Context, p CreateParams) (*model.WatchQuery, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, fmt.Errorf("%w: name is required", ErrValidation)
	}
	keywords := cleanList(p.Keywords)
	if len(keywords) == 0 {
		return nil, fmt.Errorf("%w: at least one keyword is required", ErrValidation)
	}
	if err := validateInterval(p.IntervalMinutes); err != nil {
		return nil, err
	}
	if err := validateWebhook(ctx, p.WebhookURL); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	q := model.WatchQuery{
		OwnerID:         p.OwnerID,
		Name:            strings.TrimSpace(p.Name),
		Keywords:        keywords,
		Categories:      cleanList(p.Categories),
		IntervalMinutes: p.IntervalMinutes,
		WebhookURL:      p.WebhookURL,
		IsActive:        true,
		NextRun:         now.Add(time.Duration(p.IntervalMinutes) * time.Minute).Truncate(time.Second),
	}
	if err := s.store.CreateWatchQuery(ctx, &q); err != nil {
		return nil, fmt.Errorf("create watch query: %w", err)
	}

	s.sched.Schedule(q)
	s.log.Info("created watch query", "query_id", q.ID, "owner_id", q.OwnerID, "name", q.Name)
	return &q, nil
}

// Update validates and applies partial changes to an owned watch
// query. When the interval changes, the next run is recomputed from
// now and the timer re-armed; otherwise the run bookkeeping and any
// armed timer are left alone, so a run firing concurrently with the
// update keeps its freshly persisted watermark.
func (s *Service) Update(ctx context.Context, id int64, ownerID string, p UpdateParams) (*model.WatchQuery, error) {
	q, err := s.getOwned(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	wasActive := q.IsActive
	intervalChanged := false

	if p.Name != nil {
		if strings.TrimSpace(*p.Name) == "" {
			return nil, fmt.Errorf("%w: name is required", ErrValidation)
		}
		q.Name = strings.TrimSpace(*p.Name)
	}
	if p.Keywords != nil {
		keywords := cleanList(p.Keywords)
		if len(keywords) == 0 {
			return nil, fmt.Errorf("%w: at least one keyword is required", ErrValidation)
		}
		q.Keywords = keywords
	}
	if p.Categories != nil {
		q.Categories = cleanList(p.Categories)
	}
	if p.IntervalMinutes != nil && *p.IntervalMinutes != q.IntervalMinutes {
		if err := validateInterval(*p.IntervalMinutes); err != nil {
			return nil, err
		}
		q.IntervalMinutes = *p.IntervalMinutes
		q.NextRun = time.Now().UTC().Add(time.Duration(q.IntervalMinutes) * time.Minute).Truncate(time.Second)
		intervalChanged = true
	}
	if p.WebhookURL != nil {
		if err := validateWebhook(ctx, *p.WebhookURL); err != nil {
			return nil, err
		}
		q.WebhookURL = *p.WebhookURL
	}
	if p.IsActive != nil {
		q.IsActive = *p.IsActive
	}

	if err := s.store.UpdateWatchQuery(ctx, q); err != nil {
		return nil, fmt.Errorf("update watch query: %w", err)
	}
	if intervalChanged {
		if err := s.store.UpdateWatchQueryNextRun(ctx, q.ID, q.NextRun); err != nil {
			return nil, fmt.Errorf("update watch query schedule: %w", err)
		}
	}

	switch {
	case !q.IsActive:
		s.sched.Unschedule(q.ID)
	case intervalChanged || !wasActive:
		s.sched.Schedule(*q)
	}
	return q, nil
}

// Delete unschedules and removes an owned watch query.
func (s *Service) Delete(ctx context.Context, id int64, ownerID string) error {
	if _, err := s.getOwned(ctx, id, ownerID); err != nil {
		return err
	}

	s.sched.Unschedule(id)
	if err := s.store.DeleteWatchQuery(ctx, id); err != nil {
		return fmt.Errorf("delete watch query: %w", err)
	}
	s.log.Info("deleted watch query", "query_id", id, "owner_id", ownerID)
	return nil
}

// Get returns a single owned watch query.
func (s *Service) Get(ctx context.Context, id int64, ownerID string) (*model.WatchQuery, error) {
	return s.getOwned(ctx, id, ownerID)
}

// List returns all watch queries belonging to the owner.
func (s *Service) List(ctx context.Context, ownerID string) ([]model.WatchQuery, error) {
	return s.store.ListWatchQueries(ctx, ownerID)
}

func (s *Service) getOwned(ctx context.Context, id int64, ownerID string) (*model.WatchQuery, error) {
	q, err := s.store.GetWatchQuery(ctx, id)
	if err != nil {
		return nil, err
	}
	// a foreign query is indistinguishable from a missing one
	if q.OwnerID != ownerID {
		return nil, storage.ErrNotFound
	}
	return q, nil
}

func validateInterval(minutes int) error {
	if minutes < MinIntervalMinutes {
		return fmt.Errorf("%w: interval must be at least %d minutes, got %d", ErrValidation, MinIntervalMinutes, minutes)
	}
	return nil
}

func validateWebhook(ctx context.Context, raw string) error {
	if err := notifier.ValidateURL(ctx, raw); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err)
	}
	return nil
}

func cleanList(values []string) []string {
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
