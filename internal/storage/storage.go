// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"dealwatch/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// MatchSpec selects listings for a watch query run.
// Keywords are matched as case-insensitive literal substrings against
// title or description (any keyword matches). When Categories is
// non-empty the listing category must be a member. Since bounds the
// match to listings created at or after the watermark.
type MatchSpec struct {
	Keywords   []string
	Categories []string
	Since      time.Time
}

// ListingFilter selects and orders listings for display.
type ListingFilter struct {
	Category string
	Search   string
	Sort     string
	Limit    int
	Page     int
}

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertListings(ctx context.Context, listings []model.Listing) ([]model.Listing, error)
	SearchListings(ctx context.Context, spec MatchSpec) ([]model.Listing, error)
	ListListings(ctx context.Context, filter ListingFilter) ([]model.Listing, error)

	CreateWatchQuery(ctx context.Context, q *model.WatchQuery) error
	GetWatchQuery(ctx context.Context, id int64) (*model.WatchQuery, error)
	ListWatchQueries(ctx context.Context, ownerID string) ([]model.WatchQuery, error)
	ListActiveWatchQueries(ctx context.Context) ([]model.WatchQuery, error)
	UpdateWatchQuery(ctx context.Context, q *model.WatchQuery) error
	UpdateWatchQueryNextRun(ctx context.Context, id int64, nextRun time.Time) error
	UpdateWatchQueryRun(ctx context.Context, id int64, lastRun time.Time, nextRun time.Time) error
	DeleteWatchQuery(ctx context.Context, id int64) error

	Close() error
}
