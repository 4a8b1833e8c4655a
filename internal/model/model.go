// Package model defines the domain types used across the application.
package model

import "time"

// Listing is a normalized deal record ingested from the source site.
// The URL is the identity: re-scraping the same listing refreshes its
// counters without creating a new row.
type Listing struct {
	ID           int64
	URL          string
	Title        string
	Description  string
	Category     string
	Created      time.Time
	LastActivity time.Time
	Votes        int
	Views        int
	CommentCount int

	// Optional provenance, empty when the source page does not carry them.
	DealerName     string
	SavingsText    string
	SourceThreadID string
	ImageURL       string
}

// WatchQuery is a user-defined keyword/category filter with its own
// delivery schedule and webhook destination.
type WatchQuery struct {
	ID              int64
	OwnerID         string
	Name            string
	Keywords        []string
	Categories      []string
	IntervalMinutes int
	WebhookURL      string
	IsActive        bool
	LastRun         *time.Time
	NextRun         time.Time
	CreatedAt       time.Time
}
