package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"dealwatch/internal/model"
)

var ignoreQueryTimestamps = cmpopts.IgnoreFields(model.WatchQuery{}, "CreatedAt", "LastRun", "NextRun")

func newTestDB(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func sampleListing(url, title string, created time.Time) model.Listing {
	return model.Listing{
		URL:          url,
		Title:        title,
		Category:     "Other",
		Created:      created,
		LastActivity: created,
	}
}

func TestUpsertListingsInsertsAndReturnsNew(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	now := time.Now().UTC().Truncate(time.Second)
	listings := []model.Listing{
		{
			URL: "https://deals.example.com/switch", Title: "Nintendo Switch OLED $50 off",
			Category: "Gaming", Created: now, LastActivity: now,
			Votes: 42, Views: 1204, CommentCount: 17,
			DealerName: "Best Buy", SavingsText: "$50 off", SourceThreadID: "2700001",
		},
		sampleListing("https://deals.example.com/hub", "USB-C hub 8-in-1", now.Add(-time.Hour)),
	}

	inserted, err := s.UpsertListings(ctx, listings)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if len(inserted) != 2 {
		t.Fatalf("expected 2 inserted, got %d", len(inserted))
	}
	for _, l := range inserted {
		if l.ID == 0 {
			t.Errorf("expected non-zero ID for %s", l.URL)
		}
	}
}

func TestUpsertListingsDedupe(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	created := time.Now().UTC().Add(-2 * time.Hour).Truncate(time.Second)
	first := model.Listing{
		URL: "https://deals.example.com/switch", Title: "Nintendo Switch OLED $50 off",
		Category: "Gaming", Created: created, LastActivity: created,
		Votes: 10, Views: 100, CommentCount: 1,
	}

	if _, err := s.UpsertListings(ctx, []model.Listing{first}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// second sighting: counters moved, created must not
	second := first
	second.Created = time.Now().UTC().Truncate(time.Second)
	second.Votes = 55
	second.Views = 900
	second.CommentCount = 23
	second.Category = "Video Games"

	inserted, err := s.UpsertListings(ctx, []model.Listing{second})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if len(inserted) != 0 {
		t.Fatalf("refreshed listing reported as inserted: %d", len(inserted))
	}

	all, err := s.ListListings(ctx, ListingFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 row after re-fetch, got %d", len(all))
	}

	got := all[0]
	if !got.Created.Equal(created) {
		t.Errorf("created changed across re-fetch: want %v, got %v", created, got.Created)
	}
	if got.Votes != 55 || got.Views != 900 || got.CommentCount != 23 {
		t.Errorf("counters not refreshed: %+v", got)
	}
	if got.Category != "Video Games" {
		t.Errorf("category not refreshed: %q", got.Category)
	}
}

func TestUpsertListingsKeepsOptionalFields(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	now := time.Now().UTC().Truncate(time.Second)
	first := sampleListing("https://deals.example.com/x", "Deal X", now)
	first.DealerName = "Costco"
	if _, err := s.UpsertListings(ctx, []model.Listing{first}); err != nil {
		t.Fatalf("first upsert: %v", err)
	}

	// a later fetch without the dealer fragment must not blank it out
	second := sampleListing("https://deals.example.com/x", "Deal X", now)
	if _, err := s.UpsertListings(ctx, []model.Listing{second}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	all, _ := s.ListListings(ctx, ListingFilter{})
	if len(all) != 1 || all[0].DealerName != "Costco" {
		t.Fatalf("dealer name lost on refresh: %+v", all)
	}
}

func TestSearchListingsWatermark(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	watermark := time.Date(2025, 8, 31, 12, 0, 0, 0, time.UTC)
	before := sampleListing("https://deals.example.com/old", "nintendo switch deal", watermark.Add(-time.Second))
	after := sampleListing("https://deals.example.com/new", "Nintendo Switch OLED", watermark.Add(time.Second))

	if _, err := s.UpsertListings(ctx, []model.Listing{before, after}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.SearchListings(ctx, MatchSpec{
		Keywords: []string{"nintendo"},
		Since:    watermark,
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}

	var gotURLs []string
	for _, l := range got {
		gotURLs = append(gotURLs, l.URL)
	}
	want := []string{"https://deals.example.com/new"}
	if diff := cmp.Diff(want, gotURLs); diff != "" {
		t.Errorf("watermark selection mismatch (-want +got):\n%s", diff)
	}
}

func TestSearchListingsMatching(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	base := time.Date(2025, 8, 31, 12, 0, 0, 0, time.UTC)
	listings := []model.Listing{
		func() model.Listing {
			l := sampleListing("https://d.example.com/1", "Nintendo Switch OLED $50 off", base)
			l.Category = "Gaming"
			return l
		}(),
		func() model.Listing {
			l := sampleListing("https://d.example.com/2", "Random kitchen gadget", base)
			l.Description = "works with nintendo accessories"
			l.Category = "Home"
			return l
		}(),
		func() model.Listing {
			l := sampleListing("https://d.example.com/3", "Nintendo themed mug", base)
			l.Category = "Other"
			return l
		}(),
		func() model.Listing {
			l := sampleListing("https://d.example.com/4", "50% off socks", base)
			l.Category = "Fashion"
			return l
		}(),
	}
	if _, err := s.UpsertListings(ctx, listings); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	since := base.Add(-time.Hour)
	tests := []struct {
		name string
		spec MatchSpec
		want []string
	}{
		{
			name: "keyword matches title and description case-insensitively",
			spec: MatchSpec{Keywords: []string{"NINTENDO"}, Since: since},
			want: []string{"https://d.example.com/1", "https://d.example.com/2", "https://d.example.com/3"},
		},
		{
			name: "category restricts keyword matches",
			spec: MatchSpec{Keywords: []string{"nintendo"}, Categories: []string{"Gaming"}, Since: since},
			want: []string{"https://d.example.com/1"},
		},
		{
			name: "any keyword matches",
			spec: MatchSpec{Keywords: []string{"zzz-nothing", "socks"}, Since: since},
			want: []string{"https://d.example.com/4"},
		},
		{
			name: "like metacharacters are literal",
			spec: MatchSpec{Keywords: []string{"100%_off"}, Since: since},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.SearchListings(ctx, tt.spec)
			if err != nil {
				t.Fatalf("search: %v", err)
			}
			var gotURLs []string
			for _, l := range got {
				gotURLs = append(gotURLs, l.URL)
			}
			if diff := cmp.Diff(tt.want, gotURLs, cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
				t.Errorf("match mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestListListingsFilterAndSort(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	base := time.Date(2025, 8, 31, 12, 0, 0, 0, time.UTC)
	a := sampleListing("https://d.example.com/a", "Deal A", base)
	a.Category = "Gaming"
	a.Votes = 5
	b := sampleListing("https://d.example.com/b", "Deal B", base.Add(time.Minute))
	b.Category = "Home"
	b.Votes = 50
	if _, err := s.UpsertListings(ctx, []model.Listing{a, b}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	byCategory, err := s.ListListings(ctx, ListingFilter{Category: "Gaming"})
	if err != nil {
		t.Fatalf("list by category: %v", err)
	}
	if len(byCategory) != 1 || byCategory[0].URL != a.URL {
		t.Errorf("category filter mismatch: %+v", byCategory)
	}

	byVotes, err := s.ListListings(ctx, ListingFilter{Sort: "votes"})
	if err != nil {
		t.Fatalf("list by votes: %v", err)
	}
	if len(byVotes) != 2 || byVotes[0].URL != b.URL {
		t.Errorf("vote sort mismatch: %+v", byVotes)
	}
}

func TestWatchQueryCRUD(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	tests := []struct {
		name  string
		query model.WatchQuery
	}{
		{
			name: "basic query",
			query: model.WatchQuery{
				OwnerID: "user-1", Name: "Switch deals",
				Keywords: []string{"nintendo", "switch"}, Categories: []string{"Gaming"},
				IntervalMinutes: 60, WebhookURL: "https://example.test/hook",
				IsActive: true, NextRun: time.Now().UTC().Add(time.Hour),
			},
		},
		{
			name: "inactive query without categories",
			query: model.WatchQuery{
				OwnerID: "user-2", Name: "Coffee",
				Keywords:        []string{"coffee"},
				IntervalMinutes: 30, WebhookURL: "https://example.test/coffee",
				IsActive: false, NextRun: time.Now().UTC().Add(30 * time.Minute),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.query
			if err := s.CreateWatchQuery(ctx, &q); err != nil {
				t.Fatalf("create: %v", err)
			}
			if q.ID == 0 {
				t.Fatal("expected non-zero ID")
			}

			got, err := s.GetWatchQuery(ctx, q.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}

			want := tt.query
			want.ID = q.ID
			if diff := cmp.Diff(want, *got, ignoreQueryTimestamps, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("GetWatchQuery mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGetWatchQueryNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	_, err := s.GetWatchQuery(ctx, 12345)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveWatchQueries(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	queries := []model.WatchQuery{
		{OwnerID: "u", Name: "A", Keywords: []string{"a"}, IntervalMinutes: 30, WebhookURL: "https://h.test/a", IsActive: true, NextRun: time.Now().UTC()},
		{OwnerID: "u", Name: "B", Keywords: []string{"b"}, IntervalMinutes: 30, WebhookURL: "https://h.test/b", IsActive: false, NextRun: time.Now().UTC()},
		{OwnerID: "v", Name: "C", Keywords: []string{"c"}, IntervalMinutes: 30, WebhookURL: "https://h.test/c", IsActive: true, NextRun: time.Now().UTC()},
	}
	for i := range queries {
		if err := s.CreateWatchQuery(ctx, &queries[i]); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	active, err := s.ListActiveWatchQueries(ctx)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	var names []string
	for _, q := range active {
		names = append(names, q.Name)
	}
	if diff := cmp.Diff([]string{"A", "C"}, names); diff != "" {
		t.Errorf("active queries mismatch (-want +got):\n%s", diff)
	}

	mine, err := s.ListWatchQueries(ctx, "u")
	if err != nil {
		t.Fatalf("list owned: %v", err)
	}
	if len(mine) != 2 {
		t.Errorf("expected 2 queries for owner u, got %d", len(mine))
	}
}

func TestUpdateWatchQueryRun(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	q := model.WatchQuery{
		OwnerID: "u", Name: "A", Keywords: []string{"a"},
		IntervalMinutes: 60, WebhookURL: "https://h.test/a",
		IsActive: true, NextRun: time.Now().UTC(),
	}
	if err := s.CreateWatchQuery(ctx, &q); err != nil {
		t.Fatalf("create: %v", err)
	}

	lastRun := time.Now().UTC().Truncate(time.Second)
	nextRun := lastRun.Add(time.Hour)
	if err := s.UpdateWatchQueryRun(ctx, q.ID, lastRun, nextRun); err != nil {
		t.Fatalf("update run: %v", err)
	}

	got, err := s.GetWatchQuery(ctx, q.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastRun == nil || !got.LastRun.Equal(lastRun) {
		t.Errorf("lastRun mismatch: %v", got.LastRun)
	}
	if !got.NextRun.Equal(nextRun) {
		t.Errorf("nextRun mismatch: want %v, got %v", nextRun, got.NextRun)
	}
}

func TestUpdateWatchQueryLeavesRunBookkeeping(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	q := model.WatchQuery{
		OwnerID: "u", Name: "A", Keywords: []string{"a"},
		IntervalMinutes: 60, WebhookURL: "https://h.test/a",
		IsActive: true, NextRun: time.Now().UTC(),
	}
	if err := s.CreateWatchQuery(ctx, &q); err != nil {
		t.Fatalf("create: %v", err)
	}

	// a run persists its watermark...
	lastRun := time.Now().UTC().Truncate(time.Second)
	nextRun := lastRun.Add(time.Hour)
	if err := s.UpdateWatchQueryRun(ctx, q.ID, lastRun, nextRun); err != nil {
		t.Fatalf("update run: %v", err)
	}

	// ...and a settings update carrying a stale snapshot must not undo it
	stale := q
	stale.Name = "renamed"
	if err := s.UpdateWatchQuery(ctx, &stale); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetWatchQuery(ctx, q.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "renamed" {
		t.Errorf("name not updated: %q", got.Name)
	}
	if got.LastRun == nil || !got.LastRun.Equal(lastRun) {
		t.Errorf("lastRun regressed by settings update: %v", got.LastRun)
	}
	if !got.NextRun.Equal(nextRun) {
		t.Errorf("nextRun regressed by settings update: %v", got.NextRun)
	}
}

func TestUpdateWatchQueryNextRun(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	q := model.WatchQuery{
		OwnerID: "u", Name: "A", Keywords: []string{"a"},
		IntervalMinutes: 60, WebhookURL: "https://h.test/a",
		IsActive: true, NextRun: time.Now().UTC(),
	}
	if err := s.CreateWatchQuery(ctx, &q); err != nil {
		t.Fatalf("create: %v", err)
	}

	lastRun := time.Now().UTC().Truncate(time.Second)
	if err := s.UpdateWatchQueryRun(ctx, q.ID, lastRun, lastRun.Add(time.Hour)); err != nil {
		t.Fatalf("update run: %v", err)
	}

	nextRun := lastRun.Add(2 * time.Hour)
	if err := s.UpdateWatchQueryNextRun(ctx, q.ID, nextRun); err != nil {
		t.Fatalf("update next run: %v", err)
	}

	got, err := s.GetWatchQuery(ctx, q.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.NextRun.Equal(nextRun) {
		t.Errorf("nextRun mismatch: want %v, got %v", nextRun, got.NextRun)
	}
	if got.LastRun == nil || !got.LastRun.Equal(lastRun) {
		t.Errorf("lastRun must be untouched: %v", got.LastRun)
	}
}

func TestDeleteWatchQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestDB(t)

	q := model.WatchQuery{
		OwnerID: "u", Name: "A", Keywords: []string{"a"},
		IntervalMinutes: 30, WebhookURL: "https://h.test/a",
		IsActive: true, NextRun: time.Now().UTC(),
	}
	if err := s.CreateWatchQuery(ctx, &q); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.DeleteWatchQuery(ctx, q.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetWatchQuery(ctx, q.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

// Ensure the Storage interface is satisfied.
var _ Storage = (*SQLite)(nil)
