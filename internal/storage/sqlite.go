package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"dealwatch/internal/model"
	"dealwatch/migrations"
)

const timeLayout = "2006-01-02T15:04:05Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

const listingColumns = `id, url, title, description, category, created, last_activity,
	votes, views, comment_count, dealer_name, savings_text, source_thread_id, image_url`

// UpsertListings writes a scraped snapshot in a single transaction.
// URL is the identity: title, url and created are set only on first
// insert, counters and last_activity are refreshed on every sighting,
// and optional fields are refreshed only when the new value is
// non-empty. The returned slice contains only the newly inserted rows.
func (s *SQLite) UpsertListings(ctx context.Context, listings []model.Listing) ([]model.Listing, error) {
	if len(listings) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	existing, err := existingURLs(ctx, tx, listings)
	if err != nil {
		return nil, err
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO listings (url, title, description, category, created, last_activity,
		                       votes, views, comment_count, dealer_name, savings_text, source_thread_id, image_url)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(url) DO UPDATE SET
		   votes = excluded.votes,
		   views = excluded.views,
		   comment_count = excluded.comment_count,
		   last_activity = excluded.last_activity,
		   category = excluded.category,
		   description = CASE WHEN excluded.description != '' THEN excluded.description ELSE description END,
		   dealer_name = CASE WHEN excluded.dealer_name != '' THEN excluded.dealer_name ELSE dealer_name END,
		   savings_text = CASE WHEN excluded.savings_text != '' THEN excluded.savings_text ELSE savings_text END,
		   source_thread_id = CASE WHEN excluded.source_thread_id != '' THEN excluded.source_thread_id ELSE source_thread_id END,
		   image_url = CASE WHEN excluded.image_url != '' THEN excluded.image_url ELSE image_url END`,
	)
	if err != nil {
		return nil, fmt.Errorf("prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	var newURLs []string
	for _, l := range listings {
		_, err := stmt.ExecContext(ctx,
			l.URL, l.Title, l.Description, l.Category,
			l.Created.UTC().Format(timeLayout), l.LastActivity.UTC().Format(timeLayout),
			l.Votes, l.Views, l.CommentCount,
			l.DealerName, l.SavingsText, l.SourceThreadID, l.ImageURL,
		)
		if err != nil {
			return nil, fmt.Errorf("upsert listing %s: %w", l.URL, err)
		}
		if !existing[l.URL] {
			newURLs = append(newURLs, l.URL)
		}
	}

	inserted, err := listingsByURL(ctx, tx, newURLs)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

func existingURLs(ctx context.Context, tx *sql.Tx, listings []model.Listing) (map[string]bool, error) {
	placeholders := make([]string, len(listings))
	args := make([]any, len(listings))
	for i, l := range listings {
		placeholders[i] = "?"
		args[i] = l.URL
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT url FROM listings WHERE url IN (`+strings.Join(placeholders, ",")+`)`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query existing urls: %w", err)
	}
	defer func() { _ = rows.Close() }()

	existing := make(map[string]bool)
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan url: %w", err)
		}
		existing[u] = true
	}
	return existing, rows.Err()
}

func listingsByURL(ctx context.Context, tx *sql.Tx, urls []string) ([]model.Listing, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(urls))
	args := make([]any, len(urls))
	for i, u := range urls {
		placeholders[i] = "?"
		args[i] = u
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE url IN (`+strings.Join(placeholders, ",")+`) ORDER BY id`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query inserted listings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanListings(rows)
}

// SearchListings returns listings created at or after spec.Since that
// match the given keywords and categories, newest first. Keywords are
// escaped before use so user input is never interpreted as a pattern.
func (s *SQLite) SearchListings(ctx context.Context, spec MatchSpec) ([]model.Listing, error) {
	var (
		conds []string
		args  []any
	)

	conds = append(conds, "created >= ?")
	args = append(args, spec.Since.UTC().Format(timeLayout))

	if len(spec.Keywords) > 0 {
		var kw []string
		for _, k := range spec.Keywords {
			pattern := "%" + escapeLike(k) + "%"
			kw = append(kw, `title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\'`)
			args = append(args, pattern, pattern)
		}
		conds = append(conds, "("+strings.Join(kw, " OR ")+")")
	}

	if len(spec.Categories) > 0 {
		placeholders := make([]string, len(spec.Categories))
		for i, c := range spec.Categories {
			placeholders[i] = "?"
			args = append(args, c)
		}
		conds = append(conds, "category IN ("+strings.Join(placeholders, ",")+")")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE `+strings.Join(conds, " AND ")+`
		 ORDER BY created DESC, id DESC`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("search listings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanListings(rows)
}

var listingSortColumns = map[string]string{
	"created":       "created",
	"votes":         "votes",
	"views":         "views",
	"comment_count": "comment_count",
	"last_activity": "last_activity",
}

// ListListings returns a page of listings for display.
func (s *SQLite) ListListings(ctx context.Context, filter ListingFilter) ([]model.Listing, error) {
	var (
		conds = []string{"1=1"}
		args  []any
	)

	if filter.Category != "" && filter.Category != "all" {
		conds = append(conds, "category = ?")
		args = append(args, filter.Category)
	}
	if filter.Search != "" {
		pattern := "%" + escapeLike(filter.Search) + "%"
		conds = append(conds, `(title LIKE ? ESCAPE '\' OR description LIKE ? ESCAPE '\' OR dealer_name LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}

	sortCol, ok := listingSortColumns[filter.Sort]
	if !ok {
		sortCol = "created"
	}

	limit := filter.Limit
	if limit < 1 || limit > 200 {
		limit = 100
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+listingColumns+` FROM listings
		 WHERE `+strings.Join(conds, " AND ")+`
		 ORDER BY `+sortCol+` DESC, id DESC LIMIT ? OFFSET ?`, args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanListings(rows)
}

// escapeLike escapes LIKE metacharacters so the value matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// CreateWatchQuery inserts a new watch query and populates its ID and CreatedAt.
func (s *SQLite) CreateWatchQuery(ctx context.Context, q *model.WatchQuery) error {
	keywords, categories, err := encodeLists(q)
	if err != nil {
		return err
	}

	now := time.Now().UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO watch_queries (owner_id, name, keywords, categories, interval_minutes,
		                            webhook_url, is_active, last_run, next_run, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.OwnerID, q.Name, keywords, categories, q.IntervalMinutes,
		q.WebhookURL, boolToInt(q.IsActive), nullableTime(q.LastRun),
		q.NextRun.UTC().Format(timeLayout), now,
	)
	if err != nil {
		return fmt.Errorf("insert watch query: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	q.ID = id
	q.CreatedAt, _ = time.Parse(timeLayout, now)
	return nil
}

const watchQueryColumns = `id, owner_id, name, keywords, categories, interval_minutes,
	webhook_url, is_active, last_run, next_run, created_at`

// GetWatchQuery returns a single watch query by its ID.
func (s *SQLite) GetWatchQuery(ctx context.Context, id int64) (*model.WatchQuery, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+watchQueryColumns+` FROM watch_queries WHERE id = ?`, id,
	)
	return scanWatchQuery(row)
}

// ListWatchQueries returns all watch queries belonging to the given owner.
func (s *SQLite) ListWatchQueries(ctx context.Context, ownerID string) ([]model.WatchQuery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+watchQueryColumns+` FROM watch_queries WHERE owner_id = ? ORDER BY id`, ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("query watch queries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanWatchQueries(rows)
}

// ListActiveWatchQueries returns every active watch query. The scheduler
// uses this at bootstrap to rebuild its timer set.
func (s *SQLite) ListActiveWatchQueries(ctx context.Context) ([]model.WatchQuery, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+watchQueryColumns+` FROM watch_queries WHERE is_active = 1 ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query active watch queries: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanWatchQueries(rows)
}

// UpdateWatchQuery persists the user-editable fields of a watch query.
// The scheduling bookkeeping (last_run, next_run) is owned by the
// scheduler and is not written here.
func (s *SQLite) UpdateWatchQuery(ctx context.Context, q *model.WatchQuery) error {
	keywords, categories, err := encodeLists(q)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE watch_queries SET name = ?, keywords = ?, categories = ?, interval_minutes = ?,
		        webhook_url = ?, is_active = ?
		 WHERE id = ?`,
		q.Name, keywords, categories, q.IntervalMinutes,
		q.WebhookURL, boolToInt(q.IsActive), q.ID,
	)
	if err != nil {
		return fmt.Errorf("update watch query: %w", err)
	}
	return nil
}

// UpdateWatchQueryNextRun moves only the next run marker. Used when an
// interval change restarts the schedule from now.
func (s *SQLite) UpdateWatchQueryNextRun(ctx context.Context, id int64, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE watch_queries SET next_run = ? WHERE id = ?`,
		nextRun.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("update watch query next run: %w", err)
	}
	return nil
}

// UpdateWatchQueryRun advances the scheduling bookkeeping of a query
// after an execution.
func (s *SQLite) UpdateWatchQueryRun(ctx context.Context, id int64, lastRun time.Time, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE watch_queries SET last_run = ?, next_run = ? WHERE id = ?`,
		lastRun.UTC().Format(timeLayout), nextRun.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("update watch query run: %w", err)
	}
	return nil
}

// DeleteWatchQuery removes a watch query by its ID.
func (s *SQLite) DeleteWatchQuery(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM watch_queries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete watch query: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(timeLayout)
	return &v
}

func encodeLists(q *model.WatchQuery) (keywords string, categories string, err error) {
	kw, err := json.Marshal(emptyIfNil(q.Keywords))
	if err != nil {
		return "", "", fmt.Errorf("encode keywords: %w", err)
	}
	cat, err := json.Marshal(emptyIfNil(q.Categories))
	if err != nil {
		return "", "", fmt.Errorf("encode categories: %w", err)
	}
	return string(kw), string(cat), nil
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type scannable interface {
	Scan(dest ...any) error
}

func scanListing(row scannable) (model.Listing, error) {
	var l model.Listing
	var created, lastActivity string
	err := row.Scan(
		&l.ID, &l.URL, &l.Title, &l.Description, &l.Category, &created, &lastActivity,
		&l.Votes, &l.Views, &l.CommentCount,
		&l.DealerName, &l.SavingsText, &l.SourceThreadID, &l.ImageURL,
	)
	if err != nil {
		return l, fmt.Errorf("scan listing: %w", err)
	}
	l.Created, _ = time.Parse(timeLayout, created)
	l.LastActivity, _ = time.Parse(timeLayout, lastActivity)
	return l, nil
}

func scanListings(rows *sql.Rows) ([]model.Listing, error) {
	var listings []model.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func scanWatchQuery(row scannable) (*model.WatchQuery, error) {
	var q model.WatchQuery
	var keywords, categories string
	var isActive int
	var lastRun sql.NullString
	var nextRun, created string
	err := row.Scan(
		&q.ID, &q.OwnerID, &q.Name, &keywords, &categories, &q.IntervalMinutes,
		&q.WebhookURL, &isActive, &lastRun, &nextRun, &created,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan watch query: %w", err)
	}
	if err := json.Unmarshal([]byte(keywords), &q.Keywords); err != nil {
		return nil, fmt.Errorf("decode keywords: %w", err)
	}
	if err := json.Unmarshal([]byte(categories), &q.Categories); err != nil {
		return nil, fmt.Errorf("decode categories: %w", err)
	}
	q.IsActive = isActive == 1
	if lastRun.Valid {
		t, _ := time.Parse(timeLayout, lastRun.String)
		q.LastRun = &t
	}
	q.NextRun, _ = time.Parse(timeLayout, nextRun)
	q.CreatedAt, _ = time.Parse(timeLayout, created)
	return &q, nil
}

func scanWatchQueries(rows *sql.Rows) ([]model.WatchQuery, error) {
	var queries []model.WatchQuery
	for rows.Next() {
		q, err := scanWatchQuery(rows)
		if err != nil {
			return nil, err
		}
		queries = append(queries, *q)
	}
	return queries, rows.Err()
}
