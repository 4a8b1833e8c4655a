// Package notifier delivers watch query matches to user webhooks.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dealwatch/internal/model"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Notifier delivers match notifications. Delivery is best effort:
// the caller logs a returned error but never retries or escalates.
type Notifier interface {
	Notify(ctx context.Context, q model.WatchQuery, matches []model.Listing) error
}

const deliveryTimeout = 5 * time.Second

// Webhook implements Notifier by POSTing a JSON payload to the
// query's webhook URL under a short bounded timeout.
type Webhook struct {
	client  HTTPClient
	timeout time.Duration
}

// NewWebhook creates a Webhook notifier with the given HTTP client.
func NewWebhook(client HTTPClient) *Webhook {
	return &Webhook{
		client:  client,
		timeout: deliveryTimeout,
	}
}

type matchSummary struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Created      time.Time `json:"created"`
	Votes        int       `json:"votes"`
	Views        int       `json:"views"`
	CommentCount int       `json:"commentCount"`
	Category     string    `json:"category"`
}

type payload struct {
	QueryName  string         `json:"queryName"`
	QueryID    int64          `json:"queryId"`
	MatchCount int            `json:"matchCount"`
	Matches    []matchSummary `json:"matches"`
}

// Notify sends the matches to the query's webhook URL.
func (w *Webhook) Notify(ctx context.Context, q model.WatchQuery, matches []model.Listing) error {
	summaries := make([]matchSummary, 0, len(matches))
	for _, m := range matches {
		summaries = append(summaries, matchSummary{
			ID:           m.ID,
			Title:        m.Title,
			URL:          m.URL,
			Created:      m.Created,
			Votes:        m.Votes,
			Views:        m.Views,
			CommentCount: m.CommentCount,
			Category:     m.Category,
		})
	}

	body, err := json.Marshal(payload{
		QueryName:  q.Name,
		QueryID:    q.ID,
		MatchCount: len(matches),
		Matches:    summaries,
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4*1024))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
