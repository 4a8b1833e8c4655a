// Package scraper fetches the deal listing page, extracts normalized
// listings and ingests them into storage.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"

	"dealwatch/internal/model"
	"dealwatch/internal/storage"
)

// ErrFetchInProgress is returned when a fetch is triggered while
// another one is still running. Overlapping triggers are rejected
// rather than queued.
var ErrFetchInProgress = errors.New("fetch already in progress")

const (
	requestTimeout = 20 * time.Second

	browserUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124 Safari/537.36"
)

// Scraper downloads the trending page and upserts parsed listings.
type Scraper struct {
	sourceURL string
	interval  time.Duration
	store     storage.Storage
	log       *slog.Logger

	mu sync.Mutex // guards the single-fetch-in-flight invariant
}

// New creates a Scraper targeting sourceURL, re-fetching every
// intervalMinutes when run as a loop.
func New(sourceURL string, intervalMinutes int, store storage.Storage, log *slog.Logger) *Scraper {
	return &Scraper{
		sourceURL: sourceURL,
		interval:  time.Duration(intervalMinutes) * time.Minute,
		store:     store,
		log:       log,
	}
}

// Run performs an initial fetch and then re-fetches on a fixed cadence,
// blocking until ctx is cancelled.
func (s *Scraper) Run(ctx context.Context) {
	s.fetchLogged(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fetchLogged(ctx)
		}
	}
}

func (s *Scraper) fetchLogged(ctx context.Context) {
	if _, err := s.FetchAndIngest(ctx); err != nil {
		s.log.Error("scheduled fetch", "url", s.sourceURL, "error", err)
	}
}

// FetchAndIngest scrapes the source page once and upserts the parsed
// listings, returning only the rows that were newly inserted. At most
// one fetch runs at a time; an overlapping call fails with
// ErrFetchInProgress.
func (s *Scraper) FetchAndIngest(ctx context.Context) ([]model.Listing, error) {
	if !s.mu.TryLock() {
		return nil, ErrFetchInProgress
	}
	defer s.mu.Unlock()

	parsed, err := s.scrape()
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", s.sourceURL, err)
	}
	if len(parsed) == 0 {
		s.log.Warn("parsed zero listings; the page layout may have changed", "url", s.sourceURL)
		return nil, nil
	}

	inserted, err := s.store.UpsertListings(ctx, parsed)
	if err != nil {
		return nil, fmt.Errorf("upsert listings: %w", err)
	}

	s.log.Info("fetch complete", "parsed", len(parsed), "inserted", len(inserted))
	return inserted, nil
}

// scrape downloads and parses the page. A fresh collector is used per
// call so no visit state leaks between fetches.
func (s *Scraper) scrape() ([]model.Listing, error) {
	c := colly.NewCollector(colly.UserAgent(browserUserAgent))
	c.SetRequestTimeout(requestTimeout)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-CA,en;q=0.9")
		r.Headers.Set("Cache-Control", "no-cache")
	})

	var (
		listings []model.Listing
		seen     = make(map[string]bool)
	)

	c.OnHTML("ul.topiclist.topics li.topic", func(e *colly.HTMLElement) {
		l, ok := parseTopic(e)
		if !ok {
			return
		}
		// pages may render the same listing in more than one fragment
		if seen[l.URL] {
			return
		}
		seen[l.URL] = true
		listings = append(listings, l)
	})

	c.OnError(func(r *colly.Response, err error) {
		s.log.Error("fetch listing page", "url", s.sourceURL, "status", r.StatusCode, "error", err)
	})

	if err := c.Visit(s.sourceURL); err != nil {
		return nil, err
	}
	c.Wait()

	return listings, nil
}

func parseTopic(e *colly.HTMLElement) (model.Listing, bool) {
	now := time.Now().UTC()

	link := e.DOM.Find("h3.thread_title a.thread_title_link").First()
	title := strings.TrimSpace(link.Text())
	href, _ := link.Attr("href")
	listingURL := e.Request.AbsoluteURL(href)
	if title == "" || listingURL == "" {
		return model.Listing{}, false
	}

	category := firstText(e.DOM, ".thread_inner_header .thread_category")
	if category == "" {
		category = "Other"
	}

	created := readTime(e.DOM, ".thread_outer_header .author_info time")
	if created.IsZero() {
		created = readTime(e.DOM, ".thread_inner_footer .author_info time")
	}
	if created.IsZero() {
		created = now
	}

	// stats live in the inner footer when present, otherwise the outer one
	stats := e.DOM.Find(".thread_info .thread_inner_footer")
	if stats.Length() == 0 {
		stats = e.DOM.Find(".thread_outer_footer")
	}

	lastActivity := readTime(stats, ".last_post time")
	if lastActivity.IsZero() {
		lastActivity = readTime(e.DOM, ".last_post time")
	}
	if lastActivity.IsZero() {
		lastActivity = now
	}

	imageURL := ""
	if src, ok := e.DOM.Find(".thread_image img").First().Attr("src"); ok && src != "" {
		imageURL = e.Request.AbsoluteURL(src)
	}

	return model.Listing{
		URL:            listingURL,
		Title:          title,
		Category:       category,
		Created:        created,
		LastActivity:   lastActivity,
		Votes:          parseCount(firstText(stats, ".votes.thread_stat span")),
		Views:          parseCount(firstText(stats, ".views.thread_stat")),
		CommentCount:   parseCount(firstText(stats, ".posts.thread_stat span")),
		DealerName:     firstText(e.DOM, ".thread_inner_header .thread_dealer span"),
		SavingsText:    firstText(e.DOM, ".thread_inner_header .savings"),
		SourceThreadID: strings.TrimSpace(e.Attr("data-thread-id")),
		ImageURL:       imageURL,
	}, true
}

func firstText(sel *goquery.Selection, selector string) string {
	return strings.TrimSpace(sel.Find(selector).First().Text())
}

func readTime(sel *goquery.Selection, selector string) time.Time {
	iso, ok := sel.Find(selector).First().Attr("datetime")
	if !ok {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(iso))
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// parseCount reads a counter that may carry thousands separators or
// other decoration. Unparseable or negative values become 0.
func parseCount(txt string) int {
	cleaned := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' || r == '-' {
			return r
		}
		return -1
	}, txt)
	if cleaned == "" || cleaned == "-" {
		return 0
	}
	n, err := strconv.Atoi(cleaned)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
