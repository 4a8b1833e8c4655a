// Package server exposes the HTTP API over the deal store and watch
// query service. Authentication lives in an external layer; the
// verified principal arrives in the X-Owner-ID header.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dealwatch/internal/model"
	"dealwatch/internal/scraper"
	"dealwatch/internal/storage"
	"dealwatch/internal/watch"
)

const maxSearchLength = 100

// Fetcher triggers a manual scrape of the source page.
type Fetcher interface {
	FetchAndIngest(ctx context.Context) ([]model.Listing, error)
}

// Server is the HTTP API server.
type Server struct {
	store   storage.Storage
	queries *watch.Service
	fetcher Fetcher
	log     *slog.Logger
	router  chi.Router
}

// New creates a Server and sets up its routes.
func New(store storage.Storage, queries *watch.Service, fetcher Fetcher, log *slog.Logger) *Server {
	s := &Server{
		store:   store,
		queries: queries,
		fetcher: fetcher,
		log:     log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/api/health", s.handleHealth)

	r.Route("/api/deals", func(r chi.Router) {
		r.Get("/", s.handleListDeals)
		r.Post("/scrape", s.handleScrape)
	})

	r.Route("/api/queries", func(r chi.Router) {
		r.Post("/", s.handleCreateQuery)
		r.Get("/", s.handleListQueries)
		r.Get("/{id}", s.handleGetQuery)
		r.Put("/{id}", s.handleUpdateQuery)
		r.Delete("/{id}", s.handleDeleteQuery)
	})

	s.router = r
	return s
}

// Run serves the API until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	s.log.Info("http server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Handler returns the underlying router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	search := q.Get("search")
	if len(search) > maxSearchLength {
		writeError(w, http.StatusBadRequest, "search query too long (max 100 characters)")
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))
	page, _ := strconv.Atoi(q.Get("page"))

	listings, err := s.store.ListListings(r.Context(), storage.ListingFilter{
		Category: q.Get("category"),
		Search:   search,
		Sort:     q.Get("sort"),
		Limit:    limit,
		Page:     page,
	})
	if err != nil {
		s.log.Error("list deals", "error", err)
		writeError(w, http.StatusInternalServerError, "error fetching deals")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(listings),
		"deals": toDealViews(listings),
	})
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	inserted, err := s.fetcher.FetchAndIngest(r.Context())
	if err != nil {
		if errors.Is(err, scraper.ErrFetchInProgress) {
			writeError(w, http.StatusConflict, "a fetch is already in progress")
			return
		}
		s.log.Error("manual scrape", "error", err)
		writeError(w, http.StatusInternalServerError, "error triggering scrape")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(inserted),
		"deals": toDealViews(inserted),
	})
}

type queryRequest struct {
	Name            *string  `json:"name"`
	Keywords        []string `json:"keywords"`
	Categories      []string `json:"categories"`
	IntervalMinutes *int     `json:"intervalMinutes"`
	WebhookURL      *string  `json:"webhookUrl"`
	IsActive        *bool    `json:"isActive"`
}

func (s *Server) handleCreateQuery(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	p := watch.CreateParams{
		OwnerID:    owner,
		Keywords:   req.Keywords,
		Categories: req.Categories,
	}
	if req.Name != nil {
		p.Name = *req.Name
	}
	if req.IntervalMinutes != nil {
		p.IntervalMinutes = *req.IntervalMinutes
	}
	if req.WebhookURL != nil {
		p.WebhookURL = *req.WebhookURL
	}

	q, err := s.queries.Create(r.Context(), p)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toQueryView(*q))
}

func (s *Server) handleListQueries(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}

	queries, err := s.queries.List(r.Context(), owner)
	if err != nil {
		s.log.Error("list queries", "error", err)
		writeError(w, http.StatusInternalServerError, "error fetching queries")
		return
	}

	views := make([]queryView, 0, len(queries))
	for _, q := range queries {
		views = append(views, toQueryView(q))
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(views), "queries": views})
}

func (s *Server) handleGetQuery(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	id, err := queryID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query id")
		return
	}

	q, err := s.queries.Get(r.Context(), id, owner)
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueryView(*q))
}

func (s *Server) handleUpdateQuery(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	id, err := queryID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query id")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	q, err := s.queries.Update(r.Context(), id, owner, watch.UpdateParams{
		Name:            req.Name,
		Keywords:        req.Keywords,
		Categories:      req.Categories,
		IntervalMinutes: req.IntervalMinutes,
		WebhookURL:      req.WebhookURL,
		IsActive:        req.IsActive,
	})
	if err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueryView(*q))
}

func (s *Server) handleDeleteQuery(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerID(w, r)
	if !ok {
		return
	}
	id, err := queryID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid query id")
		return
	}

	if err := s.queries.Delete(r.Context(), id, owner); err != nil {
		s.writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "query deleted"})
}

func (s *Server) writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, watch.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "query not found")
	default:
		s.log.Error("watch query operation", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func ownerID(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := r.Header.Get("X-Owner-ID")
	if owner == "" {
		writeError(w, http.StatusUnauthorized, "missing owner identity")
		return "", false
	}
	return owner, true
}

func queryID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

type dealView struct {
	ID           int64     `json:"id"`
	Title        string    `json:"title"`
	URL          string    `json:"url"`
	Description  string    `json:"description,omitempty"`
	Category     string    `json:"category"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"lastActivity"`
	Votes        int       `json:"votes"`
	Views        int       `json:"views"`
	CommentCount int       `json:"commentCount"`
	DealerName   string    `json:"dealerName,omitempty"`
	SavingsText  string    `json:"savingsText,omitempty"`
	ImageURL     string    `json:"imageUrl,omitempty"`
}

func toDealViews(listings []model.Listing) []dealView {
	views := make([]dealView, 0, len(listings))
	for _, l := range listings {
		views = append(views, dealView{
			ID:           l.ID,
			Title:        l.Title,
			URL:          l.URL,
			Description:  l.Description,
			Category:     l.Category,
			Created:      l.Created,
			LastActivity: l.LastActivity,
			Votes:        l.Votes,
			Views:        l.Views,
			CommentCount: l.CommentCount,
			DealerName:   l.DealerName,
			SavingsText:  l.SavingsText,
			ImageURL:     l.ImageURL,
		})
	}
	return views
}

type queryView struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Keywords        []string   `json:"keywords"`
	Categories      []string   `json:"categories"`
	IntervalMinutes int        `json:"intervalMinutes"`
	WebhookURL      string     `json:"webhookUrl"`
	IsActive        bool       `json:"isActive"`
	LastRun         *time.Time `json:"lastRun,omitempty"`
	NextRun         time.Time  `json:"nextRun"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func toQueryView(q model.WatchQuery) queryView {
	return queryView{
		ID:              q.ID,
		Name:            q.Name,
		Keywords:        q.Keywords,
		Categories:      q.Categories,
		IntervalMinutes: q.IntervalMinutes,
		WebhookURL:      q.WebhookURL,
		IsActive:        q.IsActive,
		LastRun:         q.LastRun,
		NextRun:         q.NextRun,
		CreatedAt:       q.CreatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
