// Package web serves the review service as a JSON API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/conorfennell/knolsched/internal/importer"
	"github.com/conorfennell/knolsched/internal/review"
	"github.com/conorfennell/knolsched/internal/stats"
)

const defaultForecastDays = 7

// Syncer re-imports card sources. importer.Importer implements it.
type Syncer interface {
	SyncAll(ctx context.Context, sources []string) []importer.Result
}

// RequestRecorder counts served requests. metrics.Metrics implements it.
type RequestRecorder interface {
	RecordRequest(route, status string)
	Handler() http.Handler
}

// Options configures a Server. Only Service is required.
type Options struct {
	Service *review.Service
	Syncer  Syncer
	Sources []string
	Metrics RequestRecorder
	Logger  *slog.Logger
	Clock   func() time.Time
}

// Server holds the dependencies for the HTTP server.
type Server struct {
	svc     *review.Service
	syncer  Syncer
	sources []string
	metrics RequestRecorder
	logger  *slog.Logger
	clock   func() time.Time
	router  *http.ServeMux
}

// NewServer creates and configures a new server.
func NewServer(opts Options) *Server {
	s := &Server{
		svc:     opts.Service,
		syncer:  opts.Syncer,
		sources: opts.Sources,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		clock:   opts.Clock,
		router:  http.NewServeMux(),
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	s.routes()
	return s
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.handle("GET /decks", "decks", s.handleDecks)
	s.handle("GET /decks/{id}", "deck", s.handleDeck)
	s.handle("GET /decks/{id}/cards", "deck_cards", s.handleDeckCards)
	s.handle("GET /decks/{id}/stats", "deck_stats", s.handleStats)
	s.handle("GET /decks/{id}/forecast", "deck_forecast", s.handleForecast)

	s.handle("GET /cards/{id}", "card", s.handleCard)
	s.handle("GET /cards/{id}/due", "card_due", s.handleDue)
	s.handle("GET /cards/{id}/preview", "card_preview", s.handlePreview)
	s.handle("GET /cards/{id}/history", "card_history", s.handleHistory)
	s.handle("POST /cards/{id}/grade", "grade", s.handleGrade)
	s.handle("POST /cards/{id}/reschedule", "reschedule", s.handleReschedule)

	s.handle("GET /queue", "queue", s.handleQueue)
	s.handle("GET /export", "export", s.handleExport)
	s.handle("POST /sync", "sync", s.handleSync)

	if s.metrics != nil {
		s.router.Handle("GET /metrics", s.metrics.Handler())
	}
}

// handle registers h under pattern and counts its responses by route name.
func (s *Server) handle(pattern, route string, h http.HandlerFunc) {
	s.router.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		h(sw, r)
		if s.metrics != nil {
			s.metrics.RecordRequest(route, strconv.Itoa(sw.status))
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleDecks(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.svc.Decks())
}

func (s *Server) handleDeck(w http.ResponseWriter, r *http.Request) {
	deck, err := s.svc.Deck(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, deck)
}

// handleDeckCards lists a deck's cards, optionally only those carrying ?tag=.
func (s *Server) handleDeckCards(w http.ResponseWriter, r *http.Request) {
	cards, err := s.svc.Cards(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tag := r.URL.Query().Get("tag"); tag != "" {
		filtered := cards[:0]
		for _, c := range cards {
			if c.Content.HasTag(tag) {
				filtered = append(filtered, c)
			}
		}
		cards = filtered
	}
	if cards == nil {
		cards = []domain.Card{}
	}
	s.writeJSON(w, http.StatusOK, cards)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	var window stats.Window
	var err error
	q := r.URL.Query()
	if window.From, err = parseTime(q.Get("from")); err != nil {
		s.badRequest(w, "invalid from: "+err.Error())
		return
	}
	if window.To, err = parseTime(q.Get("to")); err != nil {
		s.badRequest(w, "invalid to: "+err.Error())
		return
	}
	report, err := s.svc.Stats(r.PathValue("id"), window, s.clock())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	days := defaultForecastDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.badRequest(w, "days must be a positive integer")
			return
		}
		days = n
	}
	forecast, err := s.svc.Forecast(r.PathValue("id"), s.clock(), days)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, forecast)
}

func (s *Server) handleCard(w http.ResponseWriter, r *http.Request) {
	card, err := s.svc.Card(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, card)
}

type dueResponse struct {
	CardID string    `json:"card_id"`
	DueAt  time.Time `json:"due_at"`
	Due    bool      `json:"due"`
}

func (s *Server) handleDue(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	due, err := s.svc.NextDue(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, dueResponse{CardID: id, DueAt: due, Due: !due.After(s.clock())})
}

type previewOption struct {
	Grade    domain.Grade `json:"grade"`
	State    domain.State `json:"state"`
	Interval float64      `json:"interval"`
	DueAt    time.Time    `json:"due_at"`
}

// handlePreview shows where each answer button would schedule the card.
func (s *Server) handlePreview(w http.ResponseWriter, r *http.Request) {
	preview, err := s.svc.Preview(r.PathValue("id"), s.clock())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]previewOption, 0, len(domain.Grades))
	for _, g := range domain.Grades {
		c := preview[g]
		out = append(out, previewOption{Grade: g, State: c.State, Interval: c.Interval, DueAt: c.DueAt})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.History(r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []domain.ReviewEvent{}
	}
	s.writeJSON(w, http.StatusOK, events)
}

type gradeRequest struct {
	Grade string     `json:"grade"`
	Now   *time.Time `json:"now,omitempty"`
}

func (s *Server) handleGrade(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.badRequest(w, "invalid request body")
		return
	}
	grade, err := domain.ParseGrade(req.Grade)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	now := s.clock()
	if req.Now != nil {
		now = *req.Now
	}
	card, err := s.svc.GradeCard(r.Context(), r.PathValue("id"), grade, now)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, card)
}

type rescheduleRequest struct {
	Due time.Time `json:"due"`
}

func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Due.IsZero() {
		s.badRequest(w, "request body must carry a due time")
		return
	}
	card, err := s.svc.Reschedule(r.Context(), r.PathValue("id"), req.Due)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, card)
}

type queueResponse struct {
	Cards []string `json:"cards"`
	Count int      `json:"count"`
}

// handleQueue builds the review queue for every ?deck= given, or all decks.
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	ids, err := s.svc.BuildQueue(r.Context(), r.URL.Query()["deck"], s.clock())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	s.writeJSON(w, http.StatusOK, queueResponse{Cards: ids, Count: len(ids)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := s.svc.Export().WriteJSON(w); err != nil {
		s.logger.Error("failed to write export", "error", err)
	}
}

type syncResult struct {
	Source  string   `json:"source"`
	Decks   int      `json:"decks"`
	Parsed  int      `json:"parsed"`
	Added   int      `json:"added"`
	Orphans int      `json:"orphans"`
	Errors  []string `json:"errors,omitempty"`
}

// handleSync runs a sync in the foreground and reports what each source contributed.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		s.writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "no sources configured"})
		return
	}
	results := s.syncer.SyncAll(r.Context(), s.sources)
	out := make([]syncResult, 0, len(results))
	for _, res := range results {
		sr := syncResult{
			Source:  res.Source,
			Decks:   res.Decks,
			Parsed:  res.Parsed,
			Added:   res.Added,
			Orphans: res.Orphans,
		}
		for _, err := range res.Errors {
			sr.Errors = append(sr.Errors, err.Error())
		}
		out = append(out, sr)
	}
	s.writeJSON(w, http.StatusOK, out)
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) badRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg})
}

// writeError maps domain errors onto status codes. Anything unrecognized is a 500
// and its detail stays in the log.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = http.StatusText(status)
	}
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrClockSkew):
		return http.StatusConflict
	case errors.Is(err, domain.ErrPolicyViolation), errors.Is(err, domain.ErrInvalidState):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseTime accepts RFC 3339 or a bare date. Empty means unbounded.
func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, v)
}
