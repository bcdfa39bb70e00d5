package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/conorfennell/knolsched/internal/importer"
	"github.com/conorfennell/knolsched/internal/metrics"
	"github.com/conorfennell/knolsched/internal/review"
	"github.com/conorfennell/knolsched/internal/srs"
	"github.com/conorfennell/knolsched/internal/stats"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

type fakeSyncer struct {
	sources []string
}

func (f *fakeSyncer) SyncAll(_ context.Context, sources []string) []importer.Result {
	f.sources = sources
	return []importer.Result{{Source: sources[0], Decks: 1, Added: 2, Errors: []error{errors.New("bad file")}}}
}

func newTestServer(t *testing.T) (*Server, *review.Service, *metrics.Metrics) {
	t.Helper()
	params := srs.DefaultParams()
	params.DisableFuzz = true
	m := metrics.New()
	svc := review.New(review.Config{Params: params, Recorder: m})
	ctx := context.Background()

	policy := domain.DefaultPolicy()
	require.NoError(t, svc.AddDeck(ctx, domain.Deck{ID: "go", Name: "Go", Policy: policy, CreatedAt: t0}))
	_, err := svc.AddCards(ctx, []domain.Card{
		domain.NewCard("c1", "go", 0, domain.Content{Kind: domain.TextContent, Question: "chan?", Answer: "pipe", Tags: []string{"concurrency"}}, policy.InitialEase, t0),
		domain.NewCard("c2", "go", 0, domain.Content{Kind: domain.TextContent, Question: "defer?", Answer: "later"}, policy.InitialEase, t0),
	})
	require.NoError(t, err)

	s := NewServer(Options{
		Service: svc,
		Syncer:  &fakeSyncer{},
		Sources: []string{"./decks"},
		Metrics: m,
		Clock:   func() time.Time { return t0 },
	})
	return s, svc, m
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

func TestGradeCard(t *testing.T) {
	s, svc, m := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/cards/c1/grade", `{"grade":"Good"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	card := decode[domain.Card](t, rec)
	assert.Equal(t, domain.Learning, card.State)
	require.NotNil(t, card.LastReview)
	assert.True(t, card.LastReview.Equal(t0))

	stored, err := svc.Card("c1")
	require.NoError(t, err)
	assert.Equal(t, stored.State, card.State)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("grade", "200")))

	rec = do(t, s, http.MethodPost, "/cards/c2/grade", `{"grade":"4","now":"2025-06-15T11:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	card = decode[domain.Card](t, rec)
	assert.True(t, card.LastReview.Equal(t0.Add(time.Hour)))
}

func TestGradeErrors(t *testing.T) {
	s, _, m := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/cards/c1/grade", `{"grade":"Good"}`).Code)

	tests := []struct {
		name   string
		target string
		body   string
		want   int
	}{
		{"unknown card", "/cards/nope/grade", `{"grade":"Good"}`, http.StatusNotFound},
		{"bad grade", "/cards/c1/grade", `{"grade":"Perfect"}`, http.StatusUnprocessableEntity},
		{"grade out of range", "/cards/c1/grade", `{"grade":"5"}`, http.StatusUnprocessableEntity},
		{"clock skew", "/cards/c1/grade", `{"grade":"Good","now":"2025-06-15T09:00:00Z"}`, http.StatusConflict},
		{"malformed body", "/cards/c1/grade", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, tt.target, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decode[errorResponse](t, rec).Error)
		})
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("grade", "404")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("grade", "422")))
}

func TestDueAndPreview(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/cards/c1/due", "")
	require.Equal(t, http.StatusOK, rec.Code)
	due := decode[dueResponse](t, rec)
	assert.Equal(t, "c1", due.CardID)
	assert.True(t, due.Due)
	assert.True(t, due.DueAt.Equal(t0))

	rec = do(t, s, http.MethodGet, "/cards/c1/preview", "")
	require.Equal(t, http.StatusOK, rec.Code)
	options := decode[[]previewOption](t, rec)
	require.Len(t, options, 4)
	assert.Equal(t, domain.Again, options[0].Grade)
	assert.Equal(t, domain.Easy, options[3].Grade)
	assert.False(t, options[3].DueAt.Before(options[0].DueAt))

	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/cards/nope/due", "").Code)
}

func TestQueue(t *testing.T) {
	s, _, m := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/queue?deck=go", "")
	require.Equal(t, http.StatusOK, rec.Code)
	q := decode[queueResponse](t, rec)
	assert.Equal(t, []string{"c1", "c2"}, q.Cards)
	assert.Equal(t, 2, q.Count)

	rec = do(t, s, http.MethodGet, "/queue", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, decode[queueResponse](t, rec).Count)

	rec = do(t, s, http.MethodGet, "/queue?deck=missing&deck=go", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"c1", "c2"}, decode[queueResponse](t, rec).Cards)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AnomaliesTotal.WithLabelValues("missing_deck")))
}

func TestDeckEndpoints(t *testing.T) {
	s, _, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/cards/c1/grade", `{"grade":"Again"}`).Code)

	rec := do(t, s, http.MethodGet, "/decks", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decks := decode[[]domain.Deck](t, rec)
	require.Len(t, decks, 1)
	assert.Equal(t, "Go", decks[0].Name)

	rec = do(t, s, http.MethodGet, "/decks/go/cards?tag=concurrency", "")
	require.Equal(t, http.StatusOK, rec.Code)
	cards := decode[[]domain.Card](t, rec)
	require.Len(t, cards, 1)
	assert.Equal(t, "c1", cards[0].ID)

	rec = do(t, s, http.MethodGet, "/decks/go/stats?from=2025-06-15", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[stats.RetentionReport](t, rec)
	assert.Equal(t, 1, report.Reviews)
	assert.Equal(t, 2, report.Cards)

	rec = do(t, s, http.MethodGet, "/decks/go/stats?from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/decks/go/forecast?days=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]stats.DayForecast](t, rec), 3)

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodGet, "/decks/go/forecast?days=0", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/decks/nope/forecast", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, s, http.MethodGet, "/decks/nope", "").Code)
}

func TestHistoryAndReschedule(t *testing.T) {
	s, _, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPost, "/cards/c1/grade", `{"grade":"Good"}`).Code)

	rec := do(t, s, http.MethodGet, "/cards/c1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	events := decode[[]domain.ReviewEvent](t, rec)
	require.Len(t, events, 1)
	assert.Equal(t, domain.Good, events[0].Grade)

	rec = do(t, s, http.MethodGet, "/cards/c2/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[[]domain.ReviewEvent](t, rec))

	rec = do(t, s, http.MethodPost, "/cards/c1/reschedule", `{"due":"2025-07-01T00:00:00Z"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	card := decode[domain.Card](t, rec)
	assert.True(t, card.DueAt.Equal(time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)))

	assert.Equal(t, http.StatusBadRequest, do(t, s, http.MethodPost, "/cards/c1/reschedule", `{}`).Code)
}

func TestExportAndSync(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := do(t, s, http.MethodGet, "/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	snap, err := domain.ReadSnapshot(rec.Body)
	require.NoError(t, err)
	assert.Len(t, snap.Decks, 1)
	assert.Len(t, snap.Cards, 2)

	rec = do(t, s, http.MethodPost, "/sync", "")
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode[[]syncResult](t, rec)
	require.Len(t, results, 1)
	assert.Equal(t, "./decks", results[0].Source)
	assert.Equal(t, []string{"bad file"}, results[0].Errors)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	do(t, s, http.MethodGet, "/decks", "")

	rec := do(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `knolsched_http_requests_total{route="decks",status="200"} 1`)
}

func TestMethodNotAllowed(t *testing.T) {
	s, _, _ := newTestServer(t)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, s, http.MethodGet, "/cards/c1/grade", "").Code)
}
