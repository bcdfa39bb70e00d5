package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/conorfennell/knolsched/internal/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCardGraded(t *testing.T) {
	m := New()
	m.CardGraded(domain.ReviewEvent{Grade: domain.Again, PriorState: domain.Review})
	m.CardGraded(domain.ReviewEvent{Grade: domain.Again, PriorState: domain.Learning})
	m.CardGraded(domain.ReviewEvent{Grade: domain.Good, PriorState: domain.New})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.GradesTotal.WithLabelValues("Again", "Review")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GradesTotal.WithLabelValues("Good", "New")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LapsesTotal), "only review-phase Again is a lapse")
}

func TestQueueRecorder(t *testing.T) {
	m := New()
	m.QueueBuilt(7, 3*time.Millisecond)
	m.QueueAnomaly("deck_mismatch")
	m.QueueAnomaly("deck_mismatch")

	assert.Equal(t, 7.0, testutil.ToFloat64(m.QueueSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AnomaliesTotal.WithLabelValues("deck_mismatch")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.RecordRequest("grade", "200")
	m.SetDue("go", 3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	out := string(body)
	assert.True(t, strings.Contains(out, `knolsched_http_requests_total{route="grade",status="200"} 1`), out)
	assert.True(t, strings.Contains(out, `knolsched_due_cards{deck="go"} 3`), out)
}
