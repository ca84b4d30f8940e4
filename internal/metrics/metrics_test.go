package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndHandler(t *testing.T) {
	m := New()
	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed("PASSED")
	m.VoteRecorded("APPROVE", false)
	m.VoteRecorded("APPROVE", true)
	m.Revocation("blocked")
	m.OperationError("cast_vote", "conflict")
	m.ObserveOperation("cast_vote", 0.01)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sessionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sessionsClosed.WithLabelValues("PASSED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.votes.WithLabelValues("APPROVE", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.revocations.WithLabelValues("blocked")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "concord_voting_sessions_opened_total 2")
	assert.Contains(t, string(body), `concord_operation_errors_total{code="conflict",operation="cast_vote"} 1`)
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SessionOpened()
		m.SessionClosed("REJECTED")
		m.VoteRecorded("REJECT", false)
		m.Revocation("revoked")
		m.OperationError("x", "y")
		m.ObserveOperation("x", 1)
	})
	assert.Nil(t, m.Registry())
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
