package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsAreNoOps(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordRPCCall("GetTransaction", "success", "devnet", 0.1)
		m.RecordSettlement("direct", "settled", 1)
		m.RecordVerificationAttempts("accepted", 2)
		m.RecordMintResult("failed", 0.5)
		m.RecordDistributionPlan("pooled", 3, 1)
		m.RecordLedgerWrite("create_investment", 0.01, nil)
		m.RecordHTTPRequest("/health", "GET", 200, 0.001)
	})
}

func TestSettlementMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.RecordSettlement("pooled", "settled", 2.5)
	m.RecordSettlement("pooled", "verification", 10)
	m.RecordMintResult("succeeded", 1)
	m.RecordMintResult("succeeded", 1)
	m.RecordMintResult("failed", 1)
	m.RecordDistributionPlan("pooled", 3, 1)
	m.RecordDistributionPlan("pooled", 3, 0)
	m.RecordLedgerWrite("create_transaction", 0.01, errors.New("boom"))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlementsTotal.WithLabelValues("pooled", "settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlementsTotal.WithLabelValues("pooled", "verification")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.mintResultsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.mintResultsTotal.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.distributionRemainder.WithLabelValues("pooled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ledgerWritesTotal.WithLabelValues("create_transaction", "error")))
}

func TestHTTPMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	handler := HTTPMetricsMiddleware(m, "/api/v1/investments")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/investments", nil))

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/api/v1/investments", "POST", "4xx")))
}

func TestHTTPMetricsMiddleware_ImplicitOKAndNilMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	body := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	HTTPMetricsMiddleware(m, "/health")(body).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/health", "GET", "2xx")))

	rec = httptest.NewRecorder()
	HTTPMetricsMiddleware(nil, "/health")(body).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusCodeToString(t *testing.T) {
	tests := map[int]string{200: "2xx", 302: "3xx", 404: "4xx", 503: "5xx", 99: "unknown"}
	for code, want := range tests {
		assert.Equal(t, want, statusCodeToString(code))
	}
}
