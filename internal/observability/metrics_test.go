package observability

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gatheredNames(t *testing.T, g prometheus.Gatherer) map[string]bool {
	t.Helper()
	families, err := g.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	return names
}

func TestCollectorsRegisterOnPrivateRegistry(t *testing.T) {
	HTTP().Observe("GET", "/api/v1/payments", 200, 10*time.Millisecond)
	Payments().RecordPayment("stripe", "completed")
	Breakers().RecordTransition("stripe", "open")
	Webhooks().RecordDelivery("sent", 20*time.Millisecond)

	names := gatheredNames(t, Registry())
	assert.True(t, names["payor_http_requests_total"])
	assert.True(t, names["payor_payments_processed_total"])
	assert.True(t, names["payor_breaker_state"])
	assert.True(t, names["payor_webhooks_deliveries_total"])

	// Nothing leaks onto the global default registry.
	defaultNames := gatheredNames(t, prometheus.DefaultGatherer)
	assert.False(t, defaultNames["payor_http_requests_total"])
}

func TestHandlerServesPrivateRegistry(t *testing.T) {
	HTTP().Observe("GET", "/api/v1/payments", 200, 5*time.Millisecond)

	w := httptest.NewRecorder()
	Handler().ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "payor_http_requests_total")
}
