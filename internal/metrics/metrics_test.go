package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestMiddlewareRecordsStatus(t *testing.T) {
	h := Middleware(func(*http.Request) string { return "/teapot" })(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/teapot?x=1", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Contains(t, scrape(t), `codecollab_http_requests_total{method="GET",path="/teapot",status="418"} 1`)
}

func TestHandlerExposesCollectors(t *testing.T) {
	SendsDropped.Inc()
	PersistWrites.WithLabelValues("document", "ok").Inc()

	body := scrape(t)
	assert.Contains(t, body, "codecollab_sends_dropped_total")
	assert.Contains(t, body, `codecollab_persist_writes_total{kind="document",outcome="ok"}`)
}
