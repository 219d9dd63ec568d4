package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusMetricsMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(PrometheusMetricsMiddleware)
	r.Get("/numbers/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, 1.0, testutil.ToFloat64(httpRequestsInFlight), "counted while served")
		w.WriteHeader(http.StatusConflict)
	})

	matched := httpRequestsTotal.WithLabelValues(http.MethodGet, "/numbers/{id}", "409")
	unmatched := httpRequestsTotal.WithLabelValues(http.MethodGet, unmatchedRoute, "404")
	matchedBefore := testutil.ToFloat64(matched)
	unmatchedBefore := testutil.ToFloat64(unmatched)

	for _, path := range []string{"/numbers/a", "/numbers/b", "/nope/1", "/nope/2"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, matchedBefore+2, testutil.ToFloat64(matched), "ids collapse into the route pattern")
	assert.Equal(t, unmatchedBefore+2, testutil.ToFloat64(unmatched))
	assert.Equal(t, 0.0, testutil.ToFloat64(httpRequestsInFlight))
}
