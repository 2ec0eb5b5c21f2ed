package api

import (
	"net/http"
	"time"

	"github.com/grafbase/nexus/internal/metrics"
)

// Metrics records per-request duration and status via the shared
// metrics.Collector. Grounded on the teacher's MetricsMiddleware
// (cmd/agentflow/middleware.go), simplified because every Nexus route is
// a fixed literal (no "/agents/:id"-style segments), so no path
// normalization step is needed before using it as a Prometheus label.
func Metrics(collector *metrics.Collector) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			collector.RecordHTTPRequest(r.Method, r.URL.Path, sw.status, time.Since(start))
		})
	}
}
