package api

import (
	"net/http"
	"time"
)

// healthStatus is the JSON body GET /health returns. Grounded on the
// teacher's HealthHandler/HealthStatus (api/handlers/health.go), reduced to
// the single liveness endpoint spec §4.4 names — Nexus has no readiness
// probe distinct from liveness, since the router and federation are both
// fully built (or startup aborts) before the HTTP listener ever opens.
type healthStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// HandleHealth implements GET /health.
func HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthStatus{Status: "healthy", Timestamp: time.Now()})
}
