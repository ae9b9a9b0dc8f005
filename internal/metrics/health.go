package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// HealthStatus is the payload served by the health endpoints. Readiness
// additionally reports the highest checkpoint the archive currently offers.
type HealthStatus struct {
	Status           string    `json:"status"`
	Timestamp        time.Time `json:"timestamp"`
	Version          string    `json:"version"`
	UptimeSeconds    int64     `json:"uptime_seconds"`
	LatestCheckpoint *uint64   `json:"latest_checkpoint,omitempty"`
	Error            string    `json:"error,omitempty"`
}

var (
	startTime = time.Now()
	version   = "dev"
)

// SetVersion sets the application version.
func SetVersion(v string) {
	version = v
}

func writeStatus(w http.ResponseWriter, code int, status HealthStatus) {
	status.Timestamp = time.Now()
	status.Version = version
	status.UptimeSeconds = int64(time.Since(startTime).Seconds())

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// HealthHandler reports that the process is up, independent of whether the
// archive has synced yet.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, HealthStatus{Status: "healthy"})
	}
}

// ReadinessHandler gates readiness on the archive: the reader is ready once
// its manifest sync has produced a usable snapshot. latest reports the
// highest available checkpoint, which is echoed in the payload so operators
// can see sync progress from the probe itself.
func ReadinessHandler(latest func(context.Context) (uint64, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if latest == nil {
			writeStatus(w, http.StatusOK, HealthStatus{Status: "ready"})
			return
		}

		seq, err := latest(r.Context())
		if err != nil {
			writeStatus(w, http.StatusServiceUnavailable, HealthStatus{
				Status: "not_ready",
				Error:  err.Error(),
			})
			return
		}

		writeStatus(w, http.StatusOK, HealthStatus{
			Status:           "ready",
			LatestCheckpoint: &seq,
		})
	}
}

// LivenessHandler returns a handler for liveness checks.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeStatus(w, http.StatusOK, HealthStatus{Status: "alive"})
	}
}
