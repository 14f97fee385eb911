package main

import (
	"encoding/json"
	"net/http"

	"memory-fusion-hub/internal/fusion"
	"memory-fusion-hub/internal/telemetry"
)

// newHTTPHandler /metrics 与 /healthz
func newHTTPHandler(svc fusion.Service, metrics *telemetry.Metrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := svc.HealthStatus(r.Context())
		code := http.StatusOK
		if h.Status == fusion.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(h)
	})
	return mux
}
