package edge

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/TRUSTMATEKO/tx24-edge/monitoring"
)

// Health probe bodies for the plain-text endpoints.
const (
	healthBodyOK    = "ok\n"
	healthBodyReady = "ready\n"
	healthBodyAlive = "alive\n"
	healthBodyPong  = "pong\n"
)

// HealthHandler serves the fixed liveness/readiness surface. The path set is
// hard-coded and immutable after boot; the pipeline serves it ahead of every
// other stage so probes stay cheap and unfiltered.
type HealthHandler struct {
	service   string
	collector *monitoring.Collector
	paths     map[string]func(*HealthHandler) (string, []byte)
}

// NewHealthHandler creates the probe surface for a named service.
func NewHealthHandler(service string, collector *monitoring.Collector) *HealthHandler {
	h := &HealthHandler{service: service, collector: collector}
	h.paths = map[string]func(*HealthHandler) (string, []byte){
		"/health":       (*HealthHandler).detailedJSON,
		"/health-check": (*HealthHandler).detailedJSON,
		"/healthcheck":  (*HealthHandler).detailedJSON,
		"/healthz":      func(*HealthHandler) (string, []byte) { return "text/plain; charset=UTF-8", []byte(healthBodyOK) },
		"/readyz":       func(*HealthHandler) (string, []byte) { return "text/plain; charset=UTF-8", []byte(healthBodyReady) },
		"/livez":        func(*HealthHandler) (string, []byte) { return "text/plain; charset=UTF-8", []byte(healthBodyAlive) },
		"/ping":         func(*HealthHandler) (string, []byte) { return "text/plain; charset=UTF-8", []byte(healthBodyPong) },
		"/status":       (*HealthHandler).statusJSON,
		"/health/live":  (*HealthHandler).liveJSON,
		"/health/ready": (*HealthHandler).readyJSON,
		"/_health":      (*HealthHandler).snapshotJSON,
		"/_status":      (*HealthHandler).snapshotJSON,
	}
	return h
}

// Match reports whether path belongs to the probe surface.
func (h *HealthHandler) Match(path string) bool {
	_, ok := h.paths[path]
	return ok
}

// ServeHTTP writes the probe response. HEAD produces an empty 200; both
// variants close the connection and forbid caching.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fn, ok := h.paths[r.URL.Path]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	hdr := w.Header()
	hdr.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	hdr.Set("Connection", "close")

	if r.Method == http.MethodHead {
		hdr.Set("Content-Length", "0")
		w.WriteHeader(http.StatusOK)
		return
	}

	contentType, body := fn(h)
	hdr.Set("Content-Type", contentType)
	hdr.Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (h *HealthHandler) detailedJSON() (string, []byte) {
	body, _ := json.Marshal(map[string]any{
		"status":         "UP",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"service":        h.service,
		"uptime_seconds": int64(h.collector.Uptime().Seconds()),
		"liveness":       "alive",
		"readiness":      "ready",
	})
	return "application/json; charset=UTF-8", body
}

func (h *HealthHandler) statusJSON() (string, []byte) {
	body, _ := json.Marshal(map[string]any{
		"status":         "ok",
		"service":        h.service,
		"uptime_seconds": int64(h.collector.Uptime().Seconds()),
	})
	return "application/json; charset=UTF-8", body
}

func (h *HealthHandler) liveJSON() (string, []byte) {
	body, _ := json.Marshal(map[string]string{"status": "alive"})
	return "application/json; charset=UTF-8", body
}

func (h *HealthHandler) readyJSON() (string, []byte) {
	body, _ := json.Marshal(map[string]string{"status": "ready"})
	return "application/json; charset=UTF-8", body
}

func (h *HealthHandler) snapshotJSON() (string, []byte) {
	body, _ := json.Marshal(h.collector.Snapshot())
	return "application/json; charset=UTF-8", body
}
