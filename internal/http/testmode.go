package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/kjstillabower/airfield-weather/internal/lifecycle"
	"github.com/kjstillabower/airfield-weather/internal/traffic"
)

// GetTestStatus handles GET /test. Returns the lifecycle phase and per-source state.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"phase": lifecycle.CurrentPhase().String(),
	}
	if h.healthConfig != nil {
		resp["sources"] = h.sourceHealth()
		resp["window_length"] = h.healthConfig.ErrorWindow.String()
		resp["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}
	writeJSON(w, http.StatusOK, resp)
}

// PostTestAction handles POST /test/{action} for fail_source, reset and shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	action := mux.Vars(r)["action"]
	switch action {
	case "fail_source":
		h.postTestFailSource(w, r)
	case "reset":
		h.postTestReset(w, r)
	case "shutdown":
		h.postTestShutdown(w, r)
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

// postTestFailSource records count failed fetches against a source, tripping
// its breaker once the failure threshold is reached.
func (h *Handler) postTestFailSource(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Source string `json:"source"`
		Count  int    `json:"count"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Source == "" {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", `body must be {"source": "<id>", "count": n}`)
		return
	}
	if body.Count <= 0 {
		body.Count = 1
	}
	if h.healthConfig == nil || h.healthConfig.Breakers == nil {
		writeError(w, r, http.StatusConflict, "NO_BREAKERS", "no breaker registry configured")
		return
	}
	cb := h.healthConfig.Breakers.For(body.Source)
	for i := 0; i < body.Count; i++ {
		cb.RecordFailure()
		if h.healthConfig.Tracker != nil {
			h.healthConfig.Tracker.Record(body.Source, traffic.OutcomeError)
		}
	}
	result := h.computeHealthStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "fail_source",
		"message": "Recorded " + strconv.Itoa(body.Count) + " failures for " + body.Source,
		"breaker": cb.State().String(),
		"state":   result.status,
	})
}

// postTestReset clears traffic history and the shutdown flag. Breakers keep
// their state; they recover through their own timeout.
func (h *Handler) postTestReset(w http.ResponseWriter, r *http.Request) {
	if h.healthConfig != nil && h.healthConfig.Tracker != nil {
		h.healthConfig.Tracker.Reset()
	}
	lifecycle.SetShuttingDown(false)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "reset",
		"message": "Traffic history and shutdown flag cleared",
	})
}

// postTestShutdown sets the shutdown flag. Health reports shutting-down afterwards.
func (h *Handler) postTestShutdown(w http.ResponseWriter, r *http.Request) {
	lifecycle.SetShuttingDown(true)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":      true,
		"action":  "shutdown",
		"message": "Shutting-down flag set",
	})
}
