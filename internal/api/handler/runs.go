package handler

import (
	"net/http"

	"github.com/albapepper/subwatch/internal/api/respond"
)

// TriggerRun asks the scheduler to start a run now.
// @Summary Trigger a notification run
// @Description Starts a run immediately. Returns 409 when a run is already in flight and 503 while the service shuts down. GET is accepted for simple cron pingers.
// @Tags runs
// @Produce json
// @Success 202 {object} map[string]interface{}
// @Failure 409 {object} respond.ErrorResponse
// @Failure 503 {object} respond.ErrorResponse
// @Router /runs [post]
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	if !h.runner.Trigger() {
		if h.runner.Stopping() {
			respond.WriteError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "The scheduler is shutting down")
			return
		}
		respond.WriteError(w, http.StatusConflict, "RUN_IN_PROGRESS", "A notification run is already in progress")
		return
	}
	respond.WriteJSONObject(w, http.StatusAccepted, map[string]interface{}{
		"status": "started",
	})
}

// LastRun returns the result of the last completed run.
// @Summary Last run result
// @Description Returns counters from the most recent completed run and whether one is in flight.
// @Tags runs
// @Produce json
// @Success 200 {object} notifications.RunResult
// @Failure 404 {object} respond.ErrorResponse
// @Router /runs/last [get]
func (h *Handler) LastRun(w http.ResponseWriter, r *http.Request) {
	res, ok := h.results.LastResult()
	if !ok {
		respond.WriteError(w, http.StatusNotFound, "NO_RUN", "No run has completed since startup")
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"running": h.runner.Running(),
		"result":  res,
		"summary": res.Summary(),
	})
}
