package handlers

import "net/http"

// Health is a liveness probe. It deliberately touches no dependency; the
// worker keeps draining jobs even when the API's database or Redis is
// degraded, so readiness is judged per endpoint, not globally.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}
