package handlers

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Tokens, not origins, gate this endpoint: the browser extension connects
	// from an extension origin that cannot be allowlisted statically.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Subscribe upgrades the connection and attaches it to the notification hub.
// The caller is implicitly subscribed to their own job updates only.
func (a *App) Subscribe(w http.ResponseWriter, r *http.Request) {
	ownerID, _, ok := a.currentUser(r)
	if !ok {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if a.Hub == nil {
		a.error(w, http.StatusServiceUnavailable, "unavailable", "realtime updates are not enabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		a.Logger.Warn().Err(err).Str("owner_id", ownerID).Msg("websocket upgrade failed")
		return
	}
	a.Hub.Attach(ownerID, conn)
}
