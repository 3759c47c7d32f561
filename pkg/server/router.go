package server

import (
	"net/http"
	"strings"
)

// wsHandlerFunc handles a WebSocket route bound to one bot.
type wsHandlerFunc func(w http.ResponseWriter, r *http.Request, botID string)

// wsMux dispatches /ws/<kind>/<bot_id> paths. Both WebSocket surfaces
// share that shape, so the mux extracts the bot id itself and hands it
// to the handler instead of carrying a generic pattern matcher.
type wsMux struct {
	handlers map[string]wsHandlerFunc
}

func newWSMux() *wsMux {
	return &wsMux{handlers: make(map[string]wsHandlerFunc)}
}

// handle binds a route kind ("capture", "audio") to its handler.
func (m *wsMux) handle(kind string, h wsHandlerFunc) {
	m.handlers[kind] = h
}

func (m *wsMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest, ok := strings.CutPrefix(r.URL.Path, "/ws/")
	if !ok {
		http.NotFound(w, r)
		return
	}
	kind, botID, ok := strings.Cut(strings.TrimSuffix(rest, "/"), "/")
	if !ok || botID == "" || strings.Contains(botID, "/") {
		http.NotFound(w, r)
		return
	}
	h, ok := m.handlers[kind]
	if !ok {
		http.NotFound(w, r)
		return
	}
	h(w, r, botID)
}
