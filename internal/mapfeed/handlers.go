package mapfeed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"tailscale.com/tsweb"

	"github.com/banshee-data/rover.scan/internal/envmodel"
	"github.com/banshee-data/rover.scan/internal/httputil"
	"github.com/banshee-data/rover.scan/internal/monitoring"
)

// SnapshotFunc returns the current state of the map.
type SnapshotFunc func() envmodel.Snapshot

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Map clients are served from the debug index and local tools.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// envelope wraps the websocket message types: snapshot, update and reset.
type envelope struct {
	Type     string             `json:"type"`
	Snapshot *envmodel.Snapshot `json:"snapshot,omitempty"`
	Update   *envmodel.Update   `json:"update,omitempty"`
}

// WebsocketHandler streams the map: a full snapshot on connect, then one
// message per update. A reset message means the map was cleared.
func (h *Hub) WebsocketHandler(snapshot SnapshotFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			monitoring.Logf("mapfeed: websocket upgrade: %v", err)
			return
		}
		defer conn.Close()

		id, updates := h.Subscribe()
		defer h.Unsubscribe(id)

		// Subscribe before taking the snapshot so nothing falls between them.
		snap := snapshot()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(envelope{Type: "snapshot", Snapshot: &snap}); err != nil {
			return
		}

		// Drain client frames so close messages are processed.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case u, ok := <-updates:
				if !ok {
					conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "feed closed"),
						time.Now().Add(writeWait))
					return
				}
				if u.Seq <= snap.Seq {
					continue
				}
				kind := "update"
				if u.Reset {
					kind = "reset"
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteJSON(envelope{Type: kind, Update: &u}); err != nil {
					return
				}
			case <-done:
				return
			case <-r.Context().Done():
				return
			}
		}
	})
}

// AttachAdminRoutes adds the map debug pages under /debug/.
func (h *Hub) AttachAdminRoutes(mux *http.ServeMux, snapshot SnapshotFunc) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("map", "environment map snapshot (JSON)", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, snapshot())
	})
	debug.HandleFunc("map.png", "environment map plot", func(w http.ResponseWriter, r *http.Request) {
		snap := snapshot()
		w.Header().Set("Content-Type", "image/png")
		if err := RenderPNG(w, snap); err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to render map: %v", err))
		}
	})
	debug.HandleFunc("map-chart", "environment map chart", func(w http.ResponseWriter, r *http.Request) {
		page, err := RenderChart(snapshot())
		if err != nil {
			httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write(page)
	})
	debug.HandleFunc("map-feed", "map feed counters", func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSONOK(w, h.Stats())
	})

	// Server-sent events, one per update.
	debug.HandleSilentFunc("map-tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			httputil.InternalServerError(w, "streaming unsupported")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")

		id, c := h.Subscribe()
		defer h.Unsubscribe(id)

		w.Write([]byte(": ping\n\n"))
		flusher.Flush()
		for {
			select {
			case u, ok := <-c:
				if !ok {
					return
				}
				b, err := json.Marshal(u)
				if err != nil {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", b); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})
}
