package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tradedesk/internal/domain"
	"tradedesk/internal/events"
	"tradedesk/internal/metrics"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// handleEvents streams engine events as JSON text messages. Query
// parameters: profile (comma-separated ids) and kind (comma-separated event
// kinds) narrow the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	profiles := splitList(r.URL.Query().Get("profile"))
	kinds := make(map[events.Kind]bool)
	for _, k := range splitList(r.URL.Query().Get("kind")) {
		kinds[events.Kind(k)] = true
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("ws upgrade failed", "event", "ws_upgrade_failed", "error", err)
		return
	}
	defer conn.Close()

	ids := make([]domain.ProfileID, 0, len(profiles))
	for _, p := range profiles {
		ids = append(ids, domain.ProfileID(p))
	}
	sub := s.eng.Events(ids...)
	defer sub.Close()

	metrics.WebSocketClients.Inc()
	defer metrics.WebSocketClients.Dec()
	s.log.Info("ws client connected", "event", "ws_connect", "remote", r.RemoteAddr, "profiles", profiles)

	// Read pump: detect disconnects and keep the read deadline fresh.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(wsPongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			s.log.Info("ws client disconnected", "event", "ws_disconnect", "remote", r.RemoteAddr)
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(wsWriteWait))
			return
		case e, ok := <-sub.C():
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "engine stopped"),
					time.Now().Add(wsWriteWait))
				return
			}
			if len(kinds) > 0 && !kinds[e.Kind] {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
