package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
	"golang.org/x/time/rate"

	"docforge/internal/progress"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The API is deployed behind an authenticating proxy.
		return true
	},
}

// allowedEvents whitelists what goes out on the socket; anything else on
// the bus stays internal.
var allowedEvents = map[string]bool{
	progress.EventProgress: true,
	progress.EventActivity: true,
	progress.EventEnded:    true,
}

// progressBurst and progressInterval throttle high-frequency progress
// events per connection. Activity and terminal events are never throttled.
const (
	progressInterval = 100 * time.Millisecond
	progressBurst    = 5
)

// handleSessionSocket streams one session's events to a WebSocket client,
// starting with a replay of the recent tail.
func (s *Server) handleSessionSocket(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		http.Error(w, "live progress not available", http.StatusNotFound)
		return
	}
	sessionID := chi.URLParam(r, "id")

	events, unsubscribe, ok := s.bus.Subscribe(sessionID)
	if !ok {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		unsubscribe()
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	log.Debug().Str("session_id", sessionID).Msg("websocket client connected")
	var writeMu sync.Mutex
	throttle := rate.NewLimiter(rate.Every(progressInterval), progressBurst)
	done := make(chan struct{})

	// Reader: the client sends nothing meaningful, but reading detects
	// disconnects.
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		unsubscribe()
		conn.Close()
		log.Debug().Str("session_id", sessionID).Msg("websocket client disconnected")
	}()

	for {
		select {
		case <-done:
			return
		case ev, open := <-events:
			if !open {
				writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(time.Second))
				writeMu.Unlock()
				return
			}
			if !allowedEvents[ev.Type] {
				continue
			}
			if ev.Type == progress.EventProgress && !throttle.Allow() {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			writeMu.Lock()
			err = conn.WriteMessage(websocket.TextMessage, data)
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
