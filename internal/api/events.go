package api

import (
	"fmt"
	"maps"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/websocket"

	"github.com/rennerdo30/tunnelkeeper/internal/session"
)

// DefaultEventInterval is how often /events samples the session snapshot.
const DefaultEventInterval = time.Second

// EventStatus carries a full session snapshot. It is sent on connect and
// whenever the snapshot changes.
const EventStatus = "status.update"

// Event is the envelope of every /events message.
type Event struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}

func (a *API) eventsHandler() http.Handler {
	return websocket.Server{
		Handshake: checkLoopbackOrigin,
		Handler:   a.serveEvents,
	}
}

// checkLoopbackOrigin accepts clients without an Origin and clients whose
// Origin is a loopback host. Other web pages may not watch sessions.
func checkLoopbackOrigin(config *websocket.Config, req *http.Request) error {
	origin := req.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}
	host := u.Hostname()
	if host == "localhost" {
		config.Origin = u
		return nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		config.Origin = u
		return nil
	}
	return fmt.Errorf("origin %s not allowed", origin)
}

func (a *API) serveEvents(ws *websocket.Conn) {
	defer ws.Close()

	// Clear the deadlines the HTTP server set for the upgrade request.
	_ = ws.SetDeadline(time.Time{}) //nolint:errcheck

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			var msg string
			if err := websocket.Message.Receive(ws, &msg); err != nil {
				return
			}
			if msg == "ping" {
				_ = websocket.Message.Send(ws, "pong") //nolint:errcheck
			}
		}
	}()

	ticker := time.NewTicker(a.eventInterval)
	defer ticker.Stop()

	var last map[string]session.View
	for {
		snapshot := a.sessions.Status()
		if last == nil || !maps.Equal(last, snapshot) {
			event := Event{
				Type:      EventStatus,
				Timestamp: time.Now().Format(time.RFC3339),
				Data:      snapshot,
			}
			if err := websocket.JSON.Send(ws, event); err != nil {
				a.logger.Debug("event client gone", "error", err)
				return
			}
			last = snapshot
		}

		select {
		case <-closed:
			return
		case <-a.done:
			return
		case <-ticker.C:
		}
	}
}
