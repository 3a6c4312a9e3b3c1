package main

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/itskum47/InsightForge/orchestrator/queue"
	"github.com/itskum47/InsightForge/orchestrator/registry"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for local dev (CORS)
		return true
	},
}

// handleQueueStream upgrades /queue/stream/{request_id} to a WebSocket and
// pushes position/ETA updates until the request reaches a terminal state.
func (a *API) handleQueueStream(w http.ResponseWriter, r *http.Request) {
	if a.registrar.IsShuttingDown() {
		a.writeShuttingDown(w)
		return
	}

	_, tenantID, _, status, err := a.authorize(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	pathParts := strings.Split(r.URL.Path, "/")
	if len(pathParts) < 4 || pathParts[3] == "" {
		http.Error(w, "Invalid request ID", http.StatusBadRequest)
		return
	}
	requestID := pathParts[3]

	// The record must exist and belong to the caller's tenant before we
	// commit to the upgrade.
	req, err := a.queueStore.GetRequest(r.Context(), requestID)
	if err != nil || req.TenantID != tenantID {
		http.Error(w, "Request not found", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	info := registry.ConnInfo{
		ConnectionID: fmt.Sprintf("qconn-%s-%d", requestID, time.Now().UnixNano()),
		TenantID:     tenantID,
		Endpoint:     "queue_stream",
	}

	a.registrar.Track(info, func(regConn *registry.Conn) error {
		// Configure ping/pong for dead client detection
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})

		pingTicker := time.NewTicker(30 * time.Second)
		defer pingTicker.Stop()

		clientGone := make(chan struct{})
		go func() {
			defer close(clientGone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
						log.Printf("WebSocket error: %v", err)
					}
					return
				}
			}
		}()

		updates := a.queue.Track(r.Context(), requestID, queue.DefaultTrackerConfig())

		for {
			select {
			case <-clientGone:
				return nil

			case notice := <-regConn.ShutdownSignal():
				conn.WriteJSON(map[string]interface{}{
					"type":                    string(EventShutdown),
					"message":                 notice.Message,
					"reconnect_delay_seconds": notice.ReconnectDelaySeconds,
				})
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return nil

			case <-pingTicker.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return nil
				}

			case update, open := <-updates:
				if !open {
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, "tracking complete"))
					return nil
				}
				if err := conn.WriteJSON(update); err != nil {
					return nil
				}
			}
		}
	})
}
