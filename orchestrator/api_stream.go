package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/registry"
)

// handleQueryStream runs one query through the pipeline and streams progress
// as newline-delimited JSON. The connection is registered with the Registrar
// for the whole producer lifetime; shutdown notices arrive on its channel.
func (a *API) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.registrar.IsShuttingDown() {
		a.writeShuttingDown(w)
		return
	}

	principal, tenantID, _, status, err := a.authorize(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Query == "" {
		http.Error(w, "query is required", http.StatusBadRequest)
		return
	}
	if req.PropertyID == "" {
		http.Error(w, "property_id is required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")

	info := registry.ConnInfo{
		ConnectionID: fmt.Sprintf("conn-%s-%d", tenantID, time.Now().UnixNano()),
		TenantID:     tenantID,
		Endpoint:     "query_stream",
		Metadata:     map[string]string{"user_id": principal.UserID},
	}

	err = a.registrar.Track(info, func(conn *registry.Conn) error {
		encoder := json.NewEncoder(w)
		emit := func(ev Event) error {
			if err := encoder.Encode(ev); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}

		a.orchestrator.RunStreaming(r.Context(), conn, principal, tenantID, req, emit)
		return nil
	})
	if err != nil {
		// Race: shutdown began between the flag check and registration.
		a.writeShuttingDown(w)
		return
	}
	log.Printf("[API] stream closed for tenant %s", tenantID)
}
