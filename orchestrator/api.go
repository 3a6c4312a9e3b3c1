package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/itskum47/InsightForge/orchestrator/breaker"
	"github.com/itskum47/InsightForge/orchestrator/middleware"
	"github.com/itskum47/InsightForge/orchestrator/observability"
	"github.com/itskum47/InsightForge/orchestrator/queue"
	"github.com/itskum47/InsightForge/orchestrator/registry"
	"github.com/itskum47/InsightForge/orchestrator/store"
	"github.com/itskum47/InsightForge/orchestrator/tenant"
)

// IdempotencyHeader dedupes retried submissions within the record TTL.
const IdempotencyHeader = "X-Insight-Idempotency-Key"

const idempotencyTTL = 1 * time.Hour

type API struct {
	orchestrator *Orchestrator
	queue        *queue.Queue
	breakers     *breaker.Registry
	registrar    *registry.Registrar
	gate         *tenant.Gate
	queueStore   store.QueueStore

	// Storm Protection
	submitLimiter *rate.Limiter

	shutdownGrace  time.Duration
	reconnectDelay int
}

func NewAPI(o *Orchestrator, q *queue.Queue, breakers *breaker.Registry, registrar *registry.Registrar, gate *tenant.Gate, qs store.QueueStore) *API {
	return &API{
		orchestrator: o,
		queue:        q,
		breakers:     breakers,
		registrar:    registrar,
		gate:         gate,
		queueStore:   qs,
		// Allow 50 submissions/sec, burst 100
		submitLimiter:  rate.NewLimiter(rate.Limit(50), 100),
		shutdownGrace:  20 * time.Second,
		reconnectDelay: 30,
	}
}

// Wrapper for capturing response
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// idempotentResponse is the replayed record for a deduped submission.
type idempotentResponse struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

// withIdempotency replays the stored response for a repeated key. First
// writer wins via SetNX; concurrent duplicates that lose the race fall
// through and replay the winner's record.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(IdempotencyHeader)
		if key == "" {
			next(w, r)
			return
		}

		if stored, err := a.queueStore.GetIdempotencyRecord(r.Context(), key); err == nil && stored != "" {
			var resp idempotentResponse
			if json.Unmarshal([]byte(stored), &resp) == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(resp.StatusCode)
				w.Write(resp.Body)
				return
			}
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		record, err := json.Marshal(idempotentResponse{StatusCode: rec.statusCode, Body: rec.body})
		if err != nil {
			return
		}
		if _, err := a.queueStore.SetIdempotencyRecordNX(r.Context(), key, string(record), idempotencyTTL); err != nil {
			log.Printf("[API] idempotency store failed for key %s: %v", key, err)
		}
	}
}

// writeRateLimitError writes a 429 response with Jittered Retry-After
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	// Jitter: 1s base + 0-1s random, so retrying clients spread out
	retryAfter := 1 + rand.Intn(2)
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	http.Error(w, "Too Many Requests (Storm Protection Active)", http.StatusTooManyRequests)
}

// writeShuttingDown rejects new work during the drain window.
func (a *API) writeShuttingDown(w http.ResponseWriter) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", a.reconnectDelay))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":       "server is shutting down",
		"retry_after": a.reconnectDelay,
	})
}

// authorize resolves the verified principal and requested tenant from the
// middleware context and runs the membership gate.
func (a *API) authorize(r *http.Request) (*tenant.Principal, string, tenant.Role, int, error) {
	principal, err := middleware.GetPrincipalFromContext(r.Context())
	if err != nil {
		return nil, "", "", http.StatusUnauthorized, err
	}
	requested, err := middleware.GetTenantFromContext(r.Context())
	if err != nil {
		return nil, "", "", http.StatusBadRequest, err
	}
	tenantID, role, err := a.gate.Authorize(r.Context(), principal, requested)
	if err != nil {
		return nil, "", "", http.StatusForbidden, err
	}
	return principal, tenantID, role, http.StatusOK, nil
}

// -- Queue submission & status --

// handleSubmitRequest enqueues an analytics request directly, bypassing the
// streaming pipeline. Used by batch clients and the rate-limited path.
func (a *API) handleSubmitRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if a.registrar.IsShuttingDown() {
		a.writeShuttingDown(w)
		return
	}
	if !a.submitLimiter.Allow() {
		a.writeRateLimitError(w, "submit")
		return
	}

	principal, tenantID, role, status, err := a.authorize(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return
	}

	var req struct {
		Endpoint string            `json:"endpoint"`
		Params   map[string]string `json:"params"`
		Priority int               `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Endpoint == "" {
		req.Endpoint = queue.EndpointAnalyticsFetch
	}
	if req.Params["property_id"] == "" {
		http.Error(w, "params.property_id is required", http.StatusBadRequest)
		return
	}

	requestID, err := a.queue.Enqueue(r.Context(), tenantID, principal.UserID, role, req.Endpoint, req.Params, req.Priority)
	if err != nil {
		log.Printf("[API] enqueue failed for tenant %s: %v", tenantID, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	position, _ := a.queue.Position(r.Context(), requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"request_id":  requestID,
		"status":      store.RequestQueued,
		"position":    position,
		"eta_seconds": float64(position) * a.queue.AverageRequestSeconds(),
	})
}

// handleGetRequest returns the current record for /queue/requests/{id}.
func (a *API) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
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

	req, err := a.queueStore.GetRequest(r.Context(), requestID)
	if err != nil {
		http.Error(w, "Request not found", http.StatusNotFound)
		return
	}
	// A request is visible only inside its owning tenant.
	if req.TenantID != tenantID {
		http.Error(w, "Request not found", http.StatusNotFound)
		return
	}

	position, _ := a.queueStore.QueuePosition(r.Context(), tenantID, requestID)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"request":  req,
		"position": position,
	})
}

// -- Admin & debug surface --

// requireAdmin gates an admin route on role rank.
func (a *API) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	_, _, role, status, err := a.authorize(r)
	if err != nil {
		http.Error(w, err.Error(), status)
		return false
	}
	if !role.AtLeast(tenant.RoleAdmin) {
		http.Error(w, "admin role required", http.StatusForbidden)
		return false
	}
	return true
}

func (a *API) handleListBreakers(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.breakers.AllStats())
}

func (a *API) handleResetBreaker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "name query parameter is required", http.StatusBadRequest)
		return
	}
	if !a.breakers.Reset(name) {
		http.Error(w, "Breaker not found", http.StatusNotFound)
		return
	}
	log.Printf("ADMIN ACTION: breaker %q reset", name)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "reset", "name": name})
}

func (a *API) handleListConnections(w http.ResponseWriter, r *http.Request) {
	if !a.requireAdmin(w, r) {
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(a.registrar.Stats())
}

// handleShutdown starts the graceful drain: the registrar notifies every
// live stream and waits out the grace window, then the process exits via
// the signal path in main.
func (a *API) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !a.requireAdmin(w, r) {
		return
	}

	// The request context dies when this handler returns; the drain runs on
	// its own context bounded by the grace window.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.shutdownGrace+5*time.Second)
		defer cancel()
		if err := a.registrar.InitiateShutdown(ctx, a.shutdownGrace, a.reconnectDelay); err != nil {
			log.Printf("[API] shutdown coordination: %v", err)
		}
	}()

	log.Printf("ADMIN ACTION: graceful shutdown initiated (grace %v)", a.shutdownGrace)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":        "draining",
		"grace_seconds": int(a.shutdownGrace.Seconds()),
	})
}

func (a *API) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := a.queue.Snapshot(r.Context())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snapshot)
}
