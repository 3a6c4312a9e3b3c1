package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/auth"
	"github.com/itskum47/InsightForge/orchestrator/breaker"
	"github.com/itskum47/InsightForge/orchestrator/executor"
	"github.com/itskum47/InsightForge/orchestrator/middleware"
	"github.com/itskum47/InsightForge/orchestrator/queue"
	"github.com/itskum47/InsightForge/orchestrator/registry"
	"github.com/itskum47/InsightForge/orchestrator/store"
	"github.com/itskum47/InsightForge/orchestrator/tenant"
	"github.com/itskum47/InsightForge/orchestrator/upstream"
)

// apiFixture wires a full HTTP surface against in-memory stores.
type apiFixture struct {
	api       *API
	registrar *registry.Registrar
	server    *httptest.Server
	repo      *store.MemoryStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	repo := store.NewMemoryStore()
	now := time.Now()
	repo.PutMembership(&tenant.Membership{UserID: "alice", TenantID: "acme", Role: tenant.RoleOwner, AcceptedAt: &now})
	repo.PutMembership(&tenant.Membership{UserID: "victor", TenantID: "acme", Role: tenant.RoleViewer, AcceptedAt: &now})

	analytics := &fakeAnalytics{fn: func() (*upstream.FetchResult, error) {
		return mobileSessionsResult(), nil
	}}
	embedder := &fakeEmbedder{fn: func() ([][]float32, error) {
		return [][]float32{queryVector}, nil
	}}

	cfg := queue.DefaultConfig()
	cfg.ManagerInterval = 50 * time.Millisecond
	q := queue.New(repo, analytics, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	q.Start(ctx)
	t.Cleanup(q.Stop)

	gate := tenant.NewGate(repo)
	registrar := registry.NewRegistrar()
	breakers := breaker.NewRegistry(breaker.DefaultConfig())
	orch := NewOrchestrator(gate, repo, q, executor.New(breakers), analytics, embedder, DefaultPipelineConfig())
	api := NewAPI(orch, q, breakers, registrar, gate, repo)

	mux := http.NewServeMux()
	protected := func(h http.HandlerFunc) http.Handler {
		return middleware.AuthMiddleware(middleware.TenantMiddleware(h))
	}
	mux.Handle("/query/stream", protected(api.handleQueryStream))
	mux.Handle("/queue/requests", protected(func(w http.ResponseWriter, r *http.Request) {
		api.withIdempotency(api.handleSubmitRequest)(w, r)
	}))
	mux.Handle("/queue/requests/", protected(api.handleGetRequest))
	mux.Handle("/admin/breakers", protected(api.handleListBreakers))
	mux.Handle("/admin/connections", protected(api.handleListConnections))

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &apiFixture{api: api, registrar: registrar, server: server, repo: repo}
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.GenerateToken(userID, userID+"@example.com")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return "Bearer " + token
}

func (f *apiFixture) request(t *testing.T, method, path, authHeader, tenantHeader, body string, extra map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	if tenantHeader != "" {
		req.Header.Set(middleware.TenantHeader, tenantHeader)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}
	resp, err := f.server.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func TestAPI_AuthFailures(t *testing.T) {
	f := newAPIFixture(t)
	body := `{"query":"q","property_id":"p1"}`

	// Missing Authorization header.
	resp := f.request(t, http.MethodPost, "/query/stream", "", "acme", body, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no auth: %d, want 401", resp.StatusCode)
	}

	// Garbage token.
	resp = f.request(t, http.MethodPost, "/query/stream", "Bearer not.a.token", "acme", body, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d, want 401", resp.StatusCode)
	}

	// Valid token, missing tenant header.
	resp = f.request(t, http.MethodPost, "/query/stream", bearer(t, "alice"), "", body, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("no tenant header: %d, want 400", resp.StatusCode)
	}

	// Valid token, tenant the user is not a member of.
	resp = f.request(t, http.MethodPost, "/queue/requests", bearer(t, "alice"), "evil-corp",
		`{"params":{"property_id":"p1"}}`, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-member tenant: %d, want 403", resp.StatusCode)
	}
}

func TestAPI_QueryStreamEndToEnd(t *testing.T) {
	f := newAPIFixture(t)
	seedEmbedding(f.repo, 0.9)

	resp := f.request(t, http.MethodPost, "/query/stream", bearer(t, "alice"), "acme",
		`{"query":"Show mobile sessions","property_id":"p1"}`, nil)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %s", ct)
	}

	var events []Event
	dec := json.NewDecoder(resp.Body)
	for dec.More() {
		var ev Event
		if err := dec.Decode(&ev); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("no events streamed")
	}
	final := events[len(events)-1]
	if final.Type != EventResult {
		t.Fatalf("final event type = %s (all: %v)", final.Type, eventTypes(events))
	}
	if final.Payload.TenantID != "acme" {
		t.Fatalf("payload tenant = %s", final.Payload.TenantID)
	}
}

func TestAPI_SubmitAndPollQueue(t *testing.T) {
	f := newAPIFixture(t)

	resp := f.request(t, http.MethodPost, "/queue/requests", bearer(t, "alice"), "acme",
		`{"params":{"property_id":"p1","metrics":"sessions"}}`, nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: %d, want 202", resp.StatusCode)
	}

	var submitted struct {
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	resp.Body.Close()
	if submitted.RequestID == "" {
		t.Fatal("empty request_id")
	}

	// Poll until the worker completes it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := f.request(t, http.MethodGet, "/queue/requests/"+submitted.RequestID, bearer(t, "alice"), "acme", "", nil)
		var got struct {
			Request store.QueuedRequest `json:"request"`
		}
		json.NewDecoder(resp.Body).Decode(&got)
		resp.Body.Close()

		if got.Request.Terminal() {
			if got.Request.Status != store.RequestCompleted {
				t.Fatalf("terminal status = %s (%s)", got.Request.Status, got.Request.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("request never completed")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestAPI_IdempotentSubmission(t *testing.T) {
	f := newAPIFixture(t)
	body := `{"params":{"property_id":"p1"}}`
	headers := map[string]string{IdempotencyHeader: "idem-key-1"}

	first := f.request(t, http.MethodPost, "/queue/requests", bearer(t, "alice"), "acme", body, headers)
	var a struct {
		RequestID string `json:"request_id"`
	}
	json.NewDecoder(first.Body).Decode(&a)
	first.Body.Close()

	second := f.request(t, http.MethodPost, "/queue/requests", bearer(t, "alice"), "acme", body, headers)
	var b struct {
		RequestID string `json:"request_id"`
	}
	json.NewDecoder(second.Body).Decode(&b)
	second.Body.Close()

	if a.RequestID == "" || a.RequestID != b.RequestID {
		t.Fatalf("idempotent replay broke: %q vs %q", a.RequestID, b.RequestID)
	}
}

func TestAPI_TenantCannotReadForeignRequest(t *testing.T) {
	f := newAPIFixture(t)
	now := time.Now()
	f.repo.PutMembership(&tenant.Membership{UserID: "eve", TenantID: "evil-corp", Role: tenant.RoleOwner, AcceptedAt: &now})

	resp := f.request(t, http.MethodPost, "/queue/requests", bearer(t, "alice"), "acme",
		`{"params":{"property_id":"p1"}}`, nil)
	var submitted struct {
		RequestID string `json:"request_id"`
	}
	json.NewDecoder(resp.Body).Decode(&submitted)
	resp.Body.Close()

	// Eve, owner of another tenant, must not see acme's request.
	resp = f.request(t, http.MethodGet, "/queue/requests/"+submitted.RequestID, bearer(t, "eve"), "evil-corp", "", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-tenant read: %d, want 404", resp.StatusCode)
	}
}

func TestAPI_ShutdownRejectsNewWork(t *testing.T) {
	f := newAPIFixture(t)

	if err := f.registrar.InitiateShutdown(context.Background(), 50*time.Millisecond, 30); err != nil {
		t.Fatalf("InitiateShutdown: %v", err)
	}

	for _, path := range []string{"/query/stream", "/queue/requests"} {
		resp := f.request(t, http.MethodPost, path, bearer(t, "alice"), "acme",
			`{"query":"q","property_id":"p1","params":{"property_id":"p1"}}`, nil)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("%s during shutdown: %d, want 503", path, resp.StatusCode)
		}
		if got := resp.Header.Get("Retry-After"); got != "30" {
			t.Fatalf("%s Retry-After = %q, want 30", path, got)
		}
		var body struct {
			RetryAfter int `json:"retry_after"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if body.RetryAfter != 30 {
			t.Fatalf("%s retry_after body = %d, want 30", path, body.RetryAfter)
		}
	}
}

func TestAPI_RateLimitRetryAfterJitters(t *testing.T) {
	f := newAPIFixture(t)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		rec := httptest.NewRecorder()
		f.api.writeRateLimitError(rec, "submit")
		if rec.Code != http.StatusTooManyRequests {
			t.Fatalf("status = %d, want 429", rec.Code)
		}
		header := rec.Header().Get("Retry-After")
		if header != "1" && header != "2" {
			t.Fatalf("Retry-After = %q, want 1 or 2 seconds", header)
		}
		seen[header] = true
	}
	if len(seen) < 2 {
		t.Fatal("Retry-After never varied across 200 responses; the jitter is lost")
	}
}

func TestAPI_AdminRequiresRole(t *testing.T) {
	f := newAPIFixture(t)

	// Viewer is refused.
	resp := f.request(t, http.MethodGet, "/admin/breakers", bearer(t, "victor"), "acme", "", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer on admin route: %d, want 403", resp.StatusCode)
	}

	// Owner passes.
	resp = f.request(t, http.MethodGet, "/admin/connections", bearer(t, "alice"), "acme", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("owner on admin route: %d, want 200", resp.StatusCode)
	}
	var stats registry.Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	resp.Body.Close()
}
