package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/store"
	"github.com/itskum47/InsightForge/orchestrator/tenant"
	"github.com/itskum47/InsightForge/orchestrator/upstream"
)

// Config holds the queue, worker and backoff parameters. A single explicit
// record constructed at startup; no dynamic keyword knobs.
type Config struct {
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	DefaultMaxRetries int

	WaitPollStart time.Duration
	WaitPollCap   time.Duration
	WaitTimeout   time.Duration

	ManagerInterval   time.Duration
	RequestsPerWorker int
	MinWorkers        int
	MaxWorkers        int

	// TenantDispatchRate limits upstream dispatches per tenant per second.
	TenantDispatchRate  float64
	TenantDispatchBurst int

	AverageRequestSeconds float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		InitialBackoff:        2 * time.Second,
		BackoffMultiplier:     2,
		MaxBackoff:            60 * time.Second,
		DefaultMaxRetries:     3,
		WaitPollStart:         100 * time.Millisecond,
		WaitPollCap:           5 * time.Second,
		WaitTimeout:           600 * time.Second,
		ManagerInterval:       30 * time.Second,
		RequestsPerWorker:     10,
		MinWorkers:            1,
		MaxWorkers:            5,
		TenantDispatchRate:    10,
		TenantDispatchBurst:   5,
		AverageRequestSeconds: 30,
	}
}

// ErrWaitTimeout is returned when a caller's result wait expires before the
// request reaches a terminal status.
var ErrWaitTimeout = errors.New("queue: timed out waiting for result")

// Queue absorbs analytics requests when the upstream signals exhaustion and
// drains them in priority order via per-tenant worker pools.
type Queue struct {
	store   store.QueueStore
	client  upstream.AnalyticsClient
	cfg     Config
	manager *Manager
	limiter *TenantLimiter
	ewma    *durationEWMA

	seq atomic.Int64 // insertion-order tie break within this process
}

// New creates a queue; Start must be called to run the worker manager.
func New(qs store.QueueStore, client upstream.AnalyticsClient, cfg Config) *Queue {
	q := &Queue{
		store:   qs,
		client:  client,
		cfg:     cfg,
		limiter: NewTenantLimiter(cfg.TenantDispatchRate, cfg.TenantDispatchBurst),
		ewma:    newDurationEWMA(cfg.AverageRequestSeconds),
	}
	q.manager = NewManager(q, cfg)
	return q
}

// Start runs the worker manager control loop until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) {
	q.manager.Start(ctx)
}

// Stop cooperatively drains workers: each finishes its current request and
// exits. Queued entries stay intact for the next process.
func (q *Queue) Stop() {
	q.manager.Stop()
}

// Score computes the queue ordering score. Lower scores dequeue first; ties
// fall back to insertion order via a per-microsecond sequence fraction.
//
// The base unit is milliseconds: epoch milliseconds sit near 2^40, where the
// float64 ULP is ~2.4e-4, so each 1e-3 sequence step survives the rounding
// that a seconds base would erase. The score also orders Redis ZSET members,
// which have no secondary tie-break of their own. Insertion order holds for
// up to 1000 enqueues within one millisecond before the fraction wraps.
func (q *Queue) Score(queuedAt time.Time, role tenant.Role, priority int) float64 {
	base := float64(queuedAt.UnixMilli()) + 1000*role.QueueAdjustment() - 100_000*float64(priority)
	return base + float64(q.seq.Add(1)%1000)/1000
}

// Enqueue constructs a QueuedRequest, inserts it with its score, and
// guarantees a worker for the tenant is running.
func (q *Queue) Enqueue(ctx context.Context, tenantID, userID string, role tenant.Role, endpoint string, params map[string]string, priority int) (string, error) {
	if priority < 0 {
		priority = 0
	}
	if priority > 100 {
		priority = 100
	}

	now := time.Now()
	req := &store.QueuedRequest{
		RequestID:  newRequestID(),
		TenantID:   tenantID,
		UserID:     userID,
		Role:       string(role),
		Endpoint:   endpoint,
		Params:     params,
		QueuedAt:   now,
		Priority:   priority,
		MaxRetries: q.cfg.DefaultMaxRetries,
		Status:     store.RequestQueued,
	}

	if err := q.store.EnqueueRequest(ctx, req, q.Score(now, role, priority)); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}
	q.manager.EnsureWorker(req.TenantID)
	return req.RequestID, nil
}

// Position returns the 1-indexed rank of the request in its tenant's set,
// 0 if no longer queued, -1 if the request is unknown.
func (q *Queue) Position(ctx context.Context, requestID string) (int, error) {
	req, err := q.store.GetRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	return q.store.QueuePosition(ctx, req.TenantID, requestID)
}

// Length returns the tenant's queued entry count.
func (q *Queue) Length(ctx context.Context, tenantID string) (int, error) {
	return q.store.QueueLength(ctx, tenantID)
}

// WaitForResult polls the result record with exponentially growing backoff
// capped at WaitPollCap, returning on terminal status.
func (q *Queue) WaitForResult(ctx context.Context, requestID string, timeout time.Duration) (*store.QueuedRequest, error) {
	if timeout <= 0 {
		timeout = q.cfg.WaitTimeout
	}
	deadline := time.Now().Add(timeout)
	poll := q.cfg.WaitPollStart

	for {
		req, err := q.store.GetRequest(ctx, requestID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		if req != nil && req.Terminal() {
			return req, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrWaitTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
		poll *= 2
		if poll > q.cfg.WaitPollCap {
			poll = q.cfg.WaitPollCap
		}
	}
}

// AverageRequestSeconds returns the EWMA-refined per-request estimate used
// for queue ETAs.
func (q *Queue) AverageRequestSeconds() float64 {
	return q.ewma.Value()
}

// WorkerCount reports live workers for a tenant (snapshot endpoint, tests).
func (q *Queue) WorkerCount(tenantID string) int {
	return q.manager.WorkerCount(tenantID)
}

// Snapshot returns internal state for the debug endpoint.
func (q *Queue) Snapshot(ctx context.Context) map[string]interface{} {
	tenants, _ := q.store.TenantsWithQueues(ctx)
	lengths := make(map[string]int, len(tenants))
	for _, t := range tenants {
		n, _ := q.store.QueueLength(ctx, t)
		lengths[t] = n
	}
	return map[string]interface{}{
		"tenants":             tenants,
		"queue_lengths":       lengths,
		"worker_pools":        q.manager.PoolSizes(),
		"avg_request_seconds": q.ewma.Value(),
	}
}

func newRequestID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return "req-" + hex.EncodeToString(b[:])
}

// durationEWMA refines the static average-request estimate with observed
// processing durations.
type durationEWMA struct {
	mu    sync.Mutex
	value float64
	alpha float64
	seen  bool
}

func newDurationEWMA(initial float64) *durationEWMA {
	return &durationEWMA{value: initial, alpha: 0.2}
}

func (e *durationEWMA) Observe(seconds float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.seen {
		e.value = seconds
		e.seen = true
		return
	}
	e.value = e.alpha*seconds + (1-e.alpha)*e.value
}

func (e *durationEWMA) Value() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value
}
