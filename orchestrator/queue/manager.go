package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/observability"
	"github.com/itskum47/InsightForge/orchestrator/tenant"
)

// Manager runs the worker-pool control loop. For each tenant with a
// non-empty queue it sizes the pool to clip(len/requestsPerWorker, min, max);
// empty tenants have their pools torn down.
type Manager struct {
	queue *Queue
	cfg   Config

	mu      sync.Mutex
	pools   map[string][]*worker
	ctx     context.Context
	nextID  int
	stopped bool
}

func NewManager(q *Queue, cfg Config) *Manager {
	return &Manager{
		queue: q,
		cfg:   cfg,
		pools: make(map[string][]*worker),
	}
}

// Start runs the control loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	go m.loop(ctx)
}

func (m *Manager) loop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ManagerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-ticker.C:
			m.reconcile(ctx)
		}
	}
}

// reconcile sizes every tenant pool to its desired worker count.
func (m *Manager) reconcile(ctx context.Context) {
	tenants, err := m.queue.store.TenantsWithQueues(ctx)
	if err != nil {
		log.Printf("[QUEUE] manager: tenant scan failed: %v", err)
		return
	}

	active := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		length, err := m.queue.store.QueueLength(ctx, t)
		if err != nil {
			log.Printf("[QUEUE] manager: length for %s failed: %v", t, err)
			continue
		}
		if length == 0 {
			continue
		}
		active[t] = true
		observability.QueueDepth.WithLabelValues(t).Set(float64(length))
		m.observeOldest(ctx, t)
		m.scaleTo(t, desiredWorkers(length, m.cfg))
	}

	// Tear down pools for tenants whose queues drained.
	m.mu.Lock()
	var idle []string
	for t := range m.pools {
		if !active[t] {
			idle = append(idle, t)
		}
	}
	m.mu.Unlock()
	for _, t := range idle {
		m.scaleTo(t, 0)
		observability.QueueDepth.WithLabelValues(t).Set(0)
	}
}

func desiredWorkers(queueLength int, cfg Config) int {
	n := queueLength / cfg.RequestsPerWorker
	if n < cfg.MinWorkers {
		n = cfg.MinWorkers
	}
	if n > cfg.MaxWorkers {
		n = cfg.MaxWorkers
	}
	return n
}

func (m *Manager) observeOldest(ctx context.Context, tenantID string) {
	head, err := m.queue.store.PeekLowest(ctx, tenantID)
	if err != nil {
		return
	}
	req, err := m.queue.store.GetRequest(ctx, head)
	if err != nil {
		return
	}
	observability.QueueOldestAge.WithLabelValues(tenantID).Set(time.Since(req.QueuedAt).Seconds())
}

// scaleTo adjusts the live pool for one tenant up or down.
func (m *Manager) scaleTo(tenantID string, desired int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped || m.ctx == nil {
		return
	}

	pool := m.pools[tenantID]
	for len(pool) < desired {
		m.nextID++
		w := newWorker(m.nextID, tenantID, m.queue)
		pool = append(pool, w)
		go w.run(m.ctx)
		log.Printf("[QUEUE] manager: started worker %d for tenant %s (pool=%d)", w.id, tenantID, len(pool))
	}
	for len(pool) > desired {
		w := pool[len(pool)-1]
		pool = pool[:len(pool)-1]
		close(w.stop)
		log.Printf("[QUEUE] manager: stopping worker %d for tenant %s (pool=%d)", w.id, tenantID, len(pool))
	}

	if desired == 0 {
		delete(m.pools, tenantID)
	} else {
		m.pools[tenantID] = pool
	}
	observability.QueueWorkers.WithLabelValues(tenantID).Set(float64(desired))
}

// EnsureWorker guarantees at least one worker runs for the tenant. Called on
// every enqueue.
func (m *Manager) EnsureWorker(tenantID string) {
	m.mu.Lock()
	hasPool := len(m.pools[tenantID]) > 0
	started := m.ctx != nil && !m.stopped
	m.mu.Unlock()

	if !hasPool && started {
		m.scaleTo(tenantID, m.cfg.MinWorkers)
	}
}

// Stop signals every worker to finish its current request and exit, then
// waits for them. Queued entries stay in the store.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	var all []*worker
	for t, pool := range m.pools {
		all = append(all, pool...)
		delete(m.pools, t)
	}
	m.mu.Unlock()

	for _, w := range all {
		select {
		case <-w.stop:
		default:
			close(w.stop)
		}
	}
	for _, w := range all {
		<-w.done
	}
}

// WorkerCount reports the live pool size for one tenant.
func (m *Manager) WorkerCount(tenantID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pools[tenantID])
}

// PoolSizes snapshots every pool (debug endpoint).
func (m *Manager) PoolSizes() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make(map[string]int, len(m.pools))
	for t, pool := range m.pools {
		sizes[t] = len(pool)
	}
	return sizes
}

func roleFromString(s string) tenant.Role {
	switch tenant.Role(s) {
	case tenant.RoleOwner, tenant.RoleAdmin, tenant.RoleMember, tenant.RoleViewer:
		return tenant.Role(s)
	default:
		return tenant.RoleMember
	}
}
