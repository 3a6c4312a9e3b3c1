package registry

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/observability"
)

// ShutdownNotice is the payload every live connection receives when a
// graceful drain begins. Producers must check their shutdown channel between
// events and terminate the stream cleanly on receipt.
type ShutdownNotice struct {
	Message               string `json:"message"`
	ReconnectDelaySeconds int    `json:"reconnect_delay_seconds"`
}

// ConnInfo describes one event-stream connection at registration time.
type ConnInfo struct {
	ConnectionID string
	TenantID     string
	Endpoint     string
	Metadata     map[string]string
}

// Conn is a registered connection handle. It is in the registry iff its
// producer goroutine is live.
type Conn struct {
	ConnInfo
	OpenedAt time.Time
	shutdown chan ShutdownNotice
}

// ShutdownSignal returns the channel carrying at most one drain notice.
func (c *Conn) ShutdownSignal() <-chan ShutdownNotice {
	return c.shutdown
}

// Stats is a point-in-time registry snapshot.
type Stats struct {
	Total            int            `json:"total"`
	ByEndpoint       map[string]int `json:"by_endpoint"`
	ByTenant         map[string]int `json:"by_tenant"`
	OldestAgeSeconds float64        `json:"oldest_age_seconds"`
	IsShuttingDown   bool           `json:"is_shutting_down"`
}

var (
	// ErrShuttingDown is returned to new registrations once a drain begins.
	ErrShuttingDown = errors.New("registry: shutting down, not accepting connections")
	// ErrShutdownInProgress guards against a second drain coordinator.
	ErrShutdownInProgress = errors.New("registry: shutdown already in progress")
)

// Registrar tracks live event streams and coordinates the graceful drain.
// One mutex protects the connection map; all registry mutations happen
// under it.
type Registrar struct {
	mu           sync.Mutex
	conns        map[string]*Conn
	shuttingDown bool
	drained      chan struct{} // closed when the registry empties mid-drain
}

func NewRegistrar() *Registrar {
	return &Registrar{
		conns: make(map[string]*Conn),
	}
}

// Register admits a connection, refusing once shutdown has begun.
func (r *Registrar) Register(info ConnInfo) (*Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.shuttingDown {
		return nil, ErrShuttingDown
	}

	conn := &Conn{
		ConnInfo: info,
		OpenedAt: time.Now(),
		shutdown: make(chan ShutdownNotice, 1),
	}
	r.conns[info.ConnectionID] = conn
	observability.ActiveConnections.Set(float64(len(r.conns)))
	return conn, nil
}

// Unregister removes the entry. If a drain is in progress and the registry
// just emptied, the coordinator is signalled.
func (r *Registrar) Unregister(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[connectionID]; !ok {
		return
	}
	delete(r.conns, connectionID)
	observability.ActiveConnections.Set(float64(len(r.conns)))

	if r.shuttingDown && len(r.conns) == 0 && r.drained != nil {
		close(r.drained)
		r.drained = nil
	}
}

// Track is the scoped acquisition form: register, run fn, and guarantee
// unregistration on every exit path.
func (r *Registrar) Track(info ConnInfo, fn func(conn *Conn) error) error {
	conn, err := r.Register(info)
	if err != nil {
		return err
	}
	defer r.Unregister(info.ConnectionID)
	return fn(conn)
}

// IsShuttingDown reports whether a drain has begun.
func (r *Registrar) IsShuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shuttingDown
}

// InitiateShutdown sets the shutdown flag, delivers one notice to every live
// connection, and waits up to grace for the registry to empty. Only one
// coordinator may run.
func (r *Registrar) InitiateShutdown(ctx context.Context, grace time.Duration, reconnectDelaySeconds int) error {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return ErrShutdownInProgress
	}
	r.shuttingDown = true

	notice := ShutdownNotice{
		Message:               "server is shutting down, please reconnect",
		ReconnectDelaySeconds: reconnectDelaySeconds,
	}
	for _, conn := range r.conns {
		// Buffered channel of one; a second send can never happen because
		// only one coordinator runs.
		conn.shutdown <- notice
	}

	remaining := len(r.conns)
	var drained chan struct{}
	if remaining > 0 {
		drained = make(chan struct{})
		r.drained = drained
	}
	r.mu.Unlock()

	log.Printf("[REGISTRY] shutdown initiated: %d live streams, grace %v", remaining, grace)
	if remaining == 0 {
		return nil
	}

	start := time.Now()
	defer func() {
		observability.ShutdownDrainDuration.Observe(time.Since(start).Seconds())
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-drained:
		log.Printf("[REGISTRY] all streams drained in %v", time.Since(start))
		return nil
	case <-timer.C:
		r.mu.Lock()
		left := len(r.conns)
		r.mu.Unlock()
		log.Printf("[REGISTRY] grace window elapsed with %d streams still live", left)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns the current registry snapshot.
func (r *Registrar) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Total:          len(r.conns),
		ByEndpoint:     make(map[string]int),
		ByTenant:       make(map[string]int),
		IsShuttingDown: r.shuttingDown,
	}
	now := time.Now()
	for _, conn := range r.conns {
		s.ByEndpoint[conn.Endpoint]++
		s.ByTenant[conn.TenantID]++
		if age := now.Sub(conn.OpenedAt).Seconds(); age > s.OldestAgeSeconds {
			s.OldestAgeSeconds = age
		}
	}
	return s
}
