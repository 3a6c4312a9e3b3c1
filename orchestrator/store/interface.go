package store

import (
	"context"
	"errors"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/tenant"
)

// ErrNotFound is returned for missing records.
var ErrNotFound = errors.New("store: not found")

// Repository is the relational + vector query surface the core consumes.
// Every tenant-partitioned read path requires a bound filter scope on the
// context and MUST refuse queries whose tenant does not match the scope;
// filtering happens server-side, the core does no post-filtering.
type Repository interface {
	// Membership returns the membership row or nil if none exists.
	Membership(ctx context.Context, userID, tenantID string) (*tenant.Membership, error)

	// TopKSimilar runs tenant-filtered similarity search over stored
	// embeddings. Requires a bound scope whose tenant matches every result.
	TopKSimilar(ctx context.Context, embedding []float32, k int, minSimilarity float64) ([]Document, []Citation, error)

	// InsertMetricRecords persists fetched analytics rows under the scope.
	InsertMetricRecords(ctx context.Context, records []MetricRecord) error

	// InsertEmbedding persists one embedding record under the scope.
	InsertEmbedding(ctx context.Context, rec *EmbeddingRecord) error

	// LookupCachedReport returns a cached report or nil.
	LookupCachedReport(ctx context.Context, query, tenantID, propertyID string) (*Report, error)

	// StoreCachedReport caches an immutable report.
	StoreCachedReport(ctx context.Context, query, tenantID, propertyID string, r *Report) error

	Close() error
}

// QueueStore is the queue data plane: a per-tenant ordered set keyed by
// request_id plus a result record per request with a TTL.
type QueueStore interface {
	// EnqueueRequest inserts the request into its tenant's ordered set with
	// the given score and stores the full record. Atomic with respect to
	// dequeue.
	EnqueueRequest(ctx context.Context, req *QueuedRequest, score float64) error

	// PopLowest removes and returns the lowest-scoring request id for the
	// tenant, or ErrNotFound when the set is empty.
	PopLowest(ctx context.Context, tenantID string) (string, error)

	// PeekLowest returns the lowest-scoring request id without removal.
	PeekLowest(ctx context.Context, tenantID string) (string, error)

	// QueuePosition returns the 1-indexed rank within the owning tenant's
	// set, 0 if not in the set.
	QueuePosition(ctx context.Context, tenantID, requestID string) (int, error)

	// QueueLength returns the tenant's set cardinality.
	QueueLength(ctx context.Context, tenantID string) (int, error)

	// GetRequest reads the full record, ErrNotFound if expired or unknown.
	GetRequest(ctx context.Context, requestID string) (*QueuedRequest, error)

	// UpdateRequest rewrites the record preserving its TTL window.
	UpdateRequest(ctx context.Context, req *QueuedRequest) error

	// RequeueRequest re-inserts a retried request with a fresh score.
	RequeueRequest(ctx context.Context, req *QueuedRequest, score float64) error

	// TenantsWithQueues lists tenants with a non-empty ordered set.
	TenantsWithQueues(ctx context.Context) ([]string, error)

	// GetIdempotencyRecord retrieves a cached idempotency response.
	GetIdempotencyRecord(ctx context.Context, key string) (string, error)

	// SetIdempotencyRecordNX atomically sets only if the key is absent.
	SetIdempotencyRecordNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Close() error
}

// requireScope enforces the repository contract: a bound scope whose tenant
// matches the query's implicit tenant.
func requireScope(ctx context.Context) (tenant.Scope, error) {
	return tenant.FromContext(ctx)
}
