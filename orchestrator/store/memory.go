package store

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/tenant"
)

// MemoryStore implements Repository and QueueStore in process memory.
// Single-node only; used by tests and dev mode.
type MemoryStore struct {
	mu sync.RWMutex

	memberships map[string]*tenant.Membership // userID|tenantID
	embeddings  []*EmbeddingRecord
	metrics     []*MetricRecord
	reports     map[string]*Report // tenantID|propertyID|query

	queues   map[string][]queueEntry   // tenantID -> ordered entries
	requests map[string]requestRecord  // requestID -> record + expiry
	idem     map[string]idemRecord
	seq      int64
}

type queueEntry struct {
	requestID string
	score     float64
	seq       int64 // insertion order tie-break
}

type requestRecord struct {
	req       *QueuedRequest
	expiresAt time.Time
}

type idemRecord struct {
	value     string
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		memberships: make(map[string]*tenant.Membership),
		reports:     make(map[string]*Report),
		queues:      make(map[string][]queueEntry),
		requests:    make(map[string]requestRecord),
		idem:        make(map[string]idemRecord),
	}
}

func membershipKey(userID, tenantID string) string {
	return userID + "|" + tenantID
}

// PutMembership seeds a membership row (tests and dev seed path).
func (s *MemoryStore) PutMembership(m *tenant.Membership) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[membershipKey(m.UserID, m.TenantID)] = m
}

func (s *MemoryStore) Membership(ctx context.Context, userID, tenantID string) (*tenant.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.memberships[membershipKey(userID, tenantID)]
	if !ok {
		return nil, nil
	}
	copied := *m
	return &copied, nil
}

func (s *MemoryStore) TopKSimilar(ctx context.Context, embedding []float32, k int, minSimilarity float64) ([]Document, []Citation, error) {
	scope, err := requireScope(ctx)
	if err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		rec *EmbeddingRecord
		sim float64
	}
	var candidates []scored
	for _, rec := range s.embeddings {
		if rec.TenantID != scope.TenantID {
			continue // server-side tenant filter
		}
		sim := cosineSimilarity(embedding, rec.Vector)
		if sim >= minSimilarity {
			candidates = append(candidates, scored{rec: rec, sim: sim})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].sim > candidates[j].sim })
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	docs := make([]Document, 0, len(candidates))
	cits := make([]Citation, 0, len(candidates))
	for _, c := range candidates {
		docs = append(docs, Document{
			RecordID:   c.rec.RecordID,
			TenantID:   c.rec.TenantID,
			Content:    c.rec.Content,
			Similarity: c.sim,
		})
		cits = append(cits, Citation{
			SourceRecordID:  c.rec.RecordID,
			PropertyID:      c.rec.PropertyID,
			RecordDate:      c.rec.RecordDate,
			RawValues:       c.rec.RawValues,
			SimilarityScore: c.sim,
		})
	}
	return docs, cits, nil
}

func (s *MemoryStore) InsertMetricRecords(ctx context.Context, records []MetricRecord) error {
	scope, err := requireScope(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range records {
		rec := records[i]
		if rec.TenantID == "" {
			rec.TenantID = scope.TenantID
		}
		if rec.TenantID != scope.TenantID {
			return fmt.Errorf("store: record tenant %s does not match scope %s", rec.TenantID, scope.TenantID)
		}
		s.metrics = append(s.metrics, &rec)
	}
	return nil
}

func (s *MemoryStore) InsertEmbedding(ctx context.Context, rec *EmbeddingRecord) error {
	scope, err := requireScope(ctx)
	if err != nil {
		return err
	}
	if rec.TenantID == "" {
		rec.TenantID = scope.TenantID
	}
	if rec.TenantID != scope.TenantID {
		return fmt.Errorf("store: embedding tenant %s does not match scope %s", rec.TenantID, scope.TenantID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	s.embeddings = append(s.embeddings, &copied)
	return nil
}

// SeedEmbedding inserts an embedding without scope checks (test fixtures).
func (s *MemoryStore) SeedEmbedding(rec *EmbeddingRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *rec
	s.embeddings = append(s.embeddings, &copied)
}

func reportCacheKey(tenantID, propertyID, query string) string {
	return tenantID + "|" + propertyID + "|" + query
}

func (s *MemoryStore) LookupCachedReport(ctx context.Context, query, tenantID, propertyID string) (*Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[reportCacheKey(tenantID, propertyID, query)]
	if !ok {
		return nil, nil
	}
	copied := *r
	return &copied, nil
}

func (s *MemoryStore) StoreCachedReport(ctx context.Context, query, tenantID, propertyID string, r *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *r
	s.reports[reportCacheKey(tenantID, propertyID, query)] = &copied
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// --- QueueStore ---

func (s *MemoryStore) EnqueueRequest(ctx context.Context, req *QueuedRequest, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	s.queues[req.TenantID] = append(s.queues[req.TenantID], queueEntry{
		requestID: req.RequestID,
		score:     score,
		seq:       s.seq,
	})
	s.sortQueueLocked(req.TenantID)
	copied := *req
	s.requests[req.RequestID] = requestRecord{req: &copied, expiresAt: time.Now().Add(time.Hour)}
	return nil
}

func (s *MemoryStore) sortQueueLocked(tenantID string) {
	q := s.queues[tenantID]
	sort.SliceStable(q, func(i, j int) bool {
		if q[i].score != q[j].score {
			return q[i].score < q[j].score
		}
		return q[i].seq < q[j].seq
	})
}

func (s *MemoryStore) PopLowest(ctx context.Context, tenantID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[tenantID]
	if len(q) == 0 {
		return "", ErrNotFound
	}
	head := q[0]
	s.queues[tenantID] = q[1:]
	if len(s.queues[tenantID]) == 0 {
		delete(s.queues, tenantID)
	}
	return head.requestID, nil
}

func (s *MemoryStore) PeekLowest(ctx context.Context, tenantID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := s.queues[tenantID]
	if len(q) == 0 {
		return "", ErrNotFound
	}
	return q[0].requestID, nil
}

func (s *MemoryStore) QueuePosition(ctx context.Context, tenantID, requestID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i, e := range s.queues[tenantID] {
		if e.requestID == requestID {
			return i + 1, nil
		}
	}
	return 0, nil
}

func (s *MemoryStore) QueueLength(ctx context.Context, tenantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queues[tenantID]), nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, requestID string) (*QueuedRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.requests[requestID]
	if !ok || time.Now().After(rec.expiresAt) {
		return nil, ErrNotFound
	}
	copied := *rec.req
	return &copied, nil
}

func (s *MemoryStore) UpdateRequest(ctx context.Context, req *QueuedRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.requests[req.RequestID]
	if !ok {
		return ErrNotFound
	}
	copied := *req
	rec.req = &copied
	s.requests[req.RequestID] = rec
	return nil
}

func (s *MemoryStore) RequeueRequest(ctx context.Context, req *QueuedRequest, score float64) error {
	return s.EnqueueRequest(ctx, req, score)
}

func (s *MemoryStore) TenantsWithQueues(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenants := make([]string, 0, len(s.queues))
	for t := range s.queues {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants, nil
}

func (s *MemoryStore) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idem[key]
	if !ok || time.Now().After(rec.expiresAt) {
		return "", ErrNotFound
	}
	return rec.value, nil
}

func (s *MemoryStore) SetIdempotencyRecordNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.idem[key]; ok && time.Now().Before(rec.expiresAt) {
		return false, nil
	}
	s.idem[key] = idemRecord{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

// DumpRequest returns the raw record JSON (debug snapshot endpoint).
func (s *MemoryStore) DumpRequest(requestID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.requests[requestID]
	if !ok {
		return "", false
	}
	raw, _ := json.Marshal(rec.req)
	return string(raw), true
}

// cosineSimilarity over float32 vectors; 0 for mismatched or zero vectors.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
