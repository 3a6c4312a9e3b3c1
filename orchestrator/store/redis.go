package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/InsightForge/orchestrator/observability"
)

// resultTTL is how long a queued request record survives after insertion.
const resultTTL = time.Hour

// RedisStore implements QueueStore on Redis: one ZSET per tenant scored by
// the queue ordering score, plus per-request JSON records with TTL.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(addr, password string, db int) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

func observe(start time.Time) {
	observability.StoreLatency.Observe(time.Since(start).Seconds())
}

func (s *RedisStore) EnqueueRequest(ctx context.Context, req *QueuedRequest, score float64) error {
	defer observe(time.Now())

	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}

	// Insert the set member, the record and the tenant marker atomically so
	// a dequeue can never observe a member without its record.
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, tenantQueueKey(req.TenantID), redis.Z{Score: score, Member: req.RequestID})
	pipe.Set(ctx, requestKey(req.RequestID), raw, resultTTL)
	pipe.SAdd(ctx, queueTenantsKey, req.TenantID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) PopLowest(ctx context.Context, tenantID string) (string, error) {
	defer observe(time.Now())

	entries, err := s.client.ZPopMin(ctx, tenantQueueKey(tenantID), 1).Result()
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		// Empty queue: drop the tenant marker best-effort.
		s.client.SRem(ctx, queueTenantsKey, tenantID)
		return "", ErrNotFound
	}
	id, ok := entries[0].Member.(string)
	if !ok {
		return "", errors.New("store: non-string queue member")
	}
	return id, nil
}

func (s *RedisStore) PeekLowest(ctx context.Context, tenantID string) (string, error) {
	defer observe(time.Now())

	members, err := s.client.ZRange(ctx, tenantQueueKey(tenantID), 0, 0).Result()
	if err != nil {
		return "", err
	}
	if len(members) == 0 {
		return "", ErrNotFound
	}
	return members[0], nil
}

func (s *RedisStore) QueuePosition(ctx context.Context, tenantID, requestID string) (int, error) {
	defer observe(time.Now())

	rank, err := s.client.ZRank(ctx, tenantQueueKey(tenantID), requestID).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return int(rank) + 1, nil
}

func (s *RedisStore) QueueLength(ctx context.Context, tenantID string) (int, error) {
	defer observe(time.Now())

	n, err := s.client.ZCard(ctx, tenantQueueKey(tenantID)).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *RedisStore) GetRequest(ctx context.Context, requestID string) (*QueuedRequest, error) {
	defer observe(time.Now())

	raw, err := s.client.Get(ctx, requestKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var req QueuedRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func (s *RedisStore) UpdateRequest(ctx context.Context, req *QueuedRequest) error {
	defer observe(time.Now())

	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	// KEEPTTL preserves the original 1h window across status updates.
	return s.client.Set(ctx, requestKey(req.RequestID), raw, redis.KeepTTL).Err()
}

func (s *RedisStore) RequeueRequest(ctx context.Context, req *QueuedRequest, score float64) error {
	defer observe(time.Now())

	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, tenantQueueKey(req.TenantID), redis.Z{Score: score, Member: req.RequestID})
	pipe.Set(ctx, requestKey(req.RequestID), raw, redis.KeepTTL)
	pipe.SAdd(ctx, queueTenantsKey, req.TenantID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) TenantsWithQueues(ctx context.Context) ([]string, error) {
	defer observe(time.Now())

	members, err := s.client.SMembers(ctx, queueTenantsKey).Result()
	if err != nil {
		return nil, err
	}
	var tenants []string
	for _, t := range members {
		n, err := s.client.ZCard(ctx, tenantQueueKey(t)).Result()
		if err != nil {
			return nil, err
		}
		if n > 0 {
			tenants = append(tenants, t)
		} else {
			s.client.SRem(ctx, queueTenantsKey, t)
		}
	}
	return tenants, nil
}

func (s *RedisStore) GetIdempotencyRecord(ctx context.Context, key string) (string, error) {
	defer observe(time.Now())

	val, err := s.client.Get(ctx, idempotencyKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (s *RedisStore) SetIdempotencyRecordNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	defer observe(time.Now())

	return s.client.SetNX(ctx, idempotencyKey(key), value, ttl).Result()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

// LookupCachedReport reads a tenant-keyed cached report from Redis. The
// Redis cache fronts the repository cache for the fast path.
func (s *RedisStore) LookupCachedReport(ctx context.Context, query, tenantID, propertyID string) (*Report, error) {
	defer observe(time.Now())

	raw, err := s.client.Get(ctx, cachedReportKey(tenantID, propertyID, hashQuery(query))).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// StoreCachedReport writes a cached report with a bounded TTL.
func (s *RedisStore) StoreCachedReport(ctx context.Context, query, tenantID, propertyID string, r *Report) error {
	defer observe(time.Now())

	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, cachedReportKey(tenantID, propertyID, hashQuery(query)), raw, 15*time.Minute).Err()
}

func hashQuery(query string) string {
	sum := sha256.Sum256([]byte(query))
	return hex.EncodeToString(sum[:8])
}
