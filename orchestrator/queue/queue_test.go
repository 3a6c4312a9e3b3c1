package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/store"
	"github.com/itskum47/InsightForge/orchestrator/tenant"
	"github.com/itskum47/InsightForge/orchestrator/upstream"
)

// fakeAnalytics scripts upstream behavior per call.
type fakeAnalytics struct {
	calls atomic.Int64
	fn    func(call int64, req upstream.FetchRequest) (*upstream.FetchResult, error)
}

func (f *fakeAnalytics) Fetch(ctx context.Context, req upstream.FetchRequest) (*upstream.FetchResult, error) {
	return f.fn(f.calls.Add(1), req)
}

func okResult() *upstream.FetchResult {
	return &upstream.FetchResult{
		Rows:          []upstream.Row{{DimensionValues: []string{"mobile"}, MetricValues: []float64{1234}}},
		MetricHeaders: []string{"sessions"},
	}
}

// fastConfig keeps test wall time small.
func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.InitialBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	cfg.WaitPollStart = 10 * time.Millisecond
	cfg.WaitPollCap = 50 * time.Millisecond
	cfg.WaitTimeout = 5 * time.Second
	cfg.ManagerInterval = 50 * time.Millisecond
	return cfg
}

func TestQueue_PriorityUnderContention(t *testing.T) {
	ms := store.NewMemoryStore()
	q := New(ms, &fakeAnalytics{fn: func(int64, upstream.FetchRequest) (*upstream.FetchResult, error) {
		return okResult(), nil
	}}, fastConfig())
	// Manager never started: entries stay queued so dequeue order is observable.

	ctx := context.Background()
	params := map[string]string{"property_id": "p1"}

	// Enqueue viewer, member, owner within the same millisecond window.
	viewerID, err := q.Enqueue(ctx, "acme", "v", tenant.RoleViewer, EndpointAnalyticsFetch, params, 0)
	if err != nil {
		t.Fatalf("enqueue viewer: %v", err)
	}
	memberID, err := q.Enqueue(ctx, "acme", "m", tenant.RoleMember, EndpointAnalyticsFetch, params, 0)
	if err != nil {
		t.Fatalf("enqueue member: %v", err)
	}
	ownerID, err := q.Enqueue(ctx, "acme", "o", tenant.RoleOwner, EndpointAnalyticsFetch, params, 0)
	if err != nil {
		t.Fatalf("enqueue owner: %v", err)
	}

	want := []string{ownerID, memberID, viewerID}
	for i, expect := range want {
		got, err := ms.PopLowest(ctx, "acme")
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if got != expect {
			t.Fatalf("pop %d = %s, want %s (owner, member, viewer order)", i, got, expect)
		}
	}
}

func TestQueue_PriorityBeatsRoleWithinReason(t *testing.T) {
	ms := store.NewMemoryStore()
	q := New(ms, &fakeAnalytics{fn: func(int64, upstream.FetchRequest) (*upstream.FetchResult, error) {
		return okResult(), nil
	}}, fastConfig())
	ctx := context.Background()
	params := map[string]string{"property_id": "p1"}

	// Same role: higher explicit priority dequeues first.
	lowID, _ := q.Enqueue(ctx, "acme", "u", tenant.RoleMember, EndpointAnalyticsFetch, params, 0)
	highID, _ := q.Enqueue(ctx, "acme", "u", tenant.RoleMember, EndpointAnalyticsFetch, params, 90)

	got, _ := ms.PopLowest(ctx, "acme")
	if got != highID {
		t.Fatalf("first pop = %s, want high-priority %s", got, highID)
	}
	got, _ = ms.PopLowest(ctx, "acme")
	if got != lowID {
		t.Fatalf("second pop = %s, want %s", got, lowID)
	}
}

func TestQueue_ScoreTieBreakIsInsertionOrder(t *testing.T) {
	ms := store.NewMemoryStore()
	q := New(ms, nil, fastConfig())
	ctx := context.Background()
	params := map[string]string{"property_id": "p1"}

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := q.Enqueue(ctx, "acme", "u", tenant.RoleMember, EndpointAnalyticsFetch, params, 0)
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		ids = append(ids, id)
	}
	for i, expect := range ids {
		got, _ := ms.PopLowest(ctx, "acme")
		if got != expect {
			t.Fatalf("pop %d = %s, want %s (FIFO within equal scores)", i, got, expect)
		}
	}
}

func TestQueue_ScoreSurvivesFloatRounding(t *testing.T) {
	q := New(store.NewMemoryStore(), nil, fastConfig())

	// The ordered-set backend sorts equal scores lexicographically by the
	// random request ID, so the sequence fraction must survive float64
	// rounding: same-millisecond enqueues with equal role and priority need
	// strictly increasing scores.
	at := time.UnixMilli(1787606227512)
	prev := q.Score(at, tenant.RoleMember, 0)
	for i := 0; i < 100; i++ {
		next := q.Score(at, tenant.RoleMember, 0)
		if next <= prev {
			t.Fatalf("score %d = %.6f, not above previous %.6f (sequence fraction rounded away)", i, next, prev)
		}
		prev = next
	}
}

func TestQueue_RoundTripThroughWorker(t *testing.T) {
	ms := store.NewMemoryStore()
	fake := &fakeAnalytics{fn: func(int64, upstream.FetchRequest) (*upstream.FetchResult, error) {
		return okResult(), nil
	}}
	q := New(ms, fake, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	requestID, err := q.Enqueue(ctx, "acme", "alice", tenant.RoleMember, EndpointAnalyticsFetch, map[string]string{
		"property_id": "p1",
		"date_range":  "7d",
		"dimensions":  "device",
		"metrics":     "sessions",
	}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done, err := q.WaitForResult(ctx, requestID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != store.RequestCompleted {
		t.Fatalf("status = %s (%s), want completed", done.Status, done.Error)
	}

	var result upstream.FetchResult
	if err := json.Unmarshal(done.Result, &result); err != nil {
		t.Fatalf("result decode: %v", err)
	}
	if len(result.Rows) != 1 || result.Rows[0].MetricValues[0] != 1234 {
		t.Fatalf("unexpected result: %+v", result)
	}

	// Terminal requests leave the ordered set.
	if pos, _ := q.Position(ctx, requestID); pos != 0 {
		t.Fatalf("position after completion = %d, want 0", pos)
	}
}

func TestQueue_RateLimitRetryThenSuccess(t *testing.T) {
	ms := store.NewMemoryStore()
	fake := &fakeAnalytics{fn: func(call int64, _ upstream.FetchRequest) (*upstream.FetchResult, error) {
		if call <= 2 {
			return nil, upstream.ErrRateLimited
		}
		return okResult(), nil
	}}
	q := New(ms, fake, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	requestID, err := q.Enqueue(ctx, "acme", "alice", tenant.RoleMember, EndpointAnalyticsFetch,
		map[string]string{"property_id": "p1"}, 0)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	done, err := q.WaitForResult(ctx, requestID, 10*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != store.RequestCompleted {
		t.Fatalf("status = %s (%s), want completed after retries", done.Status, done.Error)
	}
	if done.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", done.RetryCount)
	}
	if got := fake.calls.Load(); got != 3 {
		t.Fatalf("upstream calls = %d, want 3", got)
	}
}

func TestQueue_RetriesExhausted(t *testing.T) {
	ms := store.NewMemoryStore()
	fake := &fakeAnalytics{fn: func(int64, upstream.FetchRequest) (*upstream.FetchResult, error) {
		return nil, upstream.ErrRateLimited
	}}
	cfg := fastConfig()
	cfg.DefaultMaxRetries = 2
	q := New(ms, fake, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	requestID, _ := q.Enqueue(ctx, "acme", "alice", tenant.RoleMember, EndpointAnalyticsFetch,
		map[string]string{"property_id": "p1"}, 0)

	done, err := q.WaitForResult(ctx, requestID, 10*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != store.RequestFailed {
		t.Fatalf("status = %s, want failed after exhausting retries", done.Status)
	}
	if done.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", done.RetryCount)
	}
	// 1 initial + 2 retries
	if got := fake.calls.Load(); got != 3 {
		t.Fatalf("upstream calls = %d, want 3", got)
	}
}

func TestQueue_NonRetryableErrorFailsImmediately(t *testing.T) {
	ms := store.NewMemoryStore()
	fake := &fakeAnalytics{fn: func(int64, upstream.FetchRequest) (*upstream.FetchResult, error) {
		return nil, errors.New("property does not exist")
	}}
	q := New(ms, fake, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	requestID, _ := q.Enqueue(ctx, "acme", "alice", tenant.RoleMember, EndpointAnalyticsFetch,
		map[string]string{"property_id": "bogus"}, 0)

	done, err := q.WaitForResult(ctx, requestID, 5*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if done.Status != store.RequestFailed || done.RetryCount != 0 {
		t.Fatalf("got status=%s retries=%d, want immediate failure", done.Status, done.RetryCount)
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{InitialBackoff: 2 * time.Second, BackoffMultiplier: 2, MaxBackoff: 60 * time.Second}

	cases := []struct {
		retry int
		want  time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{5, 60 * time.Second}, // capped (would be 64s)
		{20, 60 * time.Second},
	}
	for _, c := range cases {
		if got := cfg.backoffDelay(c.retry); got != c.want {
			t.Fatalf("backoffDelay(%d) = %v, want %v", c.retry, got, c.want)
		}
	}
}

func TestDesiredWorkers(t *testing.T) {
	cfg := DefaultConfig() // 10 per worker, clip [1,5]

	cases := []struct {
		length, want int
	}{
		{0, 1}, {5, 1}, {10, 1}, {25, 2}, {50, 5}, {500, 5},
	}
	for _, c := range cases {
		if got := desiredWorkers(c.length, cfg); got != c.want {
			t.Fatalf("desiredWorkers(%d) = %d, want %d", c.length, got, c.want)
		}
	}
}

func TestQueue_Track(t *testing.T) {
	ms := store.NewMemoryStore()
	fake := &fakeAnalytics{fn: func(int64, upstream.FetchRequest) (*upstream.FetchResult, error) {
		time.Sleep(50 * time.Millisecond)
		return okResult(), nil
	}}
	q := New(ms, fake, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	requestID, _ := q.Enqueue(ctx, "acme", "alice", tenant.RoleMember, EndpointAnalyticsFetch,
		map[string]string{"property_id": "p1"}, 0)

	var updates []QueueStatus
	for update := range q.Track(ctx, requestID, TrackerConfig{Interval: 20 * time.Millisecond, MaxDuration: 5 * time.Second}) {
		updates = append(updates, update)
	}
	if len(updates) == 0 {
		t.Fatal("tracker emitted no updates")
	}
	last := updates[len(updates)-1]
	if last.Status != store.RequestCompleted {
		t.Fatalf("final tracked status = %s, want completed", last.Status)
	}
}

func TestQueue_TrackUnknownRequest(t *testing.T) {
	q := New(store.NewMemoryStore(), nil, fastConfig())

	updates := q.Track(context.Background(), "req-missing", DefaultTrackerConfig())
	first, ok := <-updates
	if !ok {
		t.Fatal("channel closed without the unknown-request sample")
	}
	if first.Position != -1 || first.Status != "unknown" {
		t.Fatalf("unknown request sample = %+v", first)
	}
	if _, open := <-updates; open {
		t.Fatal("stream should end after the unknown-request sample")
	}
}
