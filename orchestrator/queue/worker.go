package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/observability"
	"github.com/itskum47/InsightForge/orchestrator/store"
	"github.com/itskum47/InsightForge/orchestrator/upstream"
)

// EndpointAnalyticsFetch is the one endpoint the queue currently drains.
const EndpointAnalyticsFetch = "analytics.fetch"

const idlePoll = 500 * time.Millisecond

// worker drains one tenant's ordered set. Workers are restartable; a single
// worker failing does not terminate the pool.
type worker struct {
	id       int
	tenantID string
	queue    *Queue
	stop     chan struct{}
	done     chan struct{}
}

func newWorker(id int, tenantID string, q *Queue) *worker {
	return &worker{
		id:       id,
		tenantID: tenantID,
		queue:    q,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// run is the drain loop. Stopping is cooperative: the current request is
// finished before exit.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		requestID, err := w.queue.store.PopLowest(ctx, w.tenantID)
		if errors.Is(err, store.ErrNotFound) {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-time.After(idlePoll):
			}
			continue
		}
		if err != nil {
			log.Printf("[QUEUE] worker %s/%d: pop failed: %v", w.tenantID, w.id, err)
			time.Sleep(idlePoll)
			continue
		}

		w.process(ctx, requestID)
	}
}

func (w *worker) process(ctx context.Context, requestID string) {
	req, err := w.queue.store.GetRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		// Record expired or was never written; nothing to do.
		log.Printf("[QUEUE] worker %s/%d: record missing for %s, skipping", w.tenantID, w.id, requestID)
		return
	}
	if err != nil {
		log.Printf("[QUEUE] worker %s/%d: read failed for %s: %v", w.tenantID, w.id, requestID, err)
		return
	}

	// Per-tenant dispatch limit.
	if allowed, delayMS := w.queue.limiter.ReserveDelay(w.tenantID); !allowed {
		time.Sleep(time.Duration(delayMS) * time.Millisecond)
	}

	req.Status = store.RequestProcessing
	if err := w.queue.store.UpdateRequest(ctx, req); err != nil {
		log.Printf("[QUEUE] worker %s/%d: mark processing failed: %v", w.tenantID, w.id, err)
	}

	start := time.Now()
	result, callErr := w.invoke(ctx, req)
	elapsed := time.Since(start)
	observability.QueueRequestDuration.Observe(elapsed.Seconds())
	w.queue.ewma.Observe(elapsed.Seconds())

	switch {
	case callErr == nil:
		raw, err := json.Marshal(result)
		if err != nil {
			req.Status = store.RequestFailed
			req.Error = "result not serializable: " + err.Error()
		} else {
			req.Status = store.RequestCompleted
			req.Result = raw
			req.Error = ""
		}

	case errors.Is(callErr, upstream.ErrRateLimited):
		if req.RetryCount < req.MaxRetries {
			w.requeueWithBackoff(ctx, req)
			return
		}
		req.Status = store.RequestFailed
		req.Error = "exhausted retries: " + callErr.Error()

	default:
		req.Status = store.RequestFailed
		req.Error = callErr.Error()
	}

	if err := w.queue.store.UpdateRequest(ctx, req); err != nil {
		log.Printf("[QUEUE] worker %s/%d: finalize failed for %s: %v", w.tenantID, w.id, requestID, err)
	}
}

// requeueWithBackoff sleeps the retry backoff, then re-inserts the request
// with a fresh score and guarantees a worker stays up.
func (w *worker) requeueWithBackoff(ctx context.Context, req *store.QueuedRequest) {
	delay := w.queue.cfg.backoffDelay(req.RetryCount)
	observability.QueueRetries.Inc()
	log.Printf("[QUEUE] worker %s/%d: rate limited, retry %d/%d in %v",
		w.tenantID, w.id, req.RetryCount+1, req.MaxRetries, delay)

	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	req.RetryCount++
	req.Status = store.RequestQueued
	score := w.queue.Score(time.Now(), roleFromString(req.Role), req.Priority)
	if err := w.queue.store.RequeueRequest(ctx, req, score); err != nil {
		log.Printf("[QUEUE] worker %s/%d: requeue failed for %s: %v", w.tenantID, w.id, req.RequestID, err)
		return
	}
	w.queue.manager.EnsureWorker(req.TenantID)
}

// invoke dispatches on the endpoint name.
func (w *worker) invoke(ctx context.Context, req *store.QueuedRequest) (interface{}, error) {
	switch req.Endpoint {
	case EndpointAnalyticsFetch:
		return w.queue.client.Fetch(ctx, fetchRequestFromParams(req.Params))
	default:
		return nil, errors.New("queue: unknown endpoint " + req.Endpoint)
	}
}

func fetchRequestFromParams(params map[string]string) upstream.FetchRequest {
	fr := upstream.FetchRequest{
		PropertyID: params["property_id"],
		DateRange:  params["date_range"],
	}
	if v := params["dimensions"]; v != "" {
		fr.Dimensions = strings.Split(v, ",")
	}
	if v := params["metrics"]; v != "" {
		fr.Metrics = strings.Split(v, ",")
	}
	if v := params["limit"]; v != "" {
		fr.Limit, _ = strconv.Atoi(v)
	}
	if v := params["offset"]; v != "" {
		fr.Offset, _ = strconv.Atoi(v)
	}
	return fr
}

// backoffDelay computes min(initial * multiplier^retryCount, max).
func (c Config) backoffDelay(retryCount int) time.Duration {
	d := float64(c.InitialBackoff)
	for i := 0; i < retryCount; i++ {
		d *= c.BackoffMultiplier
	}
	if d > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}
	return time.Duration(d)
}
