package queue

import (
	"context"
	"errors"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/store"
)

// QueueStatus is one record of the queue-position stream.
type QueueStatus struct {
	RequestID  string    `json:"request_id"`
	Position   int       `json:"position"`
	TotalQueue int       `json:"total_queue"`
	ETASeconds float64   `json:"eta_seconds"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// TrackerConfig controls the position stream cadence and ceiling.
type TrackerConfig struct {
	Interval    time.Duration
	MaxDuration time.Duration
}

func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Interval:    5 * time.Second,
		MaxDuration: 600 * time.Second,
	}
}

// Track streams (position, length, eta, status) updates for one request at a
// fixed cadence until the request reaches a terminal state or the ceiling
// elapses. The returned channel is closed when the stream ends.
func (q *Queue) Track(ctx context.Context, requestID string, cfg TrackerConfig) <-chan QueueStatus {
	if cfg.Interval <= 0 {
		cfg = DefaultTrackerConfig()
	}
	out := make(chan QueueStatus, 1)

	go func() {
		defer close(out)

		deadline := time.Now().Add(cfg.MaxDuration)
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		// First sample immediately so clients see state before the cadence.
		if done := q.emitStatus(ctx, requestID, out); done {
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if time.Now().After(deadline) {
					return
				}
				if done := q.emitStatus(ctx, requestID, out); done {
					return
				}
			}
		}
	}()
	return out
}

// emitStatus sends one sample; returns true when the stream should end.
func (q *Queue) emitStatus(ctx context.Context, requestID string, out chan<- QueueStatus) bool {
	req, err := q.store.GetRequest(ctx, requestID)
	if errors.Is(err, store.ErrNotFound) {
		select {
		case out <- QueueStatus{
			RequestID: requestID,
			Position:  -1,
			Status:    "unknown",
			Message:   "request not found or expired",
			Timestamp: time.Now(),
		}:
		case <-ctx.Done():
		}
		return true
	}
	if err != nil {
		return false // transient store error, try again next tick
	}

	pos, err := q.store.QueuePosition(ctx, req.TenantID, requestID)
	if err != nil {
		return false
	}
	length, err := q.store.QueueLength(ctx, req.TenantID)
	if err != nil {
		return false
	}

	status := QueueStatus{
		RequestID:  requestID,
		Position:   pos,
		TotalQueue: length,
		ETASeconds: float64(pos) * q.ewma.Value(),
		Status:     req.Status,
		Timestamp:  time.Now(),
	}
	switch req.Status {
	case store.RequestQueued:
		status.Message = "waiting in queue"
	case store.RequestProcessing:
		status.Message = "request is being processed"
	case store.RequestCompleted:
		status.Message = "request completed"
	case store.RequestFailed:
		status.Message = "request failed: " + req.Error
	}

	select {
	case out <- status:
	case <-ctx.Done():
		return true
	}
	return req.Terminal()
}
