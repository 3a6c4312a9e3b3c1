package executor

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/breaker"
	"github.com/itskum47/InsightForge/orchestrator/observability"
)

// Status classifies one worker outcome.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusTimeout     Status = "timeout"
	StatusCircuitOpen Status = "circuit_open"
)

// Worker is a single named unit of pipeline work. The executor operates
// against this interface only; there is no shared base type.
type Worker interface {
	Name() string
	Execute(ctx context.Context, input interface{}) (interface{}, error)
}

// Outcome is the per-worker result of one batch. The batch result is always
// a complete map, never a partial one.
type Outcome struct {
	Status      Status      `json:"status"`
	Result      interface{} `json:"-"`
	Err         error       `json:"-"`
	DurationMS  int64       `json:"duration_ms"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
}

// Options controls one parallel batch.
type Options struct {
	// Timeout is enforced per worker, not per batch.
	Timeout time.Duration
	// TenantID is carried into the batch log record.
	TenantID string
	// RollbackOnAnyFailure cancels pending workers on the first failure.
	// All outcomes are still collected.
	RollbackOnAnyFailure bool
	// BreakersEnabled routes each call through the breaker registered under
	// the worker's name.
	BreakersEnabled bool
}

// batchRecord is the one log record appended per batch.
type batchRecord struct {
	Component           string   `json:"component"`
	ExecutionID         string   `json:"execution_id"`
	TenantID            string   `json:"tenant_id"`
	Workers             []string `json:"workers"`
	TotalDurationMS     int64    `json:"total_duration_ms"`
	SuccessCount        int      `json:"success_count"`
	FailedCount         int      `json:"failed_count"`
	CircuitBlockedCount int      `json:"circuit_blocked_count"`
}

// Executor runs independent workers concurrently with per-worker timeouts
// and optional breaker wrapping.
type Executor struct {
	breakers *breaker.Registry
}

func New(breakers *breaker.Registry) *Executor {
	return &Executor{breakers: breakers}
}

// RunParallel launches every worker concurrently and blocks until all
// outcomes are collected. One worker failing does not cancel the others
// unless opts.RollbackOnAnyFailure is set. No ordering is guaranteed between
// workers; callers inspect outcomes by worker name.
func (e *Executor) RunParallel(ctx context.Context, workers []Worker, inputs map[string]interface{}, opts Options) map[string]Outcome {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}

	batchCtx := ctx
	var cancelBatch context.CancelFunc
	if opts.RollbackOnAnyFailure {
		batchCtx, cancelBatch = context.WithCancel(ctx)
		defer cancelBatch()
	}

	start := time.Now()
	outcomes := make(map[string]Outcome, len(workers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, w := range workers {
		wg.Add(1)
		go func(w Worker) {
			defer wg.Done()
			outcome := e.runOne(batchCtx, w, inputs[w.Name()], opts)
			mu.Lock()
			outcomes[w.Name()] = outcome
			mu.Unlock()
			if outcome.Status != StatusSuccess && cancelBatch != nil {
				cancelBatch()
			}
			observability.ExecutorOutcomes.WithLabelValues(w.Name(), string(outcome.Status)).Inc()
		}(w)
	}
	wg.Wait()

	total := time.Since(start)
	observability.ExecutorBatchDuration.Observe(total.Seconds())

	record := batchRecord{
		Component:       "executor",
		ExecutionID:     newExecutionID(),
		TenantID:        opts.TenantID,
		TotalDurationMS: total.Milliseconds(),
	}
	for _, w := range workers {
		record.Workers = append(record.Workers, w.Name())
	}
	for _, o := range outcomes {
		switch o.Status {
		case StatusSuccess:
			record.SuccessCount++
		case StatusCircuitOpen:
			record.CircuitBlockedCount++
		default:
			record.FailedCount++
		}
	}
	bytes, _ := json.Marshal(record)
	log.Println(string(bytes))

	return outcomes
}

// runOne executes a single worker with its own deadline. Timeouts imposed
// here count as failures to the worker's breaker.
func (e *Executor) runOne(ctx context.Context, w Worker, input interface{}, opts Options) Outcome {
	wctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	started := time.Now()

	call := func() (interface{}, error) {
		return w.Execute(wctx, input)
	}

	var result interface{}
	var err error
	if opts.BreakersEnabled && e.breakers != nil {
		result, err = e.breakers.Get(w.Name()).Execute(call)
	} else {
		result, err = call()
	}

	completed := time.Now()
	outcome := Outcome{
		Result:      result,
		Err:         err,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMS:  completed.Sub(started).Milliseconds(),
	}

	switch {
	case err == nil:
		outcome.Status = StatusSuccess
	case isCircuitOpen(err):
		outcome.Status = StatusCircuitOpen
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(wctx.Err(), context.DeadlineExceeded):
		outcome.Status = StatusTimeout
	default:
		outcome.Status = StatusFailed
	}
	return outcome
}

func isCircuitOpen(err error) bool {
	var open *breaker.OpenError
	return errors.As(err, &open)
}

func newExecutionID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "exec-unknown"
	}
	return "exec-" + hex.EncodeToString(b[:])
}
