package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/executor"
	"github.com/itskum47/InsightForge/orchestrator/observability"
	"github.com/itskum47/InsightForge/orchestrator/queue"
	"github.com/itskum47/InsightForge/orchestrator/registry"
	"github.com/itskum47/InsightForge/orchestrator/store"
	"github.com/itskum47/InsightForge/orchestrator/tenant"
	"github.com/itskum47/InsightForge/orchestrator/upstream"
	"github.com/itskum47/InsightForge/orchestrator/workflow"
)

// Retrieval confidence labels derived from the mean similarity score.
const (
	ConfidenceHigh      = "high_confidence"
	ConfidenceMedium    = "medium_confidence"
	ConfidenceLow       = "low_confidence"
	ConfidenceNoneFound = "no_relevant_context"
)

// PipelineConfig is the single explicit configuration record for one
// orchestrator instance.
type PipelineConfig struct {
	WorkerTimeout    time.Duration // per-worker deadline inside the executor
	PipelineDeadline time.Duration // end-to-end budget for one query
	FastPathBudget   time.Duration // cache-first lookup budget

	RetrievalK    int
	MinSimilarity float64

	HighConfidence   float64
	MediumConfidence float64
	LowConfidence    float64

	CacheEnabled bool
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		WorkerTimeout:    30 * time.Second,
		PipelineDeadline: 60 * time.Second,
		FastPathBudget:   500 * time.Millisecond,
		RetrievalK:       5,
		MinSimilarity:    0.70,
		HighConfidence:   0.85,
		MediumConfidence: 0.70,
		LowConfidence:    0.50,
		CacheEnabled:     true,
	}
}

// QueryRequest is one end-user analytics question.
type QueryRequest struct {
	Query      string   `json:"query"`
	PropertyID string   `json:"property_id"`
	DateRange  string   `json:"date_range,omitempty"`
	Dimensions []string `json:"dimensions,omitempty"`
	Metrics    []string `json:"metrics,omitempty"`
	Priority   int      `json:"priority,omitempty"`
}

// EmitFunc delivers one event to the client stream. A non-nil error means
// the client is gone and the pipeline should stop quietly.
type EmitFunc func(Event) error

// Orchestrator composes the gate, executor, queue, repository and synthesizer
// into the fetch || embed -> retrieve -> synthesize pipeline. All collaborators
// are injected once at startup; tests construct fresh instances.
type Orchestrator struct {
	gate      *tenant.Gate
	repo      store.Repository
	queue     *queue.Queue
	exec      *executor.Executor
	analytics upstream.AnalyticsClient
	embedder  upstream.EmbeddingClient
	synth     Synthesizer
	cfg       PipelineConfig
}

func NewOrchestrator(gate *tenant.Gate, repo store.Repository, q *queue.Queue, exec *executor.Executor, analytics upstream.AnalyticsClient, embedder upstream.EmbeddingClient, cfg PipelineConfig) *Orchestrator {
	return &Orchestrator{
		gate:      gate,
		repo:      repo,
		queue:     q,
		exec:      exec,
		analytics: analytics,
		embedder:  embedder,
		cfg:       cfg,
	}
}

// RunStreaming drives one query end to end, emitting progress events. The
// conn is the registered stream handle; its shutdown channel is polled
// between steps. The function always returns with the FSM in a terminal or
// consistent state and never panics into the HTTP layer.
func (o *Orchestrator) RunStreaming(ctx context.Context, conn *registry.Conn, principal *tenant.Principal, requestedTenantID string, req QueryRequest, emit EmitFunc) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PipelineDeadline)
	defer cancel()

	start := time.Now()
	queryID := newQueryID()

	send := func(ev Event) error {
		observability.StreamEvents.WithLabelValues(string(ev.Type)).Inc()
		return emit(ev)
	}

	// Step 1: membership gate. Failures terminate the stream before any
	// pipeline state exists.
	tenantID, role, err := o.gate.Authorize(ctx, principal, requestedTenantID)
	if err != nil {
		send(errorEvent("access denied: you are not a member of this workspace"))
		return
	}

	fsm := workflow.NewMachine(tenantID, queryID)
	finish := func() {
		observability.PipelineDuration.WithLabelValues(string(fsm.Current())).Observe(time.Since(start).Seconds())
	}
	defer finish()

	// abort fires the FSM error trigger and emits a terminal error event.
	abort := func(message string) {
		fsm.Fire(workflow.TriggerError, map[string]interface{}{"message": message})
		send(errorEvent(message))
	}

	if err := send(statusEvent("initializing", progressInitializing)); err != nil {
		fsm.Fire(workflow.TriggerError, nil)
		return
	}
	fsm.Fire(workflow.TriggerStart, map[string]interface{}{"query": req.Query})

	// Step 2: cache-first fast path inside a hard budget. An overrun or any
	// lookup error abandons the path; the full pipeline is the fallback.
	if o.cfg.CacheEnabled {
		if report := o.cachedReport(ctx, tenantID, principal.UserID, req); report != nil {
			send(statusEvent("using cached result", progressGenerating))
			fsm.Fire(workflow.TriggerDataCached, map[string]interface{}{"cache": "report"})
			send(Event{
				Type:        EventResult,
				Payload:     report,
				Cached:      true,
				CacheSource: "progressive_cache",
				Metadata: map[string]interface{}{
					"query_id":    queryID,
					"duration_ms": time.Since(start).Milliseconds(),
					"data_source": "cached",
				},
			})
			return
		}
	}

	if o.drainOnShutdown(conn, fsm, send) {
		return
	}

	// Step 3: parallel data collection. Fetch and embed run concurrently,
	// each behind its own breaker; neither failing aborts the batch.
	if err := send(statusEvent("fetching analytics data", progressFetching)); err != nil {
		fsm.Fire(workflow.TriggerError, nil)
		return
	}

	fetch := &fetchWorker{
		analytics: o.analytics,
		queue:     o.queue,
		tenantID:  tenantID,
		userID:    principal.UserID,
		role:      role,
	}
	embed := &embedWorker{embedder: o.embedder}

	outcomes := o.exec.RunParallel(ctx, []executor.Worker{fetch, embed}, map[string]interface{}{
		fetch.Name(): upstream.FetchRequest{
			PropertyID: req.PropertyID,
			DateRange:  req.DateRange,
			Dimensions: req.Dimensions,
			Metrics:    req.Metrics,
		},
		embed.Name(): req.Query,
	}, executor.Options{
		Timeout:         o.cfg.WorkerTimeout,
		TenantID:        tenantID,
		BreakersEnabled: true,
	})

	var fetched *upstream.FetchResult
	fetchOutcome := outcomes[fetch.Name()]
	if fetchOutcome.Status == executor.StatusSuccess {
		fetched, _ = fetchOutcome.Result.(*upstream.FetchResult)
	}
	var queryVector []float32
	if eo := outcomes[embed.Name()]; eo.Status == executor.StatusSuccess {
		queryVector, _ = eo.Result.([]float32)
	}

	if fetched != nil && fetched.CacheHit {
		fsm.Fire(workflow.TriggerDataCached, map[string]interface{}{"rows": len(fetched.Rows)})
	} else {
		fsm.Fire(workflow.TriggerDataFetched, map[string]interface{}{"rows": rowCount(fetched)})
		fsm.Fire(workflow.TriggerDataValidated, nil)
		fsm.Fire(workflow.TriggerEmbeddingsGenerated, map[string]interface{}{"have_query_vector": queryVector != nil})
	}

	if o.drainOnShutdown(conn, fsm, send) {
		return
	}

	// Step 4: tenant-filtered context retrieval. Skipped entirely when the
	// embedding worker produced nothing.
	if err := send(statusEvent("searching historical context", progressSearching)); err != nil {
		fsm.Fire(workflow.TriggerError, nil)
		return
	}

	var docs []store.Document
	var citations []store.Citation
	confidence := 0.0
	label := ConfidenceNoneFound
	if len(queryVector) > 0 {
		docs, citations, confidence, label, err = o.retrieve(ctx, tenantID, principal.UserID, queryVector)
		if err != nil {
			log.Printf("[PIPELINE] %s/%s retrieval failed: %v", tenantID, queryID, err)
			docs, citations, confidence, label = nil, nil, 0, ConfidenceNoneFound
		}
	}
	fsm.Fire(workflow.TriggerContextRetrieved, map[string]interface{}{
		"documents":  len(docs),
		"confidence": confidence,
		"label":      label,
	})

	if o.drainOnShutdown(conn, fsm, send) {
		return
	}

	// Step 5: graceful-degradation decision.
	if err := send(statusEvent("processing results", progressProcessing)); err != nil {
		fsm.Fire(workflow.TriggerError, nil)
		return
	}

	dataSource := "fresh"
	switch {
	case fetched != nil:
		observability.DegradationDecisions.WithLabelValues("proceed").Inc()
		if fetched.CacheHit {
			dataSource = "cached"
		}
	case confidence > o.cfg.MediumConfidence:
		observability.DegradationDecisions.WithLabelValues("cached_fallback").Inc()
		dataSource = "cached"
		send(warningEvent("upstream unavailable, using historical data"))
	default:
		observability.DegradationDecisions.WithLabelValues("abort").Inc()
		abort("analytics data is temporarily unavailable and no reliable historical context exists; please retry in a few minutes")
		return
	}

	// Step 6: background embedding persistence for fresh rows only. Failures
	// are recorded but never reach the client.
	if fetched != nil && !fetched.CacheHit && len(fetched.Rows) > 0 {
		o.persistEmbeddingAsync(tenantID, principal.UserID, req.PropertyID, fetched)
	}

	if o.drainOnShutdown(conn, fsm, send) {
		return
	}

	// Step 7: synthesis.
	if err := send(statusEvent("generating report", progressGenerating)); err != nil {
		fsm.Fire(workflow.TriggerError, nil)
		return
	}
	fsm.Fire(workflow.TriggerContextMerged, map[string]interface{}{"documents": len(docs)})

	report := o.synth.Synthesize(req.Query, tenantID, fetched, docs, citations)
	fsm.Fire(workflow.TriggerReportGenerated, map[string]interface{}{"confidence": report.Confidence})

	if o.cfg.CacheEnabled && o.repo != nil {
		scoped := tenant.Scope{TenantID: tenantID, UserID: principal.UserID}
		if cctx, err := tenant.Bind(context.WithoutCancel(ctx), scoped); err == nil {
			if err := o.repo.StoreCachedReport(cctx, req.Query, tenantID, req.PropertyID, report); err != nil {
				log.Printf("[PIPELINE] %s/%s cache store failed: %v", tenantID, queryID, err)
			}
		}
	}

	send(Event{
		Type:    EventResult,
		Payload: report,
		Metadata: map[string]interface{}{
			"query_id":             queryID,
			"duration_ms":          time.Since(start).Milliseconds(),
			"data_source":          dataSource,
			"retrieval_confidence": confidence,
			"confidence_label":     label,
			"transitions_count":    len(fsm.Audit()),
		},
	})
}

// cachedReport runs the fast-path lookup under its own deadline. Returns nil
// on miss, error, or budget overrun.
func (o *Orchestrator) cachedReport(ctx context.Context, tenantID, userID string, req QueryRequest) *store.Report {
	if o.repo == nil {
		return nil
	}
	lookupCtx, cancel := context.WithTimeout(ctx, o.cfg.FastPathBudget)
	defer cancel()

	scoped, err := tenant.Bind(lookupCtx, tenant.Scope{TenantID: tenantID, UserID: userID})
	if err != nil {
		return nil
	}

	begin := time.Now()
	report, err := o.repo.LookupCachedReport(scoped, req.Query, tenantID, req.PropertyID)
	observability.CacheFastPathDuration.Observe(time.Since(begin).Seconds())

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		observability.CacheFastPathHits.WithLabelValues("overrun").Inc()
		return nil
	case err != nil || report == nil:
		observability.CacheFastPathHits.WithLabelValues("miss").Inc()
		return nil
	default:
		observability.CacheFastPathHits.WithLabelValues("hit").Inc()
		return report
	}
}

// retrieve runs top-k similarity search under a bound filter scope and maps
// the mean similarity onto a confidence label.
func (o *Orchestrator) retrieve(ctx context.Context, tenantID, userID string, vector []float32) ([]store.Document, []store.Citation, float64, string, error) {
	scoped, err := tenant.Bind(ctx, tenant.Scope{TenantID: tenantID, UserID: userID})
	if err != nil {
		return nil, nil, 0, ConfidenceNoneFound, err
	}

	docs, citations, err := o.repo.TopKSimilar(scoped, vector, o.cfg.RetrievalK, o.cfg.MinSimilarity)
	if err != nil {
		return nil, nil, 0, ConfidenceNoneFound, err
	}
	if len(docs) == 0 {
		return nil, nil, 0, ConfidenceNoneFound, nil
	}

	var sum float64
	for _, d := range docs {
		sum += d.Similarity
	}
	mean := sum / float64(len(docs))
	observability.RetrievalConfidence.Observe(mean)

	label := ConfidenceLow
	switch {
	case mean >= o.cfg.HighConfidence:
		label = ConfidenceHigh
	case mean >= o.cfg.MediumConfidence:
		label = ConfidenceMedium
	case mean < o.cfg.LowConfidence:
		label = ConfidenceNoneFound
	}
	return docs, citations, mean, label, nil
}

// persistEmbeddingAsync describes the fresh rows as text, embeds them, and
// stores the embedding in the background. Best-effort.
func (o *Orchestrator) persistEmbeddingAsync(tenantID, userID, propertyID string, fetched *upstream.FetchResult) {
	if o.repo == nil || o.embedder == nil {
		return
	}
	content := DescribeRows(fetched)
	if content == "" {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		vectors, err := o.embedder.Embed(ctx, []string{content})
		if err != nil || len(vectors) == 0 {
			observability.EmbeddingPersistFailures.Inc()
			log.Printf("[PIPELINE] %s background embed failed: %v", tenantID, err)
			return
		}

		scoped, err := tenant.Bind(ctx, tenant.Scope{TenantID: tenantID, UserID: userID})
		if err != nil {
			observability.EmbeddingPersistFailures.Inc()
			return
		}

		rec := &store.EmbeddingRecord{
			RecordID:   newQueryID(),
			TenantID:   tenantID,
			PropertyID: propertyID,
			RecordDate: time.Now().UTC().Format("2006-01-02"),
			Content:    content,
			Vector:     vectors[0],
			CreatedAt:  time.Now().UTC(),
		}
		if err := o.repo.InsertEmbedding(scoped, rec); err != nil {
			observability.EmbeddingPersistFailures.Inc()
			log.Printf("[PIPELINE] %s embedding persist failed: %v", tenantID, err)
		}
	}()
}

// drainOnShutdown polls the connection's shutdown channel. On a notice it
// emits the shutdown event and reports true; the FSM is left untouched.
func (o *Orchestrator) drainOnShutdown(conn *registry.Conn, fsm *workflow.Machine, send EmitFunc) bool {
	if conn == nil {
		return false
	}
	select {
	case notice := <-conn.ShutdownSignal():
		send(Event{
			Type:                  EventShutdown,
			Message:               notice.Message,
			ReconnectDelaySeconds: notice.ReconnectDelaySeconds,
		})
		return true
	default:
		return false
	}
}

// fetchWorker calls the analytics upstream. When the retry budget ends on a
// rate limit it enqueues the request and blocks on the result key, letting
// the queue workers re-drive it with long backoff. Daily quota exhaustion is
// a plain failure: the degradation matrix decides between historical context
// and a terminal error, and nothing retries against the exhausted upstream.
type fetchWorker struct {
	analytics upstream.AnalyticsClient
	queue     *queue.Queue
	tenantID  string
	userID    string
	role      tenant.Role
}

func (w *fetchWorker) Name() string { return "analytics_fetch" }

func (w *fetchWorker) Execute(ctx context.Context, input interface{}) (interface{}, error) {
	req, ok := input.(upstream.FetchRequest)
	if !ok {
		return nil, fmt.Errorf("fetch worker: unexpected input %T", input)
	}

	result, err := w.analytics.Fetch(ctx, req)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, upstream.ErrRateLimited) || w.queue == nil {
		return nil, err
	}

	// Rate limited past the retry budget: hand the request to the queue and
	// wait on the result key. The deadline of ctx bounds the wait.
	params := map[string]string{
		"property_id": req.PropertyID,
		"date_range":  req.DateRange,
		"dimensions":  strings.Join(req.Dimensions, ","),
		"metrics":     strings.Join(req.Metrics, ","),
	}
	requestID, err := w.queue.Enqueue(ctx, w.tenantID, w.userID, w.role, queue.EndpointAnalyticsFetch, params, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch worker: enqueue after rate limit: %w", err)
	}

	done, err := w.queue.WaitForResult(ctx, requestID, 0)
	if err != nil {
		return nil, fmt.Errorf("fetch worker: queued wait: %w", err)
	}
	if done.Status != store.RequestCompleted {
		return nil, fmt.Errorf("fetch worker: queued request failed: %s", done.Error)
	}

	var fetched upstream.FetchResult
	if err := json.Unmarshal(done.Result, &fetched); err != nil {
		return nil, fmt.Errorf("fetch worker: decode queued result: %w", err)
	}
	return &fetched, nil
}

// embedWorker produces the query embedding vector.
type embedWorker struct {
	embedder upstream.EmbeddingClient
}

func (w *embedWorker) Name() string { return "query_embed" }

func (w *embedWorker) Execute(ctx context.Context, input interface{}) (interface{}, error) {
	query, ok := input.(string)
	if !ok {
		return nil, fmt.Errorf("embed worker: unexpected input %T", input)
	}
	vectors, err := w.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("embed worker: empty response")
	}
	return vectors[0], nil
}

func rowCount(res *upstream.FetchResult) int {
	if res == nil {
		return 0
	}
	return len(res.Rows)
}

func newQueryID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return fmt.Sprintf("qry-%d", time.Now().UnixNano())
	}
	return "qry-" + hex.EncodeToString(b[:])
}
