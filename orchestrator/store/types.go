package store

import (
	"encoding/json"
	"time"
)

// QueuedRequest is a deferred analytics request owned by the queue.
// Terminal statuses are "completed" and "failed"; result is set iff
// completed, error iff failed.
type QueuedRequest struct {
	RequestID  string            `json:"request_id"`
	TenantID   string            `json:"tenant_id"`
	UserID     string            `json:"user_id"`
	Role       string            `json:"role"`
	Endpoint   string            `json:"endpoint"`
	Params     map[string]string `json:"params"`
	QueuedAt   time.Time         `json:"queued_at"`
	Priority   int               `json:"priority"` // 0..100, higher dequeues sooner
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	Status     string            `json:"status"` // queued, processing, completed, failed
	Result     json.RawMessage   `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Queued request statuses.
const (
	RequestQueued     = "queued"
	RequestProcessing = "processing"
	RequestCompleted  = "completed"
	RequestFailed     = "failed"
)

// Terminal reports whether the request reached a terminal status.
func (r *QueuedRequest) Terminal() bool {
	return r.Status == RequestCompleted || r.Status == RequestFailed
}

// MetricRecord is one fetched analytics row persisted per tenant.
type MetricRecord struct {
	RecordID   string            `json:"record_id" db:"record_id"`
	TenantID   string            `json:"tenant_id" db:"tenant_id"`
	PropertyID string            `json:"property_id" db:"property_id"`
	RecordDate string            `json:"record_date" db:"record_date"`
	RawValues  map[string]string `json:"raw_values" db:"raw_values"` // JSONB in Postgres
	CreatedAt  time.Time         `json:"created_at" db:"created_at"`
}

// EmbeddingRecord is one stored embedding. ModelVersion supports embedding
// model upgrades without mixing incompatible vectors.
type EmbeddingRecord struct {
	RecordID     string            `json:"record_id" db:"record_id"`
	TenantID     string            `json:"tenant_id" db:"tenant_id"`
	PropertyID   string            `json:"property_id" db:"property_id"`
	RecordDate   string            `json:"record_date" db:"record_date"`
	Content      string            `json:"content" db:"content"`
	Vector       []float32         `json:"vector" db:"vector"`
	ModelVersion string            `json:"model_version" db:"model_version"`
	RawValues    map[string]string `json:"raw_values" db:"raw_values"`
	CreatedAt    time.Time         `json:"created_at" db:"created_at"`
}

// Document is one retrieval result consumed by the synthesizer.
type Document struct {
	RecordID   string  `json:"record_id"`
	TenantID   string  `json:"tenant_id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
}

// Citation points the final report at one retrieved record.
type Citation struct {
	SourceRecordID  string            `json:"source_record_id"`
	PropertyID      string            `json:"property_id"`
	RecordDate      string            `json:"record_date"`
	RawValues       map[string]string `json:"raw_values,omitempty"`
	SimilarityScore float64           `json:"similarity_score"`
}

// Chart is one renderable series block of a report.
type Chart struct {
	Title  string             `json:"title"`
	Kind   string             `json:"kind"` // line, bar
	Labels []string           `json:"labels"`
	Series map[string][]float64 `json:"series"`
}

// MetricCard is one headline number of a report.
type MetricCard struct {
	Label string  `json:"label"`
	Value float64 `json:"value"`
}

// Report is the immutable synthesis output.
type Report struct {
	AnswerText  string       `json:"answer_text"`
	Charts      []Chart      `json:"charts,omitempty"`
	MetricCards []MetricCard `json:"metric_cards,omitempty"`
	Citations   []Citation   `json:"citations,omitempty"`
	Confidence  float64      `json:"confidence"`
	TenantID    string       `json:"tenant_id"`
	Query       string       `json:"query"`
	Timestamp   time.Time    `json:"timestamp"`
}
