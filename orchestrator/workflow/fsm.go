package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/itskum47/InsightForge/orchestrator/observability"
)

// State is one node of the workflow graph.
type State string

const (
	StateInit               State = "INIT"
	StateFetchData          State = "FETCH_DATA"
	StateValidateData       State = "VALIDATE_DATA"
	StateGenerateEmbeddings State = "GENERATE_EMBEDDINGS"
	StateRetrieveContext    State = "RETRIEVE_CONTEXT"
	StateMergeContext       State = "MERGE_CONTEXT"
	StateGenerateReport     State = "GENERATE_REPORT"
	StateComplete           State = "COMPLETE"
	StateErrorFallback      State = "ERROR_FALLBACK"
)

// IsTerminal reports whether the state accepts no further triggers.
func (s State) IsTerminal() bool {
	return s == StateComplete || s == StateErrorFallback
}

// Trigger names one edge of the workflow graph.
type Trigger string

const (
	TriggerStart               Trigger = "start"
	TriggerDataFetched         Trigger = "data_fetched"
	TriggerDataCached          Trigger = "data_cached" // conditional branch: fresh-data path skipped
	TriggerDataValidated       Trigger = "data_validated"
	TriggerEmbeddingsGenerated Trigger = "embeddings_generated"
	TriggerContextRetrieved    Trigger = "context_retrieved"
	TriggerContextMerged       Trigger = "context_merged"
	TriggerReportGenerated     Trigger = "report_generated"
	TriggerError               Trigger = "error"
	TriggerTimeout             Trigger = "timeout"
)

// transitions is the constant state graph: (state, trigger) -> state.
// error and timeout are handled separately: they are legal from any
// non-terminal state and land in ERROR_FALLBACK.
var transitions = map[State]map[Trigger]State{
	StateInit: {
		TriggerStart: StateFetchData,
	},
	StateFetchData: {
		TriggerDataFetched: StateValidateData,
		TriggerDataCached:  StateRetrieveContext,
	},
	StateValidateData: {
		TriggerDataValidated: StateGenerateEmbeddings,
	},
	StateGenerateEmbeddings: {
		TriggerEmbeddingsGenerated: StateRetrieveContext,
	},
	StateRetrieveContext: {
		TriggerContextRetrieved: StateMergeContext,
	},
	StateMergeContext: {
		TriggerContextMerged: StateGenerateReport,
	},
	StateGenerateReport: {
		TriggerReportGenerated: StateComplete,
	},
}

// Transition is one append-only audit record.
type Transition struct {
	TenantID   string    `json:"tenant_id"`
	QueryID    string    `json:"query_id"`
	From       State     `json:"from_state"`
	To         State     `json:"to_state"`
	Trigger    Trigger   `json:"trigger"`
	DataHash   string    `json:"data_hash"`
	Timestamp  time.Time `json:"timestamp"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// ErrInvalidTransition is returned when a trigger is not legal from the
// current state. The machine has already moved to ERROR_FALLBACK when the
// caller sees it.
type ErrInvalidTransition struct {
	From    State
	Trigger Trigger
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("workflow: trigger %q not allowed from state %q", e.Trigger, e.From)
}

// Machine drives a single query through the state graph. It is
// single-reader/writer for its owning query; the mutex covers observers
// reading audit logs concurrently.
type Machine struct {
	mu       sync.Mutex
	tenantID string
	queryID  string
	state    State
	audit    []Transition
	lastAt   time.Time
}

// NewMachine creates a machine in INIT for one (tenant, query).
func NewMachine(tenantID, queryID string) *Machine {
	return &Machine{
		tenantID: tenantID,
		queryID:  queryID,
		state:    StateInit,
		lastAt:   time.Now(),
	}
}

// Fire applies one trigger with optional transition data. Illegal triggers
// advance the machine to ERROR_FALLBACK, record one audit entry, and return
// *ErrInvalidTransition. Triggers fired from a terminal state are a no-op.
func (m *Machine) Fire(trigger Trigger, data map[string]interface{}) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Terminal states ignore further triggers, including error/timeout.
	if m.state.IsTerminal() {
		return m.state, nil
	}

	if trigger == TriggerError || trigger == TriggerTimeout {
		m.record(trigger, m.state, StateErrorFallback, data, "")
		m.state = StateErrorFallback
		return m.state, nil
	}

	next, ok := transitions[m.state][trigger]
	if !ok {
		err := &ErrInvalidTransition{From: m.state, Trigger: trigger}
		m.record(TriggerError, m.state, StateErrorFallback, data, err.Error())
		m.state = StateErrorFallback
		return m.state, err
	}

	m.record(trigger, m.state, next, data, "")
	m.state = next
	return m.state, nil
}

// record appends one audit entry under the caller's lock.
func (m *Machine) record(trigger Trigger, from, to State, data map[string]interface{}, errText string) {
	now := time.Now()
	t := Transition{
		TenantID:   m.tenantID,
		QueryID:    m.queryID,
		From:       from,
		To:         to,
		Trigger:    trigger,
		DataHash:   hashData(data),
		Timestamp:  now,
		DurationMS: now.Sub(m.lastAt).Milliseconds(),
		Error:      errText,
	}
	m.lastAt = now
	m.audit = append(m.audit, t)

	observability.WorkflowTransitions.WithLabelValues(string(trigger), string(to)).Inc()
	if errText != "" {
		log.Printf("[WORKFLOW] %s/%s %s -> %s (%s): %s", m.tenantID, m.queryID, from, to, trigger, errText)
	}
}

// Current returns the machine's state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Audit returns a copy of the transition log.
func (m *Machine) Audit() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := make([]Transition, len(m.audit))
	copy(c, m.audit)
	return c
}

// hashData produces a stable digest over the sorted serialized transition
// payload, enabling replay verification. encoding/json sorts map keys.
func hashData(data map[string]interface{}) string {
	if len(data) == 0 {
		return ""
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "unserializable"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
