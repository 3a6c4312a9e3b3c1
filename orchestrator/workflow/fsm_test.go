package workflow

import (
	"errors"
	"testing"
)

func TestMachine_HappyPath(t *testing.T) {
	m := NewMachine("tenant-a", "qry-1")

	steps := []struct {
		trigger Trigger
		want    State
	}{
		{TriggerStart, StateFetchData},
		{TriggerDataFetched, StateValidateData},
		{TriggerDataValidated, StateGenerateEmbeddings},
		{TriggerEmbeddingsGenerated, StateRetrieveContext},
		{TriggerContextRetrieved, StateMergeContext},
		{TriggerContextMerged, StateGenerateReport},
		{TriggerReportGenerated, StateComplete},
	}
	for _, step := range steps {
		got, err := m.Fire(step.trigger, map[string]interface{}{"step": string(step.trigger)})
		if err != nil {
			t.Fatalf("Fire(%s): %v", step.trigger, err)
		}
		if got != step.want {
			t.Fatalf("Fire(%s) = %s, want %s", step.trigger, got, step.want)
		}
	}

	if !m.Current().IsTerminal() {
		t.Fatal("COMPLETE should be terminal")
	}
	audit := m.Audit()
	if len(audit) != 7 {
		t.Fatalf("audit length = %d, want 7", len(audit))
	}
	for i, rec := range audit {
		if rec.TenantID != "tenant-a" || rec.QueryID != "qry-1" {
			t.Fatalf("audit[%d] missing identity: %+v", i, rec)
		}
		if rec.DataHash == "" {
			t.Fatalf("audit[%d] has empty data hash despite payload", i)
		}
	}
}

func TestMachine_CacheSkipBranch(t *testing.T) {
	m := NewMachine("tenant-a", "qry-2")

	m.Fire(TriggerStart, nil)
	got, err := m.Fire(TriggerDataCached, nil)
	if err != nil {
		t.Fatalf("Fire(data_cached): %v", err)
	}
	if got != StateRetrieveContext {
		t.Fatalf("data_cached landed in %s, want RETRIEVE_CONTEXT", got)
	}
}

func TestMachine_InvalidTriggerFallsBack(t *testing.T) {
	m := NewMachine("tenant-a", "qry-3")
	m.Fire(TriggerStart, nil)

	got, err := m.Fire(TriggerReportGenerated, nil)
	var invalid *ErrInvalidTransition
	if !errors.As(err, &invalid) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if invalid.From != StateFetchData || invalid.Trigger != TriggerReportGenerated {
		t.Fatalf("error carries wrong edge: %+v", invalid)
	}
	if got != StateErrorFallback {
		t.Fatalf("state after invalid trigger = %s, want ERROR_FALLBACK", got)
	}

	// Exactly one audit record per transition attempt: start + failure.
	if n := len(m.Audit()); n != 2 {
		t.Fatalf("audit length = %d, want 2", n)
	}
}

func TestMachine_ErrorFromAnyState(t *testing.T) {
	for _, pre := range [][]Trigger{
		{},
		{TriggerStart},
		{TriggerStart, TriggerDataFetched},
		{TriggerStart, TriggerDataFetched, TriggerDataValidated, TriggerEmbeddingsGenerated},
	} {
		m := NewMachine("tenant-a", "qry-4")
		for _, tr := range pre {
			m.Fire(tr, nil)
		}
		got, err := m.Fire(TriggerError, nil)
		if err != nil {
			t.Fatalf("error trigger after %v: %v", pre, err)
		}
		if got != StateErrorFallback {
			t.Fatalf("error trigger after %v landed in %s", pre, got)
		}
	}
}

func TestMachine_TerminalStatesIgnoreTriggers(t *testing.T) {
	m := NewMachine("tenant-a", "qry-5")
	m.Fire(TriggerError, nil)
	before := len(m.Audit())

	got, err := m.Fire(TriggerStart, nil)
	if err != nil {
		t.Fatalf("trigger on terminal state returned error: %v", err)
	}
	if got != StateErrorFallback {
		t.Fatalf("terminal state changed to %s", got)
	}
	// No-op means no new audit record either.
	if len(m.Audit()) != before {
		t.Fatal("terminal no-op appended an audit record")
	}

	// error/timeout are no-ops on terminal states too.
	if got, _ := m.Fire(TriggerTimeout, nil); got != StateErrorFallback {
		t.Fatalf("timeout on terminal state moved to %s", got)
	}
}

func TestHashData_StableAcrossKeyOrder(t *testing.T) {
	a := hashData(map[string]interface{}{"rows": 3, "source": "fresh"})
	b := hashData(map[string]interface{}{"source": "fresh", "rows": 3})
	if a == "" || a != b {
		t.Fatalf("hash not stable: %q vs %q", a, b)
	}
	if hashData(nil) != "" {
		t.Fatal("empty payload should produce empty hash")
	}
}
