package main

import (
	"github.com/itskum47/InsightForge/orchestrator/store"
)

// EventType is the typed discriminator on every stream record.
type EventType string

const (
	EventStatus   EventType = "status"
	EventWarning  EventType = "warning"
	EventResult   EventType = "result"
	EventError    EventType = "error"
	EventShutdown EventType = "shutdown"
)

// Event is one newline-delimited record of the client stream. The Type field
// decides which optional fields are populated.
type Event struct {
	Type EventType `json:"type"`

	// status / warning / error / shutdown
	Message string `json:"message,omitempty"`

	// status only
	Progress *float64 `json:"progress,omitempty"`

	// result only
	Payload     *store.Report          `json:"payload,omitempty"`
	Cached      bool                   `json:"cached,omitempty"`
	CacheSource string                 `json:"cache_source,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	// shutdown only
	ReconnectDelaySeconds int `json:"reconnect_delay_seconds,omitempty"`
}

func statusEvent(message string, progress float64) Event {
	p := progress
	return Event{Type: EventStatus, Message: message, Progress: &p}
}

func warningEvent(message string) Event {
	return Event{Type: EventWarning, Message: message}
}

func errorEvent(message string) Event {
	return Event{Type: EventError, Message: message}
}

// Progress checkpoints clients use to drive a progress bar. Fixed ordering:
// initializing -> fetching -> searching -> processing -> generating -> complete.
const (
	progressInitializing = 0.0
	progressFetching     = 0.1
	progressSearching    = 0.4
	progressProcessing   = 0.6
	progressGenerating   = 0.8
	progressComplete     = 1.0
)
