// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventClientAttempt      EventType = "CLIENT_ATTEMPT"
	EventClientConnected    EventType = "CLIENT_CONNECTED"
	EventClientDisconnected EventType = "CLIENT_DISCONNECTED"
	EventBridgeStarted      EventType = "BRIDGE_STARTED"
	EventBridgeStopped      EventType = "BRIDGE_STOPPED"
	EventReplyLine          EventType = "REPLY_LINE"
	EventCommandCompleted   EventType = "COMMAND_COMPLETED"
	EventCommandFailed      EventType = "COMMAND_FAILED"
	EventTransferPhase      EventType = "TRANSFER_PHASE"
	EventTransferProgress   EventType = "TRANSFER_PROGRESS"
)

// Event represents something that happened on the device link
type Event struct {
	ID        uuid.UUID   `json:"id"`
	EventType EventType   `json:"event_type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	Source    string      `json:"source"`
	Severity  string      `json:"severity"` // INFO, WARNING, ERROR
}

// NewEvent stamps an event with a fresh id and the current time
func NewEvent(eventType EventType, source, severity string, data interface{}) Event {
	return Event{
		ID:        uuid.New(),
		EventType: eventType,
		Data:      data,
		Timestamp: time.Now(),
		Source:    source,
		Severity:  severity,
	}
}

// ClientAttemptEventData describes one connection attempt at the bridge
type ClientAttemptEventData struct {
	IP       string `json:"ip"`
	Admitted bool   `json:"admitted"`
	Reason   string `json:"reason,omitempty"`
}

// ReplyLineEventData carries one streamed reply line
type ReplyLineEventData struct {
	RequestID string `json:"request_id,omitempty"`
	Command   string `json:"command"`
	Line      string `json:"line"`
}

// CommandEventData summarizes a finished command
type CommandEventData struct {
	RequestID  string `json:"request_id,omitempty"`
	Command    string `json:"command"`
	Route      Route  `json:"route"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// TransferProgressEventData reports firmware streaming progress
type TransferProgressEventData struct {
	TransferID uuid.UUID `json:"transfer_id"`
	Processed  int       `json:"processed"`
	Total      int       `json:"total"`
	Percentage float64   `json:"percentage"`
	Line       int       `json:"line"`
}

// TransferPhaseEventData reports a firmware phase change
type TransferPhaseEventData struct {
	TransferID uuid.UUID     `json:"transfer_id"`
	Phase      TransferPhase `json:"phase"`
	Error      string        `json:"error,omitempty"`
}
