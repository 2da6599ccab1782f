// internal/model/operation.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// TransferPhase represents where a firmware transfer stands
type TransferPhase string

const (
	PhaseIdle                 TransferPhase = "IDLE"
	PhaseAwaitingBootAck      TransferPhase = "AWAITING_BOOT_ACK"
	PhaseAwaitingConfirmation TransferPhase = "AWAITING_CONFIRMATION"
	PhaseStreaming            TransferPhase = "STREAMING"
	PhaseFinalizing           TransferPhase = "FINALIZING"
	PhaseSucceeded            TransferPhase = "SUCCEEDED"
	PhaseFailed               TransferPhase = "FAILED"
)

// IsActive reports whether the engine holds a transfer in this phase
func (p TransferPhase) IsActive() bool {
	switch p {
	case PhaseAwaitingBootAck, PhaseAwaitingConfirmation, PhaseStreaming, PhaseFinalizing:
		return true
	}
	return false
}

// TransferState is a snapshot of one firmware transfer
type TransferState struct {
	ID              uuid.UUID     `json:"id"`
	Phase           TransferPhase `json:"phase"`
	ExtendedAddress string        `json:"extended_address,omitempty"`
	Processed       int           `json:"processed"`
	Total           int           `json:"total"`
	LinkSpeed       string        `json:"link_speed,omitempty"`
	StartedAt       time.Time     `json:"started_at,omitempty"`
	UpdatedAt       time.Time     `json:"updated_at,omitempty"`
	LastOutcome     TransferPhase `json:"last_outcome,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
}

// Percentage returns transfer progress in the 0..100 range
func (s TransferState) Percentage() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.Processed) * 100 / float64(s.Total)
}
