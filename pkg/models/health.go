package models

import (
	"time"

	"github.com/TFMV/sluice/pkg/errors"
)

// HealthState is a node of the connection health state machine.
type HealthState int

const (
	StateDisconnected HealthState = iota
	StateConnecting
	StateConnected
	StateFailed
)

// String returns the string representation of the state.
func (s HealthState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var transitions = map[HealthState][]HealthState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateFailed, StateDisconnected},
	StateConnected:    {StateFailed, StateDisconnected},
	StateFailed:       {StateConnecting, StateDisconnected},
}

// CanTransition reports whether the state machine allows s -> to.
func (s HealthState) CanTransition(to HealthState) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// HealthStatus is the observable health of the active connection.
type HealthStatus struct {
	State       HealthState   `json:"state"`
	Profile     string        `json:"profile,omitempty"`
	Reason      *errors.Error `json:"reason,omitempty"`
	Latency     time.Duration `json:"latency,omitempty"`
	Attempt     int           `json:"attempt,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Since       time.Time     `json:"since"`
}

// Disconnected returns the idle status.
func Disconnected() HealthStatus {
	return HealthStatus{State: StateDisconnected, Since: time.Now()}
}

// IsTerminal reports whether no further automatic transition will happen.
func (h HealthStatus) IsTerminal() bool {
	if h.State == StateDisconnected {
		return true
	}
	return h.State == StateFailed && h.MaxAttempts > 0 && h.Attempt >= h.MaxAttempts
}
