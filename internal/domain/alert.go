package domain

import (
	"fmt"
	"strings"
	"time"
)

// AlertState represents the lifecycle state of an alert.
type AlertState string

const (
	StatePending      AlertState = "PENDING"
	StateAcknowledged AlertState = "ACKNOWLEDGED"
	StateClosed       AlertState = "CLOSED"
)

func (s AlertState) String() string { return string(s) }

func (s AlertState) IsValid() bool {
	switch s {
	case StatePending, StateAcknowledged, StateClosed:
		return true
	}
	return false
}

// Terminal reports whether no further transition is allowed.
func (s AlertState) Terminal() bool { return s == StateClosed }

func ParseAlertStateFromString(s string) (AlertState, error) {
	st := AlertState(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid alert state %q", ErrValidation, s)
	}
	return st, nil
}

// Severity represents how urgent the critical result is.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

func (s Severity) String() string { return string(s) }

func (s Severity) IsValid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

func ParseSeverityFromString(s string) (Severity, error) {
	sv := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if !sv.IsValid() {
		return "", fmt.Errorf("%w: invalid severity %q", ErrValidation, s)
	}
	return sv, nil
}

// Alert is the core domain entity: one critical lab result that must be
// acknowledged and closed by clinical staff.
type Alert struct {
	ID          string
	FileNumber  string
	TestName    string
	Value       string
	Severity    Severity
	State       AlertState
	CreatedBy   string
	AckedBy     *string
	AckedAt     *time.Time
	ClosedBy    *string
	ClosedAt    *time.Time
	CloseReason *string
	// NotifyRound counts completed delivery rounds: 1 after the initial
	// fan-out, incremented per escalation.
	NotifyRound         int
	LastNotifiedAt      *time.Time
	EscalationExhausted bool
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (a *Alert) Validate() error {
	if strings.TrimSpace(a.FileNumber) == "" {
		return fmt.Errorf("%w: file number is required", ErrValidation)
	}
	if strings.TrimSpace(a.TestName) == "" {
		return fmt.Errorf("%w: test name is required", ErrValidation)
	}
	if strings.TrimSpace(a.Value) == "" {
		return fmt.Errorf("%w: value is required", ErrValidation)
	}
	if !a.Severity.IsValid() {
		return fmt.Errorf("%w: invalid severity %q", ErrValidation, a.Severity)
	}
	return nil
}

// CanTransition reports whether moving from the current state to target is legal.
// Valid paths: PENDING -> ACKNOWLEDGED -> CLOSED and PENDING -> CLOSED.
func (a *Alert) CanTransition(target AlertState) bool {
	switch target {
	case StateAcknowledged:
		return a.State == StatePending
	case StateClosed:
		return a.State == StatePending || a.State == StateAcknowledged
	}
	return false
}

// TimeToAcknowledge returns the latency between creation and acknowledgement,
// or false if the alert was never acknowledged.
func (a *Alert) TimeToAcknowledge() (time.Duration, bool) {
	if a.AckedAt == nil {
		return 0, false
	}
	return a.AckedAt.Sub(a.CreatedAt), true
}

// TimeToClose returns the latency between creation and closure, or false if
// the alert is still open.
func (a *Alert) TimeToClose() (time.Duration, bool) {
	if a.ClosedAt == nil {
		return 0, false
	}
	return a.ClosedAt.Sub(a.CreatedAt), true
}
