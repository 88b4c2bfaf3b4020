package service

import (
	"context"
	"time"

	"github.com/medalert/alert-engine/internal/domain"
)

type EventType string

const (
	EventAlertCreated      EventType = "ALERT_CREATED"
	EventAlertAcknowledged EventType = "ALERT_ACKNOWLEDGED"
	EventAlertClosed       EventType = "ALERT_CLOSED"
)

// Event is a lifecycle notification delivered synchronously to subscribers in
// subscription order. The alert snapshot reflects the state after the
// transition committed.
type Event struct {
	Type  EventType
	Alert domain.Alert
	At    time.Time
}

type EventHandler func(ctx context.Context, evt Event)
