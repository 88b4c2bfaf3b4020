package queue

import (
	"fmt"
	"strings"

	"github.com/medalert/alert-engine/internal/domain"
)

// DeliveryMessage is the broker payload for one delivery attempt. The attempt
// row is created PENDING before publishing, so workers only ever execute
// ledgered work.
type DeliveryMessage struct {
	AttemptID     string          `json:"attemptId"`
	AlertID       string          `json:"alertId"`
	RecipientID   string          `json:"recipientId"`
	Channel       domain.Channel  `json:"channel"`
	AttemptNumber int             `json:"attemptNumber"`
	Round         int             `json:"round"`
	Severity      domain.Severity `json:"severity"`
}

func (m DeliveryMessage) Validate() error {
	if strings.TrimSpace(m.AttemptID) == "" {
		return fmt.Errorf("attemptId is required")
	}
	if strings.TrimSpace(m.AlertID) == "" {
		return fmt.Errorf("alertId is required")
	}
	if strings.TrimSpace(m.RecipientID) == "" {
		return fmt.Errorf("recipientId is required")
	}
	if !m.Channel.IsValid() {
		return fmt.Errorf("invalid channel %q", m.Channel)
	}
	if m.AttemptNumber < 1 {
		return fmt.Errorf("attemptNumber must be >= 1")
	}
	if !m.Severity.IsValid() {
		return fmt.Errorf("invalid severity %q", m.Severity)
	}
	return nil
}
