package domain

import (
	"fmt"
	"strings"
	"time"
)

// Channel represents a notification transport.
type Channel string

const (
	ChannelPush     Channel = "PUSH"
	ChannelWhatsApp Channel = "WHATSAPP"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelPush, ChannelWhatsApp:
		return true
	}
	return false
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Outcome represents the result of one delivery attempt.
type Outcome string

const (
	OutcomePending Outcome = "PENDING"
	OutcomeSent    Outcome = "SENT"
	OutcomeFailed  Outcome = "FAILED"
	OutcomeExpired Outcome = "EXPIRED"
)

func (o Outcome) String() string { return string(o) }

func (o Outcome) IsValid() bool {
	switch o {
	case OutcomePending, OutcomeSent, OutcomeFailed, OutcomeExpired:
		return true
	}
	return false
}

// Final reports whether the outcome is immutable. Only PENDING rows may still
// be finalized.
func (o Outcome) Final() bool { return o != OutcomePending }

// DeliveryAttempt is one ledger row: one try to notify one recipient over one
// channel. Attempt numbers are strictly increasing per
// (alert, recipient, channel) triple, starting at 1.
type DeliveryAttempt struct {
	ID                string
	AlertID           string
	RecipientID       string
	Channel           Channel
	AttemptNumber     int
	Round             int
	Outcome           Outcome
	Error             *string
	ProviderMessageID *string
	CreatedAt         time.Time
	CompletedAt       *time.Time
}
