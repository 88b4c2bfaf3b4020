package provider

import (
	"context"
	"fmt"

	"github.com/medalert/alert-engine/internal/domain"
)

// Message is the channel-independent alert summary handed to providers. Each
// provider formats it for its transport.
type Message struct {
	AlertID    string
	FileNumber string
	TestName   string
	Value      string
	Severity   domain.Severity
}

func (m Message) Validate() error {
	if m.AlertID == "" {
		return fmt.Errorf("alert id is required")
	}
	if m.FileNumber == "" || m.TestName == "" || m.Value == "" {
		return fmt.Errorf("alert summary is incomplete")
	}
	return nil
}

// Response stores provider call metadata for the attempt ledger.
type Response struct {
	StatusCode int
	Body       string
	MessageID  string
}

// Provider is the outbound delivery port: one send to one address, reporting
// success or a classified failure.
type Provider interface {
	Send(ctx context.Context, address string, msg Message) (*Response, error)
}
