package domain

import "time"

// Recipient is a user eligible to receive alerts, resolved from role rules
// outside the core. Channels lists the transports enabled for the user, in
// preference order.
type Recipient struct {
	ID         string
	Name       string
	Channels   []Channel
	WhatsAppTo string
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasChannel reports whether the recipient enabled the given channel.
func (r *Recipient) HasChannel(c Channel) bool {
	for _, ch := range r.Channels {
		if ch == c {
			return true
		}
	}
	return false
}

// Device binds a push token to a user. Tokens are resolved at send time; a
// recipient without a registered device fails push delivery permanently.
type Device struct {
	UserID    string
	Token     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
