package domain

import (
	"fmt"
	"time"
)

// Default tuning values. All of them are overridable through configuration;
// none are reverse-engineered behavior.
const (
	DefaultMaxRetries          = 3
	DefaultRetryBaseDelay      = 2 * time.Second
	DefaultRetryMaxDelay       = 60 * time.Second
	DefaultEscalationTimeout   = 5 * time.Minute
	DefaultMaxEscalationRounds = 3
)

// Policy is the per-severity notification policy: ordered channel preference,
// retry budget per channel, backoff bounds, and escalation behavior. The
// channel after the current one in Channels is the fallback used once the
// current channel's retries are exhausted.
type Policy struct {
	Channels            []Channel
	MaxRetries          map[Channel]int
	RetryBaseDelay      time.Duration
	RetryMaxDelay       time.Duration
	EscalationTimeout   time.Duration
	MaxEscalationRounds int
}

func (p Policy) Validate() error {
	if len(p.Channels) == 0 {
		return fmt.Errorf("%w: policy requires at least one channel", ErrValidation)
	}
	seen := make(map[Channel]bool, len(p.Channels))
	for _, ch := range p.Channels {
		if !ch.IsValid() {
			return fmt.Errorf("%w: invalid policy channel %q", ErrValidation, ch)
		}
		if seen[ch] {
			return fmt.Errorf("%w: duplicate policy channel %q", ErrValidation, ch)
		}
		seen[ch] = true
	}
	if p.RetryBaseDelay <= 0 {
		return fmt.Errorf("%w: retry base delay must be positive", ErrValidation)
	}
	if p.RetryMaxDelay < p.RetryBaseDelay {
		return fmt.Errorf("%w: retry max delay must not be below the base delay", ErrValidation)
	}
	if p.EscalationTimeout <= 0 {
		return fmt.Errorf("%w: escalation timeout must be positive", ErrValidation)
	}
	if p.MaxEscalationRounds < 0 {
		return fmt.Errorf("%w: max escalation rounds must not be negative", ErrValidation)
	}
	return nil
}

// MaxRetriesFor returns the retry budget for a channel, falling back to the
// package default when the policy does not pin one.
func (p Policy) MaxRetriesFor(c Channel) int {
	if n, ok := p.MaxRetries[c]; ok && n > 0 {
		return n
	}
	return DefaultMaxRetries
}

// Fallback returns the channel to try after c, or false when c is the last
// configured channel.
func (p Policy) Fallback(c Channel) (Channel, bool) {
	for i, ch := range p.Channels {
		if ch == c && i+1 < len(p.Channels) {
			return p.Channels[i+1], true
		}
	}
	return "", false
}

// PolicySet maps severity to its notification policy.
type PolicySet map[Severity]Policy

// For returns the policy for a severity, defaulting to the HIGH policy when
// the severity is unknown so delivery never silently stops.
func (s PolicySet) For(sev Severity) Policy {
	if p, ok := s[sev]; ok {
		return p
	}
	return s[SeverityHigh]
}

func (s PolicySet) Validate() error {
	if _, ok := s[SeverityHigh]; !ok {
		return fmt.Errorf("%w: policy set requires a HIGH severity policy", ErrValidation)
	}
	for sev, p := range s {
		if !sev.IsValid() {
			return fmt.Errorf("%w: invalid policy severity %q", ErrValidation, sev)
		}
		if err := p.Validate(); err != nil {
			return fmt.Errorf("policy for severity %s: %w", sev, err)
		}
	}
	return nil
}

// DefaultPolicies returns the documented default policy set: HIGH and MEDIUM
// alerts fall back from push to WhatsApp, LOW alerts use push only.
func DefaultPolicies() PolicySet {
	base := Policy{
		MaxRetries: map[Channel]int{
			ChannelPush:     DefaultMaxRetries,
			ChannelWhatsApp: DefaultMaxRetries,
		},
		RetryBaseDelay:      DefaultRetryBaseDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		EscalationTimeout:   DefaultEscalationTimeout,
		MaxEscalationRounds: DefaultMaxEscalationRounds,
	}

	high := base
	high.Channels = []Channel{ChannelPush, ChannelWhatsApp}

	medium := base
	medium.Channels = []Channel{ChannelPush, ChannelWhatsApp}

	low := base
	low.Channels = []Channel{ChannelPush}
	low.MaxEscalationRounds = 0

	return PolicySet{
		SeverityHigh:   high,
		SeverityMedium: medium,
		SeverityLow:    low,
	}
}
