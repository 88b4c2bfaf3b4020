package service

import (
	"context"
	"fmt"
	"time"

	"github.com/medalert/alert-engine/internal/domain"
	"github.com/medalert/alert-engine/internal/observability"
	"github.com/medalert/alert-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultEscalationScanInterval = 30 * time.Second
	defaultEscalationScanLimit    = 100
)

// EscalationScanner periodically re-notifies PENDING alerts nobody
// acknowledged within the policy's escalation timeout. Each due alert opens a
// fresh delivery round until the round budget is spent, after which the alert
// is flagged exhausted and left alone.
type EscalationScanner struct {
	alerts   repository.AlertRepository
	resolver RecipientResolver
	tracker  *DeliveryTracker
	policies domain.PolicySet
	logger   *zap.Logger
	metrics  *observability.Metrics
	interval time.Duration
	limit    int
	now      func() time.Time
}

func NewEscalationScanner(
	alerts repository.AlertRepository,
	resolver RecipientResolver,
	tracker *DeliveryTracker,
	policies domain.PolicySet,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*EscalationScanner, error) {
	if alerts == nil {
		return nil, fmt.Errorf("alert repository is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("recipient resolver is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("delivery tracker is required")
	}
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	if interval <= 0 {
		interval = defaultEscalationScanInterval
	}
	if limit <= 0 {
		limit = defaultEscalationScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EscalationScanner{
		alerts:   alerts,
		resolver: resolver,
		tracker:  tracker,
		policies: policies,
		logger:   logger,
		interval: interval,
		limit:    limit,
		now:      time.Now,
	}, nil
}

func (s *EscalationScanner) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

func (s *EscalationScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	// Run an initial scan so already-due alerts do not wait for the first
	// ticker edge.
	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("escalation scanner initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("escalation scan failed", zap.Error(err))
			}
		}
	}
}

func (s *EscalationScanner) scanDue(ctx context.Context) error {
	for severity, policy := range s.policies {
		before := s.now().UTC().Add(-policy.EscalationTimeout)
		dueAlerts, err := s.alerts.ListEscalationDue(ctx, severity, before, s.limit)
		if err != nil {
			return fmt.Errorf("failed to list escalation-due alerts for %s: %w", severity, err)
		}

		for i := range dueAlerts {
			s.escalate(ctx, dueAlerts[i], policy)
		}
	}
	return nil
}

func (s *EscalationScanner) escalate(ctx context.Context, alert domain.Alert, policy domain.Policy) {
	ctx = observability.WithAlertID(ctx, alert.ID)

	// Round 1 is the initial fan-out; escalations span rounds 2 through
	// MaxEscalationRounds+1.
	if alert.NotifyRound >= policy.MaxEscalationRounds+1 {
		if err := s.alerts.MarkEscalationExhausted(ctx, alert.ID); err != nil {
			s.logger.Error("failed to flag escalation exhausted",
				zap.String("alertId", alert.ID),
				zap.Error(err),
			)
			return
		}
		if s.metrics != nil {
			s.metrics.IncDeliveryExhausted("alert")
		}
		s.logger.Error("escalation exhausted without acknowledgement",
			zap.String("alertId", alert.ID),
			zap.Int("rounds", alert.NotifyRound),
			zap.Error(domain.ErrDeliveryExhausted),
		)
		return
	}

	recipients, err := s.resolver.Resolve(ctx, alert)
	if err != nil {
		s.logger.Error("failed to resolve recipients for escalation",
			zap.String("alertId", alert.ID),
			zap.Error(err),
		)
		return
	}
	if len(recipients) == 0 {
		s.logger.Warn("no recipients for escalation round",
			zap.String("alertId", alert.ID),
		)
		return
	}

	round := alert.NotifyRound + 1
	if err := s.tracker.StartDelivery(ctx, alert, recipients, round); err != nil {
		s.logger.Error("failed to start escalation round",
			zap.String("alertId", alert.ID),
			zap.Int("round", round),
			zap.Error(err),
		)
		return
	}

	if err := s.alerts.MarkNotified(ctx, alert.ID, round, s.now().UTC()); err != nil {
		s.logger.Error("failed to record escalation round",
			zap.String("alertId", alert.ID),
			zap.Int("round", round),
			zap.Error(err),
		)
		return
	}

	if s.metrics != nil {
		s.metrics.IncEscalationRound()
	}
	s.logger.Info("escalation round opened",
		zap.String("alertId", alert.ID),
		zap.Int("round", round),
	)
}
