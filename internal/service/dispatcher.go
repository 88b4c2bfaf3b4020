package service

import (
	"context"
	"fmt"
	"time"

	"github.com/medalert/alert-engine/internal/domain"
	"github.com/medalert/alert-engine/internal/repository"
	"go.uber.org/zap"
)

// RecipientResolver decides who gets notified for an alert.
type RecipientResolver interface {
	Resolve(ctx context.Context, alert domain.Alert) ([]domain.Recipient, error)
}

// ActiveRecipientResolver notifies every active recipient regardless of
// severity. Role-based filtering happens upstream when recipients are synced.
type ActiveRecipientResolver struct {
	recipients repository.RecipientRepository
}

func NewActiveRecipientResolver(recipients repository.RecipientRepository) *ActiveRecipientResolver {
	return &ActiveRecipientResolver{recipients: recipients}
}

var _ RecipientResolver = (*ActiveRecipientResolver)(nil)

func (r *ActiveRecipientResolver) Resolve(ctx context.Context, _ domain.Alert) ([]domain.Recipient, error) {
	return r.recipients.ListActive(ctx)
}

// Dispatcher bridges lifecycle events to delivery: alert created opens the
// initial fan-out round, alert closed cancels all in-flight delivery.
type Dispatcher struct {
	alerts   repository.AlertRepository
	resolver RecipientResolver
	tracker  *DeliveryTracker
	logger   *zap.Logger
	now      func() time.Time
}

func NewDispatcher(
	alerts repository.AlertRepository,
	resolver RecipientResolver,
	tracker *DeliveryTracker,
	logger *zap.Logger,
) (*Dispatcher, error) {
	if alerts == nil {
		return nil, fmt.Errorf("alert repository is required")
	}
	if resolver == nil {
		return nil, fmt.Errorf("recipient resolver is required")
	}
	if tracker == nil {
		return nil, fmt.Errorf("delivery tracker is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher{
		alerts:   alerts,
		resolver: resolver,
		tracker:  tracker,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// HandleEvent is the lifecycle event subscription entry point.
func (d *Dispatcher) HandleEvent(ctx context.Context, evt Event) {
	switch evt.Type {
	case EventAlertCreated:
		d.handleCreated(ctx, evt.Alert)
	case EventAlertClosed:
		d.handleClosed(ctx, evt.Alert)
	}
}

func (d *Dispatcher) handleCreated(ctx context.Context, alert domain.Alert) {
	recipients, err := d.resolver.Resolve(ctx, alert)
	if err != nil {
		d.logger.Error("failed to resolve recipients",
			zap.String("alertId", alert.ID),
			zap.Error(err),
		)
		return
	}
	if len(recipients) == 0 {
		d.logger.Warn("no recipients resolved for alert",
			zap.String("alertId", alert.ID),
		)
		return
	}

	if err := d.tracker.StartDelivery(ctx, alert, recipients, 1); err != nil {
		d.logger.Error("failed to start delivery",
			zap.String("alertId", alert.ID),
			zap.Error(err),
		)
		return
	}

	if err := d.alerts.MarkNotified(ctx, alert.ID, 1, d.now().UTC()); err != nil {
		d.logger.Error("failed to record initial notification round",
			zap.String("alertId", alert.ID),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) handleClosed(ctx context.Context, alert domain.Alert) {
	if err := d.tracker.CancelAlert(ctx, alert.ID); err != nil {
		d.logger.Error("failed to cancel delivery for closed alert",
			zap.String("alertId", alert.ID),
			zap.Error(err),
		)
	}
}
