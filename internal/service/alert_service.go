package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/medalert/alert-engine/internal/domain"
	"github.com/medalert/alert-engine/internal/observability"
	"github.com/medalert/alert-engine/internal/repository"
	"go.uber.org/zap"
)

// AlertService owns the alert lifecycle: create, acknowledge, close. State
// transitions commit through compare-and-set repository updates, so concurrent
// actors cannot double-apply a transition.
type AlertService struct {
	alerts   repository.AlertRepository
	attempts repository.AttemptRepository
	logger   *zap.Logger
	metrics  *observability.Metrics
	now      func() time.Time
	handlers []EventHandler
}

func NewAlertService(
	alerts repository.AlertRepository,
	attempts repository.AttemptRepository,
	logger *zap.Logger,
) (*AlertService, error) {
	if alerts == nil {
		return nil, fmt.Errorf("alert repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &AlertService{
		alerts:   alerts,
		attempts: attempts,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (s *AlertService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// Subscribe registers a handler for lifecycle events. Handlers run
// synchronously after the transition committed; subscription is not safe once
// events are flowing.
func (s *AlertService) Subscribe(handler EventHandler) {
	if handler == nil {
		return
	}
	s.handlers = append(s.handlers, handler)
}

func (s *AlertService) Create(ctx context.Context, alert *domain.Alert) (*domain.Alert, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if alert == nil {
		return nil, fmt.Errorf("%w: alert is required", domain.ErrValidation)
	}

	alert.FileNumber = strings.TrimSpace(alert.FileNumber)
	alert.TestName = strings.TrimSpace(alert.TestName)
	alert.Value = strings.TrimSpace(alert.Value)
	alert.CreatedBy = strings.TrimSpace(alert.CreatedBy)

	alert.ID = strings.TrimSpace(alert.ID)
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	if err := alert.Validate(); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	alert.State = domain.StatePending
	alert.AckedBy = nil
	alert.AckedAt = nil
	alert.ClosedBy = nil
	alert.ClosedAt = nil
	alert.CloseReason = nil
	alert.NotifyRound = 0
	alert.LastNotifiedAt = nil
	alert.EscalationExhausted = false
	alert.CreatedAt = now
	alert.UpdatedAt = now

	if err := s.alerts.Create(ctx, alert); err != nil {
		return nil, fmt.Errorf("failed to create alert: %w", err)
	}

	if s.metrics != nil {
		s.metrics.IncAlertCreated(alert.Severity.String())
	}
	s.logger.Info("alert created",
		zap.String("alertId", alert.ID),
		zap.String("severity", alert.Severity.String()),
		zap.String("testName", alert.TestName),
	)

	s.emit(ctx, Event{Type: EventAlertCreated, Alert: *alert, At: now})
	return alert, nil
}

// Acknowledge moves a PENDING alert to ACKNOWLEDGED. Acknowledging an alert
// that is already ACKNOWLEDGED is a no-op success; acknowledging a CLOSED
// alert is an invalid transition.
func (s *AlertService) Acknowledge(ctx context.Context, id, actor string) (*domain.Alert, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	actor = strings.TrimSpace(actor)
	if id == "" {
		return nil, fmt.Errorf("%w: alert id is required", domain.ErrValidation)
	}
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", domain.ErrValidation)
	}

	now := s.now().UTC()
	updated, err := s.alerts.MarkAcknowledged(ctx, id, actor, now)
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge alert: %w", err)
	}

	if !updated {
		current, err := s.alerts.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		switch current.State {
		case domain.StateAcknowledged:
			return current, nil
		case domain.StateClosed:
			return nil, fmt.Errorf("%w: cannot acknowledge a closed alert", domain.ErrInvalidTransition)
		default:
			return nil, fmt.Errorf("%w: concurrent update on alert %s", domain.ErrConflict, id)
		}
	}

	alert, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncAlertAcknowledged()
	}
	s.logger.Info("alert acknowledged",
		zap.String("alertId", id),
		zap.String("actor", actor),
	)

	s.emit(ctx, Event{Type: EventAlertAcknowledged, Alert: *alert, At: now})
	return alert, nil
}

// Close moves a PENDING or ACKNOWLEDGED alert to CLOSED. Closing a CLOSED
// alert is a no-op success that does not re-emit the closed event.
func (s *AlertService) Close(ctx context.Context, id, actor, reason string) (*domain.Alert, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)
	actor = strings.TrimSpace(actor)
	reason = strings.TrimSpace(reason)
	if id == "" {
		return nil, fmt.Errorf("%w: alert id is required", domain.ErrValidation)
	}
	if actor == "" {
		return nil, fmt.Errorf("%w: actor is required", domain.ErrValidation)
	}

	now := s.now().UTC()
	updated, err := s.alerts.MarkClosed(ctx, id, actor, reason, now)
	if err != nil {
		return nil, fmt.Errorf("failed to close alert: %w", err)
	}

	if !updated {
		current, err := s.alerts.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if current.State == domain.StateClosed {
			return current, nil
		}
		return nil, fmt.Errorf("%w: concurrent update on alert %s", domain.ErrConflict, id)
	}

	alert, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncAlertClosed()
	}
	s.logger.Info("alert closed",
		zap.String("alertId", id),
		zap.String("actor", actor),
	)

	s.emit(ctx, Event{Type: EventAlertClosed, Alert: *alert, At: now})
	return alert, nil
}

func (s *AlertService) GetByID(ctx context.Context, id string) (*domain.Alert, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: alert id is required", domain.ErrValidation)
	}
	return s.alerts.GetByID(ctx, strings.TrimSpace(id))
}

func (s *AlertService) List(ctx context.Context, params repository.ListParams) ([]domain.Alert, int64, error) {
	return s.alerts.List(ctx, params)
}

// ListAttempts returns the delivery ledger for an alert.
func (s *AlertService) ListAttempts(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error) {
	alertID = strings.TrimSpace(alertID)
	if alertID == "" {
		return nil, fmt.Errorf("%w: alert id is required", domain.ErrValidation)
	}
	if _, err := s.alerts.GetByID(ctx, alertID); err != nil {
		return nil, err
	}
	return s.attempts.ListByAlert(ctx, alertID)
}

func (s *AlertService) emit(ctx context.Context, evt Event) {
	ctx = observability.WithAlertID(ctx, evt.Alert.ID)
	for _, handler := range s.handlers {
		handler(ctx, evt)
	}
}
