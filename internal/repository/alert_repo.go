package repository

import (
	"context"
	"errors"
	"time"

	"github.com/medalert/alert-engine/internal/domain"
	"gorm.io/gorm"
)

type ListParams struct {
	State    *domain.AlertState
	Severity *domain.Severity
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

type AlertRepository interface {
	Create(ctx context.Context, a *domain.Alert) error
	GetByID(ctx context.Context, id string) (*domain.Alert, error)
	List(ctx context.Context, params ListParams) ([]domain.Alert, int64, error)
	// MarkAcknowledged is a compare-and-set: it succeeds only for PENDING
	// alerts and reports whether a row was updated.
	MarkAcknowledged(ctx context.Context, id, actor string, at time.Time) (bool, error)
	// MarkClosed is a compare-and-set from PENDING or ACKNOWLEDGED.
	MarkClosed(ctx context.Context, id, actor, reason string, at time.Time) (bool, error)
	MarkNotified(ctx context.Context, id string, round int, at time.Time) error
	MarkEscalationExhausted(ctx context.Context, id string) error
	// ListEscalationDue returns PENDING alerts of the given severity whose
	// last notification is older than before and whose escalation budget is
	// not yet flagged as spent.
	ListEscalationDue(ctx context.Context, severity domain.Severity, before time.Time, limit int) ([]domain.Alert, error)
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.Alert, error)
}

type GormAlertRepo struct {
	db *gorm.DB
}

func NewGormAlertRepo(db *gorm.DB) *GormAlertRepo {
	return &GormAlertRepo{db: db}
}

var _ AlertRepository = (*GormAlertRepo)(nil)

func (r *GormAlertRepo) Create(ctx context.Context, a *domain.Alert) error {
	model := alertModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *alertModelToDomain(model)
	}
	return nil
}

func (r *GormAlertRepo) GetByID(ctx context.Context, id string) (*domain.Alert, error) {
	var model AlertModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return alertModelToDomain(&model), nil
}

func (r *GormAlertRepo) List(ctx context.Context, params ListParams) ([]domain.Alert, int64, error) {
	query := r.db.WithContext(ctx).Model(&AlertModel{})

	if params.State != nil {
		query = query.Where("state = ?", *params.State)
	}
	if params.Severity != nil {
		query = query.Where("severity = ?", *params.Severity)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []AlertModel
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	alerts := make([]domain.Alert, 0, len(models))
	for i := range models {
		alerts = append(alerts, *alertModelToDomain(&models[i]))
	}

	return alerts, total, nil
}

func (r *GormAlertRepo) MarkAcknowledged(ctx context.Context, id, actor string, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&AlertModel{}).
		Where("id = ? AND state = ?", id, domain.StatePending).
		Updates(map[string]any{
			"state":    domain.StateAcknowledged,
			"acked_by": actor,
			"acked_at": at,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormAlertRepo) MarkClosed(ctx context.Context, id, actor, reason string, at time.Time) (bool, error) {
	updates := map[string]any{
		"state":     domain.StateClosed,
		"closed_by": actor,
		"closed_at": at,
	}
	if reason != "" {
		updates["close_reason"] = reason
	}

	result := r.db.WithContext(ctx).
		Model(&AlertModel{}).
		Where("id = ? AND state IN ?", id, []domain.AlertState{domain.StatePending, domain.StateAcknowledged}).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormAlertRepo) MarkNotified(ctx context.Context, id string, round int, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&AlertModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"notify_round":     round,
			"last_notified_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormAlertRepo) MarkEscalationExhausted(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&AlertModel{}).
		Where("id = ?", id).
		Update("escalation_exhausted", true)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormAlertRepo) ListEscalationDue(ctx context.Context, severity domain.Severity, before time.Time, limit int) ([]domain.Alert, error) {
	var models []AlertModel
	err := r.db.WithContext(ctx).
		Where(
			"state = ? AND severity = ? AND escalation_exhausted = false AND last_notified_at IS NOT NULL AND last_notified_at <= ?",
			domain.StatePending, severity, before,
		).
		Order("last_notified_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	alerts := make([]domain.Alert, 0, len(models))
	for i := range models {
		alerts = append(alerts, *alertModelToDomain(&models[i]))
	}

	return alerts, nil
}

func (r *GormAlertRepo) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]domain.Alert, error) {
	var models []AlertModel
	err := r.db.WithContext(ctx).
		Where("created_at >= ? AND created_at <= ?", from, to).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	alerts := make([]domain.Alert, 0, len(models))
	for i := range models {
		alerts = append(alerts, *alertModelToDomain(&models[i]))
	}

	return alerts, nil
}
