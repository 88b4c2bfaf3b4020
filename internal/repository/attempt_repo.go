package repository

import (
	"context"
	"errors"
	"time"

	"github.com/medalert/alert-engine/internal/domain"
	"gorm.io/gorm"
)

// ChannelOutcomeCount is one row of the per-channel delivery outcome rollup.
type ChannelOutcomeCount struct {
	Channel domain.Channel `gorm:"column:channel"`
	Outcome domain.Outcome `gorm:"column:outcome"`
	Count   int            `gorm:"column:count"`
}

type AttemptRepository interface {
	Create(ctx context.Context, a *domain.DeliveryAttempt) error
	GetByID(ctx context.Context, id string) (*domain.DeliveryAttempt, error)
	ListByAlert(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error)
	// Finalize moves a PENDING row to a final outcome exactly once; it
	// reports false when the row was already finalized. Finalized rows are
	// immutable.
	Finalize(ctx context.Context, id string, outcome domain.Outcome, errDetail, providerMsgID *string, at time.Time) (bool, error)
	// ExpirePendingForAlert finalizes every still-PENDING attempt of an
	// alert as EXPIRED and returns how many rows it touched.
	ExpirePendingForAlert(ctx context.Context, alertID string, at time.Time) (int64, error)
	// MaxAttemptNumber returns the highest attempt number already ledgered
	// for the (alert, recipient, channel) triple, 0 when none exist.
	MaxAttemptNumber(ctx context.Context, alertID, recipientID string, channel domain.Channel) (int, error)
	CountByChannelOutcome(ctx context.Context, from, to time.Time) ([]ChannelOutcomeCount, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

var _ AttemptRepository = (*GormAttemptRepo)(nil)

func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.DeliveryAttempt) error {
	model := attemptModelFromDomain(a)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if a != nil {
		*a = *attemptModelToDomain(model)
	}
	return nil
}

func (r *GormAttemptRepo) GetByID(ctx context.Context, id string) (*domain.DeliveryAttempt, error) {
	var model DeliveryAttemptModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return attemptModelToDomain(&model), nil
}

func (r *GormAttemptRepo) ListByAlert(ctx context.Context, alertID string) ([]domain.DeliveryAttempt, error) {
	var models []DeliveryAttemptModel
	err := r.db.WithContext(ctx).
		Where("alert_id = ?", alertID).
		Order("recipient_id ASC, channel ASC, attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.DeliveryAttempt, 0, len(models))
	for i := range models {
		attempts = append(attempts, *attemptModelToDomain(&models[i]))
	}

	return attempts, nil
}

func (r *GormAttemptRepo) Finalize(ctx context.Context, id string, outcome domain.Outcome, errDetail, providerMsgID *string, at time.Time) (bool, error) {
	if !outcome.Final() {
		return false, errors.New("finalize requires a final outcome")
	}

	updates := map[string]any{
		"outcome":      outcome,
		"completed_at": at,
	}
	if errDetail != nil {
		updates["error"] = *errDetail
	}
	if providerMsgID != nil {
		updates["provider_message_id"] = *providerMsgID
	}

	result := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("id = ? AND outcome = ?", id, domain.OutcomePending).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormAttemptRepo) ExpirePendingForAlert(ctx context.Context, alertID string, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Where("alert_id = ? AND outcome = ?", alertID, domain.OutcomePending).
		Updates(map[string]any{
			"outcome":      domain.OutcomeExpired,
			"completed_at": at,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func (r *GormAttemptRepo) MaxAttemptNumber(ctx context.Context, alertID, recipientID string, channel domain.Channel) (int, error) {
	var max int
	err := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Select("COALESCE(MAX(attempt_number), 0)").
		Where("alert_id = ? AND recipient_id = ? AND channel = ?", alertID, recipientID, channel).
		Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return max, nil
}

func (r *GormAttemptRepo) CountByChannelOutcome(ctx context.Context, from, to time.Time) ([]ChannelOutcomeCount, error) {
	var counts []ChannelOutcomeCount
	err := r.db.WithContext(ctx).
		Model(&DeliveryAttemptModel{}).
		Select("channel, outcome, COUNT(*) as count").
		Where("created_at >= ? AND created_at <= ?", from, to).
		Group("channel").
		Group("outcome").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}
