package repository

import (
	"context"
	"errors"
	"time"

	"github.com/medalert/alert-engine/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type RecipientRepository interface {
	ListActive(ctx context.Context) ([]domain.Recipient, error)
	GetByID(ctx context.Context, id string) (*domain.Recipient, error)
	Upsert(ctx context.Context, r *domain.Recipient) error
}

type DeviceRepository interface {
	Register(ctx context.Context, userID, token string, at time.Time) error
	Unregister(ctx context.Context, userID string) error
	TokenFor(ctx context.Context, userID string) (string, error)
}

type GormRecipientRepo struct {
	db *gorm.DB
}

func NewGormRecipientRepo(db *gorm.DB) *GormRecipientRepo {
	return &GormRecipientRepo{db: db}
}

var _ RecipientRepository = (*GormRecipientRepo)(nil)

func (r *GormRecipientRepo) ListActive(ctx context.Context) ([]domain.Recipient, error) {
	var models []RecipientModel
	err := r.db.WithContext(ctx).
		Where("active = true").
		Order("id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	recipients := make([]domain.Recipient, 0, len(models))
	for i := range models {
		recipients = append(recipients, *recipientModelToDomain(&models[i]))
	}

	return recipients, nil
}

func (r *GormRecipientRepo) GetByID(ctx context.Context, id string) (*domain.Recipient, error) {
	var model RecipientModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return recipientModelToDomain(&model), nil
}

func (r *GormRecipientRepo) Upsert(ctx context.Context, recipient *domain.Recipient) error {
	model := recipientModelFromDomain(recipient)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(model).Error
}

type GormDeviceRepo struct {
	db *gorm.DB
}

func NewGormDeviceRepo(db *gorm.DB) *GormDeviceRepo {
	return &GormDeviceRepo{db: db}
}

var _ DeviceRepository = (*GormDeviceRepo)(nil)

func (r *GormDeviceRepo) Register(ctx context.Context, userID, token string, at time.Time) error {
	model := &DeviceModel{
		UserID:    userID,
		Token:     token,
		CreatedAt: at,
		UpdatedAt: at,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"token", "updated_at"}),
		}).
		Create(model).Error
}

func (r *GormDeviceRepo) Unregister(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).
		Delete(&DeviceModel{}, "user_id = ?", userID).Error
}

func (r *GormDeviceRepo) TokenFor(ctx context.Context, userID string) (string, error) {
	var model DeviceModel
	err := r.db.WithContext(ctx).First(&model, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", domain.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return model.Token, nil
}
