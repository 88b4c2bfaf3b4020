package repository

import (
	"strings"
	"time"

	"github.com/medalert/alert-engine/internal/domain"
)

// AlertModel is the persistence model for the alerts table.
type AlertModel struct {
	ID                  string            `gorm:"type:uuid;primaryKey"`
	FileNumber          string            `gorm:"type:varchar(64);not null"`
	TestName            string            `gorm:"type:varchar(255);not null"`
	Value               string            `gorm:"type:varchar(255);not null"`
	Severity            domain.Severity   `gorm:"type:varchar(10);not null"`
	State               domain.AlertState `gorm:"type:varchar(20);not null"`
	CreatedBy           string            `gorm:"type:varchar(64);not null"`
	AckedBy             *string           `gorm:"type:varchar(64)"`
	AckedAt             *time.Time        `gorm:"type:timestamptz"`
	ClosedBy            *string           `gorm:"type:varchar(64)"`
	ClosedAt            *time.Time        `gorm:"type:timestamptz"`
	CloseReason         *string           `gorm:"type:text"`
	NotifyRound         int               `gorm:"not null;default:0"`
	LastNotifiedAt      *time.Time        `gorm:"type:timestamptz"`
	EscalationExhausted bool              `gorm:"not null;default:false"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (AlertModel) TableName() string {
	return "alerts"
}

// DeliveryAttemptModel is the persistence model for delivery_attempts.
type DeliveryAttemptModel struct {
	ID                string         `gorm:"type:uuid;primaryKey"`
	AlertID           string         `gorm:"type:uuid;not null"`
	RecipientID       string         `gorm:"type:varchar(64);not null"`
	Channel           domain.Channel `gorm:"type:varchar(10);not null"`
	AttemptNumber     int            `gorm:"not null"`
	Round             int            `gorm:"not null;default:1"`
	Outcome           domain.Outcome `gorm:"type:varchar(10);not null"`
	Error             *string        `gorm:"type:text"`
	ProviderMessageID *string        `gorm:"type:varchar(255)"`
	CreatedAt         time.Time
	CompletedAt       *time.Time `gorm:"type:timestamptz"`
}

func (DeliveryAttemptModel) TableName() string {
	return "delivery_attempts"
}

// RecipientModel is the persistence model for recipients.
type RecipientModel struct {
	ID         string `gorm:"type:varchar(64);primaryKey"`
	Name       string `gorm:"type:varchar(255);not null"`
	Channels   string `gorm:"type:varchar(64);not null"`
	WhatsAppTo string `gorm:"type:varchar(32)"`
	Active     bool   `gorm:"not null;default:true"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (RecipientModel) TableName() string {
	return "recipients"
}

// DeviceModel is the persistence model for push device tokens.
type DeviceModel struct {
	UserID    string `gorm:"type:varchar(64);primaryKey"`
	Token     string `gorm:"type:varchar(512);not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DeviceModel) TableName() string {
	return "devices"
}

func alertModelFromDomain(a *domain.Alert) *AlertModel {
	if a == nil {
		return nil
	}

	return &AlertModel{
		ID:                  a.ID,
		FileNumber:          a.FileNumber,
		TestName:            a.TestName,
		Value:               a.Value,
		Severity:            a.Severity,
		State:               a.State,
		CreatedBy:           a.CreatedBy,
		AckedBy:             a.AckedBy,
		AckedAt:             a.AckedAt,
		ClosedBy:            a.ClosedBy,
		ClosedAt:            a.ClosedAt,
		CloseReason:         a.CloseReason,
		NotifyRound:         a.NotifyRound,
		LastNotifiedAt:      a.LastNotifiedAt,
		EscalationExhausted: a.EscalationExhausted,
		CreatedAt:           a.CreatedAt,
		UpdatedAt:           a.UpdatedAt,
	}
}

func alertModelToDomain(m *AlertModel) *domain.Alert {
	if m == nil {
		return nil
	}

	return &domain.Alert{
		ID:                  m.ID,
		FileNumber:          m.FileNumber,
		TestName:            m.TestName,
		Value:               m.Value,
		Severity:            m.Severity,
		State:               m.State,
		CreatedBy:           m.CreatedBy,
		AckedBy:             m.AckedBy,
		AckedAt:             m.AckedAt,
		ClosedBy:            m.ClosedBy,
		ClosedAt:            m.ClosedAt,
		CloseReason:         m.CloseReason,
		NotifyRound:         m.NotifyRound,
		LastNotifiedAt:      m.LastNotifiedAt,
		EscalationExhausted: m.EscalationExhausted,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.DeliveryAttempt) *DeliveryAttemptModel {
	if a == nil {
		return nil
	}

	return &DeliveryAttemptModel{
		ID:                a.ID,
		AlertID:           a.AlertID,
		RecipientID:       a.RecipientID,
		Channel:           a.Channel,
		AttemptNumber:     a.AttemptNumber,
		Round:             a.Round,
		Outcome:           a.Outcome,
		Error:             a.Error,
		ProviderMessageID: a.ProviderMessageID,
		CreatedAt:         a.CreatedAt,
		CompletedAt:       a.CompletedAt,
	}
}

func attemptModelToDomain(m *DeliveryAttemptModel) *domain.DeliveryAttempt {
	if m == nil {
		return nil
	}

	return &domain.DeliveryAttempt{
		ID:                m.ID,
		AlertID:           m.AlertID,
		RecipientID:       m.RecipientID,
		Channel:           m.Channel,
		AttemptNumber:     m.AttemptNumber,
		Round:             m.Round,
		Outcome:           m.Outcome,
		Error:             m.Error,
		ProviderMessageID: m.ProviderMessageID,
		CreatedAt:         m.CreatedAt,
		CompletedAt:       m.CompletedAt,
	}
}

func recipientModelToDomain(m *RecipientModel) *domain.Recipient {
	if m == nil {
		return nil
	}

	var channels []domain.Channel
	for _, raw := range strings.Split(m.Channels, ",") {
		ch, err := domain.ParseChannelFromString(raw)
		if err != nil {
			continue
		}
		channels = append(channels, ch)
	}

	return &domain.Recipient{
		ID:         m.ID,
		Name:       m.Name,
		Channels:   channels,
		WhatsAppTo: m.WhatsAppTo,
		Active:     m.Active,
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
}

func recipientModelFromDomain(r *domain.Recipient) *RecipientModel {
	if r == nil {
		return nil
	}

	channels := make([]string, 0, len(r.Channels))
	for _, ch := range r.Channels {
		channels = append(channels, ch.String())
	}

	return &RecipientModel{
		ID:         r.ID,
		Name:       r.Name,
		Channels:   strings.Join(channels, ","),
		WhatsAppTo: r.WhatsAppTo,
		Active:     r.Active,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}
