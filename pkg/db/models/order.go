package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
)

// Order is the durable record of a paid poster and its fulfillment state.
// It is the single source of truth for the payment/migration lifecycle;
// status and migration_status only move through conditional updates.
type Order struct {
	ID                   uuid.UUID             `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	SessionToken         string                `gorm:"column:session_token;not null;index"`
	Email                string                `gorm:"column:email;not null"`
	AmountCents          int                   `gorm:"column:amount_cents;not null"`
	Currency             string                `gorm:"column:currency;not null;default:'EUR'"`
	PaymentReference     string                `gorm:"column:payment_reference;not null;unique"`
	Status               enums.OrderStatus     `gorm:"column:status;type:order_status_enum;not null;default:'pending'"`
	MigrationStatus      enums.MigrationStatus `gorm:"column:migration_status;type:migration_status_enum;not null;default:'not_started'"`
	PermanentPhotoKey    *string               `gorm:"column:permanent_photo_key"`
	PermanentAudioKey    *string               `gorm:"column:permanent_audio_key"`
	PermanentWaveformKey *string               `gorm:"column:permanent_waveform_key"`
	PermanentPDFKey      *string               `gorm:"column:permanent_pdf_key"`
	MigrationCompletedAt *time.Time            `gorm:"column:migration_completed_at"`
	DownloadToken        string                `gorm:"column:download_token;not null;unique"`
	LastProcessedEventID *string               `gorm:"column:last_processed_event_id"`
	CreatedAt            time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

// HasPermanentKeys reports whether every permanent key is set. The keys are
// written together in the migration commit, so this is all-or-nothing.
func (o Order) HasPermanentKeys() bool {
	return o.PermanentPhotoKey != nil &&
		o.PermanentAudioKey != nil &&
		o.PermanentWaveformKey != nil &&
		o.PermanentPDFKey != nil
}
