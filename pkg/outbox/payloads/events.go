package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
)

// OrderStateChangedEvent mirrors the payload emitted on every status transition.
type OrderStateChangedEvent struct {
	OrderID    uuid.UUID         `json:"order_id"`
	FromStatus enums.OrderStatus `json:"from_status"`
	ToStatus   enums.OrderStatus `json:"to_status"`
	EventID    string            `json:"event_id,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// OrderCompletedEmailEvent tells the notification consumer to send the
// confirmation email with the permanent download links.
type OrderCompletedEmailEvent struct {
	OrderID       uuid.UUID `json:"order_id"`
	Email         string    `json:"email"`
	DownloadToken string    `json:"download_token"`
	CompletedAt   time.Time `json:"completed_at"`
}

// OrderPDFFinalizeEvent tells the render consumer to produce the print PDF
// at the reserved permanent key.
type OrderPDFFinalizeEvent struct {
	OrderID              uuid.UUID `json:"order_id"`
	PermanentPhotoKey    string    `json:"permanent_photo_key"`
	PermanentAudioKey    string    `json:"permanent_audio_key"`
	PermanentWaveKey     string    `json:"permanent_waveform_key"`
	PermanentPDFKey      string    `json:"permanent_pdf_key"`
	Title                string    `json:"title,omitempty"`
	Subtitle             string    `json:"subtitle,omitempty"`
	Theme                string    `json:"theme,omitempty"`
	QRTarget             string    `json:"qr_target"`
	MigrationCompletedAt time.Time `json:"migration_completed_at"`
}

// OrderFailedAlertEvent raises an operator alert for a failed migration.
type OrderFailedAlertEvent struct {
	OrderID     uuid.UUID `json:"order_id"`
	Reason      string    `json:"reason"`
	MissingKeys []string  `json:"missing_keys,omitempty"`
	FailedAt    time.Time `json:"failed_at"`
}

// SessionSweptEvent records that cleanup removed an expired session.
type SessionSweptEvent struct {
	SessionToken string    `json:"session_token"`
	DeletedKeys  []string  `json:"deleted_keys,omitempty"`
	SweptAt      time.Time `json:"swept_at"`
}
