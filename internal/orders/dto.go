package orders

import (
	"time"

	"github.com/google/uuid"

	"github.com/waveframe-studio/waveframe-backend/pkg/db/models"
	"github.com/waveframe-studio/waveframe-backend/pkg/enums"
)

// CreateOrderInput carries the fields needed to open a pending order
// against an upload session.
type CreateOrderInput struct {
	SessionToken     string `json:"session_token" validate:"required"`
	Email            string `json:"email" validate:"required,email"`
	AmountCents      int    `json:"amount_cents" validate:"required,min=1"`
	Currency         string `json:"currency" validate:"omitempty,len=3"`
	PaymentReference string `json:"payment_reference" validate:"required"`
}

// OrderView is the API projection of an order.
type OrderView struct {
	ID               uuid.UUID             `json:"id"`
	SessionToken     string                `json:"session_token"`
	Email            string                `json:"email"`
	AmountCents      int                   `json:"amount_cents"`
	Currency         string                `json:"currency"`
	PaymentReference string                `json:"payment_reference"`
	Status           enums.OrderStatus     `json:"status"`
	MigrationStatus  enums.MigrationStatus `json:"migration_status"`
	DownloadToken    string                `json:"download_token"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
}

// NewOrderView maps the model onto the API projection.
func NewOrderView(order *models.Order) *OrderView {
	if order == nil {
		return nil
	}
	return &OrderView{
		ID:               order.ID,
		SessionToken:     order.SessionToken,
		Email:            order.Email,
		AmountCents:      order.AmountCents,
		Currency:         order.Currency,
		PaymentReference: order.PaymentReference,
		Status:           order.Status,
		MigrationStatus:  order.MigrationStatus,
		DownloadToken:    order.DownloadToken,
		CreatedAt:        order.CreatedAt,
		UpdatedAt:        order.UpdatedAt,
	}
}
