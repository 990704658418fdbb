package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/waveframe-studio/waveframe-backend/api/controllers"
	webhookcontrollers "github.com/waveframe-studio/waveframe-backend/api/controllers/webhooks"
	"github.com/waveframe-studio/waveframe-backend/api/middleware"
	"github.com/waveframe-studio/waveframe-backend/internal/access"
	internalorders "github.com/waveframe-studio/waveframe-backend/internal/orders"
	"github.com/waveframe-studio/waveframe-backend/internal/sessions"
	paymentwebhook "github.com/waveframe-studio/waveframe-backend/internal/webhooks/payment"
	"github.com/waveframe-studio/waveframe-backend/pkg/config"
	"github.com/waveframe-studio/waveframe-backend/pkg/logger"
)

// Deps carries everything the router wires into handlers.
type Deps struct {
	Config    *config.Config
	Logger    *logger.Logger
	Readiness controllers.ReadinessDeps

	Orders       *internalorders.Service
	OrdersRepo   internalorders.Repository
	Sessions     sessions.Repository
	Access       *access.Service
	Webhook      *paymentwebhook.Service
	WebhookGuard *paymentwebhook.EventGuard
}

func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config
	logg := deps.Logger

	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, deps.Readiness, logg))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/payment", webhookcontrollers.PaymentWebhook(deps.Webhook, cfg.Payment.WebhookSecret, deps.WebhookGuard, logg))
	})

	r.Route("/api/v1/orders", func(r chi.Router) {
		r.Post("/", controllers.CreateOrder(deps.Orders, logg))
		r.Route("/{orderId}", func(r chi.Router) {
			r.Get("/", controllers.GetOrder(deps.Orders, logg))
			r.Post("/complete", controllers.CompleteOrder(deps.Orders, logg))
			r.Post("/cancel", controllers.CancelOrder(deps.Orders, logg))
			r.Get("/assets", controllers.OrderAssets(deps.OrdersRepo, deps.Access, logg))
		})
	})

	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Get("/{token}/preview", controllers.SessionPreview(deps.Sessions, deps.Access, logg))
	})

	return r
}
