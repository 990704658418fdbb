package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/waveframe-studio/waveframe-backend/api/responses"
	"github.com/waveframe-studio/waveframe-backend/pkg/config"
	pkgerrors "github.com/waveframe-studio/waveframe-backend/pkg/errors"
	"github.com/waveframe-studio/waveframe-backend/pkg/logger"
)

const readinessTimeout = 5 * time.Second

type pinger interface {
	Ping(ctx context.Context) error
}

// ReadinessDeps are the infrastructure clients the API cannot serve without.
type ReadinessDeps struct {
	DB     pinger
	Redis  pinger
	GCS    pinger
	PubSub pinger
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Waveframe-Env", cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

func HealthReady(cfg *config.Config, deps ReadinessDeps, logg *logger.Logger) http.HandlerFunc {
	checks := []struct {
		name   string
		client pinger
	}{
		{"db", deps.DB},
		{"redis", deps.Redis},
		{"gcs", deps.GCS},
		{"pubsub", deps.PubSub},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()

		w.Header().Set("X-Waveframe-Env", cfg.App.Env)

		status := map[string]string{}
		for _, check := range checks {
			if check.client == nil {
				continue
			}
			if err := check.client.Ping(ctx); err != nil {
				status[check.name] = "down"
				responses.WriteError(r.Context(), logg, w,
					pkgerrors.Wrap(pkgerrors.CodeDependency, err, check.name+" not ready").WithDetails(status))
				return
			}
			status[check.name] = "ok"
		}

		status["status"] = "ready"
		responses.WriteSuccess(w, status)
	}
}
