package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/waveframe-studio/waveframe-backend/api/responses"
	"github.com/waveframe-studio/waveframe-backend/internal/access"
	internalorders "github.com/waveframe-studio/waveframe-backend/internal/orders"
	"github.com/waveframe-studio/waveframe-backend/internal/sessions"
	pkgerrors "github.com/waveframe-studio/waveframe-backend/pkg/errors"
	"github.com/waveframe-studio/waveframe-backend/pkg/logger"
)

// OrderAssets returns the permanent QR target and signed asset URLs for a
// completed order. Responses are byte-identical across calls.
func OrderAssets(repo internalorders.Repository, svc *access.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil || svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "access service unavailable"))
			return
		}

		orderID, err := parseOrderID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		order, err := repo.FindByID(r.Context(), orderID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load order"))
			return
		}
		if order == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "order not found"))
			return
		}

		urls, err := svc.PermanentURLs(order)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, urls)
	}
}

// SessionPreview returns short-lived watermarked URLs for a session's temp
// assets.
func SessionPreview(repo sessions.Repository, svc *access.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if repo == nil || svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "access service unavailable"))
			return
		}

		token := strings.TrimSpace(chi.URLParam(r, "token"))
		if token == "" {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "session token is required"))
			return
		}

		session, err := repo.FindByToken(r.Context(), token)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load session"))
			return
		}
		if session == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeNotFound, "session not found"))
			return
		}

		urls, err := svc.PreviewURLs(session)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, urls)
	}
}
