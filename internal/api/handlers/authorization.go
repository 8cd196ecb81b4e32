// Package handlers provides HTTP handlers for the authorization API.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/caremesh/rxauth/internal/api/middleware"
	"github.com/caremesh/rxauth/internal/domain/rxerr"
	"github.com/caremesh/rxauth/internal/observability/metrics"
	"github.com/caremesh/rxauth/internal/workflow"
)

// AuthorizationHandler handles request intake, review decisions and status.
type AuthorizationHandler struct {
	service *workflow.Service
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewAuthorizationHandler creates a new handler
func NewAuthorizationHandler(service *workflow.Service, m *metrics.Metrics, logger *zap.Logger) *AuthorizationHandler {
	return &AuthorizationHandler{service: service, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *AuthorizationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Submit)
	r.Get("/{id}", h.Status)
	r.Get("/{id}/token", h.Token)
	r.Post("/{id}/decisions", h.Decide)
	return r
}

// Submit handles POST /requests
func (h *AuthorizationHandler) Submit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in workflow.SubmitInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, rxerr.Validationf("body", "invalid request body"))
		return
	}

	sub, err := h.service.Submit(ctx, in)
	if err != nil {
		writeError(w, err)
		return
	}

	h.metrics.RequestsSubmitted.WithLabelValues(string(sub.Assignment.Category)).Inc()
	h.logger.Info("request accepted",
		zap.String("request_id", sub.RequestID),
		zap.String("request_id_header", middleware.GetRequestID(ctx)),
	)

	writeJSON(w, http.StatusCreated, sub)
}

// Decide handles POST /requests/{id}/decisions
func (h *AuthorizationHandler) Decide(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	start := time.Now()

	var in workflow.DecideInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, rxerr.Validationf("body", "invalid request body"))
		return
	}
	in.RequestID = id

	dec, err := h.service.Decide(ctx, in)
	h.metrics.DecisionDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		code := rxerr.CodeOf(err)
		if code == rxerr.CodeAuthorization || code == rxerr.CodeValidation || code == rxerr.CodeConflict {
			h.metrics.DecisionsRejected.Inc()
		}
		writeError(w, err)
		return
	}

	h.metrics.DecisionsRecorded.WithLabelValues(string(in.Role), string(in.Action)).Inc()
	if dec.Token != "" {
		h.metrics.TokensIssued.Inc()
	}

	writeJSON(w, http.StatusOK, dec)
}

// Status handles GET /requests/{id}
func (h *AuthorizationHandler) Status(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Token handles GET /requests/{id}/token
func (h *AuthorizationHandler) Token(w http.ResponseWriter, r *http.Request) {
	encoded, err := h.service.TokenFor(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": encoded})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP statuses. Integrity failures
// surface as a generic invalid-token message.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	message := "internal error"

	var e *rxerr.Error
	if errors.As(err, &e) {
		switch e.Code {
		case rxerr.CodeValidation:
			status, message = http.StatusBadRequest, e.Message
		case rxerr.CodeAuthorization:
			status, message = http.StatusForbidden, e.Message
		case rxerr.CodeConflict:
			status, message = http.StatusConflict, e.Message
		case rxerr.CodeNotFound:
			status, message = http.StatusNotFound, e.Message
		case rxerr.CodeIntegrity:
			status, message = http.StatusUnauthorized, "invalid token"
		case rxerr.CodeExpired:
			status, message = http.StatusGone, e.Message
		}
	}

	writeJSON(w, status, map[string]string{"error": message})
}
