package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/caremesh/rxauth/internal/dispense"
	"github.com/caremesh/rxauth/internal/domain/rxerr"
	"github.com/caremesh/rxauth/internal/observability/metrics"
	"github.com/caremesh/rxauth/internal/token"
)

// DispenseHandler handles token verification at the dispensing point.
type DispenseHandler struct {
	verifier *dispense.Verifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewDispenseHandler creates a new handler
func NewDispenseHandler(verifier *dispense.Verifier, m *metrics.Metrics, logger *zap.Logger) *DispenseHandler {
	return &DispenseHandler{verifier: verifier, metrics: m, logger: logger}
}

// Routes returns the handler routes
func (h *DispenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.VerifyAndDispense)
	return r
}

// DispenseRequest is a presented token plus the dispensing party.
type DispenseRequest struct {
	Token   string `json:"token"`
	PartyID string `json:"party_id"`
	IDProof string `json:"id_proof,omitempty"`
}

// VerifyAndDispense handles POST /dispense
func (h *DispenseHandler) VerifyAndDispense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	var req DispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, rxerr.Validationf("body", "invalid request body"))
		return
	}
	if req.PartyID == "" {
		writeError(w, rxerr.Validationf("party_id", "dispensing party identity is required"))
		return
	}

	presented, err := token.Decode(req.Token)
	if err != nil {
		// Undecodable input gets the same generic answer as a bad signature.
		h.logger.Warn("malformed token presented",
			zap.String("party_id", req.PartyID),
			zap.Error(err))
		h.metrics.DispenseOutcomes.WithLabelValues(dispense.ReasonInvalidToken).Inc()
		writeJSON(w, http.StatusOK, dispense.Result{Accepted: false, Reason: dispense.ReasonInvalidToken})
		return
	}

	result, err := h.verifier.VerifyAndDispense(ctx, presented, req.PartyID, req.IDProof)
	h.metrics.VerifyDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		writeError(w, err)
		return
	}

	outcome := result.Reason
	if result.Accepted {
		outcome = "accepted"
	}
	h.metrics.DispenseOutcomes.WithLabelValues(outcome).Inc()

	writeJSON(w, http.StatusOK, result)
}
