package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/wonny/aegis-exec/internal/killswitch"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// KillSwitch is the halt surface the API exposes; *killswitch.Switch implements it
type KillSwitch interface {
	Activate(ctx context.Context, trigger killswitch.Trigger) *killswitch.ActivationReport
	Reset(ctx context.Context, operator string, confirm bool) error
	Status(ctx context.Context) (*killswitch.Status, error)
}

// HaltHandler handles kill-switch endpoints
// ⭐ SSOT: 거래 중지 API 핸들러는 이 구조체에서만
type HaltHandler struct {
	sw     KillSwitch
	logger *logger.Logger
}

// NewHaltHandler creates a new halt handler
func NewHaltHandler(sw KillSwitch, log *logger.Logger) *HaltHandler {
	return &HaltHandler{sw: sw, logger: log}
}

// GetStatus returns the halt flag and last activation
// GET /api/halt
func (h *HaltHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.sw.Status(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to read halt status")
		respondError(w, http.StatusInternalServerError, "Failed to read halt status")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// ActivateRequest is the body of POST /api/halt
type ActivateRequest struct {
	Reason string   `json:"reason"`
	Scope  []string `json:"scope,omitempty"`
}

// Activate halts trading and unwinds
// POST /api/halt
func (h *HaltHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req ActivateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Reason == "" {
		respondError(w, http.StatusBadRequest, "reason is required")
		return
	}

	report := h.sw.Activate(r.Context(), killswitch.Trigger{Source: "api", Reason: req.Reason, Scope: req.Scope})

	status := http.StatusOK
	if !report.Complete() {
		// 부분 실패: 거래는 중지됐지만 청산이 덜 됨
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, report)
}

// ResetRequest is the body of POST /api/halt/reset
type ResetRequest struct {
	Operator string `json:"operator"`
	Confirm  bool   `json:"confirm"`
}

// Reset re-enables trading
// POST /api/halt/reset
func (h *HaltHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.sw.Reset(r.Context(), req.Operator, req.Confirm)
	if errors.Is(err, killswitch.ErrConfirmationRequired) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Failed to reset halt")
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"halted":   false,
		"operator": req.Operator,
	})
}
