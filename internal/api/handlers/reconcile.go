package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/wonny/aegis-exec/internal/reconcile"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// Reconciler is the reconciliation surface; *reconcile.Service implements it
type Reconciler interface {
	RunOnce(ctx context.Context) (*reconcile.Report, error)
	LastReport(ctx context.Context) *reconcile.Report
}

// ReconcileHandler handles reconciliation endpoints
type ReconcileHandler struct {
	svc    Reconciler
	logger *logger.Logger
}

// NewReconcileHandler creates a new reconcile handler
func NewReconcileHandler(svc Reconciler, log *logger.Logger) *ReconcileHandler {
	return &ReconcileHandler{svc: svc, logger: log}
}

// Run triggers one cycle now
// POST /api/reconcile
func (h *ReconcileHandler) Run(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.RunOnce(r.Context())
	if errors.Is(err, reconcile.ErrAlreadyRunning) {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		h.logger.WithError(err).Error("Reconciliation run failed")
		respondError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// GetLast returns the latest report
// GET /api/reconcile/last
func (h *ReconcileHandler) GetLast(w http.ResponseWriter, r *http.Request) {
	report := h.svc.LastReport(r.Context())
	if report == nil {
		respondError(w, http.StatusNotFound, "No reconciliation has run yet")
		return
	}
	respondJSON(w, http.StatusOK, report)
}
