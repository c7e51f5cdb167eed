package handlers

import (
	"net/http"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// DecisionQueue accepts operator decisions; *worker.ManualStrategy implements it
type DecisionQueue interface {
	Enqueue(dec contracts.Decision) error
}

// DecisionHandler queues manual decisions for the symbol workers
type DecisionHandler struct {
	queue   DecisionQueue
	tracked map[string]bool
	logger  *logger.Logger
}

// NewDecisionHandler creates a new decision handler for the tracked symbols
func NewDecisionHandler(queue DecisionQueue, symbols []string, log *logger.Logger) *DecisionHandler {
	tracked := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		tracked[s] = true
	}
	return &DecisionHandler{queue: queue, tracked: tracked, logger: log}
}

// Enqueue queues a decision; the symbol's worker submits it on its next poll
// POST /api/decisions
func (h *DecisionHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var dec contracts.Decision
	if err := decodeJSON(w, r, &dec); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !h.tracked[dec.Symbol] {
		respondError(w, http.StatusBadRequest, "Symbol is not tracked")
		return
	}
	// 전략 이름과 시각은 서버가 부여
	dec.Strategy = ""
	dec.DecidedAt = dec.DecidedAt.UTC()

	if err := h.queue.Enqueue(dec); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.logger.WithFields(map[string]interface{}{
		"symbol": dec.Symbol,
		"side":   dec.Side,
		"size":   dec.Size.String(),
	}).Info("Manual decision queued")

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"queued": true,
		"symbol": dec.Symbol,
	})
}
