package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/wonny/aegis-exec/internal/contracts"
	"github.com/wonny/aegis-exec/internal/ledger"
	"github.com/wonny/aegis-exec/pkg/logger"
)

// SymbolStore is the ledger read surface; ledger.Store implements it
type SymbolStore interface {
	LatestPosition(ctx context.Context, symbol string) (*contracts.PositionSnapshot, error)
	ListOpenOrders(ctx context.Context, symbol string) ([]*contracts.OrderRecord, error)
	ListOrders(ctx context.Context, symbol string, limit int) ([]*contracts.OrderRecord, error)
}

// InstrumentLookup reads instrument rules; *instrument.Catalog implements it
type InstrumentLookup interface {
	Get(symbol string) (contracts.Instrument, bool)
}

// SymbolHandler serves per-symbol ledger state
type SymbolHandler struct {
	store   SymbolStore
	catalog InstrumentLookup
	logger  *logger.Logger
}

// NewSymbolHandler creates a new symbol handler
func NewSymbolHandler(store SymbolStore, catalog InstrumentLookup, log *logger.Logger) *SymbolHandler {
	return &SymbolHandler{store: store, catalog: catalog, logger: log}
}

// SymbolState is the response of GET /api/symbols/{symbol}/state
type SymbolState struct {
	Symbol       string                      `json:"symbol"`
	Instrument   contracts.Instrument        `json:"instrument"`
	Position     *contracts.PositionSnapshot `json:"position,omitempty"`
	OpenOrders   []*contracts.OrderRecord    `json:"open_orders"`
	RecentOrders []*contracts.OrderRecord    `json:"recent_orders"`
}

// GetState returns instrument rules, latest position and orders of a symbol
// GET /api/symbols/{symbol}/state
func (h *SymbolHandler) GetState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	symbol := mux.Vars(r)["symbol"]

	inst, ok := h.catalog.Get(symbol)
	if !ok {
		respondError(w, http.StatusNotFound, "Unknown symbol")
		return
	}

	state := SymbolState{Symbol: symbol, Instrument: inst}

	pos, err := h.store.LatestPosition(ctx, symbol)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
	case err != nil:
		h.logger.WithError(err).Error("Failed to read position")
		respondError(w, http.StatusInternalServerError, "Failed to read position")
		return
	default:
		state.Position = pos
	}

	if state.OpenOrders, err = h.store.ListOpenOrders(ctx, symbol); err != nil {
		h.logger.WithError(err).Error("Failed to list open orders")
		respondError(w, http.StatusInternalServerError, "Failed to list orders")
		return
	}
	if state.RecentOrders, err = h.store.ListOrders(ctx, symbol, 20); err != nil {
		h.logger.WithError(err).Error("Failed to list orders")
		respondError(w, http.StatusInternalServerError, "Failed to list orders")
		return
	}

	respondJSON(w, http.StatusOK, state)
}
