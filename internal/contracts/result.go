package contracts

import "encoding/json"

// OrderResult is the single contract every gateway operation returns.
// ⭐ SSOT: Gateway 결과 계약 (submit/cancel/cancel_all/close_position 공통)
type OrderResult struct {
	Success         bool            `json:"success"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	ExchangeOrderID string          `json:"exchange_order_id,omitempty"`
	Status          OrderStatus     `json:"status,omitempty"`
	ErrorKind       ErrorKind       `json:"error_kind,omitempty"`
	Message         string          `json:"message,omitempty"`
	Duplicate       bool            `json:"duplicate,omitempty"`
	CancelledIDs    []string        `json:"cancelled_ids,omitempty"`
	Raw             json.RawMessage `json:"raw,omitempty"`
}

// Failed builds a failed result of the given kind
func Failed(kind ErrorKind, msg string) OrderResult {
	return OrderResult{Success: false, ErrorKind: kind, Message: msg}
}

// ResultFromRecord rebuilds the last known result of a ledger row.
// UNKNOWN is not a success: the exchange outcome is still unresolved.
func ResultFromRecord(rec *OrderRecord) OrderResult {
	res := OrderResult{
		Success:         rec.Status != StatusRejected && rec.Status != StatusUnknown,
		IdempotencyKey:  rec.IdempotencyKey,
		ExchangeOrderID: rec.ExchangeOrderID,
		Status:          rec.Status,
		Message:         rec.LastError,
	}
	switch rec.Status {
	case StatusRejected:
		res.ErrorKind = ErrKindExchangeRejected
	case StatusUnknown:
		res.ErrorKind = ErrKindTransient
	}
	return res
}
