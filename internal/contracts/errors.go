package contracts

import "time"

// ErrorKind is the fixed taxonomy every public operation reports failures in.
// ⭐ SSOT: 에러 분류는 여기서만 정의
type ErrorKind string

const (
	ErrKindNone             ErrorKind = ""
	ErrKindValidation       ErrorKind = "VALIDATION"        // normalization failed, never sent
	ErrKindSignature        ErrorKind = "SIGNATURE"         // transport defect, never retried
	ErrKindTransient        ErrorKind = "TRANSIENT_NETWORK" // timeout/connection, outcome may be unknown
	ErrKindExchangeRejected ErrorKind = "EXCHANGE_REJECTED" // business rule error from the exchange
	ErrKindDuplicate        ErrorKind = "DUPLICATE_SUBMISSION"
	ErrKindDrift            ErrorKind = "DRIFT_DETECTED"
	ErrKindClockSkew        ErrorKind = "CLOCK_SKEW"     // timestamp outside recv window
	ErrKindHalted           ErrorKind = "TRADING_HALTED" // halt flag set
	ErrKindInternal         ErrorKind = "INTERNAL"       // ledger or other local failure
)

// Retryable reports whether the transport may retry a call failing with k
func (k ErrorKind) Retryable() bool {
	return k == ErrKindTransient
}

// ErrorRecord is one row of the structured errors table
type ErrorRecord struct {
	ID        int64     `json:"id"`
	Component string    `json:"component"` // gateway, reconcile, killswitch, transport
	Kind      ErrorKind `json:"kind"`
	Symbol    string    `json:"symbol,omitempty"`
	OrderKey  string    `json:"order_key,omitempty"`
	Message   string    `json:"message"`
	Detail    string    `json:"detail,omitempty"` // JSON blob (before/after, raw response)
	CreatedAt time.Time `json:"created_at"`
}
