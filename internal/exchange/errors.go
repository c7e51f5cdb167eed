package exchange

import (
	"errors"
	"fmt"

	"github.com/wonny/aegis-exec/internal/contracts"
)

// Exchange result codes the engine reacts to
const (
	CodeOK                 = 0
	CodeInvalidParams      = 10001
	CodeTimestampWindow    = 10002
	CodeInvalidAPIKey      = 10003
	CodeSignatureError     = 10004
	CodeRateLimited        = 10006
	CodeServerTimeout      = 10000
	CodeServerError        = 10016
	CodeOrderNotExist      = 110001
	CodeDuplicateOrderLink = 110072
)

// ErrOrderNotFound is returned by QueryOrder when the exchange has no such order
var ErrOrderNotFound = errors.New("order not found on exchange")

// Error is every failure the transport returns.
// Unknown=true means the request may have been processed by the exchange.
type Error struct {
	Kind       contracts.ErrorKind
	Code       int
	HTTPStatus int
	Message    string
	Unknown    bool
	Err        error
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("%s: code=%d %s", e.Kind, e.Code, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind, INTERNAL for non-transport errors
func KindOf(err error) contracts.ErrorKind {
	if err == nil {
		return contracts.ErrKindNone
	}
	var xe *Error
	if errors.As(err, &xe) {
		return xe.Kind
	}
	return contracts.ErrKindInternal
}

// IsUnknownOutcome reports whether err leaves the request's effect undetermined
func IsUnknownOutcome(err error) bool {
	var xe *Error
	return errors.As(err, &xe) && xe.Unknown
}

// HasCode reports whether err carries the given exchange result code
func HasCode(err error, code int) bool {
	var xe *Error
	return errors.As(err, &xe) && xe.Code == code
}

// classify maps an exchange result code to the error taxonomy
func classify(code int, msg string) *Error {
	e := &Error{Code: code, Message: msg}
	switch code {
	case CodeSignatureError, CodeInvalidAPIKey:
		e.Kind = contracts.ErrKindSignature
	case CodeTimestampWindow:
		e.Kind = contracts.ErrKindClockSkew
	case CodeRateLimited:
		e.Kind = contracts.ErrKindTransient
	case CodeServerTimeout, CodeServerError:
		e.Kind = contracts.ErrKindTransient
		e.Unknown = true
	case CodeDuplicateOrderLink:
		e.Kind = contracts.ErrKindDuplicate
	default:
		e.Kind = contracts.ErrKindExchangeRejected
	}
	return e
}
