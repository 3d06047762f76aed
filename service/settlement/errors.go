package settlement

import (
	"errors"
	"fmt"
)

// Kind classifies settlement errors for callers.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindVerification Kind = "verification"
	KindConflict     Kind = "conflict"
	KindPersistence  Kind = "persistence"
)

var (
	ErrInvalidRequest      = errors.New("invalid settlement request")
	ErrFarmNotFound        = errors.New("farm not found")
	ErrTransactionNotFound = errors.New("transaction not found on chain")
	ErrOnChainFailure      = errors.New("transaction failed on chain")
	ErrSenderMismatch      = errors.New("sender does not match declared payer")
	ErrRecipientMismatch   = errors.New("recipient does not match expected target")
	ErrAlreadySettled      = errors.New("transaction hash already settled")
)

// reasons maps sentinels to stable codes that survive serialization.
var reasons = map[string]error{
	"invalid_request":       ErrInvalidRequest,
	"farm_not_found":        ErrFarmNotFound,
	"transaction_not_found": ErrTransactionNotFound,
	"on_chain_failure":      ErrOnChainFailure,
	"sender_mismatch":       ErrSenderMismatch,
	"recipient_mismatch":    ErrRecipientMismatch,
	"already_settled":       ErrAlreadySettled,
}

// Error is a classified settlement failure.
type Error struct {
	Kind Kind
	Op   string
	// Step names the ledger step that failed, for persistence errors.
	Step string
	// InvestmentID is set when an Investment was committed before the failure.
	InvestmentID string
	Err          error
}

func (e *Error) Error() string {
	msg := "settlement failed"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Step != "" {
		msg = fmt.Sprintf("%s (step %s)", msg, e.Step)
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Reason returns the stable code of the sentinel wrapped by e, if any.
func (e *Error) Reason() string {
	for code, sentinel := range reasons {
		if errors.Is(e.Err, sentinel) {
			return code
		}
	}
	return ""
}

// SentinelForReason returns the sentinel for a code produced by Reason.
func SentinelForReason(code string) error {
	return reasons[code]
}

// KindOf returns the kind of a settlement error, or "" for other errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is a settlement error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// AsError returns the settlement error in err's chain, if any.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func validationError(op, format string, args ...any) *Error {
	return newError(KindValidation, op, fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...)))
}
