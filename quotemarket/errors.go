package quotemarket

import (
	"context"

	"golang.org/x/xerrors"
)

var (
	// ErrInvalidInput is returned for missing or malformed request fields
	ErrInvalidInput = xerrors.New("invalid input data")

	// ErrInvalidStorageType is returned when no storage has the requested type
	ErrInvalidStorageType = xerrors.New("chosen storage type does not exist")

	// ErrQuoteNotFound is returned for unknown quote ids
	ErrQuoteNotFound = xerrors.New("quote not found")

	// ErrMissingParameters is returned when nonce or signature are absent
	ErrMissingParameters = xerrors.New("missing query parameters")

	// ErrQuoteExpired is returned when the quote validity window has passed
	ErrQuoteExpired = xerrors.New("quote already expired, please create a new one")

	// ErrNonceTooOld is returned for nonces not strictly greater than the last accepted one
	ErrNonceTooOld = xerrors.New("nonce value invalid")

	// ErrInvalidSignature is returned when the signature cannot be recovered or
	// was not produced by the quote's wallet
	ErrInvalidSignature = xerrors.New("invalid signature")

	// ErrInvalidTransition is returned when an event is not allowed from the current status
	ErrInvalidTransition = xerrors.New("invalid status transition")

	// ErrPricingFailure is returned when the storage backend could not price a request
	ErrPricingFailure = xerrors.New("storage backend pricing failed")

	// ErrRelayFailure is returned when files could not be staged on the relay
	ErrRelayFailure = xerrors.New("relay upload failed")

	// ErrHandoffFailure is returned when the storage backend did not accept the files
	ErrHandoffFailure = xerrors.New("storage handoff failed")

	// ErrPaymentFailure is returned when the allowance transaction reverted
	ErrPaymentFailure = xerrors.New("payment failed")

	// ErrLedgerUnavailable is returned when the payment chain could not be reached
	ErrLedgerUnavailable = xerrors.New("ledger unavailable")
)

// ErrorKind classifies errors for transport layers
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindValidation
	KindNotFound
	KindAuthentication
	KindExpiry
	KindExternalService
	KindRetriable
)

// ClassifyError reports which kind of failure err is
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return KindInternal
	case xerrors.Is(err, ErrInvalidInput), xerrors.Is(err, ErrInvalidTransition):
		return KindValidation
	case xerrors.Is(err, ErrInvalidStorageType), xerrors.Is(err, ErrQuoteNotFound):
		return KindNotFound
	case xerrors.Is(err, ErrMissingParameters), xerrors.Is(err, ErrNonceTooOld), xerrors.Is(err, ErrInvalidSignature):
		return KindAuthentication
	case xerrors.Is(err, ErrQuoteExpired):
		return KindExpiry
	case IsRetriable(err):
		return KindRetriable
	case xerrors.Is(err, ErrPricingFailure), xerrors.Is(err, ErrRelayFailure),
		xerrors.Is(err, ErrHandoffFailure), xerrors.Is(err, ErrPaymentFailure):
		return KindExternalService
	}
	return KindInternal
}

// IsRetriable is true for failures after which the quote kept its status and
// the client may try again with a fresh nonce
func IsRetriable(err error) bool {
	return xerrors.Is(err, context.DeadlineExceeded) ||
		xerrors.Is(err, context.Canceled) ||
		xerrors.Is(err, ErrLedgerUnavailable)
}
