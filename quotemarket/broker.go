package quotemarket

import (
	"context"
)

// QuoteBroker prices storage for clients, tracks payment of the price and
// delivers the paid files to the chosen storage backend
type QuoteBroker interface {
	// CreateQuote prices a request and records a quote waiting for upload
	CreateQuote(ctx context.Context, req QuoteRequest) (QuoteResponse, error)

	// SubmitUpload authenticates an upload, relays the files and hands them
	// to the quote's storage backend. It returns the resulting quote status.
	SubmitUpload(ctx context.Context, quoteID string, params UploadParams, files []RawFile) (QuoteStatus, error)

	// ConfirmPayment grants the quote's spender an allowance from the quote
	// wallet and waits for it to be mined
	ConfirmPayment(ctx context.Context, quoteID string, privateKey []byte) (QuoteStatus, error)

	// RefundPayment marks the payment of a failed quote refunded
	RefundPayment(ctx context.Context, quoteID string) (Payment, error)

	// GetQuote returns a stored quote
	GetQuote(ctx context.Context, quoteID string) (Quote, error)

	// QuoteStatus returns the status of a quote, QuoteNoSuchQuote for unknown ids
	QuoteStatus(ctx context.Context, quoteID string) (QuoteStatus, error)

	// ListFiles returns the files of a quote in creation order
	ListFiles(ctx context.Context, quoteID string) ([]File, error)

	// AddStorage registers or replaces a storage backend
	AddStorage(ctx context.Context, storage Storage) error

	// ListStorages returns the registered storage backends ordered by type
	ListStorages(ctx context.Context) ([]Storage, error)
}
