package quotemarket

import (
	"context"
)

// LedgerNode is the payment chain as seen by the broker. Every call names the
// RPC endpoint it goes to, since endpoints belong to payment methods.
type LedgerNode interface {
	// TransactionCount returns the next transaction nonce of an address
	TransactionCount(ctx context.Context, endpoint string, address string) (uint64, error)

	// BuildApproval builds an unsigned ERC-20 approve transaction
	BuildApproval(ctx context.Context, endpoint string, params ApprovalParams) (*Transaction, error)

	// SignTransaction signs a transaction and returns its raw encoding
	SignTransaction(tx *Transaction, privateKey []byte) ([]byte, error)

	// SendRawTransaction submits a raw signed transaction and returns its hash
	SendRawTransaction(ctx context.Context, endpoint string, raw []byte) (string, error)

	// WaitForReceipt blocks until the transaction is mined or ctx is done
	WaitForReceipt(ctx context.Context, endpoint string, txHash string) (*Receipt, error)
}

// RelayNode is the content addressed staging service
type RelayNode interface {
	// Add uploads all files in one batch and reports one object per file
	Add(ctx context.Context, files []RawFile) ([]RelayObject, error)
}

// StorageNode is a storage backend microservice
type StorageNode interface {
	// GetQuote prices a quote request on the given storage
	GetQuote(ctx context.Context, storage Storage, req QuoteRequest) (PriceQuote, error)

	// Upload hands staged file references to the storage backend
	Upload(ctx context.Context, storage Storage, req UploadRequest) (UploadResponse, error)
}
