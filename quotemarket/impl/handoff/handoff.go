// Package handoff delivers staged file references to the storage backend of a
// quote.
package handoff

import (
	"context"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/quotemarket"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/quotestore"
)

var log = logging.Logger("handoff")

// Handoff sends signed upload requests to storage backends
type Handoff struct {
	store *quotestore.Store
	node  quotemarket.StorageNode
}

// NewHandoff returns a Handoff going through node
func NewHandoff(store *quotestore.Store, node quotemarket.StorageNode) *Handoff {
	return &Handoff{store: store, node: node}
}

// Handoff passes refs to the quote's storage backend along with the
// parameters the client authenticated the upload with, and returns the
// backend's answer. Interpreting the status code is up to the caller.
func (h *Handoff) Handoff(ctx context.Context, quote quotemarket.Quote, params quotemarket.UploadParams, refs []string) (quotemarket.UploadResponse, error) {
	storage, err := h.store.Storage(ctx, quote.Storage)
	if err != nil {
		return quotemarket.UploadResponse{}, err
	}
	resp, err := h.node.Upload(ctx, storage, quotemarket.UploadRequest{
		QuoteID:   quote.QuoteID,
		Nonce:     params.Nonce,
		Signature: params.Signature,
		Files:     refs,
	})
	if err != nil {
		if ctx.Err() != nil {
			return quotemarket.UploadResponse{}, xerrors.Errorf("handing off to %s: %w", storage.Type, ctx.Err())
		}
		return quotemarket.UploadResponse{}, xerrors.Errorf("%s: %w", err, quotemarket.ErrHandoffFailure)
	}
	log.Infow("handed off upload", "quoteId", quote.QuoteID, "storage", storage.Type, "status", resp.StatusCode)
	return resp, nil
}
