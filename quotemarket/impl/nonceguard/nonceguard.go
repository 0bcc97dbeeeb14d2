// Package nonceguard authenticates upload requests and records the nonce of
// every accepted request, so a request can never be accepted twice.
package nonceguard

import (
	"context"
	"strconv"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/quotemarket"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/quotestore"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/signing"
)

var log = logging.Logger("nonceguard")

// DefaultValidity is how long after creation a quote accepts uploads
const DefaultValidity = 30 * time.Minute

// Guard checks upload parameters against the stored quote
type Guard struct {
	store    *quotestore.Store
	clock    clock.Clock
	validity time.Duration
}

// NewGuard returns a guard over the quotes in store
func NewGuard(store *quotestore.Store, clk clock.Clock, validity time.Duration) *Guard {
	if validity <= 0 {
		validity = DefaultValidity
	}
	return &Guard{store: store, clock: clk, validity: validity}
}

// CheckRequest verifies that params are a fresh request signed by the quote's
// wallet, and stores the nonce as the last accepted one. Checking and storing
// happen as one step under the quote lock, so of two requests carrying the
// same nonce at most one is accepted. Quotes that no longer take uploads are
// refused before their nonce is touched. Nothing is written when the check
// fails, and the stored quote is returned along with the error when it exists.
func (g *Guard) CheckRequest(ctx context.Context, quoteID string, params quotemarket.UploadParams) (quotemarket.Quote, error) {
	if params.Nonce == "" || params.Signature == "" {
		return quotemarket.Quote{}, quotemarket.ErrMissingParameters
	}
	nonce, err := strconv.ParseInt(params.Nonce, 10, 64)
	if err != nil {
		return quotemarket.Quote{}, xerrors.Errorf("nonce %q is not a unix timestamp: %w", params.Nonce, quotemarket.ErrMissingParameters)
	}

	quote, err := g.store.MutateQuote(ctx, quoteID, func(quote *quotemarket.Quote) error {
		switch quote.Status {
		case quotemarket.QuoteWaitingForUpload, quotemarket.QuoteUploadingToStorage:
		default:
			return xerrors.Errorf("quote %s is %s: %w", quote.QuoteID, quote.Status, quotemarket.ErrInvalidTransition)
		}
		if g.clock.Now().After(quote.Created.Add(g.validity)) {
			return xerrors.Errorf("quote %s created at %s: %w", quote.QuoteID, quote.Created, quotemarket.ErrQuoteExpired)
		}
		if nonce <= 0 || (!quote.Nonce.IsZero() && nonce <= quote.Nonce.Unix()) {
			return xerrors.Errorf("nonce %d, last accepted %d: %w", nonce, quote.Nonce.Unix(), quotemarket.ErrNonceTooOld)
		}

		signer, err := signing.Recover(signing.BuildMessage(quote.QuoteID, params.Nonce), params.Signature)
		if err != nil {
			return xerrors.Errorf("%s: %w", err, quotemarket.ErrInvalidSignature)
		}
		if !signing.SameAddress(signer, quote.WalletAddress) {
			return xerrors.Errorf("signed by %s, quote belongs to %s: %w", signer, quote.WalletAddress, quotemarket.ErrInvalidSignature)
		}

		quote.Nonce = time.Unix(nonce, 0).UTC()
		return nil
	})
	if err != nil {
		log.Debugw("rejected upload request", "quoteId", quoteID, "nonce", params.Nonce, "err", err)
		return quote, err
	}
	return quote, nil
}
