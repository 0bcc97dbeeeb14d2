// Package ledger keeps the payment side of quotes: payment methods, accepted
// tokens, payments, and the allowance transaction that pays for a quote.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/quotemarket"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/quotestates"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/quotestore"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/signing"
)

var log = logging.Logger("ledger")

const (
	// DefaultRPCEndpoint is used for quotes whose payment method has no endpoint
	DefaultRPCEndpoint = "https://rpc-mumbai.maticvigil.com"

	// DefaultReceiptTimeout bounds how long an allowance waits to be mined
	DefaultReceiptTimeout = 2 * time.Minute
)

// Config tunes the adapter
type Config struct {
	// DefaultRPCEndpoint is the endpoint of last resort
	DefaultRPCEndpoint string
	// RPCEndpoints are given to new payment methods, by chain id
	RPCEndpoints   map[uint64]string
	ReceiptTimeout time.Duration
}

// Adapter resolves payment records and drives allowances on the ledger
type Adapter struct {
	store   *quotestore.Store
	machine *quotestates.Machine
	node    quotemarket.LedgerNode
	cfg     Config
}

// NewAdapter returns an adapter over store talking to node
func NewAdapter(store *quotestore.Store, machine *quotestates.Machine, node quotemarket.LedgerNode, cfg Config) *Adapter {
	if cfg.DefaultRPCEndpoint == "" {
		cfg.DefaultRPCEndpoint = DefaultRPCEndpoint
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	return &Adapter{store: store, machine: machine, node: node, cfg: cfg}
}

// ResolvePaymentMethod returns the payment method of (chainID, storage),
// creating it when there is none yet
func (a *Adapter) ResolvePaymentMethod(ctx context.Context, chainID uint64, storage string) (quotemarket.PaymentMethod, error) {
	unlock := a.store.Lock(fmt.Sprintf("paymentmethod/%d/%s", chainID, storage))
	defer unlock()

	found, err := a.store.PaymentMethods.Find(ctx, func(pm quotemarket.PaymentMethod) bool {
		return pm.ChainID == chainID && pm.Storage == storage
	})
	if err != nil {
		return quotemarket.PaymentMethod{}, xerrors.Errorf("looking up payment method: %w", err)
	}
	if len(found) > 0 {
		sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
		return found[0], nil
	}

	id, err := a.store.NextPaymentMethodID(ctx)
	if err != nil {
		return quotemarket.PaymentMethod{}, xerrors.Errorf("allocating payment method id: %w", err)
	}
	pm := quotemarket.PaymentMethod{
		ID:             id,
		ChainID:        chainID,
		RPCEndpointURL: a.cfg.RPCEndpoints[chainID],
		Storage:        storage,
	}
	if err := a.store.PaymentMethods.Put(ctx, quotestore.ID(id), pm); err != nil {
		return quotemarket.PaymentMethod{}, xerrors.Errorf("storing payment method: %w", err)
	}
	log.Infow("registered payment method", "id", id, "chainId", chainID, "storage", storage)
	return pm, nil
}

// ResolveAcceptedToken returns the token record of tokenAddress under a
// payment method, creating it when there is none yet. Addresses are compared
// case-insensitively.
func (a *Adapter) ResolveAcceptedToken(ctx context.Context, paymentMethodID uint64, tokenAddress string) (quotemarket.AcceptedToken, error) {
	tokenAddress = strings.ToLower(tokenAddress)
	unlock := a.store.Lock(fmt.Sprintf("acceptedtoken/%d/%s", paymentMethodID, tokenAddress))
	defer unlock()

	found, err := a.store.AcceptedTokens.Find(ctx, func(at quotemarket.AcceptedToken) bool {
		return at.PaymentMethodID == paymentMethodID && at.TokenAddress == tokenAddress
	})
	if err != nil {
		return quotemarket.AcceptedToken{}, xerrors.Errorf("looking up accepted token: %w", err)
	}
	if len(found) > 0 {
		sort.Slice(found, func(i, j int) bool { return found[i].ID < found[j].ID })
		return found[0], nil
	}

	id, err := a.store.NextAcceptedTokenID(ctx)
	if err != nil {
		return quotemarket.AcceptedToken{}, xerrors.Errorf("allocating accepted token id: %w", err)
	}
	at := quotemarket.AcceptedToken{
		ID:              id,
		Title:           tokenAddress,
		TokenAddress:    tokenAddress,
		PaymentMethodID: paymentMethodID,
	}
	if err := a.store.AcceptedTokens.Put(ctx, quotestore.ID(id), at); err != nil {
		return quotemarket.AcceptedToken{}, xerrors.Errorf("storing accepted token: %w", err)
	}
	log.Infow("registered accepted token", "id", id, "paymentMethod", paymentMethodID, "token", tokenAddress)
	return at, nil
}

// CreatePayment writes a waiting payment for quoteID through w
func (a *Adapter) CreatePayment(ctx context.Context, w datastore.Write, wallet string, paymentMethodID uint64, quoteID string) (quotemarket.Payment, error) {
	id, err := a.store.NextPaymentID(ctx)
	if err != nil {
		return quotemarket.Payment{}, xerrors.Errorf("allocating payment id: %w", err)
	}
	payment := quotemarket.Payment{
		ID:              id,
		Status:          quotemarket.PaymentWaiting,
		WalletAddress:   wallet,
		PaymentMethodID: paymentMethodID,
		QuoteID:         quoteID,
	}
	if err := a.store.Payments.Stage(ctx, w, quotestore.ID(id), payment); err != nil {
		return quotemarket.Payment{}, xerrors.Errorf("storing payment: %w", err)
	}
	return payment, nil
}

// SettlePayment marks a payment done with the transaction that paid it
func (a *Adapter) SettlePayment(ctx context.Context, paymentID uint64, txHash string) (quotemarket.Payment, error) {
	return a.store.MutatePayment(ctx, paymentID, func(p *quotemarket.Payment) error {
		return a.machine.ApplyPayment(p, quotemarket.PaymentEventSettled, txHash)
	})
}

// RefundPayment marks a waiting payment refunded
func (a *Adapter) RefundPayment(ctx context.Context, paymentID uint64) (quotemarket.Payment, error) {
	return a.store.MutatePayment(ctx, paymentID, func(p *quotemarket.Payment) error {
		return a.machine.ApplyPayment(p, quotemarket.PaymentEventRefunded)
	})
}

// Endpoint returns the RPC endpoint for the quote's payment method, falling
// back to the configured default when the quote has no payment, the payment
// has no method, or the method has no endpoint
func (a *Adapter) Endpoint(ctx context.Context, quote quotemarket.Quote) string {
	if quote.PaymentID == 0 {
		return a.cfg.DefaultRPCEndpoint
	}
	payment, err := a.store.Payment(ctx, quote.PaymentID)
	if err != nil {
		log.Warnw("payment of quote not readable, using default endpoint", "quoteId", quote.QuoteID, "err", err)
		return a.cfg.DefaultRPCEndpoint
	}
	pm, err := a.store.PaymentMethods.Get(ctx, quotestore.ID(payment.PaymentMethodID))
	if err != nil || pm.RPCEndpointURL == "" {
		return a.cfg.DefaultRPCEndpoint
	}
	return pm.RPCEndpointURL
}

// CreateAllowance approves the quote's spender to take the quote amount of
// its token from the quote wallet, and waits for the transaction to be mined.
// Unreachable ledgers and receipt timeouts fail with ErrLedgerUnavailable,
// reverted transactions with ErrPaymentFailure.
func (a *Adapter) CreateAllowance(ctx context.Context, quote quotemarket.Quote, privateKey []byte) (*quotemarket.Receipt, error) {
	from, err := signing.AddressFromPrivateKey(privateKey)
	if err != nil {
		return nil, xerrors.Errorf("deriving wallet address: %s: %w", err, quotemarket.ErrInvalidInput)
	}
	if !signing.SameAddress(from, quote.WalletAddress) {
		return nil, xerrors.Errorf("key of %s cannot approve for %s: %w", from, quote.WalletAddress, quotemarket.ErrInvalidInput)
	}
	endpoint := a.Endpoint(ctx, quote)

	nonce, err := a.node.TransactionCount(ctx, endpoint, from)
	if err != nil {
		return nil, unavailable("getting transaction count", err)
	}
	tx, err := a.node.BuildApproval(ctx, endpoint, quotemarket.ApprovalParams{
		From:    from,
		Token:   quote.TokenAddress,
		Spender: quote.ApproveAddress,
		Amount:  quote.TokenAmount,
		Nonce:   nonce,
		ChainID: quote.ChainID,
	})
	if err != nil {
		return nil, unavailable("building approval", err)
	}
	raw, err := a.node.SignTransaction(tx, privateKey)
	if err != nil {
		return nil, xerrors.Errorf("signing approval: %w", err)
	}
	txHash, err := a.node.SendRawTransaction(ctx, endpoint, raw)
	if err != nil {
		return nil, unavailable("sending approval", err)
	}
	log.Infow("sent approval", "quoteId", quote.QuoteID, "tx", txHash, "endpoint", endpoint)

	wctx, cancel := context.WithTimeout(ctx, a.cfg.ReceiptTimeout)
	defer cancel()
	receipt, err := a.node.WaitForReceipt(wctx, endpoint, txHash)
	if err != nil {
		return nil, unavailable(fmt.Sprintf("waiting for receipt of %s", txHash), err)
	}
	if !receipt.Succeeded() {
		return receipt, xerrors.Errorf("approval %s reverted in block %d: %w", txHash, receipt.BlockNumber, quotemarket.ErrPaymentFailure)
	}
	return receipt, nil
}

func unavailable(op string, err error) error {
	if xerrors.Is(err, quotemarket.ErrPaymentFailure) || xerrors.Is(err, quotemarket.ErrLedgerUnavailable) {
		return xerrors.Errorf("%s: %w", op, err)
	}
	return xerrors.Errorf("%s: %s: %w", op, err, quotemarket.ErrLedgerUnavailable)
}
