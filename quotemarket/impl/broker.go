package quoteimpl

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log/v2"
	"github.com/raulk/clock"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/metrics"
	"github.com/filecoin-project/go-quote-market/quotemarket"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/handoff"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/ledger"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/nonceguard"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/quotestates"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/quotestore"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/relaystage"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/signing"
	"github.com/filecoin-project/go-quote-market/shared/keymutex"
)

var log = logging.Logger("quotemarket_impl")

// DefaultCallTimeout bounds each relay and storage backend call of an upload
const DefaultCallTimeout = 5 * time.Minute

var _ quotemarket.QuoteBroker = &Broker{}

// Broker is the production implementation of the QuoteBroker interface
type Broker struct {
	store   *quotestore.Store
	machine *quotestates.Machine
	guard   *nonceguard.Guard
	ledger  *ledger.Adapter
	stager  *relaystage.Stager
	handoff *handoff.Handoff
	storage quotemarket.StorageNode

	// ops serializes uploads and payments of one quote
	ops *keymutex.KeyMutex

	clock       clock.Clock
	validity    time.Duration
	callTimeout time.Duration
	gateway     string
	ledgerCfg   ledger.Config
}

// BrokerOption is an option for configuring the broker
type BrokerOption func(b *Broker)

// WithClock sets the clock quotes are created and expired with
func WithClock(clk clock.Clock) BrokerOption {
	return func(b *Broker) {
		b.clock = clk
	}
}

// WithQuoteValidity sets how long after creation a quote accepts uploads
func WithQuoteValidity(d time.Duration) BrokerOption {
	return func(b *Broker) {
		b.validity = d
	}
}

// WithCallTimeout bounds each relay and storage backend call of an upload
func WithCallTimeout(d time.Duration) BrokerOption {
	return func(b *Broker) {
		b.callTimeout = d
	}
}

// WithGateway sets the gateway public file URLs point to
func WithGateway(gateway string) BrokerOption {
	return func(b *Broker) {
		b.gateway = gateway
	}
}

// WithLedgerConfig sets RPC endpoints and the receipt timeout
func WithLedgerConfig(cfg ledger.Config) BrokerOption {
	return func(b *Broker) {
		b.ledgerCfg = cfg
	}
}

// NewBroker returns a new quote broker keeping its records in ds
func NewBroker(ds datastore.Batching, ledgerNode quotemarket.LedgerNode, relayNode quotemarket.RelayNode, storageNode quotemarket.StorageNode, options ...BrokerOption) (*Broker, error) {
	store, err := quotestore.New(ds)
	if err != nil {
		return nil, err
	}
	machine, err := quotestates.NewMachine()
	if err != nil {
		return nil, err
	}

	b := &Broker{
		store:       store,
		machine:     machine,
		storage:     storageNode,
		ops:         keymutex.New(),
		clock:       clock.New(),
		validity:    nonceguard.DefaultValidity,
		callTimeout: DefaultCallTimeout,
	}
	for _, option := range options {
		option(b)
	}

	b.guard = nonceguard.NewGuard(store, b.clock, b.validity)
	b.ledger = ledger.NewAdapter(store, machine, ledgerNode, b.ledgerCfg)
	b.stager = relaystage.NewStager(store, relayNode, b.gateway)
	b.handoff = handoff.NewHandoff(store, storageNode)
	return b, nil
}

// CreateQuote validates req, prices it on the requested storage, resolves its
// payment method and token and records the quote together with its payment
// and one placeholder per file. Nothing is recorded when validation or
// pricing fails.
func (b *Broker) CreateQuote(ctx context.Context, req quotemarket.QuoteRequest) (quotemarket.QuoteResponse, error) {
	resp, err := b.createQuote(ctx, req)
	if err != nil {
		metrics.Count(ctx, metrics.QuoteRejected, tag.Upsert(metrics.FailureType, failureType(err)))
		return quotemarket.QuoteResponse{}, err
	}
	metrics.Count(ctx, metrics.QuoteCreated, tag.Upsert(metrics.Storage, req.Type))
	return resp, nil
}

func (b *Broker) createQuote(ctx context.Context, req quotemarket.QuoteRequest) (quotemarket.QuoteResponse, error) {
	if err := validateQuoteRequest(req); err != nil {
		return quotemarket.QuoteResponse{}, err
	}
	storage, err := b.store.Storage(ctx, req.Type)
	if err != nil {
		return quotemarket.QuoteResponse{}, err
	}

	price, err := b.storage.GetQuote(ctx, storage, req)
	if err != nil {
		if ctx.Err() != nil {
			return quotemarket.QuoteResponse{}, xerrors.Errorf("pricing on %s: %w", storage.Type, ctx.Err())
		}
		return quotemarket.QuoteResponse{}, xerrors.Errorf("%s: %w", err, quotemarket.ErrPricingFailure)
	}
	if price.TokenAmount.Int == nil || price.ApproveAddress == "" {
		return quotemarket.QuoteResponse{}, xerrors.Errorf("%s answered without amount or spender: %w", storage.Type, quotemarket.ErrPricingFailure)
	}

	pm, err := b.ledger.ResolvePaymentMethod(ctx, req.Payment.ChainID, storage.Type)
	if err != nil {
		return quotemarket.QuoteResponse{}, err
	}
	if _, err := b.ledger.ResolveAcceptedToken(ctx, pm.ID, req.Payment.TokenAddress); err != nil {
		return quotemarket.QuoteResponse{}, err
	}

	quoteID, unlock, err := b.reserveQuoteID(ctx, price.QuoteID)
	if err != nil {
		return quotemarket.QuoteResponse{}, err
	}
	defer unlock()

	quote := quotemarket.Quote{
		QuoteID:        quoteID,
		Storage:        storage.Type,
		Duration:       req.Duration,
		WalletAddress:  req.UserAddress,
		TokenAmount:    price.TokenAmount,
		ApproveAddress: price.ApproveAddress,
		TokenAddress:   firstNonEmpty(price.TokenAddress, req.Payment.TokenAddress),
		ChainID:        req.Payment.ChainID,
		Created:        b.clock.Now().UTC(),
	}
	if price.ChainID != 0 {
		quote.ChainID = price.ChainID
	}
	if err := b.machine.ApplyQuote(&quote, quotemarket.QuoteEventOpen); err != nil {
		return quotemarket.QuoteResponse{}, err
	}

	batch, err := b.store.Batch(ctx)
	if err != nil {
		return quotemarket.QuoteResponse{}, err
	}
	payment, err := b.ledger.CreatePayment(ctx, batch, req.UserAddress, pm.ID, quoteID)
	if err != nil {
		return quotemarket.QuoteResponse{}, err
	}
	quote.PaymentID = payment.ID
	for _, spec := range req.Files {
		id, err := b.store.NextFileID(ctx)
		if err != nil {
			return quotemarket.QuoteResponse{}, xerrors.Errorf("allocating file id: %w", err)
		}
		placeholder := quotemarket.File{ID: id, QuoteID: quoteID, Length: spec.Length}
		if err := b.store.StageFile(ctx, batch, placeholder); err != nil {
			return quotemarket.QuoteResponse{}, err
		}
	}
	if err := b.store.Quotes.Stage(ctx, batch, quoteID, quote); err != nil {
		return quotemarket.QuoteResponse{}, err
	}
	if err := batch.Commit(ctx); err != nil {
		return quotemarket.QuoteResponse{}, xerrors.Errorf("storing quote: %w", err)
	}

	log.Infow("created quote", "quoteId", quoteID, "storage", storage.Type, "files", len(req.Files), "amount", quote.TokenAmount)
	return quotemarket.QuoteResponse{
		QuoteID:        quote.QuoteID,
		TokenAmount:    quote.TokenAmount,
		ApproveAddress: quote.ApproveAddress,
		ChainID:        quote.ChainID,
		TokenAddress:   quote.TokenAddress,
	}, nil
}

func validateQuoteRequest(req quotemarket.QuoteRequest) error {
	var merr *multierror.Error
	if req.Type == "" {
		merr = multierror.Append(merr, xerrors.New("type is required"))
	}
	if len(req.Files) == 0 {
		merr = multierror.Append(merr, xerrors.New("at least one file is required"))
	}
	for i, f := range req.Files {
		if f.Length == 0 {
			merr = multierror.Append(merr, xerrors.Errorf("file %d has no length", i))
		}
	}
	if req.Duration == 0 {
		merr = multierror.Append(merr, xerrors.New("duration must be positive"))
	}
	if req.Payment.ChainID == 0 {
		merr = multierror.Append(merr, xerrors.New("payment chainId is required"))
	}
	if _, err := signing.NormalizeAddress(req.Payment.TokenAddress); err != nil {
		merr = multierror.Append(merr, xerrors.Errorf("payment tokenAddress: %w", err))
	}
	if _, err := signing.NormalizeAddress(req.UserAddress); err != nil {
		merr = multierror.Append(merr, xerrors.Errorf("userAddress: %w", err))
	}
	if err := merr.ErrorOrNil(); err != nil {
		return xerrors.Errorf("%s: %w", err, quotemarket.ErrInvalidInput)
	}
	return nil
}

// reserveQuoteID takes the id proposed by the storage backend unless a quote
// already has it, and locks the id until the quote is stored
func (b *Broker) reserveQuoteID(ctx context.Context, proposed string) (string, func(), error) {
	if proposed != "" {
		unlock := b.store.Lock(quotestore.QuoteLockKey(proposed))
		taken, err := b.store.Quotes.Has(ctx, proposed)
		if err != nil {
			unlock()
			return "", nil, err
		}
		if !taken {
			return proposed, unlock, nil
		}
		unlock()
		log.Warnw("storage backend proposed a quote id already in use", "quoteId", proposed)
	}
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return id, b.store.Lock(quotestore.QuoteLockKey(id)), nil
}

// SubmitUpload runs an authenticated upload: the nonce guard, then the relay,
// then the storage handoff. Once the guard accepted the request the outcome is
// recorded on the quote before SubmitUpload returns. Timeouts and
// cancellation leave the quote uploading so the client can retry with a newer
// nonce.
func (b *Broker) SubmitUpload(ctx context.Context, quoteID string, params quotemarket.UploadParams, files []quotemarket.RawFile) (quotemarket.QuoteStatus, error) {
	unlock := b.ops.Lock(quoteID)
	defer unlock()

	if err := relaystage.ValidateFiles(files); err != nil {
		status, serr := b.QuoteStatus(ctx, quoteID)
		if serr != nil {
			return status, multierror.Append(err, serr)
		}
		return status, err
	}
	quote, err := b.guard.CheckRequest(ctx, quoteID, params)
	if err != nil {
		metrics.Count(ctx, metrics.UploadRejected, tag.Upsert(metrics.FailureType, failureType(err)))
		return quote.Status, err
	}
	quote, err = b.transition(ctx, quoteID, quotemarket.QuoteEventUploadStarted)
	if err != nil {
		return quote.Status, err
	}

	refs, err := b.stageFiles(ctx, quote, files)
	if err != nil {
		return b.failUpload(ctx, quote, err)
	}

	resp, err := b.handOff(ctx, quote, params, refs)
	if err != nil {
		return b.failUpload(ctx, quote, err)
	}
	if !resp.Accepted() {
		err := xerrors.Errorf("%s answered %d: %s: %w", quote.Storage, resp.StatusCode, strings.TrimSpace(string(resp.Body)), quotemarket.ErrHandoffFailure)
		return b.failUpload(ctx, quote, err)
	}

	quote, err = b.transition(ctx, quoteID, quotemarket.QuoteEventUploadCompleted)
	if err != nil {
		return quote.Status, err
	}
	b.countUpload(ctx, quote)
	log.Infow("upload done", "quoteId", quoteID, "storage", quote.Storage, "files", len(refs))
	return quote.Status, nil
}

func (b *Broker) stageFiles(ctx context.Context, quote quotemarket.Quote, files []quotemarket.RawFile) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	defer metrics.Timer(ctx, metrics.RelayDuration)()
	return b.stager.StageFiles(ctx, quote, files)
}

func (b *Broker) handOff(ctx context.Context, quote quotemarket.Quote, params quotemarket.UploadParams, refs []string) (quotemarket.UploadResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()
	ctx, _ = tag.New(ctx, tag.Upsert(metrics.Storage, quote.Storage))
	defer metrics.Timer(ctx, metrics.HandoffDuration)()
	return b.handoff.Handoff(ctx, quote, params, refs)
}

func (b *Broker) failUpload(ctx context.Context, quote quotemarket.Quote, cause error) (quotemarket.QuoteStatus, error) {
	if quotemarket.IsRetriable(cause) {
		log.Warnw("upload interrupted, quote stays uploading", "quoteId", quote.QuoteID, "err", cause)
		return quote.Status, cause
	}
	log.Errorw("upload failed", "quoteId", quote.QuoteID, "storage", quote.Storage, "err", cause)
	updated, err := b.transition(context.WithoutCancel(ctx), quote.QuoteID, quotemarket.QuoteEventUploadFailed, cause)
	if err != nil {
		return quote.Status, multierror.Append(cause, err)
	}
	b.countUpload(ctx, updated)
	return updated.Status, cause
}

func (b *Broker) countUpload(ctx context.Context, quote quotemarket.Quote) {
	metrics.Count(ctx, metrics.UploadOutcome,
		tag.Upsert(metrics.Storage, quote.Storage),
		tag.Upsert(metrics.Status, quote.Status.String()))
}

// ConfirmPayment sends the allowance transaction of a waiting quote. Payments
// that could not reach the ledger put the quote back to waiting; reverted ones
// fail it for good.
func (b *Broker) ConfirmPayment(ctx context.Context, quoteID string, privateKey []byte) (quotemarket.QuoteStatus, error) {
	unlock := b.ops.Lock(quoteID)
	defer unlock()

	quote, err := b.store.Quote(ctx, quoteID)
	if err != nil {
		return quotemarket.QuoteNoSuchQuote, err
	}
	from, err := signing.AddressFromPrivateKey(privateKey)
	if err != nil {
		return quote.Status, xerrors.Errorf("%s: %w", err, quotemarket.ErrInvalidInput)
	}
	if !signing.SameAddress(from, quote.WalletAddress) {
		return quote.Status, xerrors.Errorf("key of %s does not own quote wallet %s: %w", from, quote.WalletAddress, quotemarket.ErrInvalidInput)
	}

	quote, err = b.transition(ctx, quoteID, quotemarket.QuoteEventPaymentStarted)
	if err != nil {
		return quote.Status, err
	}

	endpoint := b.ledger.Endpoint(ctx, quote)
	mctx, _ := tag.New(ctx, tag.Upsert(metrics.Endpoint, endpoint))
	stop := metrics.Timer(mctx, metrics.AllowanceDuration)
	receipt, err := b.ledger.CreateAllowance(ctx, quote, privateKey)
	stop()

	// the outcome is recorded even if the caller went away meanwhile
	wctx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		if _, err := b.ledger.SettlePayment(wctx, quote.PaymentID, receipt.TxHash); err != nil {
			return quote.Status, xerrors.Errorf("settling payment: %w", err)
		}
		quote, err = b.transition(wctx, quoteID, quotemarket.QuoteEventPaymentConfirmed)
		if err != nil {
			return quote.Status, err
		}
		log.Infow("payment confirmed", "quoteId", quoteID, "tx", receipt.TxHash)
	case quotemarket.IsRetriable(err):
		log.Warnw("payment deferred", "quoteId", quoteID, "err", err)
		quote, terr := b.transition(wctx, quoteID, quotemarket.QuoteEventPaymentDeferred, err)
		if terr != nil {
			return quote.Status, multierror.Append(err, terr)
		}
		b.countAllowance(mctx, quote)
		return quote.Status, err
	default:
		if !xerrors.Is(err, quotemarket.ErrPaymentFailure) {
			err = xerrors.Errorf("%s: %w", err, quotemarket.ErrPaymentFailure)
		}
		log.Errorw("payment failed", "quoteId", quoteID, "err", err)
		quote, terr := b.transition(wctx, quoteID, quotemarket.QuoteEventPaymentFailed, err)
		if terr != nil {
			return quote.Status, multierror.Append(err, terr)
		}
		b.countAllowance(mctx, quote)
		return quote.Status, err
	}
	b.countAllowance(mctx, quote)
	return quote.Status, nil
}

func (b *Broker) countAllowance(ctx context.Context, quote quotemarket.Quote) {
	metrics.Count(ctx, metrics.AllowanceOutcome, tag.Upsert(metrics.Status, quote.Status.String()))
}

// RefundPayment refunds the payment of a quote that failed
func (b *Broker) RefundPayment(ctx context.Context, quoteID string) (quotemarket.Payment, error) {
	unlock := b.ops.Lock(quoteID)
	defer unlock()

	quote, err := b.store.Quote(ctx, quoteID)
	if err != nil {
		return quotemarket.Payment{}, err
	}
	switch quote.Status {
	case quotemarket.QuoteProcessingPaymentFailure, quotemarket.QuoteUploadFailure:
	default:
		return quotemarket.Payment{}, xerrors.Errorf("refund of quote in %s: %w", quote.Status, quotemarket.ErrInvalidTransition)
	}
	payment, err := b.ledger.RefundPayment(ctx, quote.PaymentID)
	if err != nil {
		return quotemarket.Payment{}, err
	}
	log.Infow("refunded payment", "quoteId", quoteID, "payment", payment.ID)
	return payment, nil
}

// GetQuote returns a stored quote
func (b *Broker) GetQuote(ctx context.Context, quoteID string) (quotemarket.Quote, error) {
	return b.store.Quote(ctx, quoteID)
}

// QuoteStatus returns the status of a quote. Unknown quotes have status
// QuoteNoSuchQuote.
func (b *Broker) QuoteStatus(ctx context.Context, quoteID string) (quotemarket.QuoteStatus, error) {
	quote, err := b.store.Quote(ctx, quoteID)
	if err != nil {
		if xerrors.Is(err, quotemarket.ErrQuoteNotFound) {
			return quotemarket.QuoteNoSuchQuote, nil
		}
		return quotemarket.QuoteNoSuchQuote, err
	}
	return quote.Status, nil
}

// ListFiles returns the files of a quote
func (b *Broker) ListFiles(ctx context.Context, quoteID string) ([]quotemarket.File, error) {
	if _, err := b.store.Quote(ctx, quoteID); err != nil {
		return nil, err
	}
	return b.store.QuoteFiles(ctx, quoteID)
}

// AddStorage registers or replaces a storage backend
func (b *Broker) AddStorage(ctx context.Context, storage quotemarket.Storage) error {
	if storage.Type == "" || storage.URL == "" {
		return xerrors.Errorf("storage needs a type and a url: %w", quotemarket.ErrInvalidInput)
	}
	return b.store.PutStorage(ctx, storage)
}

// ListStorages returns the registered storage backends
func (b *Broker) ListStorages(ctx context.Context) ([]quotemarket.Storage, error) {
	storages, err := b.store.Storages.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(storages, func(i, j int) bool { return storages[i].Type < storages[j].Type })
	return storages, nil
}

func (b *Broker) transition(ctx context.Context, quoteID string, event quotemarket.QuoteEvent, args ...interface{}) (quotemarket.Quote, error) {
	return b.store.MutateQuote(ctx, quoteID, func(quote *quotemarket.Quote) error {
		return b.machine.ApplyQuote(quote, event, args...)
	})
}

func failureType(err error) string {
	switch quotemarket.ClassifyError(err) {
	case quotemarket.KindValidation:
		return "validation"
	case quotemarket.KindNotFound:
		return "not_found"
	case quotemarket.KindAuthentication:
		return "authentication"
	case quotemarket.KindExpiry:
		return "expiry"
	case quotemarket.KindExternalService:
		return "external_service"
	case quotemarket.KindRetriable:
		return "retriable"
	}
	return "internal"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
