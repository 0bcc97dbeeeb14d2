// Package quotestore groups the record tables of the quote market, their id
// counters and the per-record locks used for read-modify-write updates.
package quotestore

import (
	"context"
	"sort"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-datastore"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/quotemarket"
	"github.com/filecoin-project/go-quote-market/recordstore"
	"github.com/filecoin-project/go-quote-market/shared/keymutex"
	"github.com/filecoin-project/go-quote-market/storedcounter"
)

// DSPrefix is the datastore namespace of all quote market records
var DSPrefix = "/quotemarket"

const storageCacheSize = 64

// Store is the record store of the quote market
type Store struct {
	ds datastore.Batching

	Storages       *recordstore.Table[quotemarket.Storage]
	PaymentMethods *recordstore.Table[quotemarket.PaymentMethod]
	AcceptedTokens *recordstore.Table[quotemarket.AcceptedToken]
	Payments       *recordstore.Table[quotemarket.Payment]
	Quotes         *recordstore.Table[quotemarket.Quote]
	Files          *recordstore.Table[quotemarket.File]

	paymentMethodIDs *storedcounter.StoredCounter
	acceptedTokenIDs *storedcounter.StoredCounter
	paymentIDs       *storedcounter.StoredCounter
	fileIDs          *storedcounter.StoredCounter

	locks    *keymutex.KeyMutex
	storages *lru.Cache[string, quotemarket.Storage]
}

// New returns a Store keeping its records in ds
func New(ds datastore.Batching) (*Store, error) {
	storages, err := lru.New[string, quotemarket.Storage](storageCacheSize)
	if err != nil {
		return nil, err
	}
	table := func(name string) string { return DSPrefix + "/" + name }
	counter := func(name string) *storedcounter.StoredCounter {
		return storedcounter.New(ds, datastore.NewKey(DSPrefix+"/counters/"+name))
	}
	return &Store{
		ds:               ds,
		Storages:         recordstore.NewTable[quotemarket.Storage](ds, table("storages")),
		PaymentMethods:   recordstore.NewTable[quotemarket.PaymentMethod](ds, table("paymentmethods")),
		AcceptedTokens:   recordstore.NewTable[quotemarket.AcceptedToken](ds, table("acceptedtokens")),
		Payments:         recordstore.NewTable[quotemarket.Payment](ds, table("payments")),
		Quotes:           recordstore.NewTable[quotemarket.Quote](ds, table("quotes")),
		Files:            recordstore.NewTable[quotemarket.File](ds, table("files")),
		paymentMethodIDs: counter("paymentmethods"),
		acceptedTokenIDs: counter("acceptedtokens"),
		paymentIDs:       counter("payments"),
		fileIDs:          counter("files"),
		locks:            keymutex.New(),
		storages:         storages,
	}, nil
}

// ID formats a numeric record id as a record key
func ID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func (s *Store) NextPaymentMethodID(ctx context.Context) (uint64, error) {
	return s.paymentMethodIDs.Next(ctx)
}

func (s *Store) NextAcceptedTokenID(ctx context.Context) (uint64, error) {
	return s.acceptedTokenIDs.Next(ctx)
}

func (s *Store) NextPaymentID(ctx context.Context) (uint64, error) {
	return s.paymentIDs.Next(ctx)
}

func (s *Store) NextFileID(ctx context.Context) (uint64, error) {
	return s.fileIDs.Next(ctx)
}

// Lock serializes read-modify-write sequences on one logical key
func (s *Store) Lock(key string) func() {
	return s.locks.Lock(key)
}

// HeldLocks is the number of keys currently locked or waited on
func (s *Store) HeldLocks() int {
	return s.locks.Len()
}

// Batch opens a batch spanning all tables
func (s *Store) Batch(ctx context.Context) (datastore.Batch, error) {
	return s.ds.Batch(ctx)
}

// PutStorage registers or replaces a storage backend
func (s *Store) PutStorage(ctx context.Context, storage quotemarket.Storage) error {
	if err := s.Storages.Put(ctx, storage.Type, storage); err != nil {
		return err
	}
	s.storages.Add(storage.Type, storage)
	return nil
}

// Storage looks up a storage backend by type
func (s *Store) Storage(ctx context.Context, storageType string) (quotemarket.Storage, error) {
	if storage, ok := s.storages.Get(storageType); ok {
		return storage, nil
	}
	storage, err := s.Storages.Get(ctx, storageType)
	if err != nil {
		if xerrors.Is(err, recordstore.ErrNotFound) {
			return quotemarket.Storage{}, xerrors.Errorf("%q: %w", storageType, quotemarket.ErrInvalidStorageType)
		}
		return quotemarket.Storage{}, err
	}
	s.storages.Add(storageType, storage)
	return storage, nil
}

// Quote loads a quote by id
func (s *Store) Quote(ctx context.Context, quoteID string) (quotemarket.Quote, error) {
	quote, err := s.Quotes.Get(ctx, quoteID)
	if err != nil {
		if xerrors.Is(err, recordstore.ErrNotFound) {
			return quotemarket.Quote{}, xerrors.Errorf("%q: %w", quoteID, quotemarket.ErrQuoteNotFound)
		}
		return quotemarket.Quote{}, err
	}
	return quote, nil
}

// QuoteLockKey is the lock key guarding a quote record
func QuoteLockKey(quoteID string) string {
	return "quote/" + quoteID
}

// MutateQuote applies mutator to the stored quote and persists the result as
// one atomic read-modify-write. Nothing is written when mutator fails, and the
// quote as stored is returned along with the error.
func (s *Store) MutateQuote(ctx context.Context, quoteID string, mutator func(*quotemarket.Quote) error) (quotemarket.Quote, error) {
	unlock := s.Lock(QuoteLockKey(quoteID))
	defer unlock()

	quote, err := s.Quote(ctx, quoteID)
	if err != nil {
		return quotemarket.Quote{}, err
	}
	stored := quote
	if err := mutator(&quote); err != nil {
		return stored, err
	}
	if err := s.Quotes.Put(ctx, quoteID, quote); err != nil {
		return quotemarket.Quote{}, err
	}
	return quote, nil
}

// Payment loads a payment by id
func (s *Store) Payment(ctx context.Context, paymentID uint64) (quotemarket.Payment, error) {
	return s.Payments.Get(ctx, ID(paymentID))
}

// MutatePayment applies mutator to the stored payment and persists the result
func (s *Store) MutatePayment(ctx context.Context, paymentID uint64, mutator func(*quotemarket.Payment) error) (quotemarket.Payment, error) {
	unlock := s.Lock("payment/" + ID(paymentID))
	defer unlock()

	payment, err := s.Payment(ctx, paymentID)
	if err != nil {
		return quotemarket.Payment{}, err
	}
	if err := mutator(&payment); err != nil {
		return quotemarket.Payment{}, err
	}
	if err := s.Payments.Put(ctx, ID(paymentID), payment); err != nil {
		return quotemarket.Payment{}, err
	}
	return payment, nil
}

// FileKey is the record key of a file, grouped under its quote
func FileKey(quoteID string, fileID uint64) string {
	return quoteID + "/" + ID(fileID)
}

// StageFile writes file through w under its quote
func (s *Store) StageFile(ctx context.Context, w datastore.Write, file quotemarket.File) error {
	return s.Files.Stage(ctx, w, FileKey(file.QuoteID, file.ID), file)
}

// PutFile stores file under its quote
func (s *Store) PutFile(ctx context.Context, file quotemarket.File) error {
	return s.StageFile(ctx, s.ds, file)
}

// QuoteFiles returns the files of a quote ordered by id
func (s *Store) QuoteFiles(ctx context.Context, quoteID string) ([]quotemarket.File, error) {
	files, err := s.Files.FindUnder(ctx, quoteID, func(f quotemarket.File) bool { return f.QuoteID == quoteID })
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].ID < files[j].ID })
	return files, nil
}
