package main

import (
	"context"
	"os"
	"time"

	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"
	levelds "github.com/ipfs/go-ds-leveldb"
	measure "github.com/ipfs/go-ds-measure"
	logging "github.com/ipfs/go-log/v2"
	ldbopts "github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/config"
	"github.com/filecoin-project/go-quote-market/nodes/ethledger"
	"github.com/filecoin-project/go-quote-market/nodes/ipfsrelay"
	"github.com/filecoin-project/go-quote-market/nodes/storagehttp"
	"github.com/filecoin-project/go-quote-market/quotemarket"
	quoteimpl "github.com/filecoin-project/go-quote-market/quotemarket/impl"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/ledger"
)

// quoteNode is a broker wired to its datastore and external services
type quoteNode struct {
	cfg    *config.Config
	broker *quoteimpl.Broker
	closer func()
}

func loadConfig(cctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cctx.String("config"))
	if err != nil {
		return nil, xerrors.Errorf("loading config: %w", err)
	}
	level := cfg.LogLevel
	if cctx.IsSet("log-level") {
		level = cctx.String("log-level")
	}
	if level != "" {
		if err := logging.SetLogLevel("*", level); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func openDatastore(path string) (datastore.Batching, error) {
	if path == "" {
		log.Warn("no Datastore configured, quotes are kept in memory")
		return dss.MutexWrap(datastore.NewMapDatastore()), nil
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, xerrors.Errorf("failed to create directory %s for datastore: %w", path, err)
	}
	ds, err := levelds.NewDatastore(path, &levelds.Options{
		Compression: ldbopts.NoCompression,
		NoSync:      false,
		Strict:      ldbopts.StrictAll,
		ReadOnly:    false,
	})
	if err != nil {
		return nil, xerrors.Errorf("failed to open datastore: %w", err)
	}
	return measure.New("measure.", ds), nil
}

func newQuoteNode(cctx *cli.Context) (*quoteNode, error) {
	cfg, err := loadConfig(cctx)
	if err != nil {
		return nil, err
	}
	ds, err := openDatastore(cfg.Datastore)
	if err != nil {
		return nil, err
	}

	ledgerNode, err := ethledger.NewNode(ethledger.Config{
		PollMin: time.Duration(cfg.Ledger.PollInterval),
	})
	if err != nil {
		_ = ds.Close()
		return nil, err
	}
	closer := func() {
		ledgerNode.Close()
		if err := ds.Close(); err != nil {
			log.Warnw("closing datastore", "err", err)
		}
	}

	endpoints, err := cfg.Ledger.ChainEndpoints()
	if err != nil {
		closer()
		return nil, err
	}
	broker, err := quoteimpl.NewBroker(ds,
		ledgerNode,
		ipfsrelay.NewNode(cfg.Relay.Endpoint, nil),
		storagehttp.NewNode(nil),
		quoteimpl.WithQuoteValidity(time.Duration(cfg.QuoteValidity)),
		quoteimpl.WithCallTimeout(time.Duration(cfg.CallTimeout)),
		quoteimpl.WithGateway(cfg.Relay.Gateway),
		quoteimpl.WithLedgerConfig(ledger.Config{
			DefaultRPCEndpoint: cfg.Ledger.DefaultRPCEndpoint,
			RPCEndpoints:       endpoints,
			ReceiptTimeout:     time.Duration(cfg.Ledger.ReceiptTimeout),
		}),
	)
	if err != nil {
		closer()
		return nil, err
	}

	for _, s := range cfg.Storages {
		storage := quotemarket.Storage{Type: s.Type, Description: s.Description, URL: s.URL}
		if err := broker.AddStorage(cctx.Context, storage); err != nil {
			closer()
			return nil, xerrors.Errorf("seeding storage %s: %w", s.Type, err)
		}
	}

	return &quoteNode{cfg: cfg, broker: broker, closer: closer}, nil
}

// reqContext is the command context, canceled on the first interrupt
func reqContext(cctx *cli.Context) (context.Context, context.CancelFunc) {
	return signalContext(cctx.Context)
}
