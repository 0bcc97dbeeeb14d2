package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	"github.com/gorilla/mux"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.opencensus.io/stats/view"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/config"
	"github.com/filecoin-project/go-quote-market/httpapi"
	"github.com/filecoin-project/go-quote-market/metrics"
	"github.com/filecoin-project/go-quote-market/quotemarket/impl/signing"
)

var quoteFlag = &cli.StringFlag{
	Name:     "quote",
	Usage:    "quote id",
	Required: true,
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "Start the quote API",
	Flags: []cli.Flag{
		&cli.Int64Flag{
			Name:  "max-upload-size",
			Usage: "largest accepted upload body in bytes",
			Value: httpapi.DefaultMaxUploadSize,
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, cancel := reqContext(cctx)
		defer cancel()

		node, err := newQuoteNode(cctx)
		if err != nil {
			return err
		}
		defer node.closer()

		if err := view.Register(metrics.DefaultViews...); err != nil {
			return xerrors.Errorf("registering views: %w", err)
		}
		registry := promclient.DefaultRegisterer.(*promclient.Registry)
		exporter, err := prometheus.NewExporter(prometheus.Options{
			Registry:  registry,
			Namespace: "quoted",
		})
		if err != nil {
			return err
		}

		m := mux.NewRouter()
		m.Handle("/debug/metrics", exporter)
		m.PathPrefix("/").Handler(httpapi.NewServer(node.broker, httpapi.WithMaxUploadSize(cctx.Int64("max-upload-size"))))

		srv := &http.Server{
			Addr:              node.cfg.ListenAddress,
			Handler:           m,
			ReadHeaderTimeout: 30 * time.Second,
		}
		errc := make(chan error, 1)
		go func() {
			log.Infow("quote API listening", "address", node.cfg.ListenAddress)
			errc <- srv.ListenAndServe()
		}()

		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		log.Info("shutting down")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
		defer stop()
		return srv.Shutdown(shutdownCtx)
	},
}

var approveCmd = &cli.Command{
	Name:  "approve",
	Usage: "Grant the allowance of a quote from its wallet",
	Flags: []cli.Flag{
		quoteFlag,
		&cli.StringFlag{
			Name:     "private-key",
			Usage:    "hex private key of the quote wallet",
			EnvVars:  []string{"QUOTED_PRIVATE_KEY"},
			Required: true,
		},
	},
	Action: func(cctx *cli.Context) error {
		ctx, cancel := reqContext(cctx)
		defer cancel()

		pk, err := signing.ParsePrivateKey(cctx.String("private-key"))
		if err != nil {
			return err
		}
		node, err := newQuoteNode(cctx)
		if err != nil {
			return err
		}
		defer node.closer()

		status, err := node.broker.ConfirmPayment(ctx, cctx.String("quote"), pk)
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "%s: %s\n", cctx.String("quote"), status)
		return nil
	},
}

var refundCmd = &cli.Command{
	Name:  "refund",
	Usage: "Mark the payment of a failed quote refunded",
	Flags: []cli.Flag{quoteFlag},
	Action: func(cctx *cli.Context) error {
		node, err := newQuoteNode(cctx)
		if err != nil {
			return err
		}
		defer node.closer()

		payment, err := node.broker.RefundPayment(cctx.Context, cctx.String("quote"))
		if err != nil {
			return err
		}
		fmt.Fprintf(cctx.App.Writer, "payment %d: %s\n", payment.ID, payment.Status)
		return nil
	},
}

var statusCmd = &cli.Command{
	Name:  "status",
	Usage: "Print a quote and its files",
	Flags: []cli.Flag{quoteFlag},
	Action: func(cctx *cli.Context) error {
		node, err := newQuoteNode(cctx)
		if err != nil {
			return err
		}
		defer node.closer()

		quote, err := node.broker.GetQuote(cctx.Context, cctx.String("quote"))
		if err != nil {
			return err
		}
		files, err := node.broker.ListFiles(cctx.Context, quote.QuoteID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cctx.App.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]interface{}{"quote": quote, "files": files})
	},
}

var storagesCmd = &cli.Command{
	Name:  "storages",
	Usage: "List configured storage backends",
	Action: func(cctx *cli.Context) error {
		node, err := newQuoteNode(cctx)
		if err != nil {
			return err
		}
		defer node.closer()

		storages, err := node.broker.ListStorages(cctx.Context)
		if err != nil {
			return err
		}
		for _, s := range storages {
			fmt.Fprintf(cctx.App.Writer, "%s\t%s\t%s\n", s.Type, s.URL, s.Description)
		}
		return nil
	},
}

var configCmd = &cli.Command{
	Name:  "config",
	Usage: "Inspect configuration",
	Subcommands: []*cli.Command{
		{
			Name:  "default",
			Usage: "Print the default configuration",
			Action: func(cctx *cli.Context) error {
				text, err := config.ConfigText(config.Default())
				if err != nil {
					return err
				}
				_, err = cctx.App.Writer.Write(text)
				return err
			},
		},
		{
			Name:  "show",
			Usage: "Print the effective configuration",
			Action: func(cctx *cli.Context) error {
				cfg, err := loadConfig(cctx)
				if err != nil {
					return err
				}
				text, err := config.ConfigText(cfg)
				if err != nil {
					return err
				}
				_, err = cctx.App.Writer.Write(text)
				return err
			},
		},
	},
}
