package main

import (
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
)

var log = logging.Logger("quoted")

func main() {
	app := &cli.App{
		Name:    "quoted",
		Usage:   "Storage quote broker",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "path to the TOML configuration file",
				Value:   "config.toml",
				EnvVars: []string{"QUOTED_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "overrides LogLevel of the configuration",
			},
		},
		Commands: []*cli.Command{
			runCmd,
			approveCmd,
			refundCmd,
			statusCmd,
			storagesCmd,
			configCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Errorf("%+v", err)
		os.Exit(1)
	}
}
