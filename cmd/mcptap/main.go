package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/guseggert/mcptap/relay"
)

func main() {
	app := &cli.App{
		Name:      "mcptap",
		Usage:     "wrap a line-oriented MCP server and tunnel its stdio through an intercepting proxy",
		ArgsUsage: "PROGRAM [ARGS...]",
		// The wrapped program's name must never be mistaken for a
		// subcommand.
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "proxy-port",
				Usage:   "The local HTTP proxy port to tunnel the relay connection through.",
				Value:   relay.DefaultProxyPort,
				EnvVars: []string{"MCPTAP_PROXY_PORT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level for diagnostics on stderr. One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"MCPTAP_LOG_LEVEL"},
			},
			&cli.StringSliceFlag{
				Name:  "env",
				Usage: "Extra KEY=VALUE entry for the subprocess environment. Repeatable.",
			},
			&cli.StringFlag{
				Name:  "wd",
				Usage: "Working directory for the subprocess.",
			},
			&cli.StringFlag{
				Name:  "grace-period",
				Usage: "Duration to wait for the subprocess to exit after its stdin closes.",
				Value: "3s",
			},
			&cli.StringFlag{
				Name:  "force-period",
				Usage: "Duration to wait after the terminate signal before force-killing.",
				Value: "2s",
			},
		},
		Action: func(cliCtx *cli.Context) error {
			if cliCtx.Args().Len() == 0 {
				return fmt.Errorf("no program specified")
			}

			gracePeriod, err := time.ParseDuration(cliCtx.String("grace-period"))
			if err != nil {
				return fmt.Errorf("parsing grace period: %w", err)
			}
			forcePeriod, err := time.ParseDuration(cliCtx.String("force-period"))
			if err != nil {
				return fmt.Errorf("parsing force period: %w", err)
			}
			level, err := zapcore.ParseLevel(cliCtx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			// Stdout belongs to the protocol; all logging goes to stderr.
			logCfg := zap.NewDevelopmentConfig()
			logCfg.Level = zap.NewAtomicLevelAt(level)
			logCfg.OutputPaths = []string{"stderr"}
			logger, err := logCfg.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			r, err := relay.New(relay.Config{
				Command:     cliCtx.Args().First(),
				Args:        cliCtx.Args().Tail(),
				Env:         cliCtx.StringSlice("env"),
				WD:          cliCtx.String("wd"),
				ProxyPort:   cliCtx.Int("proxy-port"),
				GracePeriod: gracePeriod,
				ForcePeriod: forcePeriod,
				Log:         logger.Named("mcptap").Sugar(),
			})
			if err != nil {
				return err
			}

			return r.Run(cliCtx.Context)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
