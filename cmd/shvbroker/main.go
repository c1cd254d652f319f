// Program shvbroker runs a Silicon Heaven RPC broker.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/shvgo/broker/broker"
)

// Exit codes, matching spec.md §6.4.
const (
	exitOK          = 0
	exitConfigError = 64
	exitListenError = 71
)

type runFlags struct {
	ConfigPath string `flag:"c,default=shvbroker.toml,Path to the broker TOML configuration"`
	LogLevel   string `flag:"log-level,default=info,Log level (trace debug info warn error)"`
}

func main() {
	var rf runFlags
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run a Silicon Heaven RPC broker.",
		Commands: []*command.C{
			{
				Name:  "run",
				Usage: "run -c <config.toml>",
				Help:  "Start the broker and serve until interrupted.",
				SetFlags: func(env *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &rf)
				},
				Run: func(env *command.Env) error { return runBroker(rf) },
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func runBroker(rf runFlags) error {
	log := newLogger(rf.LogLevel)

	cfg, err := broker.LoadConfig(rf.ConfigPath)
	if err != nil {
		log.Error().Err(err).Str("path", rf.ConfigPath).Msg("invalid configuration")
		os.Exit(exitConfigError)
	}

	reg := prometheus.NewRegistry()
	met := broker.NewMetrics(reg)
	b := broker.New(cfg, log, met)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := b.Serve(ctx); err != nil {
		if errors.Is(err, broker.ErrListen) {
			log.Error().Err(err).Msg("failed to bind listener")
			os.Exit(exitListenError)
		}
		return fmt.Errorf("broker: %w", err)
	}
	return nil
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	w := zerolog.ConsoleWriter{Out: os.Stderr}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
