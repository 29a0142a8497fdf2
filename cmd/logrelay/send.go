package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"

	"github.com/ava-labs/logrelay/pkg/relay"
	"github.com/ava-labs/logrelay/pkg/utils"
)

var errNoMessage = errors.New("message is required")

// send delivers a single record synchronously and reports the outcome through
// the exit status.
func send(c *cli.Context) error {
	msg := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(msg) == "" {
		return errNoMessage
	}

	lvl, err := zapcore.ParseLevel(c.String("send-level"))
	if err != nil {
		return fmt.Errorf("invalid send-level: %w", err)
	}

	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewLogger(utils.LoggerConfig{Verbose: cfg.Verbose, Format: cfg.LogFormat})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	ctx, cancel := context.WithTimeout(c.Context, cfg.Relay.SyncTimeout)
	defer cancel()

	be, err := newBackend(ctx, cfg, sugar, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s deliverer: %w", cfg.Backend, err)
	}
	defer be.close()

	client, err := relay.NewClient(cfg.Relay, be.deliverer,
		relay.WithLogger(sugar.Named("relay")),
		relay.WithFormatter(newFormatter(cfg.Format)),
	)
	if err != nil {
		return fmt.Errorf("failed to create relay client: %w", err)
	}

	return writeSync(relay.NewSyncCore(client), zapcore.Entry{
		Level:      lvl,
		Time:       time.Now(),
		LoggerName: cfg.Relay.Name,
		Message:    msg,
	})
}

// writeSync writes ent through core when its level is enabled. Entries below
// the level are discarded without error.
func writeSync(core zapcore.Core, ent zapcore.Entry) error {
	if core.Check(ent, nil) == nil {
		return nil
	}
	if err := core.Write(ent, nil); err != nil {
		return fmt.Errorf("failed to send record: %w", err)
	}
	return nil
}
