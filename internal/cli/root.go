// Package cli implements relayctl, the operator tool for the outbox.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/richardliu001/realtime-relay/internal/app"
	"github.com/richardliu001/realtime-relay/internal/config"
	"github.com/richardliu001/realtime-relay/internal/logger"
)

// Opener assembles the relay for one command invocation.
type Opener func(ctx context.Context, opts *RootOptions) (*app.Relay, error)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Config string
	Format string // "json" | "text"

	open Opener
}

var ValidFormats = []string{"text", "json"}

// NewRootCommand creates relayctl backed by the configured database and
// transport.
func NewRootCommand() *cobra.Command {
	return newRootCommand(openFromConfig)
}

func newRootCommand(open Opener) *cobra.Command {
	opts := &RootOptions{open: open}

	cmd := &cobra.Command{
		Use:   "relayctl",
		Short: "Operate the realtime outbox relay",
		Long:  "Inspect and drive the transactional outbox and its realtime fan-out.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.Config, "config", "c", defaultConfigPath(), "path to config yaml")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(newPublishCommand(opts))
	cmd.AddCommand(newRequeueCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newReplayCommand(opts))
	return cmd
}

func defaultConfigPath() string {
	if p := os.Getenv("RELAY_CONFIG"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}

func openFromConfig(ctx context.Context, opts *RootOptions) (*app.Relay, error) {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return nil, err
	}
	log, err := logger.NewLogger(cfg.Log.Level)
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, cfg, log)
}

// withRelay opens the relay, runs fn and closes it again.
func withRelay(cmd *cobra.Command, opts *RootOptions, fn func(context.Context, *app.Relay) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	rel, err := opts.open(ctx, opts)
	if err != nil {
		return fmt.Errorf("open relay: %w", err)
	}
	defer rel.Close()
	return fn(ctx, rel)
}

// emit writes v as indented JSON or, for text, through the text func.
func emit(w io.Writer, format string, v any, text func(io.Writer)) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
