package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"scan/internal/chatstore"
	"scan/internal/config"
	"scan/internal/logging"
	"scan/internal/replay"
)

func (c *cli) replayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Serve a scripted research backend for demos and tests",
		Long: `replay serves the research backend endpoints from a YAML script of
recorded events. Without --script it plays a built-in demo that shows a
clarification, two research topics and a usage summary.

--store selects where chats live: "memory", a directory, or a postgres URL.`,
		Example: `  scan replay --addr :8787
  scan replay --script session.yaml --store ~/.scan/chats`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := logging.Configure(logging.Options{Dir: cfg.Log.Dir, Level: cfg.LogLevel()}); err != nil {
				fmt.Fprintf(c.errOut, "logging disabled: %v\n", err)
			}
			defer logging.Close()
			logger := logging.NewComponentLogger("Replay")

			script := replay.DemoScript()
			if cfg.Replay.Script != "" {
				if script, err = replay.LoadScript(cfg.Replay.Script); err != nil {
					return err
				}
			}

			ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, closeStore, err := chatstore.Open(ctx, cfg.Replay.Store)
			if err != nil {
				return err
			}
			defer closeStore()

			server := replay.New(replay.Config{Script: script, Store: store, Logger: logger})
			fmt.Fprintf(c.out, "replaying %d turns on %s\n", len(script.Turns), cfg.Replay.Addr)
			return server.ListenAndServe(ctx, cfg.Replay.Addr)
		},
	}
	defaults := config.Default().Replay
	cmd.Flags().String("addr", defaults.Addr, "listen address")
	cmd.Flags().String("script", "", "YAML event script; the built-in demo when empty")
	cmd.Flags().String("store", defaults.Store, `chat store: "memory", a directory or a postgres URL`)
	return cmd
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
