package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"scan/internal/config"
)

// cli carries state shared by the command tree.
type cli struct {
	configPath string
	in         io.Reader
	out        io.Writer
	errOut     io.Writer
	// interactive reports whether prompts and the TUI may be used.
	interactive func() bool
	// prompts overrides the line-mode prompter, for tests.
	prompts prompter
}

func newCLI() *cli {
	return &cli{
		in:          os.Stdin,
		out:         os.Stdout,
		errOut:      os.Stderr,
		interactive: isTTY,
	}
}

// isTTY reports whether both stdin and stdout are terminals.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

func newRootCommand() *cobra.Command {
	return newCLI().rootCommand()
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "scan [query]",
		Short: "Terminal client for streaming research answers",
		Long: `scan streams a research backend's answer to your question and shows the
tools the agent used along the way: searches, page reads and token usage.

With no arguments scan opens a new research chat and prompts for the
first question. See "scan ask" for one-shot queries.`,
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runChat(cmd, "", strings.Join(args, " "))
		},
	}
	root.SetIn(c.in)
	root.SetOut(c.out)
	root.SetErr(c.errOut)

	defaults := config.Default()
	flags := root.PersistentFlags()
	flags.StringVar(&c.configPath, "config", "", "config file (default $HOME/.scan/scan.yaml or ./scan.yaml)")
	flags.String("base-url", defaults.Server.BaseURL, "research backend base URL")
	flags.Duration("timeout", defaults.Server.Timeout, "time to wait for the stream to open")
	flags.Int("width", defaults.Render.Width, "render width; defaults to the terminal width")
	flags.String("style", defaults.Render.Style, "markdown style: auto, dark, light, notty or a style file")
	flags.String("engine", defaults.Render.Engine, "markdown engine: glamour or term")
	flags.Bool("tui", defaults.UI.TUI, "use the full-screen interface on a terminal")
	flags.String("log-level", defaults.Log.Level, "log level: debug, info, warn, error")
	flags.Bool("repair-json", defaults.Decode.RepairJSON, "repair malformed event payloads instead of dropping them")
	flags.Bool("metrics", defaults.Metrics.Enabled, "export prometheus metrics")
	flags.Int("metrics-port", defaults.Metrics.PrometheusPort, "prometheus scrape port")
	flags.Bool("tracing", defaults.Tracing.Enabled, "export stream session traces")

	root.AddCommand(
		c.askCommand(),
		c.chatCommand(),
		c.replayCommand(),
		c.historyCommand(),
		c.versionCommand(),
	)
	return root
}

// loadConfig resolves configuration with cmd's flags bound on top.
func (c *cli) loadConfig(cmd *cobra.Command) (config.Config, config.Metadata, error) {
	opts := []config.Option{config.WithFlags(cmd.Flags())}
	if c.configPath != "" {
		opts = append(opts, config.WithConfigPath(c.configPath))
	}
	cfg, meta, err := config.Load(opts...)
	if err != nil {
		return config.Config{}, config.Metadata{}, err
	}
	return cfg, meta, nil
}

// container loads configuration and wires the shared dependencies. The
// caller must run Cleanup.
func (c *cli) container(cmd *cobra.Command) (*Container, error) {
	cfg, meta, err := c.loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return buildContainer(cfg, meta, c.out)
}

func (c *cli) useTUI(cont *Container) bool {
	return cont.Config.UI.TUI && cont.Terminal && c.interactive()
}

func (c *cli) cleanup(cont *Container) {
	if err := cont.Cleanup(); err != nil {
		fmt.Fprintf(c.errOut, "cleanup: %v\n", err)
	}
}
