package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"scan/internal/history"
)

// exportConcurrency bounds parallel message fetches.
const exportConcurrency = 4

func (c *cli) historyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Work with saved research chats",
	}
	cmd.AddCommand(c.historyExportCommand())
	return cmd
}

func (c *cli) historyExportCommand() *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "export <chat-id | chat-url>...",
		Short: "Export chats as YAML transcripts",
		Long: `export writes each chat's queries, answers, research steps, sources and
token usage as a YAML document. Several chats produce a multi-document
stream in the order given.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]string, len(args))
			for i, ref := range args {
				id, err := parseChatRef(ref)
				if err != nil {
					return err
				}
				ids[i] = id
			}

			cont, err := c.container(cmd)
			if err != nil {
				return err
			}
			defer c.cleanup(cont)

			now := time.Now()
			transcripts := make([]history.Transcript, len(ids))
			g, ctx := errgroup.WithContext(contextOf(cmd))
			g.SetLimit(exportConcurrency)
			for i, id := range ids {
				g.Go(func() error {
					messages, err := cont.Chats.Messages(ctx, id)
					if err != nil {
						return fmt.Errorf("load chat %s: %w", id, err)
					}
					transcript, err := history.NewTranscript(id, messages, now)
					if err != nil {
						return fmt.Errorf("chat %s: %w", id, err)
					}
					transcripts[i] = transcript
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			var buf bytes.Buffer
			for i, t := range transcripts {
				if i > 0 {
					buf.WriteString("---\n")
				}
				if err := history.WriteYAML(&buf, t); err != nil {
					return err
				}
			}
			return c.writeExport(outPath, buf.Bytes())
		},
	}
	cmd.Flags().StringVarP(&outPath, "output", "o", "", "write to a file instead of stdout")
	return cmd
}

func (c *cli) writeExport(path string, data []byte) error {
	if path == "" || path == "-" {
		_, err := io.Copy(c.out, bytes.NewReader(data))
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(c.errOut, "exported %d bytes to %s\n", len(data), path)
	return nil
}
