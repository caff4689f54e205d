package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"scan/internal/session"
)

func (c *cli) askCommand() *cobra.Command {
	var answers []string
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Stream one research answer without creating a chat",
		Example: `  scan ask "how does raft leader election work"
  scan ask --answer "1.80" "which rust version should I target"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.TrimSpace(strings.Join(args, " "))
			if query == "" {
				return errors.New("query is empty")
			}
			cont, err := c.container(cmd)
			if err != nil {
				return err
			}
			defer c.cleanup(cont)

			conv := newSingleQuery(cont)
			first := func(ctx context.Context) (*session.Turn, error) { return conv.Submit(ctx, query) }
			return c.converse(cmd.Context(), cont, conv, first, false, answers)
		},
	}
	cmd.Flags().StringArrayVar(&answers, "answer", nil, "answer to a clarification question; repeat for several")
	return cmd
}

func (c *cli) chatCommand() *cobra.Command {
	var (
		query   string
		answers []string
	)
	cmd := &cobra.Command{
		Use:   "chat [chat-id | chat-url]",
		Short: "Open a research chat, new or existing",
		Long: `chat starts a new research chat, or reopens an existing one by id or
by its /chat/<id> URL. Earlier turns are restored from the chat history and
a question still waiting for its answer is streamed again.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := ""
			if len(args) == 1 {
				ref = args[0]
			}
			return c.runChat(cmd, ref, query, answers...)
		},
	}
	cmd.Flags().StringVarP(&query, "query", "q", "", "first question of a new chat")
	cmd.Flags().StringArrayVar(&answers, "answer", nil, "answer to a clarification question; repeat for several")
	return cmd
}

// runChat opens chat ref, or a new chat when ref is empty, and keeps it
// going until the user quits.
func (c *cli) runChat(cmd *cobra.Command, ref, query string, answers ...string) error {
	cont, err := c.container(cmd)
	if err != nil {
		return err
	}
	defer c.cleanup(cont)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		conv  *conversation
		first turnAction
	)
	if ref == "" {
		conv = newChat(cont)
		if q := strings.TrimSpace(query); q != "" {
			first = func(ctx context.Context) (*session.Turn, error) { return conv.Submit(ctx, q) }
		}
	} else {
		var pending string
		conv, pending, err = openChat(ctx, cont, ref)
		if err != nil {
			return err
		}
		switch {
		case pending != "":
			first = func(ctx context.Context) (*session.Turn, error) { return conv.Resume(ctx, pending) }
		case strings.TrimSpace(query) != "":
			q := strings.TrimSpace(query)
			first = func(ctx context.Context) (*session.Turn, error) { return conv.Submit(ctx, q) }
		}
	}
	return c.converse(ctx, cont, conv, first, true, answers)
}

// converse runs the conversation in the TUI or in line mode. Interrupts
// cancel the active stream.
func (c *cli) converse(ctx context.Context, cont *Container, conv *conversation, first turnAction, followUps bool, answers []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if c.useTUI(cont) {
		return runTUI(ctx, tuiConfig{
			In:           c.in,
			Out:          c.out,
			Conversation: conv,
			Markdown:     cont.Markdown,
			Width:        cont.Width,
			First:        first,
			FollowUps:    followUps,
			Answers:      answers,
		})
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	prompts, err := c.prompter(answers)
	if err != nil {
		return err
	}
	defer prompts.Close()

	ui := newLineUI(lineConfig{
		Out:          c.out,
		Conversation: conv,
		Prompts:      prompts,
		FollowUps:    followUps,
		Color:        cont.Terminal,
		Width:        cont.Width,
	})
	return ui.Run(ctx, first)
}

func (c *cli) prompter(answers []string) (prompter, error) {
	if c.prompts != nil {
		return c.prompts, nil
	}
	if !c.interactive() {
		return &scriptedPrompter{answers: answers}, nil
	}
	return newTerminalPrompter(answers)
}
