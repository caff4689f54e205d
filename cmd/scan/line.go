package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"scan/internal/output"
	"scan/internal/presentation"
	"scan/internal/session"
	"scan/internal/trace"
)

// palette colors line-mode output.
type palette struct {
	status func(a ...any) string
	done   func(a ...any) string
	failed func(a ...any) string
	muted  func(a ...any) string
}

func newPalette(enabled bool) palette {
	mk := func(attrs ...color.Attribute) func(a ...any) string {
		c := color.New(attrs...)
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
		return c.SprintFunc()
	}
	return palette{
		status: mk(color.FgBlue, color.Bold),
		done:   mk(color.FgGreen),
		failed: mk(color.FgRed, color.Bold),
		muted:  mk(color.FgHiBlack),
	}
}

// lineUI prints progress as plain lines and the answer once a turn ends.
// It is used when output is not a terminal or the TUI is switched off.
type lineUI struct {
	out       io.Writer
	conv      *conversation
	render    *output.TerminalRenderer
	prompts   prompter
	followUps bool
	colors    palette

	status string
}

type lineConfig struct {
	Out          io.Writer
	Conversation *conversation
	Prompts      prompter
	FollowUps    bool
	Color        bool
	Width        int
}

func newLineUI(cfg lineConfig) *lineUI {
	return &lineUI{
		out:       cfg.Out,
		conv:      cfg.Conversation,
		render:    output.NewTerminalRenderer(output.DefaultTheme(), cfg.Width),
		prompts:   cfg.Prompts,
		followUps: cfg.FollowUps,
		colors:    newPalette(cfg.Color),
	}
}

type turnAction func(ctx context.Context) (*session.Turn, error)

// Run performs first, then keeps answering clarifications and, with
// follow-ups enabled, asking for new queries until the prompter reports
// io.EOF. With follow-ups enabled a nil first starts by asking for a query.
func (ui *lineUI) Run(ctx context.Context, first turnAction) error {
	ui.conv.controller.SetListener(ui.listen)
	defer ui.conv.controller.SetListener(nil)

	ui.printArchived()

	var lastErr error
	action := first
	for {
		if ctx.Err() != nil {
			return lastErr
		}
		if action == nil {
			if !ui.followUps {
				return lastErr
			}
			query, err := ui.prompts.Query()
			if errors.Is(err, io.EOF) {
				return lastErr
			}
			if err != nil {
				return err
			}
			action = func(ctx context.Context) (*session.Turn, error) { return ui.conv.Submit(ctx, query) }
		}

		ui.status = ""
		turn, err := action(ctx)
		action = nil
		lastErr = ui.report(turn, err)

		if ui.conv.controller.State() == session.StateAwaitingClarification && ctx.Err() == nil {
			answer, perr := ui.prompts.Clarify(pendingQuestions(ui.conv.controller))
			if perr != nil {
				return &ExitCodeError{Code: exitTurnFailed, Err: fmt.Errorf("clarification left unanswered: %w", perr)}
			}
			action = func(ctx context.Context) (*session.Turn, error) { return ui.conv.Answer(ctx, answer) }
		}
	}
}

func pendingQuestions(controller *session.Controller) []string {
	turn := controller.Turn()
	if turn == nil {
		return nil
	}
	view := turn.View()
	if n := len(view.Clarifications); n > 0 {
		return view.Clarifications[n-1].Questions
	}
	return nil
}

// listen prints trace progress. It runs on the controller goroutine.
func (ui *lineUI) listen(u session.Update) {
	c := u.Change
	switch c.Kind {
	case trace.ChangeGroupOpened:
		ui.println(ui.colors.status("▸ ") + presentation.GroupLabel(c.Group))
	case trace.ChangeCallStarted:
		ui.println("    " + ui.colors.muted("· ") + presentation.CallLabel(c.Call))
	case trace.ChangeCallCompleted:
		icon := ui.colors.done("✓ ")
		if c.Call.Status == trace.StatusFailed {
			icon = ui.colors.failed("✗ ")
		}
		line := "    " + icon + presentation.CallLabel(c.Call)
		if note := presentation.CallAnnotation(c.Call); note != "" {
			line += ui.colors.muted(" (" + note + ")")
		}
		ui.println(line)
	case trace.ChangeGroupCompleted:
		ui.println(ui.colors.done("✓ ") + presentation.GroupLabel(c.Group) +
			ui.colors.muted(fmt.Sprintf(" · %d sources", len(c.Group.Sources))))
	}

	if status := u.View.Status; status != "" && status != ui.status {
		ui.println(ui.colors.status("… " + status))
	}
	ui.status = u.View.Status
}

// report prints how an action ended and returns the error to exit with.
func (ui *lineUI) report(turn *session.Turn, err error) error {
	var redirect *RedirectError
	switch {
	case errors.As(err, &redirect):
		ui.println(ui.colors.status("↗ ") + redirect.Error())
		return turnExit(turn, err)
	case turn == nil && err != nil:
		ui.println(ui.colors.failed("✗ ") + err.Error())
		return turnExit(turn, err)
	case turn == nil:
		return nil
	}

	if errors.Is(err, session.ErrEmptyAnswer) {
		ui.println(ui.colors.failed("✗ ") + err.Error())
		return nil
	}
	view := turn.View()
	if turn.Outcome() == session.OutcomeClarification {
		if n := len(view.Clarifications); n > 0 {
			io.WriteString(ui.out, ui.render.Clarification(view.Clarifications[n-1]))
		}
		return nil
	}

	if view.Summary != nil {
		io.WriteString(ui.out, "\n"+ui.render.Summary(*view.Summary, false))
	}
	if view.Answer != "" {
		ui.println("")
		io.WriteString(ui.out, view.Answer)
		if !strings.HasSuffix(view.Answer, "\n") {
			ui.println("")
		}
	}
	if view.Notice != "" {
		ui.println(ui.colors.muted(view.Notice))
	}
	if view.Error != "" {
		ui.println(ui.colors.failed("✗ " + view.Error))
	}
	return turnExit(turn, err)
}

// turnExit maps how an action ended to the error the process exits with.
// The error has already been shown to the user.
func turnExit(turn *session.Turn, err error) error {
	var redirect *RedirectError
	switch {
	case errors.As(err, &redirect):
		return &ExitCodeError{Code: exitRedirected, Err: err, Reported: true}
	case turn == nil && err != nil:
		return &ExitCodeError{Code: 1, Err: err, Reported: true}
	case turn == nil, errors.Is(err, session.ErrEmptyAnswer):
		return nil
	}
	if turn.Outcome() == session.OutcomeError || turn.Outcome() == session.OutcomeEmpty {
		failure := turn.Err()
		if failure == nil {
			failure = errors.New(turn.View().Error)
		}
		return &ExitCodeError{Code: exitTurnFailed, Err: failure, Reported: true}
	}
	return nil
}

// printArchived shows turns restored from chat history.
func (ui *lineUI) printArchived() {
	for _, at := range ui.conv.Archived() {
		io.WriteString(ui.out, renderArchived(ui.render, at, archiveExpansion{}))
		ui.println("")
	}
}

func (ui *lineUI) println(s string) {
	fmt.Fprintln(ui.out, s)
}
