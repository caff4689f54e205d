package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/manifoldco/promptui"
)

var errNoAnswer = errors.New("no answer for the clarification")

// prompter collects user input for line mode.
type prompter interface {
	// Clarify asks for one answer to a clarification's questions.
	Clarify(questions []string) (string, error)
	// Query asks for the next query. io.EOF ends the conversation.
	Query() (string, error)
	Close() error
}

// scriptedPrompter replays fixed inputs. It serves --answer flags when no
// terminal is attached.
type scriptedPrompter struct {
	answers []string
	queries []string
}

func (p *scriptedPrompter) Clarify([]string) (string, error) {
	if len(p.answers) == 0 {
		return "", errNoAnswer
	}
	answer := p.answers[0]
	p.answers = p.answers[1:]
	return answer, nil
}

func (p *scriptedPrompter) Query() (string, error) {
	if len(p.queries) == 0 {
		return "", io.EOF
	}
	query := p.queries[0]
	p.queries = p.queries[1:]
	return query, nil
}

func (p *scriptedPrompter) Close() error { return nil }

// terminalPrompter reads follow-up queries with readline, keeping history
// across runs, and clarification answers with promptui. Pre-supplied
// answers are used before asking.
type terminalPrompter struct {
	preset scriptedPrompter
	rl     *readline.Instance
}

func newTerminalPrompter(answers []string) (*terminalPrompter, error) {
	historyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		dir := filepath.Join(home, ".scan")
		if err := os.MkdirAll(dir, 0o755); err == nil {
			historyFile = filepath.Join(dir, "history")
		}
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "› ",
		HistoryFile:       historyFile,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
		Stdin:             readline.NewCancelableStdin(os.Stdin),
		Stdout:            os.Stdout,
		Stderr:            os.Stderr,
	})
	if err != nil {
		return nil, fmt.Errorf("init readline: %w", err)
	}
	return &terminalPrompter{preset: scriptedPrompter{answers: answers}, rl: rl}, nil
}

func (p *terminalPrompter) Query() (string, error) {
	for {
		line, err := p.rl.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if strings.TrimSpace(line) == "" {
				return "", io.EOF
			}
			continue
		case err != nil:
			return "", err
		}
		line = strings.TrimSpace(line)
		switch line {
		case "":
			continue
		case "exit", "quit", ":q":
			return "", io.EOF
		}
		return line, nil
	}
}

func (p *terminalPrompter) Clarify(questions []string) (string, error) {
	if answer, err := p.preset.Clarify(questions); err == nil {
		return answer, nil
	}
	label := "Answer"
	if len(questions) == 1 {
		label = questions[0]
	}
	prompt := promptui.Prompt{
		Label:    label,
		Validate: validateAnswer,
	}
	answer, err := prompt.Run()
	if err != nil {
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
			return "", errNoAnswer
		}
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

func (p *terminalPrompter) Close() error {
	return p.rl.Close()
}

func validateAnswer(input string) error {
	if strings.TrimSpace(input) == "" {
		return errors.New("answer cannot be empty")
	}
	return nil
}
