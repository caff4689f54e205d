package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		code := 1
		var exitErr *ExitCodeError
		if errors.As(err, &exitErr) {
			code = exitErr.Code
		}
		if exitErr == nil || !exitErr.Reported {
			fmt.Fprintln(os.Stderr, color.New(color.FgRed).Sprint("Error: ")+err.Error())
		}
		os.Exit(code)
	}
}

// ExitCodeError carries a process exit code. Reported errors were already
// shown to the user and are not printed again.
type ExitCodeError struct {
	Code     int
	Err      error
	Reported bool
}

func (e *ExitCodeError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitCodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

const (
	exitTurnFailed = 2
	exitRedirected = 3
)
