package output

import (
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"
)

// DefaultWidth is used when the output is not a terminal.
const DefaultWidth = 100

// ConstrainOutputWidth truncates each line of text to the width of w.
func ConstrainOutputWidth(text string, w io.Writer) string {
	return ConstrainWidth(text, DetectWidth(w))
}

// ConstrainWidth truncates every line of text to width display cells,
// keeping ANSI sequences intact.
func ConstrainWidth(text string, width int) string {
	if text == "" || width <= 0 {
		return text
	}

	parts := strings.SplitAfter(text, "\n")
	for i, part := range parts {
		line := part
		newline := ""
		if strings.HasSuffix(part, "\n") {
			line = strings.TrimSuffix(part, "\n")
			newline = "\n"
		}
		if line == "" {
			parts[i] = part
			continue
		}
		if ansi.StringWidth(line) > width {
			line = ansi.Truncate(line, width, "…")
		}
		parts[i] = line + newline
	}

	return strings.Join(parts, "")
}

// DetectWidth returns the terminal width of w, or DefaultWidth when w is
// not a terminal.
func DetectWidth(w io.Writer) int {
	file, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(file.Fd())) {
		return DefaultWidth
	}
	width, _, err := term.GetSize(int(file.Fd()))
	if err != nil || width <= 0 {
		return DefaultWidth
	}
	return width
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	file, ok := w.(*os.File)
	return ok && term.IsTerminal(int(file.Fd()))
}
