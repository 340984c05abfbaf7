package output

import (
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// Markdown shows up in two places: FAQ answers printed by `aiw faq show`
// and the local/remote payload comparison in the conflict detail view.
// Both wrap to the terminal, never narrower than a readable floor.
const (
	fallbackWidth = 80
	minWrapWidth  = 20
)

var (
	rendererMu    sync.Mutex
	renderer      *glamour.TermRenderer
	rendererWidth int
)

// TerminalWidth reports the stdout terminal width, consulting COLUMNS when
// stdout is not a tty, and returning fallback as a last resort.
func TerminalWidth(fallback int) int {
	if fallback <= 0 {
		fallback = fallbackWidth
	}
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	if cols, err := strconv.Atoi(os.Getenv("COLUMNS")); err == nil && cols > 0 {
		return cols
	}
	return fallback
}

// RenderMarkdown renders text wrapped to the current terminal width.
func RenderMarkdown(text string) (string, error) {
	return RenderMarkdownWithWidth(text, TerminalWidth(fallbackWidth))
}

// RenderMarkdownWithWidth renders text wrapped to an explicit width. The
// underlying renderer is cached between calls at the same width, which is
// the common case for the conflict viewport redrawing on scroll.
func RenderMarkdownWithWidth(text string, width int) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", nil
	}
	if width < minWrapWidth {
		width = minWrapWidth
	}

	rendererMu.Lock()
	defer rendererMu.Unlock()

	if renderer == nil || rendererWidth != width {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(width),
		)
		if err != nil {
			return "", err
		}
		renderer = r
		rendererWidth = width
	}

	rendered, err := renderer.Render(text)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(rendered, "\n"), nil
}
