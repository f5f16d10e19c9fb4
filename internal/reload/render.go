package reload

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Marker phrases. Callers may match rendered results on these substrings.
const (
	SuccessBanner     = "Reload is done successfully."
	ErrorLabel        = "Error"
	FilePathLabel     = "Located file path"
	SourceLabel       = "Extracted method source"
	TypeSourceLabel   = "Owning type source"
	ChangesLabel      = "Changes"
	OmittedLineFormat = "// ... [%d lines omitted] ..."
)

var (
	colorSuccess = lipgloss.Color("#8BC34A")
	colorError   = lipgloss.Color("#e53935")
	colorSymbol  = lipgloss.Color("#ff8a65")
)

// RenderOptions controls the text produced by Render.
type RenderOptions struct {
	// Verbose shows the full source; an outcome's own Verbose flag also
	// does.
	Verbose bool
	Color   bool
	// Sources longer than MaxLines are cut to HeadLines + marker + TailLines.
	MaxLines  int
	HeadLines int
	TailLines int
	// ShowDiff appends the source diff of a successful reload.
	ShowDiff bool
}

// DefaultRenderOptions returns the standard truncation of 20 lines shown as
// the first and last 10.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{MaxLines: 20, HeadLines: 10, TailLines: 10}
}

type styles struct {
	success lipgloss.Style
	failure lipgloss.Style
	symbol  lipgloss.Style
}

func newStyles(color bool) styles {
	r := lipgloss.NewRenderer(io.Discard)
	if color {
		r.SetColorProfile(termenv.ANSI256)
	} else {
		r.SetColorProfile(termenv.Ascii)
	}
	return styles{
		success: r.NewStyle().Foreground(colorSuccess).Bold(true),
		failure: r.NewStyle().Foreground(colorError).Bold(true),
		symbol:  r.NewStyle().Foreground(colorSymbol),
	}
}

// Render produces the single text block returned to the client.
func Render(o Outcome, opts RenderOptions) string {
	st := newStyles(opts.Color)
	label := st.success
	var b strings.Builder

	// Banners are styled as a whole so marker phrases stay contiguous in
	// coloured output.
	if o.OK() {
		b.WriteString(paint(st.success, SuccessBanner) + "\n")
	} else {
		label = st.failure
		b.WriteString(paint(st.failure, fmt.Sprintf("%s: %s.", ErrorLabel, o.Message)) + "\n")
	}
	if o.FilePath != "" {
		fmt.Fprintf(&b, "%s: %s\n", label.Render(FilePathLabel), st.symbol.Render(o.FilePath))
	}
	if o.Source != "" {
		fmt.Fprintf(&b, "%s:\n%s", label.Render(SourceLabel), Excerpt(o.Source, opts.Verbose || o.Verbose, opts))
	}
	if (opts.Verbose || o.Verbose) && o.TypeSource != "" {
		fmt.Fprintf(&b, "%s (lines %d-%d):\n%s", label.Render(TypeSourceLabel), o.TypeStartLine, o.TypeEndLine, ensureNewline(o.TypeSource))
	}
	if opts.ShowDiff && o.Diff != "" {
		fmt.Fprintf(&b, "%s:\n%s", label.Render(ChangesLabel), ensureNewline(o.Diff))
	}
	return b.String()
}

// paint styles each line on its own; lipgloss pads multi-line blocks to a
// common width.
func paint(style lipgloss.Style, text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = style.Render(line)
		}
	}
	return strings.Join(lines, "\n")
}

// Excerpt returns source unchanged when verbose or short enough, otherwise
// its first and last lines around an omitted-lines marker.
func Excerpt(source string, verbose bool, opts RenderOptions) string {
	if verbose || opts.MaxLines <= 0 {
		return ensureNewline(source)
	}
	lines := strings.Split(strings.TrimRight(source, "\n"), "\n")
	if len(lines) <= opts.MaxLines {
		return ensureNewline(source)
	}

	head, tail := opts.HeadLines, opts.TailLines
	if head+tail > len(lines) {
		return ensureNewline(source)
	}
	out := make([]string, 0, head+tail+1)
	out = append(out, lines[:head]...)
	out = append(out, fmt.Sprintf(OmittedLineFormat, len(lines)-head-tail))
	out = append(out, lines[len(lines)-tail:]...)
	return strings.Join(out, "\n") + "\n"
}

func ensureNewline(s string) string {
	if strings.HasSuffix(s, "\n") {
		return s
	}
	return s + "\n"
}
