// Package ui renders command output for terminals.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"

	"github.com/relaywork/workstate/internal/types"
)

// Printer writes styled output. Styling is used only when the writer is a
// terminal and NO_COLOR is unset.
type Printer struct {
	w io.Writer
	r *lipgloss.Renderer

	header lipgloss.Style
	dim    lipgloss.Style
	ok     lipgloss.Style
	warn   lipgloss.Style
	bad    lipgloss.Style
	states map[types.State]lipgloss.Style
}

// New returns a printer writing to w.
func New(w io.Writer) *Printer {
	r := lipgloss.NewRenderer(w)
	p := &Printer{w: w, r: r}

	plain := r.NewStyle()
	p.header, p.dim, p.ok, p.warn, p.bad = plain, plain, plain, plain, plain
	p.states = map[types.State]lipgloss.Style{}
	if !IsTerminal(w) || os.Getenv("NO_COLOR") != "" {
		r.SetColorProfile(termenv.Ascii)
		return p
	}

	p.header = r.NewStyle().Bold(true)
	p.dim = r.NewStyle().Foreground(lipgloss.Color("8"))
	p.ok = r.NewStyle().Foreground(lipgloss.Color("2"))
	p.warn = r.NewStyle().Foreground(lipgloss.Color("3"))
	p.bad = r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	p.states = map[types.State]lipgloss.Style{
		types.StateDraft:      p.dim,
		types.StateInProgress: r.NewStyle().Foreground(lipgloss.Color("4")),
		types.StateInReview:   p.warn,
		types.StateDone:       p.ok,
		types.StateArchived:   p.dim,
	}
	return p
}

// IsTerminal reports whether w is a terminal.
func IsTerminal(w any) bool {
	f, ok := w.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// Writer returns the underlying writer.
func (p *Printer) Writer() io.Writer { return p.w }

// Header prints a bold line.
func (p *Printer) Header(format string, args ...any) {
	fmt.Fprintln(p.w, p.header.Render(fmt.Sprintf(format, args...)))
}

// Line prints a plain line.
func (p *Printer) Line(format string, args ...any) {
	fmt.Fprintf(p.w, format+"\n", args...)
}

// Success prints a line marked as done.
func (p *Printer) Success(format string, args ...any) {
	fmt.Fprintln(p.w, p.ok.Render("✓")+" "+fmt.Sprintf(format, args...))
}

// Warn prints a warning line.
func (p *Printer) Warn(format string, args ...any) {
	fmt.Fprintln(p.w, p.warn.Render("!")+" "+fmt.Sprintf(format, args...))
}

// Error prints an error line.
func (p *Printer) Error(format string, args ...any) {
	fmt.Fprintln(p.w, p.bad.Render("✗")+" "+fmt.Sprintf(format, args...))
}

// Dim renders s de-emphasised.
func (p *Printer) Dim(s string) string { return p.dim.Render(s) }

// State renders a state in its colour.
func (p *Printer) State(s types.State) string {
	if st, ok := p.states[s]; ok {
		return st.Render(string(s))
	}
	return string(s)
}

// Record prints one record line.
func (p *Printer) Record(rec *types.WorkItemRecord) {
	fmt.Fprintf(p.w, "%-14s %-12s %s\n", rec.ID, p.State(rec.State), rec.Title)
}

// Table prints rows under a header with aligned columns.
func (p *Printer) Table(header []string, rows [][]string) {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}
	line := func(cells []string, style *lipgloss.Style) {
		parts := make([]string, len(cells))
		for i, c := range cells {
			pad := ""
			if i < len(cells)-1 {
				pad = strings.Repeat(" ", widths[i]-lipgloss.Width(c))
			}
			parts[i] = c + pad
		}
		s := strings.Join(parts, "  ")
		if style != nil {
			s = style.Render(s)
		}
		fmt.Fprintln(p.w, strings.TrimRight(s, " "))
	}
	line(header, &p.header)
	for _, row := range rows {
		line(row, nil)
	}
}

// Confirm asks a yes/no question on the terminal. When stdin is not a
// terminal it returns def without asking.
func Confirm(title string, def bool) (bool, error) {
	if !IsTerminal(os.Stdin) {
		return def, nil
	}
	ok := def
	err := huh.NewConfirm().
		Title(title).
		Affirmative("Yes").
		Negative("No").
		Value(&ok).
		Run()
	return ok, err
}
