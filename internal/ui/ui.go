// Package ui styles sentinel's human-facing output.
package ui

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	ColorPass   = lipgloss.AdaptiveColor{Light: "#16858E", Dark: "#2CD7C7"}
	ColorWarn   = lipgloss.AdaptiveColor{Light: "#B7950B", Dark: "#F4D03F"}
	ColorFail   = lipgloss.AdaptiveColor{Light: "#C0392B", Dark: "#E74C3C"}
	ColorAccent = lipgloss.AdaptiveColor{Light: "#157483", Dark: "#20B9B4"}
	ColorMuted  = lipgloss.AdaptiveColor{Light: "#5D6D7E", Dark: "#7F8C8D"}
)

// Styles are the shared lipgloss styles.
var Styles = struct {
	Title  lipgloss.Style
	Label  lipgloss.Style
	Pass   lipgloss.Style
	Warn   lipgloss.Style
	Fail   lipgloss.Style
	Accent lipgloss.Style
	Muted  lipgloss.Style
	Box    lipgloss.Style
}{
	Title:  lipgloss.NewStyle().Bold(true).Foreground(ColorAccent),
	Label:  lipgloss.NewStyle().Foreground(ColorMuted).Width(labelWidth),
	Pass:   lipgloss.NewStyle().Foreground(ColorPass),
	Warn:   lipgloss.NewStyle().Foreground(ColorWarn),
	Fail:   lipgloss.NewStyle().Foreground(ColorFail),
	Accent: lipgloss.NewStyle().Foreground(ColorAccent),
	Muted:  lipgloss.NewStyle().Foreground(ColorMuted),
	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorAccent).
		Padding(0, 1),
}

const labelWidth = 16

// Icons used in status lines.
const (
	IconPass    = "✓"
	IconWarn    = "⚠"
	IconFail    = "✗"
	IconPending = "○"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

// Configure selects the color profile for output written to out.
// Anything but a terminal, and NO_COLOR, get plain text.
func Configure(out io.Writer) {
	f, ok := out.(*os.File)
	if !ok || !IsTerminal(f) {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(f).EnvColorProfile())
}

func RenderPass(s string) string   { return Styles.Pass.Render(s) }
func RenderWarn(s string) string   { return Styles.Warn.Render(s) }
func RenderFail(s string) string   { return Styles.Fail.Render(s) }
func RenderAccent(s string) string { return Styles.Accent.Render(s) }
func RenderMuted(s string) string  { return Styles.Muted.Render(s) }

// Title renders a section heading.
func Title(s string) string {
	return Styles.Title.Render(s)
}

// Field renders one aligned "label value" line.
func Field(label string, value any) string {
	return Styles.Label.Render(label+":") + " " + fmt.Sprint(value)
}

// Section renders a titled block of fields inside a box.
func Section(title string, lines ...string) string {
	body := Title(title)
	if len(lines) > 0 {
		body += "\n" + strings.Join(lines, "\n")
	}
	return Styles.Box.Render(body)
}
