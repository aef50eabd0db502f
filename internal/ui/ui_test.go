package ui

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func plainOutput(t *testing.T) {
	t.Helper()
	prev := lipgloss.ColorProfile()
	t.Cleanup(func() { lipgloss.SetColorProfile(prev) })

	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()

	assert.False(t, IsTerminal(f))
	Configure(f)
	assert.Equal(t, termenv.Ascii, lipgloss.ColorProfile())
}

func TestConfigureRedirectedIsPlain(t *testing.T) {
	plainOutput(t)

	assert.Equal(t, "ok", RenderPass("ok"))
	assert.Equal(t, "careful", RenderWarn("careful"))
	assert.Equal(t, "bad", RenderFail("bad"))
}

func TestField(t *testing.T) {
	plainOutput(t)

	line := Field("Pending", 3)
	assert.True(t, strings.HasPrefix(line, "Pending:"))
	assert.True(t, strings.HasSuffix(line, " 3"))
	assert.GreaterOrEqual(t, len(line), labelWidth+2)
}

func TestSection(t *testing.T) {
	plainOutput(t)

	out := Section("Queue", Field("Pending", 0))
	assert.Contains(t, out, "Queue")
	assert.Contains(t, out, "Pending:")
	assert.Contains(t, out, "╭")
}

func TestIsTerminalNil(t *testing.T) {
	assert.False(t, IsTerminal(nil))
}

func TestConfigureBuffer(t *testing.T) {
	prev := lipgloss.ColorProfile()
	t.Cleanup(func() { lipgloss.SetColorProfile(prev) })

	Configure(&strings.Builder{})
	assert.Equal(t, termenv.Ascii, lipgloss.ColorProfile())
}
