// internal/tui/styles.go
//
// Shared lipgloss styles. Every renderer in this package goes through these
// so --no-color (lipgloss.SetColorProfile) applies everywhere.

package tui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))
	textStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#CCCCCC"))
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	boxStyle     = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444")).
			Padding(0, 1)
)

// Success renders a success line.
func Success(msg string) string { return successStyle.Render("✓ ") + msg }

// Failure renders an error line.
func Failure(msg string) string { return errorStyle.Render("✗ ") + msg }

// Warning renders a warning line.
func Warning(msg string) string { return warnStyle.Render("! ") + msg }

// Dim renders secondary text.
func Dim(msg string) string { return dimStyle.Render(msg) }

// Title renders a section heading.
func Title(msg string) string { return titleStyle.Render(msg) }
