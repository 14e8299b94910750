package transcript

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/iambrandonn/autodev/internal/protocol"
)

type styles struct {
	prefix lipgloss.Style
	err    lipgloss.Style
	dim    lipgloss.Style
	ok     lipgloss.Style
	file   lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		prefix: lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		err:    lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		dim:    lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		ok:     lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true),
		file:   lipgloss.NewStyle().Foreground(lipgloss.Color("14")),
	}
}

// Formatter formats task events for console output. It remembers the last
// status it printed and is not safe for concurrent use.
type Formatter struct {
	styled     bool
	styles     styles
	lastStatus string
}

// NewFormatter creates a new transcript formatter. styled enables terminal
// colors.
func NewFormatter(styled bool) *Formatter {
	return &Formatter{styled: styled, styles: defaultStyles()}
}

func (f *Formatter) paint(st lipgloss.Style, s string) string {
	if !f.styled {
		return s
	}
	return st.Render(s)
}

func (f *Formatter) prefix(step int) string {
	if step == 0 {
		return f.paint(f.styles.prefix, "[task]")
	}
	return f.paint(f.styles.prefix, fmt.Sprintf("[step %d]", step))
}

// FormatEvent formats an event for console display. Status events that
// do not change the task status format to the empty string.
func (f *Formatter) FormatEvent(evt protocol.Event) string {
	switch e := evt.(type) {
	case protocol.LogEvent:
		if e.Level == protocol.LogLevelError {
			return fmt.Sprintf("%s %s", f.prefix(e.Step), f.paint(f.styles.err, "error: "+e.Result))
		}
		return fmt.Sprintf("%s %s", f.prefix(e.Step), e.Result)

	case protocol.ThinkEvent:
		return fmt.Sprintf("%s %s", f.prefix(e.Step), f.paint(f.styles.dim, "think: "+e.Result))

	case protocol.ToolEvent:
		return fmt.Sprintf("%s tool: %s(%s)", f.prefix(e.Step), e.Tool, e.Input)

	case protocol.ActEvent:
		return fmt.Sprintf("%s act: %s", f.prefix(e.Step), e.Result)

	case protocol.RunEvent:
		return fmt.Sprintf("%s run: %s", f.prefix(e.Step), e.Result)

	case protocol.FileUpdateEvent:
		details := fmt.Sprintf("%s %s (%s)", e.Change, e.Path, f.formatSize(e.Size))
		return fmt.Sprintf("%s %s", f.prefix(e.Step), f.paint(f.styles.file, details))

	case protocol.PlanEvent:
		var b strings.Builder
		fmt.Fprintf(&b, "%s plan with %d steps", f.prefix(0), len(e.Plan.Steps))
		for _, s := range e.Plan.Steps {
			fmt.Fprintf(&b, "\n  %d. %s", s.ID, s.Description)
		}
		return b.String()

	case protocol.StatusEvent:
		if e.Status == f.lastStatus {
			return ""
		}
		f.lastStatus = e.Status
		return fmt.Sprintf("%s status: %s", f.prefix(0), e.Status)

	case protocol.ErrorEvent:
		return fmt.Sprintf("%s %s", f.prefix(0), f.paint(f.styles.err, "failed: "+e.Message))

	case protocol.CompleteEvent:
		return fmt.Sprintf("%s %s", f.prefix(0), f.paint(f.styles.ok, "completed"))
	}

	return fmt.Sprintf("%s %s", f.prefix(0), evt.Type())
}

// FormatSummary formats the closing line for a finished task
func (f *Formatter) FormatSummary(snap protocol.Snapshot) string {
	u := snap.TokenUsage
	return fmt.Sprintf("%s in %.1fs, %d tokens (input %d, completion %d), workspace: %s",
		snap.Status, snap.ExecutionTime, u.Total, u.Input, u.Completion, snap.ProjectPath)
}

// formatSize formats a byte size in a human-readable format
func (f *Formatter) formatSize(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GiB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
