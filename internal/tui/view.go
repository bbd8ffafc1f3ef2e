package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/JakeFAU/realtime-cpi-harvester/internal/engine"
	"github.com/JakeFAU/realtime-cpi-harvester/internal/harvest"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	barFullStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	barEmptyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	noticeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	dimmedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))

	logStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

const barWidth = 40

// View renders the dashboard.
func (m Model) View() string {
	s := m.snap
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("Harvesting %s", orDash(s.Partition))))
	b.WriteString(dimmedStyle.Render("  -> " + orDash(s.Output)))
	b.WriteString("\n\n")

	b.WriteString(progressBar(s.Completed(), s.Total))
	b.WriteString(fmt.Sprintf(" %s/%s\n", humanize.Comma(int64(s.Completed())), humanize.Comma(int64(s.Total))))

	b.WriteString(speedLine(s))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Saved at start %s | buffered %d | flushes %d | holes %d\n",
		humanize.Comma(int64(s.Saved)), s.Buffered, s.Flushes, s.Holes))
	if s.LastFlushErr != "" {
		b.WriteString(noticeStyle.Render("last flush failed: "+s.LastFlushErr) + "\n")
	}
	if counts := statusCounts(s); counts != "" {
		b.WriteString(counts + "\n")
	}

	if len(m.lines) > 0 {
		b.WriteString(logStyle.Render(strings.Join(m.lines, "\n")))
		b.WriteString("\n")
	}
	if m.notice != "" {
		b.WriteString(noticeStyle.Render(m.notice) + "\n")
	}

	b.WriteString(statusBarStyle.Render(StatusLine(s)))
	b.WriteString("\n")
	b.WriteString(dimmedStyle.Render("+/- workers  s stop  q quit"))
	b.WriteString("\n")
	return b.String()
}

// StatusLine is "processed/total | workers alive/target" plus the phase.
func StatusLine(s engine.Snapshot) string {
	return fmt.Sprintf("%d/%d | workers %d/%d | %s", s.Completed(), s.Total, s.AliveWorkers, s.TargetWorkers, s.Phase)
}

// speedLine shows items/min and ETA once the run has been going for a
// couple of seconds.
func speedLine(s engine.Snapshot) string {
	if s.Elapsed < speedAfter || s.RatePerMinute <= 0 {
		return "Speed: measuring..."
	}
	return fmt.Sprintf("Speed: %.1f items/min | ETA %s | elapsed %s",
		s.RatePerMinute, engine.FormatETA(s.ETA), engine.FormatETA(s.Elapsed))
}

func progressBar(done, total int) string {
	filled := 0
	if total > 0 {
		filled = min(barWidth, done*barWidth/total)
	}
	return barFullStyle.Render(strings.Repeat("█", filled)) +
		barEmptyStyle.Render(strings.Repeat("░", barWidth-filled))
}

func statusCounts(s engine.Snapshot) string {
	parts := make([]string, 0, len(statusOrder))
	for _, st := range statusOrder {
		if v := s.StatusCount[st]; v > 0 {
			parts = append(parts, fmt.Sprintf("%s %s", st, humanize.Comma(int64(v))))
		}
	}
	return strings.Join(parts, " | ")
}

var statusOrder = []harvest.Status{
	harvest.StatusAvailable,
	harvest.StatusUnavailable,
	harvest.StatusNotFound,
	harvest.StatusTimeout,
	harvest.StatusFatalError,
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
