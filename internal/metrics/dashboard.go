package metrics

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// Dashboard renders session metrics for the terminal.
type Dashboard struct {
	collector *Collector
	styles    DashboardStyles
	width     int
}

// DashboardStyles defines the styling for the dashboard.
type DashboardStyles struct {
	Border    lipgloss.Style
	Header    lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Success   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style
}

// NewDashboard creates a dashboard renderer.
func NewDashboard(collector *Collector) *Dashboard {
	return &Dashboard{
		collector: collector,
		width:     80,
		styles:    defaultDashboardStyles(),
	}
}

// defaultDashboardStyles returns the default dashboard styling.
func defaultDashboardStyles() DashboardStyles {
	return DashboardStyles{
		Border: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1),
		Header: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")),
		Label: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),
		Value: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("255")),
		Success: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("82")),
		Error: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196")),
		Highlight: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214")),
	}
}

// SetWidth sets the dashboard width.
func (d *Dashboard) SetWidth(w int) {
	d.width = w
}

// Render returns the boxed multi-line metrics view shown by the REPL.
func (d *Dashboard) Render() string {
	stats := d.collector.GetSessionStats()

	var content strings.Builder

	content.WriteString(d.styles.Header.Render("METRICS"))
	content.WriteString("\n")

	row1 := fmt.Sprintf("%s %s │ %s %s │ %s %s",
		d.styles.Label.Render("Session:"),
		d.styles.Value.Render(fmt.Sprintf("%d requests", stats.RequestCount)),
		d.styles.Label.Render("Cache:"),
		d.styles.Highlight.Render(fmt.Sprintf("%d hits", stats.CacheHits)),
		d.styles.Label.Render("Success:"),
		d.formatSuccessRate(successRate(stats)),
	)
	content.WriteString(row1)
	content.WriteString("\n")

	row2 := fmt.Sprintf("%s %s │ %s %s │ %s %s",
		d.styles.Label.Render("Latency:"),
		d.styles.Value.Render(fmt.Sprintf("%.0fms avg", avgLatencyMs(stats))),
		d.styles.Label.Render("Remote:"),
		d.styles.Highlight.Render(fmt.Sprintf("%d wins", stats.RemoteWins)),
		d.styles.Label.Render("Top intent:"),
		d.styles.Value.Render(topIntent(stats)),
	)
	content.WriteString(row2)
	content.WriteString("\n")

	lastEvent := stats.LastEvent
	if lastEvent == "" {
		lastEvent = "none"
	}
	if len(lastEvent) > 20 {
		lastEvent = lastEvent[:17] + "..."
	}

	row3 := fmt.Sprintf("%s %s │ %s %s │ %s",
		d.styles.Label.Render("Failures:"),
		d.renderFailures(stats),
		d.styles.Label.Render("Last:"),
		d.styles.Value.Render(fmt.Sprintf("%s (%s)", lastEvent, sinceLabel(stats.LastEventTime))),
		d.renderEventActivity(),
	)
	content.WriteString(row3)

	return d.styles.Border.Width(d.width - 4).Render(content.String())
}

// RenderCompact returns a single-line summary.
func (d *Dashboard) RenderCompact() string {
	stats := d.collector.GetSessionStats()

	return fmt.Sprintf("[Metrics] %d req │ %d cached │ %.0f%% ok │ %.0fms avg │ %s",
		stats.RequestCount,
		stats.CacheHits,
		successRate(stats),
		avgLatencyMs(stats),
		d.renderEventActivity(),
	)
}

func successRate(stats SessionStats) float64 {
	if stats.Responses() == 0 {
		return 100
	}
	return float64(stats.SuccessCount) / float64(stats.Responses()) * 100
}

func avgLatencyMs(stats SessionStats) float64 {
	if stats.Responses() == 0 {
		return 0
	}
	return float64(stats.TotalLatencyMs) / float64(stats.Responses())
}

// topIntent returns the most frequent intent; ties go to the smaller tag.
func topIntent(stats SessionStats) string {
	best, bestN := "none", 0
	for tag, n := range stats.Intents {
		if n > bestN || (n == bestN && tag < best) {
			best, bestN = tag, n
		}
	}
	return best
}

func sinceLabel(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	elapsed := time.Since(t)
	switch {
	case elapsed < time.Second:
		return "now"
	case elapsed < time.Minute:
		return fmt.Sprintf("%.0fs", elapsed.Seconds())
	default:
		return fmt.Sprintf("%.0fm", elapsed.Minutes())
	}
}

// formatSuccessRate formats the success rate with color.
func (d *Dashboard) formatSuccessRate(rate float64) string {
	formatted := fmt.Sprintf("%.0f%%", rate)
	if rate >= 90 {
		return d.styles.Success.Render(formatted)
	} else if rate >= 70 {
		return d.styles.Highlight.Render(formatted)
	}
	return d.styles.Error.Render(formatted)
}

func (d *Dashboard) renderFailures(stats SessionStats) string {
	total := 0
	for _, n := range stats.Failures {
		total += n
	}
	if total == 0 {
		return d.styles.Success.Render("0")
	}
	return d.styles.Error.Render(fmt.Sprintf("%d", total))
}

// renderEventActivity renders a visual indicator of recent event activity.
func (d *Dashboard) renderEventActivity() string {
	events := d.collector.GetRecentEvents(5)

	activity := make([]string, 5)
	for i := 0; i < 5; i++ {
		if i < len(events) {
			activity[i] = "●"
		} else {
			activity[i] = "○"
		}
	}
	return strings.Join(activity, "")
}
