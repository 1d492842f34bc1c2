package render

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/fatih/color"

	"github.com/joss/swarm/internal/broker"
	"github.com/joss/swarm/internal/orchestrator"
)

var panelStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("63")).
	Padding(0, 1)

// Renderer prints swarm structures. Pretty output uses color and boxes;
// plain output is stable key=value text for scripts.
type Renderer struct {
	*Writer
	pretty bool
}

// New creates a renderer on out.
func New(out io.Writer, pretty bool) *Renderer {
	return &Renderer{Writer: NewWriter(out), pretty: pretty}
}

// Health prints the liveness table.
func (r *Renderer) Health(h *broker.HealthCheckResult) {
	if !r.pretty {
		r.Println("total=%d healthy=%d unhealthy=%d", h.Total, h.Healthy, h.Unhealthy)
		for _, w := range h.Workers {
			r.Println("%s %s %d", w.Name, w.Status, w.LastSeenSecondsAgo)
		}
		return
	}

	r.Println("%s", color.CyanString("Swarm Status"))
	r.Println("%s", strings.Repeat("─", 40))
	if len(h.Workers) == 0 {
		r.Empty("  No workers have reported a heartbeat")
		return
	}
	for _, w := range h.Workers {
		seen := "never"
		if w.LastSeenSecondsAgo >= 0 {
			seen = fmt.Sprintf("%ds ago", w.LastSeenSecondsAgo)
		}
		r.Item("%s %-24s %s", statusColor(w.Status), w.Name, color.HiBlackString(seen))
	}
	r.Line()
	r.Item("Total: %d  Healthy: %s  Unhealthy: %s", h.Total,
		color.GreenString("%d", h.Healthy), color.RedString("%d", h.Unhealthy))
}

func statusColor(status string) string {
	icon := StatusIcon(status)
	switch status {
	case broker.HealthAlive, orchestrator.TaskCollected:
		return color.GreenString(icon)
	case broker.HealthDead, orchestrator.TaskFailed:
		return color.RedString(icon)
	default:
		return color.YellowString(icon)
	}
}

// Execution prints the outcome of an orchestrated task.
func (r *Renderer) Execution(res *orchestrator.ExecutionResult) {
	if !r.pretty {
		data, _ := json.MarshalIndent(res, "", "  ")
		r.Println("%s", data)
		return
	}

	title := color.GreenString("✓ Execution succeeded")
	if !res.Success {
		title = color.RedString("✗ Execution failed")
	}
	r.Println("%s %s", title, color.HiBlackString("(%s)", res.Strategy))
	if res.RunID != "" {
		r.Item("Run:     %s", res.RunID)
	}

	if res.Error != "" {
		r.Item("Error:   %s", color.RedString(res.Error))
		if len(res.Available) > 0 {
			r.Item("Alive:   %s", strings.Join(res.Available, ", "))
		}
	}

	if res.Strategy == orchestrator.StrategyMapReduce {
		r.Item("Chunks:  %d/%d", res.ChunksProcessed, res.WorkersConsulted)
		r.panel(res.AggregatedResult)
		return
	}

	if res.WorkersConsulted > 0 {
		r.Item("Workers: %d consulted, %s, %s", res.WorkersConsulted,
			color.GreenString("%d ok", res.WorkersSuccessful),
			color.RedString("%d failed", res.WorkersFailed))
	}
	for _, out := range res.RawResults {
		r.Nested("%s", out.Worker)
	}
	r.panel(res.Synthesis)
}

func (r *Renderer) panel(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	r.Line()
	r.Println("%s", panelStyle.Render(text))
}

// Pending prints pending markers.
func (r *Renderer) Pending(tasks []broker.PendingTask) {
	if len(tasks) == 0 {
		r.Empty("No pending tasks")
		return
	}
	r.Header("Pending tasks (%d)", len(tasks))
	for _, t := range tasks {
		r.Item("%s %s → %s", StatusIcon(t.Status), t.ID, t.Channel)
	}
}

// History prints recent runs, newest first.
func (r *Renderer) History(runs []orchestrator.RunRecord) {
	if len(runs) == 0 {
		r.Empty("No runs recorded")
		return
	}
	r.Header("Run history (%d)", len(runs))
	for _, run := range runs {
		icon := BoolIcon(run.Success)
		if r.pretty {
			if run.Success {
				icon = color.GreenString(icon)
			} else {
				icon = color.RedString(icon)
			}
		}
		r.Println("%s [%s] %-10s %d/%d ok  %s  %s", icon,
			run.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			run.Strategy, run.Successful, run.Consulted,
			FormatDuration(time.Duration(run.DurationMs)*time.Millisecond),
			Truncate(run.Description, 50))
		if run.Error != "" {
			r.Nested("%s", Truncate(run.Error, 70))
		}
	}
}

// KeyValues prints a sorted key/value listing.
func (r *Renderer) KeyValues(title string, kv map[string]string) {
	r.Header("%s", title)
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	width := 0
	for _, k := range keys {
		width = max(width, len(k))
	}
	for _, k := range keys {
		r.Item("%-*s  %s", width, k, kv[k])
	}
}

// FormatDuration formats a duration in human-readable form.
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}
