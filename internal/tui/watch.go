package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/sitesmith/sitesmith/internal/engine"
	"github.com/sitesmith/sitesmith/pkg/models"
)

// EngineEventMsg wraps an engine event for the watch display.
type EngineEventMsg struct {
	Event engine.Event
}

// WatchDoneMsg is sent when the watched workflow reaches a terminal state.
type WatchDoneMsg struct {
	Err error
}

// stepLine tracks the display state of one workflow step.
type stepLine struct {
	Type    models.TaskType
	Status  string // "pending", "running", "complete", "failed"
	Started time.Time
	Elapsed time.Duration
}

// watchLogEntry is one line in the activity log.
type watchLogEntry struct {
	Timestamp time.Time
	Kind      string
	Message   string
}

const maxWatchLogs = 200

// WatchApp is the bubbletea model that renders live workflow progress from
// engine events: per-step status, streamed content, token usage, and an
// activity log.
type WatchApp struct {
	workflowID string
	steps      []stepLine
	logs       []watchLogEntry
	content    strings.Builder
	tokens     int64
	cost       float64
	spin       spinner.Model

	width    int
	height   int
	quitting bool
	done     bool
	err      error

	headerStyle  lipgloss.Style
	labelStyle   lipgloss.Style
	pendingStyle lipgloss.Style
	runningStyle lipgloss.Style
	successStyle lipgloss.Style
	failStyle    lipgloss.Style
	timeStyle    lipgloss.Style
	logStyle     lipgloss.Style
	contentStyle lipgloss.Style
	footerStyle  lipgloss.Style
}

// NewWatchApp creates a new WatchApp instance.
func NewWatchApp() *WatchApp {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return &WatchApp{
		logs: make([]watchLogEntry, 0),
		spin: sp,

		headerStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),

		pendingStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		runningStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),

		successStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("34")),

		failStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		timeStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		logStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")),

		contentStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")),

		footerStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),
	}
}

// SetSteps seeds the step list before events start arriving so the display
// shows the full plan from the start.
func (a *WatchApp) SetSteps(types []models.TaskType) {
	a.steps = a.steps[:0]
	for _, t := range types {
		a.steps = append(a.steps, stepLine{Type: t, Status: "pending"})
	}
}

// Init implements tea.Model.
func (a *WatchApp) Init() tea.Cmd {
	return a.spin.Tick
}

// Update implements tea.Model.
func (a *WatchApp) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spin, cmd = a.spin.Update(msg)
		return a, cmd

	case EngineEventMsg:
		a.applyEvent(msg.Event)

	case WatchDoneMsg:
		a.done = true
		a.err = msg.Err
	}

	return a, nil
}

// applyEvent folds one engine event into the display state.
func (a *WatchApp) applyEvent(ev engine.Event) {
	if a.workflowID == "" && ev.WorkflowID != "" {
		a.workflowID = ev.WorkflowID
	}
	if ev.TokensUsed > 0 {
		a.tokens = ev.TokensUsed
	}
	if ev.Cost > 0 {
		a.cost = ev.Cost
	}

	switch ev.Type {
	case engine.EventStepStarted:
		a.setStepStatus(ev.StepType, "running", ev.Timestamp)
		a.addLog(ev.Timestamp, "step", fmt.Sprintf("%s started", ev.StepType))

	case engine.EventStepCompleted:
		a.setStepStatus(ev.StepType, "complete", ev.Timestamp)
		a.addLog(ev.Timestamp, "step", fmt.Sprintf("%s completed", ev.StepType))

	case engine.EventContent:
		a.content.WriteString(ev.Content)

	case engine.EventTaskRetrying:
		a.addLog(ev.Timestamp, "retry", ev.Message)

	case engine.EventTaskFailed:
		a.setStepStatus(ev.StepType, "failed", ev.Timestamp)
		a.addLog(ev.Timestamp, "error", ev.Message)

	case engine.EventSuggestion:
		for _, s := range ev.Suggestions {
			a.addLog(ev.Timestamp, "next", fmt.Sprintf("%s: %s", s.Type, s.Title))
		}

	case engine.EventWorkflowCompleted:
		a.done = true
		a.addLog(ev.Timestamp, "done", "workflow completed")

	case engine.EventWorkflowFailed:
		a.done = true
		if ev.Error != nil {
			a.err = ev.Error
		}
		a.setStepStatus(ev.StepType, "failed", ev.Timestamp)
		a.addLog(ev.Timestamp, "error", "workflow failed")

	default:
		if ev.Message != "" {
			a.addLog(ev.Timestamp, string(ev.Type), ev.Message)
		}
	}
}

// setStepStatus updates the matching step line, appending one if the plan was
// never seeded.
func (a *WatchApp) setStepStatus(t models.TaskType, status string, at time.Time) {
	if t == "" {
		return
	}
	for i := range a.steps {
		if a.steps[i].Type != t {
			continue
		}
		switch status {
		case "running":
			a.steps[i].Started = at
		case "complete", "failed":
			if !a.steps[i].Started.IsZero() {
				a.steps[i].Elapsed = at.Sub(a.steps[i].Started)
			}
		}
		a.steps[i].Status = status
		return
	}
	a.steps = append(a.steps, stepLine{Type: t, Status: status, Started: at})
}

func (a *WatchApp) addLog(ts time.Time, kind, message string) {
	if ts.IsZero() {
		ts = time.Now()
	}
	a.logs = append(a.logs, watchLogEntry{Timestamp: ts, Kind: kind, Message: message})
	if len(a.logs) > maxWatchLogs {
		a.logs = a.logs[len(a.logs)-maxWatchLogs:]
	}
}

// View implements tea.Model.
func (a *WatchApp) View() string {
	if a.quitting {
		return "Watch stopped.\n"
	}

	var b strings.Builder

	title := "SiteSmith"
	if a.workflowID != "" {
		title += "  " + a.workflowID
	}
	b.WriteString(a.headerStyle.Render(title))
	b.WriteString("\n\n")

	b.WriteString(a.renderSteps())
	b.WriteString("\n")

	if usage := a.renderUsage(); usage != "" {
		b.WriteString(usage)
		b.WriteString("\n")
	}

	if preview := a.renderContent(); preview != "" {
		b.WriteString(preview)
		b.WriteString("\n")
	}

	b.WriteString(a.renderLogs())

	b.WriteString("\n")
	switch {
	case a.done && a.err != nil:
		b.WriteString(a.failStyle.Render(fmt.Sprintf("Failed: %v", a.err)))
		b.WriteString(a.footerStyle.Render("  Press q to exit"))
	case a.done:
		b.WriteString(a.successStyle.Render("Workflow complete."))
		b.WriteString(a.footerStyle.Render("  Press q to exit"))
	default:
		b.WriteString(a.footerStyle.Render("Press q to stop watching"))
	}
	b.WriteString("\n")

	return b.String()
}

// renderSteps renders one line per workflow step.
func (a *WatchApp) renderSteps() string {
	if len(a.steps) == 0 {
		return a.pendingStyle.Render("  waiting for steps...") + "\n"
	}

	var b strings.Builder
	for _, step := range a.steps {
		var marker, label string
		style := a.pendingStyle
		switch step.Status {
		case "running":
			marker = a.spin.View()
			style = a.runningStyle
			label = "running"
		case "complete":
			marker = a.successStyle.Render("✓")
			style = a.successStyle
			label = "done"
		case "failed":
			marker = a.failStyle.Render("✗")
			style = a.failStyle
			label = "failed"
		default:
			marker = a.pendingStyle.Render("·")
			label = "pending"
		}

		line := fmt.Sprintf("  %s %-10s %s", marker, step.Type, style.Render(label))
		if step.Elapsed > 0 {
			line += a.timeStyle.Render(fmt.Sprintf("  %s", step.Elapsed.Round(time.Millisecond)))
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// renderUsage renders the running token and cost totals.
func (a *WatchApp) renderUsage() string {
	if a.tokens == 0 && a.cost == 0 {
		return ""
	}
	return fmt.Sprintf("%s%s\n",
		a.labelStyle.Render("Usage:"),
		a.contentStyle.Render(fmt.Sprintf("%d tokens  $%.4f", a.tokens, a.cost)))
}

// renderContent shows the tail of the streamed generation output.
func (a *WatchApp) renderContent() string {
	text := a.content.String()
	if text == "" {
		return ""
	}

	const tailLen = 400
	if len(text) > tailLen {
		text = "..." + text[len(text)-tailLen:]
	}

	width := a.width - 4
	if width < 40 {
		width = 40
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Width(width)
	return box.Render(a.contentStyle.Render(text)) + "\n"
}

// renderLogs renders the most recent activity log entries.
func (a *WatchApp) renderLogs() string {
	if len(a.logs) == 0 {
		return ""
	}

	visible := 8
	if a.height > 0 {
		// Leave room for header, steps, and footer.
		visible = a.height - len(a.steps) - 10
		if visible < 3 {
			visible = 3
		}
	}

	start := 0
	if len(a.logs) > visible {
		start = len(a.logs) - visible
	}

	var b strings.Builder
	for _, entry := range a.logs[start:] {
		ts := a.timeStyle.Render(entry.Timestamp.Format("15:04:05"))
		kind := lipgloss.NewStyle().
			Foreground(lipgloss.Color("63")).
			Width(7).
			Render(entry.Kind)
		b.WriteString(fmt.Sprintf("  %s %s %s\n", ts, kind, a.logStyle.Render(entry.Message)))
	}
	return b.String()
}

// Done reports whether the watched workflow reached a terminal state.
func (a *WatchApp) Done() bool {
	return a.done
}

// Err returns the terminal error, if any.
func (a *WatchApp) Err() error {
	return a.err
}

// NewWatchProgram creates a new bubbletea program for the watch TUI.
func NewWatchProgram() (*tea.Program, *WatchApp) {
	app := NewWatchApp()
	p := tea.NewProgram(app, tea.WithAltScreen())
	return p, app
}

// ForwardEvents pumps engine events into the program until the channel
// closes. Run it in its own goroutine.
func ForwardEvents(program *tea.Program, events <-chan engine.Event) {
	for ev := range events {
		program.Send(EngineEventMsg{Event: ev})
	}
}
