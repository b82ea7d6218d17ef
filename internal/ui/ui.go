// Package ui provides a terminal dashboard for watching a foreman team
// work: member status, the task board, and health alerts, fed live from
// the heartbeat and health buses.
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rowan/foreman/internal/autorun"
	"github.com/rowan/foreman/internal/bus"
	"github.com/rowan/foreman/internal/health"
	"github.com/rowan/foreman/internal/heartbeat"
	"github.com/rowan/foreman/internal/team"
)

// Panel represents which panel is currently focused.
type Panel int

const (
	PanelMembers Panel = iota
	PanelTasks
	PanelAlerts
)

// MemberRow is one teammate line in the members panel.
type MemberRow struct {
	SessionID string
	Name      string
	Role      team.Role
	Done      bool
	Idle      time.Duration
	Tokens    int64
	Task      string
}

// TaskRow is one entry of the task board.
type TaskRow struct {
	ID     string
	Title  string
	Status team.TaskStatus
	Phase  string
}

// AlertRow is one health issue line.
type AlertRow struct {
	Time   time.Time
	Kind   health.IssueKind
	Member string
	Detail string
}

// Messages delivered by Attach from the event buses.
type (
	// SnapshotMsg carries a fresh heartbeat snapshot.
	SnapshotMsg heartbeat.Snapshot
	// IssueMsg carries one detected health issue.
	IssueMsg health.Issue
	// RunStateMsg carries an autonomous-run state transition.
	RunStateMsg autorun.State
	// TasksMsg replaces the task board.
	TasksMsg []TaskRow
)

// maxAlerts bounds the alert panel history.
const maxAlerts = 100

// Model holds the dashboard state.
type Model struct {
	width       int
	height      int
	activePanel Panel
	quitting    bool

	runState  autorun.State
	objective string
	teamID    string
	takenAt   time.Time

	members        []MemberRow
	selectedMember int
	memberScroll   int

	tasks      []TaskRow
	taskScroll int

	alerts      []AlertRow
	alertScroll int

	progressTick int

	styles *Styles
}

// Styles holds the lipgloss styles for the dashboard.
type Styles struct {
	ActiveBorder   lipgloss.Style
	InactiveBorder lipgloss.Style

	Title     lipgloss.Style
	Label     lipgloss.Style
	Value     lipgloss.Style
	Highlight lipgloss.Style
	Muted     lipgloss.Style

	StatusOK      lipgloss.Style
	StatusWarn    lipgloss.Style
	StatusError   lipgloss.Style
	StatusWorking lipgloss.Style

	RowSelected lipgloss.Style

	HelpKey  lipgloss.Style
	HelpText lipgloss.Style
}

func newStyles() *Styles {
	subtle := lipgloss.AdaptiveColor{Light: "#666", Dark: "#888"}
	highlight := lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	green := lipgloss.AdaptiveColor{Light: "#22863a", Dark: "#3fb950"}
	yellow := lipgloss.AdaptiveColor{Light: "#b08800", Dark: "#d29922"}
	red := lipgloss.AdaptiveColor{Light: "#cb2431", Dark: "#f85149"}
	blue := lipgloss.AdaptiveColor{Light: "#0366d6", Dark: "#58a6ff"}

	return &Styles{
		ActiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(highlight),

		InactiveBorder: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(subtle),

		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(highlight).
			MarginBottom(1),

		Label: lipgloss.NewStyle().
			Foreground(subtle),

		Value: lipgloss.NewStyle().
			Bold(true),

		Highlight: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		Muted: lipgloss.NewStyle().
			Foreground(subtle),

		StatusOK: lipgloss.NewStyle().
			Foreground(green).
			Bold(true),

		StatusWarn: lipgloss.NewStyle().
			Foreground(yellow).
			Bold(true),

		StatusError: lipgloss.NewStyle().
			Foreground(red).
			Bold(true),

		StatusWorking: lipgloss.NewStyle().
			Foreground(blue).
			Bold(true),

		RowSelected: lipgloss.NewStyle().
			Background(highlight).
			Foreground(lipgloss.Color("#fff")).
			Bold(true),

		HelpKey: lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true),

		HelpText: lipgloss.NewStyle().
			Foreground(subtle),
	}
}

// tickMsg drives the spinner.
type tickMsg time.Time

// New creates a dashboard model.
func New(objective string) *Model {
	return &Model{
		width:       80,
		height:      24,
		activePanel: PanelMembers,
		runState:    autorun.StateIdle,
		objective:   objective,
		styles:      newStyles(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.progressTick++
		return m, tickCmd()

	case SnapshotMsg:
		return m.applySnapshot(heartbeat.Snapshot(msg)), nil

	case IssueMsg:
		return m.applyIssue(health.Issue(msg)), nil

	case RunStateMsg:
		m.runState = autorun.State(msg)
		return m, nil

	case TasksMsg:
		m.tasks = msg
		if m.taskScroll >= len(m.tasks) {
			m.taskScroll = 0
		}
		return m, nil
	}

	return m, nil
}

func (m Model) applySnapshot(snap heartbeat.Snapshot) Model {
	m.teamID = snap.TeamID
	m.takenAt = snap.TakenAt
	rows := make([]MemberRow, 0, len(snap.Members))
	for _, member := range snap.Members {
		rows = append(rows, MemberRow{
			SessionID: member.SessionID,
			Name:      member.Name,
			Role:      member.Role,
			Done:      member.Done,
			Idle:      member.Idle,
			Tokens:    member.TokensUsed,
			Task:      member.Task,
		})
	}
	m.members = rows
	if m.selectedMember >= len(m.members) {
		m.selectedMember = 0
	}
	return m
}

func (m Model) applyIssue(issue health.Issue) Model {
	m.alerts = append(m.alerts, AlertRow{
		Time:   issue.DetectedAt,
		Kind:   issue.Kind,
		Member: issue.Name,
		Detail: issue.Detail,
	})
	if len(m.alerts) > maxAlerts {
		m.alerts = m.alerts[len(m.alerts)-maxAlerts:]
	}
	// Follow the newest alert unless the user scrolled away.
	if m.alertScroll >= len(m.alerts)-2 {
		m.alertScroll = len(m.alerts) - 1
	}
	return m
}

// handleKey processes keyboard input.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab", "right", "l":
		m.activePanel = (m.activePanel + 1) % 3
		return m, nil

	case "shift+tab", "left", "h":
		m.activePanel = (m.activePanel + 2) % 3
		return m, nil

	case "up", "k":
		return m.handleUp(), nil

	case "down", "j":
		return m.handleDown(), nil
	}

	return m, nil
}

func (m Model) handleUp() Model {
	switch m.activePanel {
	case PanelMembers:
		if m.selectedMember > 0 {
			m.selectedMember--
		}
	case PanelTasks:
		if m.taskScroll > 0 {
			m.taskScroll--
		}
	case PanelAlerts:
		if m.alertScroll > 0 {
			m.alertScroll--
		}
	}
	return m
}

func (m Model) handleDown() Model {
	switch m.activePanel {
	case PanelMembers:
		if m.selectedMember < len(m.members)-1 {
			m.selectedMember++
		}
	case PanelTasks:
		if m.taskScroll < len(m.tasks)-1 {
			m.taskScroll++
		}
	case PanelAlerts:
		if m.alertScroll < len(m.alerts)-1 {
			m.alertScroll++
		}
	}
	return m
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	topHeight := m.height / 2
	bottomHeight := m.height - topHeight - 3
	leftWidth := m.width / 2
	rightWidth := m.width - leftWidth

	memberPanel := m.renderMemberPanel(leftWidth-2, topHeight-2)
	taskPanel := m.renderTaskPanel(rightWidth-2, topHeight-2)
	alertPanel := m.renderAlertPanel(m.width-2, bottomHeight-2)

	memberBorder := m.getBorder(PanelMembers).Width(leftWidth - 2).Height(topHeight - 2)
	taskBorder := m.getBorder(PanelTasks).Width(rightWidth - 2).Height(topHeight - 2)
	alertBorder := m.getBorder(PanelAlerts).Width(m.width - 2).Height(bottomHeight - 2)

	topRow := lipgloss.JoinHorizontal(
		lipgloss.Top,
		memberBorder.Render(memberPanel),
		taskBorder.Render(taskPanel),
	)

	return lipgloss.JoinVertical(
		lipgloss.Left,
		topRow,
		alertBorder.Render(alertPanel),
		m.renderHelpBar(),
	)
}

func (m Model) getBorder(panel Panel) lipgloss.Style {
	if m.activePanel == panel {
		return m.styles.ActiveBorder
	}
	return m.styles.InactiveBorder
}

func (m Model) renderMemberPanel(width, height int) string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Team"))
	b.WriteString("\n\n")

	b.WriteString(m.styles.Label.Render("Run: "))
	b.WriteString(m.runStateStyle().Render(string(m.runState)))
	if m.objective != "" {
		b.WriteString("  ")
		b.WriteString(m.styles.Muted.Render(truncate(m.objective, width-20)))
	}
	b.WriteString("\n\n")

	if len(m.members) == 0 {
		b.WriteString(m.styles.Muted.Render("No team yet"))
		return b.String()
	}

	visible := height - 5
	if visible < 1 {
		visible = 1
	}
	if m.selectedMember < m.memberScroll {
		m.memberScroll = m.selectedMember
	} else if m.selectedMember >= m.memberScroll+visible {
		m.memberScroll = m.selectedMember - visible + 1
	}

	for i := m.memberScroll; i < len(m.members) && i < m.memberScroll+visible; i++ {
		member := m.members[i]

		var icon string
		var style lipgloss.Style
		switch {
		case member.Done:
			icon = "*"
			style = m.styles.StatusOK
		case member.Idle > 3*time.Minute:
			icon = "!"
			style = m.styles.StatusWarn
		default:
			icon = m.spinner()
			style = m.styles.StatusWorking
		}

		line := fmt.Sprintf(" %s %-12s %-9s idle %-6s %dk",
			style.Render(icon), truncate(member.Name, 12), member.Role,
			formatDuration(member.Idle), member.Tokens/1000)
		if member.Task != "" {
			line += m.styles.Muted.Render("  " + truncate(member.Task, width-48))
		}
		if i == m.selectedMember && m.activePanel == PanelMembers {
			line = m.styles.RowSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	if !m.takenAt.IsZero() {
		b.WriteString(m.styles.Muted.Render(" as of " + m.takenAt.Format("15:04:05")))
	}
	return b.String()
}

func (m Model) runStateStyle() lipgloss.Style {
	switch m.runState {
	case autorun.StateCompleted:
		return m.styles.StatusOK
	case autorun.StateError:
		return m.styles.StatusError
	case autorun.StateIdle:
		return m.styles.Muted
	default:
		return m.styles.StatusWorking
	}
}

func (m Model) renderTaskPanel(width, height int) string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Tasks"))
	b.WriteString("\n\n")

	if len(m.tasks) == 0 {
		b.WriteString(m.styles.Muted.Render("No tasks yet"))
		return b.String()
	}

	visible := height - 4
	if visible < 1 {
		visible = 1
	}

	for i := m.taskScroll; i < len(m.tasks) && i < m.taskScroll+visible; i++ {
		task := m.tasks[i]

		var icon string
		var style lipgloss.Style
		switch task.Status {
		case team.TaskPending:
			icon = "o"
			style = m.styles.Muted
		case team.TaskInProgress:
			icon = m.spinner()
			style = m.styles.StatusWorking
		case team.TaskCompleted:
			icon = "*"
			style = m.styles.StatusOK
		case team.TaskFailed:
			icon = "x"
			style = m.styles.StatusError
		}

		line := fmt.Sprintf(" %s [%-10s] %s", style.Render(icon), task.Phase, truncate(task.Title, width-20))
		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(m.tasks) > visible {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf(" [%d/%d]", m.taskScroll+1, len(m.tasks))))
	}
	return b.String()
}

func (m Model) renderAlertPanel(width, height int) string {
	var b strings.Builder

	b.WriteString(m.styles.Title.Render("Alerts"))
	b.WriteString("\n\n")

	if len(m.alerts) == 0 {
		b.WriteString(m.styles.Muted.Render("No health issues"))
		return b.String()
	}

	visible := height - 4
	if visible < 1 {
		visible = 1
	}
	start := m.alertScroll
	if start+visible > len(m.alerts) {
		start = len(m.alerts) - visible
		if start < 0 {
			start = 0
		}
	}

	for i := start; i < len(m.alerts) && i < start+visible; i++ {
		alert := m.alerts[i]

		style := m.styles.StatusWarn
		switch alert.Kind {
		case health.IssueStall, health.IssueRetryStormKill:
			style = m.styles.StatusError
		case health.IssueContextExhaustion:
			style = m.styles.StatusWorking
		}

		line := fmt.Sprintf("%s %s %s %s",
			m.styles.Muted.Render(alert.Time.Format("15:04:05")),
			style.Render(fmt.Sprintf("[%-21s]", alert.Kind)),
			m.styles.Value.Render(alert.Member),
			truncate(alert.Detail, width-45),
		)
		b.WriteString(line)
		b.WriteString("\n")
	}

	if len(m.alerts) > visible {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf(" [%d/%d]", m.alertScroll+1, len(m.alerts))))
	}
	return b.String()
}

func (m Model) spinner() string {
	frames := []string{"|", "/", "-", "\\"}
	return frames[m.progressTick%len(frames)]
}

func (m Model) renderHelpBar() string {
	helpItems := []struct {
		key  string
		desc string
	}{
		{"tab", "switch panel"},
		{"j/k", "up/down"},
		{"q", "quit"},
	}

	var parts []string
	for _, item := range helpItems {
		parts = append(parts, fmt.Sprintf("%s %s",
			m.styles.HelpKey.Render(item.key),
			m.styles.HelpText.Render(item.desc),
		))
	}

	return "  " + strings.Join(parts, "  |  ")
}

func truncate(s string, max int) string {
	if max < 4 {
		max = 4
	}
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
	return fmt.Sprintf("%dd", int(d.Hours()/24))
}

// Run starts the dashboard and blocks until quit.
func (m *Model) Run() error {
	p := tea.NewProgram(*m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Attach subscribes a running program to the snapshot and issue buses.
// The returned cancel unsubscribes both; call it before stopping the
// program.
func Attach(p *tea.Program, snapshots *bus.Bus[heartbeat.Snapshot], issues *bus.Bus[health.Issue]) (cancel func()) {
	cancelSnap := snapshots.Subscribe(bus.TopicAll, func(snap heartbeat.Snapshot) {
		p.Send(SnapshotMsg(snap))
	})
	cancelIssues := issues.Subscribe(bus.TopicAll, func(issue health.Issue) {
		p.Send(IssueMsg(issue))
	})
	return func() {
		cancelSnap()
		cancelIssues()
	}
}

// RunWithProgram starts the dashboard in the background and returns the
// program for external control (bus attachment, message injection).
func (m *Model) RunWithProgram() (*tea.Program, error) {
	p := tea.NewProgram(*m, tea.WithAltScreen())
	go func() {
		_, _ = p.Run()
	}()
	return p, nil
}
