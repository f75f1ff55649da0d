// Package watch is a live terminal dashboard for a running daemon.
package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Snapshot mirrors the daemon's /v1/status response.
type Snapshot struct {
	Status        string      `json:"status"`
	UptimeSeconds int64       `json:"uptime_seconds"`
	Runner        RunnerState `json:"runner"`
	Socket        SocketState `json:"socket"`
	Call          CallState   `json:"call"`
	Foreground    bool        `json:"foreground"`
	QueuePending  int         `json:"queue_pending"`
}

type RunnerState struct {
	Running              bool          `json:"running"`
	CheckInterval        time.Duration `json:"checkInterval"`
	ConsecutiveSuccesses int           `json:"consecutiveSuccesses"`
	ConsecutiveErrors    int           `json:"consecutiveErrors"`
	LastConnected        bool          `json:"lastConnected"`
}

type SocketState struct {
	Connected bool   `json:"connected"`
	ProfileID string `json:"profileId"`
}

type CallState struct {
	State      string `json:"state"`
	CallerID   string `json:"callerId"`
	CallerName string `json:"callerName"`
	Channel    string `json:"channelName"`
	IsAudio    bool   `json:"isAudio"`
	ViaBridge  bool   `json:"viaBridge"`
}

func (c CallState) ringing() bool { return c.State == "displaying" }

// FetchFunc loads the current daemon status.
type FetchFunc func(ctx context.Context) (Snapshot, error)

// ActionFunc applies a call action: accept, reject, open or cancel.
type ActionFunc func(ctx context.Context, action string) error

type snapshotMsg struct {
	snap Snapshot
	err  error
}

type actionMsg struct {
	action string
	err    error
}

type pollTickMsg struct{}

const maxLogLines = 200

type model struct {
	ctx      context.Context
	fetch    FetchFunc
	act      ActionFunc
	interval time.Duration
	now      func() time.Time

	theme     theme
	spinner   spinner.Model
	viewport  viewport.Model
	entries   []string
	snap      Snapshot
	haveSnap  bool
	width     int
	height    int
	isReady   bool
	lastErr   string
	followLog bool
}

func newModel(ctx context.Context, fetch FetchFunc, act ActionFunc, interval time.Duration) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	if interval <= 0 {
		interval = time.Second
	}

	return &model{
		ctx:       ctx,
		fetch:     fetch,
		act:       act,
		interval:  interval,
		now:       time.Now,
		theme:     defaultTheme(),
		spinner:   spin,
		viewport:  viewport.New(80, 10),
		width:     100,
		height:    30,
		followLog: true,
	}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, fetchCmd(m.ctx, m.fetch))
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport()
		m.isReady = true
		return m, nil

	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		case "a":
			return m, actionCmd(m.ctx, m.act, "accept")
		case "r":
			return m, actionCmd(m.ctx, m.act, "reject")
		case "o":
			return m, actionCmd(m.ctx, m.act, "open")
		case "c":
			return m, actionCmd(m.ctx, m.act, "cancel")
		}
		m.handleViewportKey(typed)
		return m, nil

	case spinner.TickMsg:
		if m.haveSnap {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd

	case pollTickMsg:
		return m, fetchCmd(m.ctx, m.fetch)

	case snapshotMsg:
		m.applySnapshot(typed)
		return m, pollCmd(m.interval)

	case actionMsg:
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			m.appendLog(fmt.Sprintf("%s failed: %v", typed.action, typed.err))
		} else {
			m.lastErr = ""
			m.appendLog(actionLogLine(typed.action))
		}
		m.refreshViewport()
		return m, fetchCmd(m.ctx, m.fetch)
	}

	return m, nil
}

func (m *model) applySnapshot(msg snapshotMsg) {
	if msg.err != nil {
		text := "daemon unreachable: " + msg.err.Error()
		if m.lastErr != text {
			m.appendLog(text)
		}
		m.lastErr = text
		m.refreshViewport()
		return
	}

	if strings.HasPrefix(m.lastErr, "daemon unreachable") {
		m.lastErr = ""
	}
	for _, line := range changes(m.snap, msg.snap, !m.haveSnap) {
		m.appendLog(line)
	}
	m.snap = msg.snap
	m.haveSnap = true
	m.refreshViewport()
}

// changes describes what differs between two snapshots as log lines.
func changes(prev, next Snapshot, first bool) []string {
	var lines []string
	if first {
		lines = append(lines, "attached to daemon")
	}

	if first || prev.Runner.Running != next.Runner.Running {
		if next.Runner.Running {
			lines = append(lines, "supervisor running")
		} else {
			lines = append(lines, "supervisor stopped")
		}
	}

	if first || prev.Socket.Connected != next.Socket.Connected {
		if next.Socket.Connected {
			lines = append(lines, fmt.Sprintf("realtime link up (profile %s)", displayOrNA(next.Socket.ProfileID)))
		} else if !first {
			lines = append(lines, "realtime link down")
		}
	}

	if next.Runner.ConsecutiveErrors > prev.Runner.ConsecutiveErrors {
		lines = append(lines, fmt.Sprintf("supervisor tick failed (%d in a row)", next.Runner.ConsecutiveErrors))
	}

	switch {
	case next.Call.ringing() && (!prev.Call.ringing() || prev.Call.CallerID != next.Call.CallerID || prev.Call.Channel != next.Call.Channel):
		lines = append(lines, fmt.Sprintf("incoming %s call from %s", callKind(next.Call), callerLabel(next.Call)))
	case prev.Call.ringing() && !next.Call.ringing():
		lines = append(lines, "call alert cleared")
	}

	return lines
}

func (m *model) appendLog(line string) {
	m.entries = append(m.entries, m.now().Format("15:04:05")+"  "+line)
	if len(m.entries) > maxLogLines {
		m.entries = m.entries[len(m.entries)-maxLogLines:]
	}
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport()
	}

	header := m.theme.header.Width(m.width - 2).Render("📟 Beacon Monitor")
	meta := m.theme.headerMeta.Render(fmt.Sprintf(
		"uptime:%s · queue:%d · app:%s",
		(time.Duration(m.snap.UptimeSeconds) * time.Second).String(),
		m.snap.QueuePending,
		appState(m.snap.Foreground),
	))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	if !m.haveSnap {
		status := m.theme.statusBusy.Render(fmt.Sprintf("%s ⚡ contacting daemon...", m.spinner.View()))
		if m.lastErr != "" {
			status = m.theme.statusErr.Render("🚨 " + m.lastErr)
		}
		return lipgloss.JoinVertical(lipgloss.Left, header, line, status)
	}

	status := m.theme.status.Render("a accept · r reject · o open · c cancel · PgUp/PgDn scroll · q quit")
	if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 " + m.lastErr)
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.panelView(),
		m.callView(),
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
	)
}

func (m *model) panelView() string {
	row := func(label, value string) string {
		return m.theme.label.Render(label) + value
	}
	runner := m.theme.bad.Render("stopped")
	if m.snap.Runner.Running {
		runner = m.theme.good.Render("running")
	}
	link := m.theme.bad.Render("down")
	if m.snap.Socket.Connected {
		link = m.theme.good.Render("up") + m.theme.hint.Render(" as "+displayOrNA(m.snap.Socket.ProfileID))
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		row("supervisor", runner),
		row("link", link),
		row("interval", m.theme.value.Render(m.snap.Runner.CheckInterval.String())),
		row("stable", m.theme.value.Render(fmt.Sprintf("%d ticks", m.snap.Runner.ConsecutiveSuccesses))),
		row("errors", m.theme.value.Render(fmt.Sprintf("%d in a row", m.snap.Runner.ConsecutiveErrors))),
	)
}

func (m *model) callView() string {
	width := max(40, m.width-6)
	if !m.snap.Call.ringing() {
		return m.theme.idleBox.Width(width).Render("no call ringing")
	}
	title := m.theme.callTitle.Render(fmt.Sprintf("📞 %s call", callKind(m.snap.Call)))
	body := fmt.Sprintf("from %s\nchannel %s", callerLabel(m.snap.Call), m.snap.Call.Channel)
	if m.snap.Call.ViaBridge {
		body += "\n" + m.theme.hint.Render("shown on the native call screen")
	}
	return lipgloss.JoinVertical(lipgloss.Left, title, m.theme.callBox.Width(width).Render(body))
}

func (m *model) resizeComponents() {
	m.viewport.Width = max(50, m.width-6)
	m.viewport.Height = max(5, m.height-20)
}

func (m *model) refreshViewport() {
	m.viewport.SetContent(strings.Join(m.entries, "\n"))
	if m.followLog {
		m.viewport.GotoBottom()
	}
}

func (m *model) handleViewportKey(msg tea.KeyMsg) bool {
	switch msg.String() {
	case "pgup", "ctrl+b", "up", "k":
		m.viewport.PageUp()
		m.followLog = false
		return true
	case "pgdown", "ctrl+f", "down", "j":
		m.viewport.PageDown()
		if m.viewport.AtBottom() {
			m.followLog = true
		}
		return true
	case "home":
		m.viewport.GotoTop()
		m.followLog = false
		return true
	case "end":
		m.viewport.GotoBottom()
		m.followLog = true
		return true
	default:
		return false
	}
}

func fetchCmd(ctx context.Context, fetch FetchFunc) tea.Cmd {
	return func() tea.Msg {
		snap, err := fetch(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func actionCmd(ctx context.Context, act ActionFunc, action string) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{action: action, err: act(ctx, action)}
	}
}

func pollCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(time.Time) tea.Msg {
		return pollTickMsg{}
	})
}

func actionLogLine(action string) string {
	switch action {
	case "accept":
		return "call accepted"
	case "reject":
		return "call rejected, caller notified"
	case "open":
		return "call screen requested"
	default:
		return "call alert cancelled"
	}
}

func callKind(c CallState) string {
	if c.IsAudio {
		return "audio"
	}
	return "video"
}

func callerLabel(c CallState) string {
	name := strings.TrimSpace(c.CallerName)
	if name == "" {
		return displayOrNA(c.CallerID)
	}
	return name
}

func appState(foreground bool) string {
	if foreground {
		return "foreground"
	}
	return "background"
}

func displayOrNA(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "n/a"
	}

	return trimmed
}
