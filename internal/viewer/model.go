// Package viewer is the terminal dashboard: it tails a pr-monitor status
// log and writes single-shot trigger records the agent's watcher consumes.
// It shares no memory with the agent; the files are the whole contract.
package viewer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/m-nash/pr-copilot/internal/statuslog"
)

const (
	pollEvery    = 500 * time.Millisecond
	maxEventRows = 12
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true)
	labelStyle  = lipgloss.NewStyle().Faint(true)
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	pendStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	helpStyle   = lipgloss.NewStyle().Faint(true)
)

type tickMsg time.Time

// Model is the dashboard's bubbletea model.
type Model struct {
	logPath     string
	triggerPath string

	tailer   *statuslog.Tailer
	header   *statuslog.Header
	status   *statuslog.StatusSnapshot
	terminal *statuslog.TerminalRecord
	events   []string
	stoppedAt string

	picking bool // choosing a waiting thread for an ACTION trigger
	width   int
	height  int
	spin    spinner.Model
	err     error
}

// New creates a Model tailing logPath and writing triggers to triggerPath.
func New(logPath, triggerPath string) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		logPath:     logPath,
		triggerPath: triggerPath,
		tailer:      statuslog.NewTailer(logPath),
		spin:        sp,
	}
}

// Init schedules the first poll.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), m.spin.Tick)
}

func tick() tea.Cmd {
	return tea.Tick(pollEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles polling ticks and key input.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tickMsg:
		records, err := m.tailer.Poll()
		if err != nil {
			m.err = err
			return m, tick()
		}
		m.err = nil
		for _, rec := range records {
			m.apply(rec)
		}
		return m, tick()

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()

	if m.picking {
		m.picking = false
		if m.status != nil {
			if n := digit(key); n >= 1 && n <= len(m.status.Waiting) {
				m.writeTrigger("ACTION|" + m.status.Waiting[n-1].ID)
			}
		}
		return m, nil
	}

	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "e":
		m.writeTrigger("EXTEND|" + time.Now().Format(time.RFC3339))
	case "w":
		m.writeTrigger(time.Now().Format(time.RFC3339))
	case "a":
		if m.status != nil && len(m.status.Waiting) > 0 {
			m.picking = true
		}
	}
	return m, nil
}

// writeTrigger replaces the trigger file in one shot; the agent's watcher
// reads and deletes it.
func (m *Model) writeTrigger(content string) {
	if err := os.WriteFile(m.triggerPath, []byte(content+"\n"), 0o644); err != nil {
		m.err = err
	}
}

func (m *Model) apply(rec statuslog.Record) {
	switch rec.Type {
	case statuslog.TypeHeader:
		m.header = rec.Header
	case statuslog.TypeStatus:
		m.status = rec.Status
		m.terminal = nil
	case statuslog.TypeTerminal:
		m.terminal = rec.Terminal
	case statuslog.TypeResuming, statuslog.TypePaused, statuslog.TypeError:
		m.pushEvent(fmt.Sprintf("%s  %s  %s", rec.Timestamp, rec.Type, rec.Message))
	case statuslog.TypeStopped:
		m.stoppedAt = rec.Timestamp
		m.pushEvent(fmt.Sprintf("%s  STOPPED  %s", rec.Timestamp, rec.Message))
	}
}

func (m *Model) pushEvent(line string) {
	m.events = append(m.events, line)
	if len(m.events) > maxEventRows {
		m.events = m.events[len(m.events)-maxEventRows:]
	}
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder

	if m.header != nil {
		fmt.Fprintf(&b, "%s\n%s\n\n",
			titleStyle.Render(fmt.Sprintf("PR #%d  %s", m.header.Number, m.header.Title)),
			labelStyle.Render(m.header.URL))
	} else {
		b.WriteString(titleStyle.Render("pr-copilot viewer") + "\n\n")
	}

	if m.status == nil {
		b.WriteString(m.spin.View() + " waiting for the first status record...\n")
	} else {
		s := m.status
		fmt.Fprintf(&b, "checks  %s %s %s  (cancelled %d / total %d)\n",
			passStyle.Render(fmt.Sprintf("passed %d", s.Checks.Passed)),
			failStyle.Render(fmt.Sprintf("failed %d", s.Checks.Failed)),
			pendStyle.Render(fmt.Sprintf("pending %d queued %d", s.Checks.Pending, s.Checks.Queued)),
			s.Checks.Cancelled, s.Checks.Total)
		fmt.Fprintf(&b, "approvals %d (stale %d)   comments: needs-action %d, waiting %d\n",
			s.Approvals, s.StaleApprovals, s.Unresolved, s.WaitingForReply)
		for _, f := range s.Checks.Failures {
			fmt.Fprintf(&b, "  %s %s\n", failStyle.Render("✗ "+f.Name), labelStyle.Render(f.Title))
		}
		after := ""
		if s.AfterHours {
			after = "  (after hours)"
		}
		fmt.Fprintf(&b, "next check in %ds%s  at %s\n", s.NextCheckSeconds, after, s.Timestamp)
	}

	if m.terminal != nil {
		fmt.Fprintf(&b, "\n%s\n%s\n",
			bannerStyle.Render("⏸ "+m.terminal.State),
			m.terminal.Description)
	}

	if len(m.events) > 0 {
		b.WriteString("\n")
		for _, e := range m.events {
			b.WriteString(labelStyle.Render(e) + "\n")
		}
	}

	if m.err != nil {
		fmt.Fprintf(&b, "\n%s\n", failStyle.Render("error: "+m.err.Error()))
	}

	if m.picking {
		b.WriteString("\npick a thread:\n")
		for i, w := range m.status.Waiting {
			loc := w.Path
			if loc == "" {
				loc = "the PR"
			}
			fmt.Fprintf(&b, "  %d. %s on %s\n", i+1, w.Author, loc)
		}
	}

	if m.stoppedAt != "" {
		fmt.Fprintf(&b, "\n%s\n", bannerStyle.Render("monitoring stopped at "+m.stoppedAt))
	}

	b.WriteString("\n" + helpStyle.Render("a action · e extend · w wake · q quit"))
	return b.String()
}

func digit(key string) int {
	if len(key) == 1 && key[0] >= '1' && key[0] <= '9' {
		return int(key[0] - '0')
	}
	return 0
}
