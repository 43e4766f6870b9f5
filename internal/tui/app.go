package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/feeder/internal/models"
	"github.com/mpataki/feeder/internal/storage"
	"github.com/mpataki/feeder/internal/webserver"
)

// Backend is what the dashboard drives. client.Client satisfies it.
type Backend interface {
	Status(ctx context.Context) (*webserver.StatusResponse, error)
	Feed(ctx context.Context, req webserver.FeedRequest) (*webserver.FeedResponse, error)
	Stop(ctx context.Context) (bool, error)
	UpdateSchedule(ctx context.Context, u models.ScheduleUpdate) (models.ScheduleConfig, error)
	History(ctx context.Context, limit int) ([]*models.FeedRecord, error)
}

type View int

const (
	ViewDashboard View = iota
	ViewEditSteps
)

const historyRows = 5

type App struct {
	backend Backend
	keys    keyMap

	view    View
	status  *webserver.StatusResponse
	history []*models.FeedRecord
	steps   int
	notice  string

	spinner spinner.Model
	input   textinput.Model

	width  int
	height int
	err    error
}

// NewApp builds the dashboard. steps is the amount f feeds until edited.
func NewApp(backend Backend, steps int) *App {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusRunning

	input := textinput.New()
	input.Prompt = "steps> "
	input.PromptStyle = titleStyle
	input.Placeholder = strconv.Itoa(steps)
	input.CharLimit = 6

	return &App{
		backend: backend,
		keys:    defaultKeyMap(),
		view:    ViewDashboard,
		steps:   steps,
		spinner: sp,
		input:   input,
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadStatus, a.spinner.Tick, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) running() bool {
	return a.status != nil && a.status.Session.Status == models.StatusRunning
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case statusLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.status = msg.status
			a.history = msg.history
		}
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.loadStatus, a.tickCmd())

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case actionDoneMsg:
		a.err = msg.err
		if msg.err == nil {
			a.notice = msg.notice
		}
		return a, a.loadStatus
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewEditSteps:
		return a.handleEditKey(msg)
	default:
		return a.handleDashboardKey(msg)
	}
}

func (a *App) handleDashboardKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, a.keys.Quit):
		return a, tea.Quit

	case key.Matches(msg, a.keys.Feed):
		return a, a.feed(a.steps)

	case key.Matches(msg, a.keys.Stop):
		return a, a.stop

	case key.Matches(msg, a.keys.Edit):
		a.view = ViewEditSteps
		a.input.SetValue("")
		a.input.Placeholder = strconv.Itoa(a.steps)
		return a, a.input.Focus()

	case key.Matches(msg, a.keys.Toggle):
		if a.status == nil {
			return a, nil
		}
		return a, a.setScheduleEnabled(!a.status.Schedule.Enabled)

	case key.Matches(msg, a.keys.Refresh):
		return a, a.loadStatus
	}

	return a, nil
}

func (a *App) handleEditKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, a.keys.Escape):
		a.view = ViewDashboard
		a.input.Blur()
		return a, nil

	case key.Matches(msg, a.keys.Confirm):
		raw := strings.TrimSpace(a.input.Value())
		if raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				a.err = fmt.Errorf("steps must be a non-negative number, got %q", raw)
				return a, nil
			}
			a.steps = n
			a.notice = fmt.Sprintf("feed amount set to %d steps", n)
		}
		a.err = nil
		a.view = ViewDashboard
		a.input.Blur()
		return a, nil

	case msg.String() == "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) View() string {
	switch a.view {
	case ViewEditSteps:
		return a.viewEditSteps()
	default:
		return a.viewDashboard()
	}
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete  = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewDashboard() string {
	s := titleStyle.Render("Feeder") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	} else if a.notice != "" {
		s += dimStyle.Render(a.notice) + "\n\n"
	}

	if a.status == nil {
		s += "Connecting...\n"
		s += "\n" + helpStyle.Render("[q] quit")
		return s
	}

	sess := a.status.Session
	if a.running() {
		line := fmt.Sprintf("%s running run #%d (%s)", a.spinner.View(), sess.RunID, sess.Trigger)
		if sess.Plan != nil {
			line += fmt.Sprintf("  %d/%d steps", sess.StepsMoved, sess.Plan.TotalSteps)
		}
		s += statusRunning.Render(line) + "\n"
	} else {
		s += statusComplete.Render("● idle") + "\n"
	}
	s += labelStyle.Render("Feed amount: ") + fmt.Sprintf("%d steps", a.steps) + "\n\n"

	sched := a.status.Schedule
	s += labelStyle.Render("Schedule:  ")
	if sched.Enabled {
		s += statusComplete.Render("on") + fmt.Sprintf("  daily at %s  %s", sched.TriggerTime, dimStyle.Render(sched.Plan.String()))
		if next := a.status.NextFeed; next != nil {
			s += "\n" + labelStyle.Render("Next feed: ") + next.Format("Mon 15:04")
		}
	} else {
		s += dimStyle.Render("off") + fmt.Sprintf("  (%s)", sched.TriggerTime)
	}
	s += "\n"
	if last := a.status.LastFeed; last != nil {
		s += labelStyle.Render("Last fed:  ") + storage.FormatTimeAgo(last.FinishedAt) + "\n"
	}

	s += "\nRecent Feeds\n"
	s += "────────────\n"
	if len(a.history) == 0 {
		s += "(no feeds yet)\n"
	} else {
		for _, rec := range a.history {
			s += "  " + a.formatFeedLine(rec) + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[f] feed  [s] stop  [e] steps  [t] toggle schedule  [r] refresh  [q] quit")
	return s
}

func (a *App) viewEditSteps() string {
	s := titleStyle.Render("Feed amount") + "\n\n"
	s += a.input.View() + "\n"
	if a.err != nil {
		s += "\n" + statusFailed.Render(a.err.Error()) + "\n"
	}
	s += "\n" + helpStyle.Render("[enter] save  [esc] cancel")
	return s
}

func (a *App) formatFeedLine(rec *models.FeedRecord) string {
	reason := formatReason(rec.Reason)
	when := rec.StartedAt.Format("Jan 02 15:04")
	return fmt.Sprintf("#%-3d %s  %-9s %s  %5d steps  %s",
		rec.ID, when, rec.Trigger, reason, rec.StepsMoved, dimStyle.Render(formatDuration(rec.Duration())))
}

func formatReason(r models.CompletionReason) string {
	switch r {
	case models.ReasonFinished:
		return statusComplete.Render("✓ finished ")
	case models.ReasonCancelled:
		return statusCancelled.Render("■ cancelled")
	case models.ReasonFaulted:
		return statusFailed.Render("✗ faulted  ")
	default:
		return string(r)
	}
}

// Messages

type statusLoadedMsg struct {
	status  *webserver.StatusResponse
	history []*models.FeedRecord
	err     error
}

type actionDoneMsg struct {
	notice string
	err    error
}

// Commands

func (a *App) loadStatus() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status, err := a.backend.Status(ctx)
	if err != nil {
		return statusLoadedMsg{err: err}
	}
	history, err := a.backend.History(ctx, historyRows)
	return statusLoadedMsg{status: status, history: history, err: err}
}

func (a *App) feed(steps int) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := a.backend.Feed(ctx, webserver.FeedRequest{Steps: &steps})
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{notice: fmt.Sprintf("started run #%d: %s", resp.RunID, resp.Plan)}
	}
}

func (a *App) stop() tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stopped, err := a.backend.Stop(ctx)
	if err != nil {
		return actionDoneMsg{err: err}
	}
	if !stopped {
		return actionDoneMsg{notice: "nothing to stop"}
	}
	return actionDoneMsg{notice: "stop requested"}
}

func (a *App) setScheduleEnabled(enabled bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		cfg, err := a.backend.UpdateSchedule(ctx, models.ScheduleUpdate{Enabled: &enabled})
		if err != nil {
			return actionDoneMsg{err: err}
		}
		state := "off"
		if cfg.Enabled {
			state = "on at " + cfg.TriggerTime.String()
		}
		return actionDoneMsg{notice: "schedule " + state}
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
