// Package tui implements "farmhand monitor", a terminal view of a boss's
// dispatch events.
package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/farmhand/internal/events"
)

// --- Styles ---

var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	borderStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#874BFD"))

	statusOK      = lipgloss.NewStyle().Foreground(lipgloss.Color("#00FF00"))
	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFFF00"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF0000"))
	statusQueued  = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Padding(0, 1)
)

const (
	eventPollInterval  = 500 * time.Millisecond
	healthPollInterval = 5 * time.Second
	maxEventLog        = 50
)

// --- Types ---

// Worker states shown in the table.
const (
	workerWorking  = "working"
	workerIdle     = "idle"
	workerFinished = "finished"
)

type workerRow struct {
	Rank   int
	State  string
	Job    int
	Jobs   int
	LastAt time.Time
}

type Model struct {
	apiURL string
	token  string
	client *http.Client

	width  int
	height int

	since     int64
	workers   map[int]*workerRow
	eventLog  []events.Event
	runStatus string
	lastErr   error

	health healthMsg

	workerTable table.Model
}

type eventsMsg struct {
	Events []events.Event `json:"events"`
	Next   int64          `json:"next"`
}

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Rank          int    `json:"rank"`
	GroupSize     int    `json:"group_size"`
}

type pollEventsMsg struct{}
type pollHealthMsg struct{}
type errMsg struct{ err error }

// --- Init ---

// NewMonitor builds a monitor against the API at apiURL.
func NewMonitor(apiURL, token string) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ST", Width: 2},
			{Title: "Rank", Width: 6},
			{Title: "State", Width: 10},
			{Title: "Job", Width: 8},
			{Title: "Done", Width: 6},
			{Title: "Last", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(false)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(false)
	t.SetStyles(s)

	return Model{
		apiURL:      strings.TrimRight(apiURL, "/"),
		token:       token,
		client:      &http.Client{Timeout: 2 * time.Second},
		workers:     make(map[int]*workerRow),
		workerTable: t,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchEvents(),
		m.fetchHealth(),
		tea.EnterAltScreen,
	)
}

// --- Update ---

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.workerTable.SetWidth(m.width - 6)

	case eventsMsg:
		m.lastErr = nil
		for _, ev := range msg.Events {
			m = m.applyEvent(ev)
		}
		if msg.Next > m.since {
			m.since = msg.Next
		}
		m.updateTable()
		return m, tea.Tick(eventPollInterval, func(time.Time) tea.Msg { return pollEventsMsg{} })

	case pollEventsMsg:
		return m, m.fetchEvents()

	case healthMsg:
		m.health = msg
		return m, tea.Tick(healthPollInterval, func(time.Time) tea.Msg { return pollHealthMsg{} })

	case pollHealthMsg:
		return m, m.fetchHealth()

	case errMsg:
		m.lastErr = msg.err
		return m, tea.Tick(eventPollInterval, func(time.Time) tea.Msg { return pollEventsMsg{} })
	}

	m.workerTable, cmd = m.workerTable.Update(msg)
	return m, cmd
}

func (m Model) applyEvent(e events.Event) Model {
	m.eventLog = append([]events.Event{e}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}

	switch e.Type {
	case events.TypeDispatchOrder:
		var d events.DispatchData
		if json.Unmarshal(e.Data, &d) != nil {
			return m
		}
		w := m.worker(d.Worker)
		w.State = workerWorking
		w.Job = d.JobID
		w.Jobs++
		w.LastAt = e.At
		if m.runStatus == "" {
			m.runStatus = "running"
		}

	case events.TypeWorkerIdle, events.TypeWorkerFinish:
		var d events.WorkerData
		if json.Unmarshal(e.Data, &d) != nil {
			return m
		}
		w := m.worker(d.Worker)
		w.State = workerIdle
		if e.Type == events.TypeWorkerFinish {
			w.State = workerFinished
		}
		w.LastAt = e.At

	case events.TypeRunDone:
		var d events.RunData
		if json.Unmarshal(e.Data, &d) == nil {
			m.runStatus = d.Status
		}
	}
	return m
}

func (m Model) worker(rank int) *workerRow {
	w, ok := m.workers[rank]
	if !ok {
		w = &workerRow{Rank: rank, Job: -1}
		m.workers[rank] = w
	}
	return w
}

func (m *Model) updateTable() {
	ranks := make([]int, 0, len(m.workers))
	for r := range m.workers {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)

	rows := make([]table.Row, 0, len(ranks))
	for _, r := range ranks {
		rows = append(rows, workerToRow(m.workers[r]))
	}
	m.workerTable.SetRows(rows)
}

func workerToRow(w *workerRow) table.Row {
	sym := statusQueued.Render("○")
	switch w.State {
	case workerWorking:
		sym = statusRunning.Render("◉")
	case workerIdle:
		sym = statusQueued.Render("○")
	case workerFinished:
		sym = statusOK.Render("●")
	}

	job := "-"
	if w.State == workerWorking && w.Job >= 0 {
		job = strconv.Itoa(w.Job)
	}
	last := "-"
	if !w.LastAt.IsZero() {
		last = w.LastAt.Format("15:04:05")
	}

	return table.Row{sym, strconv.Itoa(w.Rank), w.State, job, strconv.Itoa(w.Jobs), last}
}

// --- View ---

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	workersView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Workers"),
			m.workerTable.View(),
		),
	)

	eventsView := borderStyle.Width(m.width - 4).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			titleStyle.Render("Event Stream"),
			m.renderEvents(),
		),
	)

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Render(" [q] Quit • [↑/↓] Scroll Workers")

	return docStyle.Render(
		lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderHeader(),
			workersView,
			eventsView,
			help,
		),
	)
}

func (m Model) renderHeader() string {
	status := statusOK.Render("CONNECTED")
	switch {
	case m.lastErr != nil:
		status = statusFailed.Render("UNREACHABLE")
	case m.health.Status != "ok" && m.health.Status != "":
		status = statusFailed.Render("DEGRADED")
	}

	run := m.runStatus
	if run == "" {
		run = "waiting"
	}
	switch run {
	case "succeeded":
		run = statusOK.Render(run)
	case "failed":
		run = statusFailed.Render(run)
	default:
		run = statusRunning.Render(run)
	}

	uptime := time.Duration(m.health.UptimeSeconds) * time.Second
	items := []string{
		fmt.Sprintf("API: %s", status),
		fmt.Sprintf("Run: %s", run),
		fmt.Sprintf("Uptime: %s", uptime.String()),
		fmt.Sprintf("Group: %d (boss %d)", m.health.GroupSize, m.health.Rank),
	}

	cols := make([]string, len(items))
	for i, it := range items {
		cols[i] = lipgloss.NewStyle().Width((m.width - 4) / len(items)).Render(it)
	}
	return borderStyle.Width(m.width - 4).Render(lipgloss.JoinHorizontal(lipgloss.Top, cols...))
}

func (m Model) renderEvents() string {
	var lines []string
	for i, e := range m.eventLog {
		if i >= 10 {
			break
		}
		ts := e.At.Format("15:04:05")
		lines = append(lines, fmt.Sprintf("%s | %-15s | %s", ts, e.Type, string(e.Data)))
	}
	if len(lines) == 0 {
		return "  No events yet..."
	}
	return lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
}

// --- Commands ---

func (m Model) fetchEvents() tea.Cmd {
	since := m.since
	return func() tea.Msg {
		var out eventsMsg
		if err := m.getJSON("/v1/events?since="+url.QueryEscape(strconv.FormatInt(since, 10)), &out); err != nil {
			return errMsg{err}
		}
		return out
	}
}

func (m Model) fetchHealth() tea.Cmd {
	return func() tea.Msg {
		var h healthMsg
		if err := m.getJSON("/healthz", &h); err != nil {
			return errMsg{err}
		}
		return h
	}
}

func (m Model) getJSON(path string, v any) error {
	req, err := http.NewRequest(http.MethodGet, m.apiURL+path, nil)
	if err != nil {
		return err
	}
	if m.token != "" {
		req.Header.Set("Authorization", "Bearer "+m.token)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
