// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Command monitor is a terminal dashboard for a running scheduler. It polls
// the HTTP API and shows task counts and the worker pool.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"

	"videofleet/src/fleet"
	"videofleet/src/model"
	"videofleet/src/store"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func main() {
	_ = godotenv.Load()
	port := os.Getenv("API_PORT")
	if port == "" {
		port = "8080"
	}
	apiHost := flag.String("api_host", "localhost", "Scheduler API host")
	apiPort := flag.String("api_port", port, "Scheduler API port")
	interval := flag.Duration("interval", time.Second, "Refresh interval")
	flag.Parse()

	api := &apiClient{
		base: fmt.Sprintf("http://%s:%s", *apiHost, *apiPort),
		http: &http.Client{Timeout: 5 * time.Second},
	}
	if _, err := tea.NewProgram(newMonitor(api, *interval), tea.WithAltScreen()).Run(); err != nil {
		fmt.Fprintln(os.Stderr, errStyle.Render(err.Error()))
		os.Exit(1)
	}
}

type apiClient struct {
	base string
	http *http.Client
}

func (c *apiClient) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

// snapshot is one poll of the scheduler.
type snapshot struct {
	stats   store.Stats
	windows fleet.Status
	err     error
	at      time.Time
}

type tickMsg time.Time

type fetcher interface {
	get(ctx context.Context, path string, v any) error
}

type monitor struct {
	api      fetcher
	interval time.Duration

	started  time.Time
	baseline *store.Stats
	last     snapshot
	table    table.Model
	width    int
}

func newMonitor(api fetcher, interval time.Duration) monitor {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "Worker", Width: 18},
			{Title: "State", Width: 8},
			{Title: "Task", Width: 8},
			{Title: "Pending", Width: 8},
			{Title: "Quota", Width: 10},
			{Title: "Since", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	return monitor{api: api, interval: interval, started: time.Now(), table: t}
}

func (m monitor) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s := snapshot{at: time.Now()}
		if err := m.api.get(ctx, "/global-status", &s.stats); err != nil {
			s.err = err
			return s
		}
		if err := m.api.get(ctx, "/api/windows/status", &s.windows); err != nil {
			s.err = err
		}
		return s
	}
}

func (m monitor) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m monitor) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m monitor) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetch()
		}
	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())
	case snapshot:
		m.last = msg
		if msg.err == nil {
			if m.baseline == nil {
				base := msg.stats
				m.baseline = &base
			}
			m.table.SetRows(windowRows(msg.windows, msg.at))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func windowRows(st fleet.Status, now time.Time) []table.Row {
	rows := make([]table.Row, 0, len(st.Windows))
	for _, w := range st.Windows {
		task := "-"
		if w.CurrentTaskID != nil {
			task = strconv.FormatInt(*w.CurrentTaskID, 10)
		}
		quota := "-"
		if w.Quota != nil && w.Quota.Remaining != nil {
			quota = strconv.Itoa(*w.Quota.Remaining)
			if w.Quota.Limit != nil {
				quota += "/" + strconv.Itoa(*w.Quota.Limit)
			}
		}
		since := "-"
		if !w.Since.IsZero() {
			since = now.Sub(w.Since).Truncate(time.Second).String()
		}
		rows = append(rows, table.Row{w.ID, string(w.State), task, strconv.Itoa(w.PendingTasks), quota, since})
	}
	return rows
}

func (m monitor) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("VIDEOFLEET MONITOR"))
	b.WriteString(mutedStyle.Render(fmt.Sprintf("  up %s  (r refresh, q quit)", time.Since(m.started).Round(time.Second))))
	b.WriteString("\n\n")

	if m.last.at.IsZero() {
		b.WriteString(mutedStyle.Render("Connecting..."))
		return b.String()
	}
	if m.last.err != nil {
		b.WriteString(errStyle.Render("Error: " + m.last.err.Error() + " (retrying)"))
		b.WriteString("\n\n")
	}

	st := m.last.stats
	done := st.Counts[model.TaskSuccess] + st.Counts[model.TaskPublished]
	failed := st.Counts[model.TaskFailed] + st.Counts[model.TaskPublishFailed]
	var doneDelta, failedDelta int
	if m.baseline != nil {
		doneDelta = done - m.baseline.Counts[model.TaskSuccess] - m.baseline.Counts[model.TaskPublished]
		failedDelta = failed - m.baseline.Counts[model.TaskFailed] - m.baseline.Counts[model.TaskPublishFailed]
	}
	failStyle := okStyle
	if failedDelta > 0 {
		failStyle = errStyle
	}
	summary := lipgloss.JoinVertical(lipgloss.Left,
		fmt.Sprintf("%-14s %d", "Total:", st.Total),
		fmt.Sprintf("%-14s %s", "Pending:", warnStyle.Render(strconv.Itoa(st.Counts[model.TaskPending]))),
		fmt.Sprintf("%-14s %s", "Running:", warnStyle.Render(strconv.Itoa(st.Counts[model.TaskRunning]))),
		fmt.Sprintf("%-14s %s (+%d)", "Completed:", okStyle.Render(strconv.Itoa(done)), doneDelta),
		fmt.Sprintf("%-14s %s", "Published:", okStyle.Render(strconv.Itoa(st.Counts[model.TaskPublished]))),
		fmt.Sprintf("%-14s %s (+%d)", "Failed:", failStyle.Render(strconv.Itoa(failed)), failedDelta),
		fmt.Sprintf("%-14s %.1fs", "Avg exec:", st.AvgExecutionSec),
		fmt.Sprintf("%-14s %.1f tasks/hr", "Throughput:", st.ThroughputPerHour),
	)
	pool := fmt.Sprintf("%d idle  %d busy  %d error  %d unassigned pending",
		m.last.windows.Counts[model.WorkerIdle], m.last.windows.Counts[model.WorkerBusy],
		m.last.windows.Counts[model.WorkerError], m.last.windows.UnassignedPending)

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		panelStyle.Render(summary),
		panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, mutedStyle.Render(pool), m.table.View())),
	))
	b.WriteString("\n")
	return b.String()
}
