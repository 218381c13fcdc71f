package monitor

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// queueCapacity scales the queue bar; it matches the largest patch.
const queueCapacity = 64

type Options struct {
	Context  context.Context
	Store    *Store
	Fetcher  Fetcher
	Endpoint string
	PollTick time.Duration
}

type Model struct {
	ctx      context.Context
	store    *Store
	fetcher  Fetcher
	endpoint string
	pollTick time.Duration

	keys     keyMap
	help     help.Model
	showHelp bool
	width    int

	snapshot Snapshot
}

func New(opts Options) Model {
	ctx := opts.Context
	if ctx == nil {
		ctx = context.Background()
	}
	pollTick := opts.PollTick
	if pollTick == 0 {
		pollTick = time.Second
	}
	return Model{
		ctx:      ctx,
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		endpoint: opts.Endpoint,
		pollTick: pollTick,
		keys:     defaultKeyMap(),
		help:     help.New(),
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tickCmd(m.pollTick), fetchSnapshotCmd(m.store))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Help):
			m.showHelp = !m.showHelp
			m.help.ShowAll = m.showHelp
			return m, nil
		case key.Matches(msg, m.keys.Refresh):
			return m, refreshCmd(m.ctx, m.store, m.fetcher)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tickMsg:
		return m, tea.Batch(tickCmd(m.pollTick), fetchSnapshotCmd(m.store))

	case snapshotMsg:
		m.snapshot = Snapshot(msg)
		return m, nil
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	barStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)

	healthStyles = map[Health]lipgloss.Style{
		HealthLoading:  lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		HealthOnline:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		HealthDegraded: lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true),
		HealthOffline:  lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true),
	}
)

// View implements tea.Model.
func (m Model) View() string {
	snap := m.snapshot
	health := snap.Health()
	metrics := snap.Metrics

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", titleStyle.Render("DMX backend"), healthStyles[health].Render(health.String()))
	if m.endpoint != "" {
		fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("Endpoint:"), m.endpoint)
	}
	if snap.LastError != nil {
		fmt.Fprintf(&b, "%s\n", errorStyle.Render("Error: "+snap.LastError.Error()))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "%s %.0f\n", labelStyle.Render("WS clients:  "), metrics.Clients())
	fmt.Fprintf(&b, "%s %.0f\n", labelStyle.Render("Cmds total:  "), metrics.Commands())
	if latency, ok := metrics.ApplyLatency(); ok {
		fmt.Fprintf(&b, "%s %.1f ms\n", labelStyle.Render("Latency:     "), latency)
	} else {
		fmt.Fprintf(&b, "%s -\n", labelStyle.Render("Latency:     "))
	}
	depth := metrics.QueueDepth()
	fmt.Fprintf(&b, "%s %.0f %s\n", labelStyle.Render("Queue depth: "), depth, renderBar(queuePercent(depth), 20))

	updated := "-"
	if !snap.LastUpdated.IsZero() {
		updated = snap.LastUpdated.Format("15:04:05")
	}
	fmt.Fprintf(&b, "\n%s %s", labelStyle.Render("Updated:"), updated)

	return boxStyle.Render(b.String()) + "\n" + m.help.View(m.keys)
}

// queuePercent maps depth onto 0..100 against queueCapacity.
func queuePercent(depth float64) int {
	return int(math.Max(0, math.Min(100, math.Round(depth/queueCapacity*100))))
}

func renderBar(percent, width int) string {
	filled := percent * width / 100
	return barStyle.Render(strings.Repeat("█", filled)) + strings.Repeat("░", width-filled)
}

// Messages

type tickMsg time.Time

type snapshotMsg Snapshot

// Commands

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchSnapshotCmd(store *Store) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg(store.Snapshot())
	}
}

func refreshCmd(ctx context.Context, store *Store, fetcher Fetcher) tea.Cmd {
	return func() tea.Msg {
		if fetcher != nil {
			Refresh(ctx, store, fetcher)
		}
		return snapshotMsg(store.Snapshot())
	}
}

// Run starts the Bubble Tea program.
func Run(opts Options) error {
	m := New(opts)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(m.ctx))
	_, err := p.Run()
	return err
}
