package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/corral/metrics"
	"github.com/pithecene-io/corral/policy"
	"github.com/pithecene-io/corral/types"
)

const statusRefreshInterval = 2 * time.Second

// statusKeyMap defines the dashboard's key bindings.
type statusKeyMap struct {
	Quit key.Binding
}

var statusKeys = statusKeyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// statusPayload mirrors corrald's GET /status response.
type statusPayload struct {
	Sessions []types.SessionSnapshot `json:"sessions"`
	Policy   policy.Stats            `json:"policy"`
	Metrics  metrics.Snapshot        `json:"metrics"`
}

type statusTickMsg time.Time

type statusFetchedMsg struct {
	payload statusPayload
	err     error
}

// StatusModel polls corrald's status endpoint and renders a live dashboard.
type StatusModel struct {
	baseURL  string
	client   *http.Client
	payload  statusPayload
	err      error
	quitting bool
}

// NewStatusModel builds a dashboard model that polls baseURL.
func NewStatusModel(baseURL string) StatusModel {
	return StatusModel{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
	}
}

// Init implements tea.Model.
func (m StatusModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tickEvery())
}

func tickEvery() tea.Cmd {
	return tea.Tick(statusRefreshInterval, func(t time.Time) tea.Msg { return statusTickMsg(t) })
}

func (m StatusModel) fetch() tea.Cmd {
	return func() tea.Msg {
		resp, err := m.client.Get(m.baseURL + "/status")
		if err != nil {
			return statusFetchedMsg{err: err}
		}
		defer resp.Body.Close()

		var payload statusPayload
		if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
			return statusFetchedMsg{err: err}
		}
		return statusFetchedMsg{payload: payload}
	}
}

// Update implements tea.Model.
func (m StatusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if key.Matches(msg, statusKeys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}

	case statusTickMsg:
		return m, tea.Batch(m.fetch(), tickEvery())

	case statusFetchedMsg:
		m.payload = msg.payload
		m.err = msg.err
		return m, nil
	}

	return m, nil
}

// View implements tea.Model.
func (m StatusModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("corral status"))
	b.WriteString("\n\n")

	if m.err != nil {
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("fetch failed: %v", m.err)))
		b.WriteString("\n")
		return b.String()
	}

	boxes := []string{
		m.statBox("Healthy", m.payload.Metrics.SessionsHealthy, successColor),
		m.statBox("Dead", m.payload.Metrics.SessionsDead, errorColor),
		m.statBox("Exec Started", m.payload.Metrics.ExecutionsStartedTotal, highlightColor),
		m.statBox("Exec Failed", m.payload.Metrics.ExecutionsFailedTotal, errorColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
	b.WriteString("\n\n")

	b.WriteString(TitleStyle.Render("Sessions"))
	b.WriteString("\n")
	for _, s := range m.payload.Sessions {
		state := s.State.String()
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render(s.SessionID),
			StateStyle(state).Render(state)))
	}

	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s %d   %s %d\n",
		LabelStyle.Render("events persisted:"), m.payload.Policy.EventsPersisted,
		LabelStyle.Render("events dropped:"), m.payload.Policy.EventsDropped))

	b.WriteString(HelpStyle.Render("Press q or Ctrl+C to quit"))
	return BoxStyle.Render(b.String())
}

func (m StatusModel) statBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)
	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)
	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)
	return boxStyle.Render(content)
}

// RunStatusDashboard runs the live status TUI against corrald at baseURL.
func RunStatusDashboard(baseURL string) error {
	p := tea.NewProgram(NewStatusModel(baseURL), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
