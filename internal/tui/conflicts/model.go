// Package conflicts implements the interactive parked-conflict browser
// behind `aiw conflicts --tui`.
package conflicts

import (
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mhartmann/aiw/internal/store"
)

// Mode represents which screen is active
type Mode int

const (
	ModeList Mode = iota
	ModeDetail
	ModeConfirm
)

// pendingAction is the resolution awaiting confirmation
type pendingAction struct {
	verb     string // "keep local", "keep remote", "dismiss"
	entityID string
}

// Model is the Bubble Tea model for the conflict browser
type Model struct {
	Store *store.Store

	Width  int
	Height int

	Conflicts []store.ParkedConflict
	Cursor    int
	Mode      Mode
	Detail    viewport.Model
	Pending   *pendingAction

	StatusMsg string
	Err       error
}

// MinWidth is the minimum terminal width for proper display
const MinWidth = 40

// RefreshMsg carries a reloaded conflict list
type RefreshMsg struct {
	Conflicts []store.ParkedConflict
	Err       error
}

// resolvedMsg reports the outcome of a resolve/dismiss action
type resolvedMsg struct {
	verb     string
	entityID string
	err      error
}

// NewModel creates a conflict browser over the given store
func NewModel(st *store.Store) Model {
	return Model{
		Store:  st,
		Detail: viewport.New(0, 0),
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return m.fetchConflicts()
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		m.Detail.Width = msg.Width - 4
		m.Detail.Height = msg.Height - 6
		if m.Mode == ModeDetail {
			m.refreshDetail()
		}
		return m, nil

	case RefreshMsg:
		m.Conflicts = msg.Conflicts
		m.Err = msg.Err
		if m.Cursor >= len(m.Conflicts) {
			m.Cursor = len(m.Conflicts) - 1
		}
		if m.Cursor < 0 {
			m.Cursor = 0
		}
		if len(m.Conflicts) == 0 {
			m.Mode = ModeList
		}
		return m, nil

	case resolvedMsg:
		m.Pending = nil
		m.Mode = ModeList
		if msg.err != nil {
			m.Err = msg.err
			return m, nil
		}
		m.StatusMsg = msg.verb + " applied to " + msg.entityID
		return m, m.fetchConflicts()
	}

	return m, nil
}

// handleKey processes key input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.Mode == ModeConfirm {
		switch msg.String() {
		case "y", "enter":
			return m, m.applyPending()
		case "n", "esc", "q":
			m.Pending = nil
			m.Mode = ModeDetail
			return m, nil
		}
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		if m.Mode == ModeDetail {
			m.Mode = ModeList
			return m, nil
		}
		return m, tea.Quit

	case "esc":
		m.Mode = ModeList
		return m, nil

	case "j", "down":
		if m.Mode == ModeDetail {
			m.Detail.ScrollDown(1)
		} else if m.Cursor < len(m.Conflicts)-1 {
			m.Cursor++
		}
		return m, nil

	case "k", "up":
		if m.Mode == ModeDetail {
			m.Detail.ScrollUp(1)
		} else if m.Cursor > 0 {
			m.Cursor--
		}
		return m, nil

	case "enter":
		if m.Mode == ModeList && len(m.Conflicts) > 0 {
			m.Mode = ModeDetail
			m.refreshDetail()
		}
		return m, nil

	case "l":
		return m.stageResolution("keep local")

	case "r":
		return m.stageResolution("keep remote")

	case "d":
		return m.stageResolution("dismiss")

	case "R":
		return m, m.fetchConflicts()
	}

	return m, nil
}

// stageResolution asks for confirmation before mutating anything
func (m Model) stageResolution(verb string) (tea.Model, tea.Cmd) {
	if len(m.Conflicts) == 0 {
		return m, nil
	}
	c := m.Conflicts[m.Cursor]
	if c.Kind == store.ConflictEditAfterDelete && verb != "dismiss" {
		m.StatusMsg = c.EntityID + " was deleted remotely; only dismiss is possible"
		return m, nil
	}
	m.Pending = &pendingAction{verb: verb, entityID: c.EntityID}
	m.Mode = ModeConfirm
	return m, nil
}

// applyPending executes the confirmed resolution
func (m Model) applyPending() tea.Cmd {
	pending := m.Pending
	c := m.Conflicts[m.Cursor]
	st := m.Store
	return func() tea.Msg {
		var err error
		switch pending.verb {
		case "keep local":
			err = st.ResolveConflict(c.EntityID, c.LocalPayload)
		case "keep remote":
			err = st.ResolveConflict(c.EntityID, c.RemotePayload)
		case "dismiss":
			err = st.DismissConflict(c.EntityID)
		}
		return resolvedMsg{verb: pending.verb, entityID: pending.entityID, err: err}
	}
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

// refreshDetail re-renders the detail viewport for the selected conflict
func (m *Model) refreshDetail() {
	if len(m.Conflicts) == 0 {
		return
	}
	m.Detail.SetContent(renderDetail(m.Conflicts[m.Cursor], m.Detail.Width))
	m.Detail.GotoTop()
}

// fetchConflicts returns a command that reloads the parked conflicts
func (m Model) fetchConflicts() tea.Cmd {
	st := m.Store
	return func() tea.Msg {
		conflicts, err := st.ListConflicts()
		return RefreshMsg{Conflicts: conflicts, Err: err}
	}
}
