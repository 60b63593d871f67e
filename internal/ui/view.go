// Package ui renders live charger telemetry in the terminal: a table of
// batteries, a scrollable log view, and an in-place rename workflow.
package ui

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"tlmwatch/internal/logring"
)

// Row is one battery line in the table view. Rows are keyed by the stable
// battery id; the label only affects display ordering, so a rename never
// moves a row between keys.
type Row struct {
	BatteryID          int64
	ExternalID         string
	Label              string
	VoltageMV          int
	ResistanceOhm      int
	CapacityMAH        int
	DischargeCurrentMA int
	AdvCount           uint32
	UptimeSeconds      float64
	Mode               string
}

// RenameFunc is invoked synchronously when the user commits a rename.
type RenameFunc func(externalID, newLabel string) error

type viewState int

const (
	stateTable viewState = iota
	stateLog
)

type promptStage int

const (
	promptNone promptStage = iota
	promptTarget
	promptLabel
)

const (
	tickInterval  = 200 * time.Millisecond
	flashDuration = 3 * time.Second
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("27"))
	footerStyle = lipgloss.NewStyle().Faint(true)
	flashStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	promptStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
)

// Model is the Bubble Tea model owning all on-screen state.
type Model struct {
	rows map[int64]Row

	state  viewState
	width  int
	height int

	logs     *logring.Buffer
	logLines []string
	logGen   uint64
	scroll   int

	prompt       promptStage
	input        textinput.Model
	renameTarget int64
	rename       RenameFunc

	flash      string
	flashUntil time.Time

	dirty     bool
	lastFrame string
}

var _ tea.Model = (*Model)(nil)

// New creates the view over the given log buffer.
func New(logs *logring.Buffer) *Model {
	input := textinput.New()
	input.CharLimit = 64

	return &Model{
		rows:   make(map[int64]Row),
		logs:   logs,
		input:  input,
		width:  80,
		height: 24,
	}
}

// SetRenameFunc registers the rename callback. Must be called before the
// program runs.
func (m *Model) SetRenameFunc(fn RenameFunc) { m.rename = fn }

// UpdateRow stores or replaces the row for its battery id. Only the update
// loop may call this; external goroutines go through RowUpdatedMsg.
func (m *Model) UpdateRow(row Row) {
	m.rows[row.BatteryID] = row
	m.dirty = true
}

// MarkDirty requests a repaint on the next render.
func (m *Model) MarkDirty() { m.dirty = true }

func (m *Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.clampScroll()
		m.dirty = true
		return m, nil

	case RowUpdatedMsg:
		m.UpdateRow(msg.Row)
		return m, nil

	case RefreshMsg:
		m.dirty = true
		return m, nil

	case tickMsg:
		if m.flash != "" && time.Now().After(m.flashUntil) {
			m.flash = ""
			m.dirty = true
		}
		if m.state == stateLog {
			if gen := m.logs.Generation(); gen != m.logGen {
				m.logGen = gen
				m.logLines = m.logs.Lines()
				m.clampScroll()
				m.dirty = true
			}
		}
		return m, tick()

	case tea.KeyMsg:
		if m.prompt != promptNone {
			return m.updatePrompt(msg)
		}
		return m.updateKeys(msg)
	}

	return m, nil
}

func (m *Model) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "l", "L":
		if m.state == stateTable {
			m.state = stateLog
			m.scroll = 0
			m.logGen = m.logs.Generation()
			m.logLines = m.logs.Lines()
			m.dirty = true
		}

	case "t", "T":
		if m.state == stateLog {
			m.state = stateTable
			m.dirty = true
		}

	case "c", "C":
		m.prompt = promptTarget
		m.input.Placeholder = "battery label"
		m.input.SetValue("")
		m.input.Focus()
		m.dirty = true
		return m, textinput.Blink

	case "up", "j":
		if m.state == stateLog {
			m.scrollBy(-1)
		}
	case "down", "k":
		if m.state == stateLog {
			m.scrollBy(1)
		}
	case "pgup":
		if m.state == stateLog {
			m.scrollBy(-m.visibleLogLines())
		}
	case "pgdown":
		if m.state == stateLog {
			m.scrollBy(m.visibleLogLines())
		}
	}

	return m, nil
}

func (m *Model) updatePrompt(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc", "ctrl+c":
		m.closePrompt()
		return m, nil

	case "enter":
		value := m.input.Value()
		switch m.prompt {
		case promptTarget:
			id, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				m.closePrompt()
				m.setFlash("battery label must be numeric")
				return m, nil
			}
			if _, ok := m.rows[id]; !ok {
				m.closePrompt()
				m.setFlash(fmt.Sprintf("battery %d not found", id))
				return m, nil
			}
			m.renameTarget = id
			m.prompt = promptLabel
			m.input.Placeholder = "new label"
			m.input.SetValue("")
			return m, nil

		case promptLabel:
			m.closePrompt()
			if value == "" {
				m.setFlash("label unchanged")
				return m, nil
			}
			m.commitRename(value)
			return m, nil
		}

	default:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		m.dirty = true
		return m, cmd
	}

	return m, nil
}

// commitRename updates the row in place (stable key, no map migration) and
// calls the registered rename callback synchronously.
func (m *Model) commitRename(label string) {
	row := m.rows[m.renameTarget]
	if m.rename != nil {
		if err := m.rename(row.ExternalID, label); err != nil {
			m.setFlash(fmt.Sprintf("rename failed: %v", err))
			return
		}
	}
	row.Label = label
	m.rows[row.BatteryID] = row
	m.setFlash(fmt.Sprintf("battery %d renamed to %q", row.BatteryID, label))
}

func (m *Model) closePrompt() {
	m.prompt = promptNone
	m.input.Blur()
	m.input.SetValue("")
	m.dirty = true
}

func (m *Model) setFlash(text string) {
	m.flash = text
	m.flashUntil = time.Now().Add(flashDuration)
	m.dirty = true
}

func (m *Model) scrollBy(delta int) {
	m.scroll += delta
	m.clampScroll()
	m.dirty = true
}

func (m *Model) clampScroll() {
	max := len(m.logLines) - m.visibleLogLines()
	if max < 0 {
		max = 0
	}
	if m.scroll > max {
		m.scroll = max
	}
	if m.scroll < 0 {
		m.scroll = 0
	}
}

func (m *Model) visibleLogLines() int {
	// Header, separator and footer each take a line.
	n := m.height - 3
	if n < 1 {
		n = 1
	}
	return n
}

// View redraws the whole screen from scratch when the dirty flag is set;
// otherwise it replays the previous frame unchanged.
func (m *Model) View() string {
	if !m.dirty && m.lastFrame != "" {
		return m.lastFrame
	}
	m.dirty = false

	var body string
	if m.state == stateLog {
		body = m.renderLog()
	} else {
		body = m.renderTable()
	}
	m.lastFrame = body + "\n" + m.renderFooter()
	return m.lastFrame
}

const tableFormat = "%-16s %10s %10s %10s %10s %10s %12s %-18s %s"

func (m *Model) renderTable() string {
	header := headerStyle.Render(fmt.Sprintf(tableFormat,
		"label", "mV", "ohm", "mAh", "mA", "adv", "uptime", "mode", "device"))

	rows := make([]Row, 0, len(m.rows))
	for _, r := range m.rows {
		rows = append(rows, r)
	}
	// Order derives from the label; ids break ties so the order is stable.
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Label != rows[j].Label {
			return rows[i].Label < rows[j].Label
		}
		return rows[i].BatteryID < rows[j].BatteryID
	})

	out := header
	for _, r := range rows {
		out += "\n" + fmt.Sprintf(tableFormat,
			r.Label,
			strconv.Itoa(r.VoltageMV),
			strconv.Itoa(r.ResistanceOhm),
			strconv.Itoa(r.CapacityMAH),
			strconv.Itoa(r.DischargeCurrentMA),
			strconv.FormatUint(uint64(r.AdvCount), 10),
			fmt.Sprintf("%.1fs", r.UptimeSeconds),
			r.Mode,
			r.ExternalID,
		)
	}
	if len(rows) == 0 {
		out += "\n" + footerStyle.Render("waiting for beacons…")
	}
	return out
}

func (m *Model) renderLog() string {
	header := headerStyle.Render(fmt.Sprintf("%-*s", 40, "log"))

	visible := m.visibleLogLines()
	start := m.scroll
	end := start + visible
	if end > len(m.logLines) {
		end = len(m.logLines)
	}
	if start > end {
		start = end
	}

	out := header
	for _, line := range m.logLines[start:end] {
		out += "\n" + line
	}
	return out
}

func (m *Model) renderFooter() string {
	if m.prompt != promptNone {
		label := "rename target"
		if m.prompt == promptLabel {
			label = "new label"
		}
		return promptStyle.Render(label+": ") + m.input.View()
	}
	if m.flash != "" {
		return flashStyle.Render(m.flash)
	}

	keys := "l log · c rename · q quit"
	if m.state == stateLog {
		keys = "t table · j/k scroll · pgup/pgdn page · c rename · q quit"
	}
	return footerStyle.Render(keys)
}
