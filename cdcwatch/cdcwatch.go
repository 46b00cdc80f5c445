// Package cdcwatch is a terminal UI that presents a live-scrolling list of
// the RowEvents a running session emits. It is purely observational: it
// subscribes to the same channel the embedder reads and never gates or
// alters delivery.
package cdcwatch

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/rowstream/cdc/clipboard"
	"github.com/rowstream/cdc/event"
	"github.com/rowstream/cdc/highlight"
)

// Column widths, mirroring the fixed-width list layout convention used
// throughout this tree's terminal output.
const (
	colMarker = 2 // "▶ "
	colKind   = 8
	colTable  = 24
)

var kindColors = map[event.Kind]lipgloss.Color{
	event.KindInsert: "2",
	event.KindUpdate: "3",
	event.KindDelete: "1",
}

// Model is the Bubble Tea model backing Run.
type Model struct {
	events  <-chan event.RowEvent
	seen    []event.RowEvent
	cursor  int
	follow  bool
	width   int
	height  int
	copyErr error
}

// New creates a Model that will present events read from ch.
func New(ch <-chan event.RowEvent) Model {
	return Model{events: ch, follow: true}
}

type eventMsg struct{ ev event.RowEvent }
type closedMsg struct{}

func recvEvent(ch <-chan event.RowEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return eventMsg{ev: ev}
	}
}

// Init starts consuming the event channel.
func (m Model) Init() tea.Cmd {
	return recvEvent(m.events)
}

// Update handles incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		m.seen = append(m.seen, msg.ev)
		if m.follow {
			m.cursor = len(m.seen) - 1
		}
		return m, recvEvent(m.events)

	case closedMsg:
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "j", "down":
			m.follow = false
			if m.cursor < len(m.seen)-1 {
				m.cursor++
			}
		case "k", "up":
			m.follow = false
			if m.cursor > 0 {
				m.cursor--
			}
		case "g":
			m.follow = false
			m.cursor = 0
		case "G":
			m.follow = true
			m.cursor = len(m.seen) - 1
		case "c":
			m.copyErr = m.copySelected()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	}
	return m, nil
}

func (m *Model) copySelected() error {
	if m.cursor < 0 || m.cursor >= len(m.seen) {
		return nil
	}
	return clipboard.Copy(context.Background(), dumpEvent(m.seen[m.cursor]))
}

// View renders the TUI.
func (m Model) View() string {
	if m.width == 0 {
		return ""
	}
	if len(m.seen) == 0 {
		return "waiting for events..."
	}

	innerWidth := max(m.width-4, 20)
	border := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Width(innerWidth)

	listHeight := max(m.height-6, 3)
	start := 0
	if len(m.seen) > listHeight {
		start = max(m.cursor-listHeight/2, 0)
		if start+listHeight > len(m.seen) {
			start = len(m.seen) - listHeight
		}
	}
	end := min(start+listHeight, len(m.seen))

	header := fmt.Sprintf("  %-*s %-*s", colKind, "Kind", colTable, "Table")
	rows := []string{lipgloss.NewStyle().Bold(true).Render(header)}
	for i := start; i < end; i++ {
		rows = append(rows, m.renderRow(i))
	}

	body := border.Render(fmt.Sprintf(" cdcwatch (%d events) \n%s", len(m.seen), strings.Join(rows, "\n")))

	preview := m.renderPreview()
	footer := "q: quit  j/k: navigate  g/G: top/bottom  c: copy"
	if m.copyErr != nil {
		footer += fmt.Sprintf("  [copy failed: %v]", m.copyErr)
	}

	return strings.Join([]string{body, preview, footer}, "\n")
}

func (m Model) renderRow(i int) string {
	ev := m.seen[i]
	marker := "  "
	if i == m.cursor {
		marker = "▶ "
	}
	kindStyle := lipgloss.NewStyle().Foreground(kindColors[ev.Kind])
	line := fmt.Sprintf("%s%-*s %-*s", marker, colKind, kindStyle.Render(ev.Kind.String()), colTable, ev.Table)
	if i == m.cursor {
		return lipgloss.NewStyle().Bold(true).Render(line)
	}
	return line
}

func (m Model) renderPreview() string {
	if m.cursor < 0 || m.cursor >= len(m.seen) {
		return ""
	}
	ev := m.seen[m.cursor]
	innerWidth := max(m.width-4, 20)
	var b strings.Builder
	cols := ev.Columns
	if len(cols) == 0 {
		cols = ev.Identity
	}
	for _, c := range cols {
		line := fmt.Sprintf("  %s = %s", c.Name, highlight.Value(c.Value))
		fmt.Fprintln(&b, ansi.Cut(line, 0, innerWidth))
	}
	return strings.TrimRight(b.String(), "\n")
}

func dumpEvent(ev event.RowEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s.%s\n", ev.Kind, ev.Schema, ev.Table)
	for _, c := range ev.Columns {
		fmt.Fprintf(&b, "%s = %v\n", c.Name, rawValue(c.Value))
	}
	for _, c := range ev.Identity {
		fmt.Fprintf(&b, "(identity) %s = %v\n", c.Name, rawValue(c.Value))
	}
	return b.String()
}

func rawValue(v event.Value) any {
	if v.Null {
		return nil
	}
	switch v.Type {
	case event.TypeI64:
		return v.I64
	case event.TypeU64:
		return v.U64
	case event.TypeF64:
		return v.F64
	case event.TypeDecimal:
		return v.Decimal
	case event.TypeBytes, event.TypeJSON:
		return v.Bytes
	case event.TypeDate, event.TypeTimestamp:
		return v.Time
	default:
		return v.Str
	}
}

// Run starts the terminal UI, consuming events from ch until the user
// quits or ctx is canceled.
func Run(ctx context.Context, ch <-chan event.RowEvent) error {
	p := tea.NewProgram(New(ch))
	go func() {
		<-ctx.Done()
		p.Quit()
	}()
	_, err := p.Run()
	if err != nil {
		return fmt.Errorf("cdcwatch: run: %w", err)
	}
	return nil
}
