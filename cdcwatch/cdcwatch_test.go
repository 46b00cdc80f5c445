package cdcwatch

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/rowstream/cdc/event"
)

func sampleEvent() event.RowEvent {
	return event.Insert("public", "users", []event.Column{
		{Name: "id", Type: event.TypeI64, Value: event.Value{Type: event.TypeI64, I64: 1}},
		{Name: "name", Type: event.TypeString, Value: event.Value{Type: event.TypeString, Str: "alice"}},
	})
}

func TestUpdateAppendsEventAndFollows(t *testing.T) {
	t.Parallel()
	ch := make(chan event.RowEvent, 1)
	m := New(ch)

	next, cmd := m.Update(eventMsg{ev: sampleEvent()})
	got := next.(Model)
	if len(got.seen) != 1 || got.cursor != 0 {
		t.Fatalf("got seen=%d cursor=%d", len(got.seen), got.cursor)
	}
	if cmd == nil {
		t.Fatal("expected a follow-up recv command")
	}
}

func TestUpdateNavigationStopsFollowing(t *testing.T) {
	t.Parallel()
	m := Model{seen: []event.RowEvent{sampleEvent(), sampleEvent(), sampleEvent()}, follow: true, cursor: 2}

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("k")})
	got := next.(Model)
	if got.follow {
		t.Error("expected follow to be disabled after manual navigation")
	}
	if got.cursor != 1 {
		t.Errorf("cursor = %d, want 1", got.cursor)
	}
}

func TestUpdateQuitReturnsQuitCmd(t *testing.T) {
	t.Parallel()
	m := New(nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected a quit command")
	}
}

func TestViewEmptyBeforeWindowSize(t *testing.T) {
	t.Parallel()
	m := New(nil)
	if got := m.View(); got != "" {
		t.Errorf("got %q, want empty view before first WindowSizeMsg", got)
	}
}

func TestViewRendersTableName(t *testing.T) {
	t.Parallel()
	m := Model{seen: []event.RowEvent{sampleEvent()}, width: 80, height: 24}
	got := m.View()
	if !strings.Contains(got, "users") {
		t.Errorf("expected view to mention table name, got %q", got)
	}
}

func TestRenderPreviewFallsBackToIdentityForDelete(t *testing.T) {
	t.Parallel()
	ev := event.Delete("public", "users", []event.Column{
		{Name: "id", Type: event.TypeI64, Value: event.Value{Type: event.TypeI64, I64: 9}},
	})
	m := Model{seen: []event.RowEvent{ev}, width: 80, height: 24, cursor: 0}
	got := m.renderPreview()
	if !strings.Contains(got, "id") {
		t.Errorf("expected preview to include identity column, got %q", got)
	}
}

func TestRenderPreviewTruncatesToWidth(t *testing.T) {
	t.Parallel()
	ev := event.Insert("public", "users", []event.Column{
		{Name: "bio", Type: event.TypeString, Value: event.Value{Type: event.TypeString, Str: strings.Repeat("x", 200)}},
	})
	m := Model{seen: []event.RowEvent{ev}, width: 40, height: 24, cursor: 0}
	got := m.renderPreview()
	for _, line := range strings.Split(got, "\n") {
		if w := len(ansiStrip(line)); w > 40 {
			t.Errorf("line exceeds inner width: %d chars: %q", w, line)
		}
	}
}

func ansiStrip(s string) string {
	var b strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\x1b' {
			inEscape = true
			continue
		}
		if inEscape {
			if r == 'm' {
				inEscape = false
			}
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func TestDumpEventIncludesKindAndColumns(t *testing.T) {
	t.Parallel()
	got := dumpEvent(sampleEvent())
	if !strings.Contains(got, "Insert") || !strings.Contains(got, "alice") {
		t.Errorf("got %q", got)
	}
}
