package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rowstream/cdc/event"
)

func TestJSONValueNull(t *testing.T) {
	t.Parallel()
	v := event.Value{Type: event.TypeI64, Null: true}
	if got := jsonValue(v); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestJSONValueIntegerFamily(t *testing.T) {
	t.Parallel()
	if got := jsonValue(event.Value{Type: event.TypeI64, I64: -7}); got != int64(-7) {
		t.Errorf("I64: got %v", got)
	}
	if got := jsonValue(event.Value{Type: event.TypeU64, U64: 7}); got != uint64(7) {
		t.Errorf("U64: got %v", got)
	}
	if got := jsonValue(event.Value{Type: event.TypeF64, F64: 1.5}); got != 1.5 {
		t.Errorf("F64: got %v", got)
	}
}

func TestJSONValueDecimalAndBytes(t *testing.T) {
	t.Parallel()
	if got := jsonValue(event.Value{Type: event.TypeDecimal, Decimal: "3.14"}); got != "3.14" {
		t.Errorf("Decimal: got %v", got)
	}
	bs := jsonValue(event.Value{Type: event.TypeBytes, Bytes: []byte("hi")})
	b, ok := bs.([]byte)
	if !ok || string(b) != "hi" {
		t.Errorf("Bytes: got %v", bs)
	}
}

func TestJSONValueJSONPassesRawMessage(t *testing.T) {
	t.Parallel()
	got := jsonValue(event.Value{Type: event.TypeJSON, Bytes: []byte(`{"a":1}`)})
	raw, ok := got.(json.RawMessage)
	if !ok || string(raw) != `{"a":1}` {
		t.Errorf("got %v", got)
	}
}

func TestJSONValueTimeFamily(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	got := jsonValue(event.Value{Type: event.TypeTimestamp, Time: now})
	tm, ok := got.(time.Time)
	if !ok || !tm.Equal(now) {
		t.Errorf("got %v", got)
	}
}

func TestJSONValueDefaultString(t *testing.T) {
	t.Parallel()
	if got := jsonValue(event.Value{Type: event.TypeString, Str: "hello"}); got != "hello" {
		t.Errorf("got %v", got)
	}
}

func TestColumnsToJSONEmptyIsNil(t *testing.T) {
	t.Parallel()
	if got := columnsToJSON(nil); got != nil {
		t.Errorf("got %v, want nil", got)
	}
}

func TestEventToJSONRoundTripsViaEncoding(t *testing.T) {
	t.Parallel()
	ev := event.Insert("public", "users", []event.Column{
		{Name: "id", Type: event.TypeI64, Value: event.Value{Type: event.TypeI64, I64: 1}},
	})
	j := eventToJSON(ev)
	if j.Kind != "Insert" || j.Schema != "public" || j.Table != "users" {
		t.Fatalf("got %+v", j)
	}
	if len(j.Columns) != 1 || j.Columns[0].Name != "id" || j.Columns[0].Value != int64(1) {
		t.Errorf("columns wrong: %+v", j.Columns)
	}
	if j.Identity != nil {
		t.Errorf("identity should be empty for insert, got %+v", j.Identity)
	}

	encoded, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back eventJSON
	if err := json.Unmarshal(encoded, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Table != "users" {
		t.Errorf("round trip lost table: %+v", back)
	}
}

func TestSessionStatsReflectsRecordedEvent(t *testing.T) {
	t.Parallel()
	s := &sessionStats{endpoint: "tcp://x"}
	s.setConnected(true)
	s.setCursor("binlog.0001:100")
	s.recordEvent()
	s.setCheckpoint()

	got := s.Stats()
	if !got.Connected || got.Cursor != "binlog.0001:100" || got.EventsEmitted != 1 {
		t.Fatalf("got %+v", got)
	}
	if got.LastEventAt.IsZero() || got.LastCheckpoint.IsZero() {
		t.Errorf("expected timestamps to be set: %+v", got)
	}
}

func TestSessionStatsSetErrorClearsConnected(t *testing.T) {
	t.Parallel()
	s := &sessionStats{endpoint: "tcp://x"}
	s.setConnected(true)
	s.setError(errBoom{})

	got := s.Stats()
	if got.Connected {
		t.Error("expected connected to be cleared on error")
	}
	if got.LastError != "boom" {
		t.Errorf("got LastError %q", got.LastError)
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func TestSessionStatsConcurrentAccess(t *testing.T) {
	t.Parallel()
	s := &sessionStats{endpoint: "tcp://x"}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.recordEvent()
			s.setCursor("c")
			_ = s.Stats()
		}(i)
	}
	wg.Wait()
	if got := s.Stats().EventsEmitted; got != 50 {
		t.Errorf("got %d events, want 50", got)
	}
}

func TestDialRejectsUnsupportedDriver(t *testing.T) {
	t.Parallel()
	_, err := dial(context.Background(), "oracle", "tcp://localhost:1", time.Second)
	if err == nil {
		t.Fatal("expected an error for an unsupported driver")
	}
}
