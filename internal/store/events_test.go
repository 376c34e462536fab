package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/roach88/cutterledger/internal/record"
)

func TestAppendEvent_Basic(t *testing.T) {
	ctx := context.Background()
	s, clock := createClockedStore(t)

	prov := &record.Provenance{Service: "cutter_ops_v1", Version: "v1"}
	id, err := s.AppendEvent(ctx, "quote_created", "quote:42", map[string]any{"total": 125, "currency": "USD"}, prov)
	if err != nil {
		t.Fatalf("AppendEvent() failed: %v", err)
	}

	e, err := s.GetEvent(ctx, id)
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	if e == nil {
		t.Fatal("GetEvent() returned nil for committed event")
	}
	if e.Type != "quote_created" {
		t.Errorf("event_type = %q, want quote_created", e.Type)
	}
	if e.SubjectRef != "quote:42" {
		t.Errorf("subject_ref = %q, want quote:42", e.SubjectRef)
	}
	if got := string(e.Data); got != `{"currency":"USD","total":125}` {
		t.Errorf("event_data = %s, want canonical JSON", got)
	}
	if !e.CreatedAt.Equal(clock.Now()) {
		t.Errorf("created_at = %v, want %v", e.CreatedAt, clock.Now())
	}
	if e.Provenance == nil || *e.Provenance != *prov {
		t.Errorf("provenance = %+v, want %+v", e.Provenance, prov)
	}
	if e.PrevHash != record.GenesisHash {
		t.Errorf("first event prev_hash = %s, want genesis", e.PrevHash)
	}
}

func TestAppendEvent_SubjectIsOpaque(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	// No table holds quotes, lines or batches; any kind:id is accepted.
	for _, subject := range []string{"quote:1", "line:3", "batch:2024-07", "unknown"} {
		if _, err := s.AppendEvent(ctx, "observed", subject, nil, nil); err != nil {
			t.Errorf("AppendEvent(%q) failed: %v", subject, err)
		}
	}
}

func TestAppendEvent_PayloadForms(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	tests := []struct {
		name    string
		payload any
		want    string
	}{
		{"nil", nil, `{}`},
		{"raw", json.RawMessage(`{"b": 2, "a": 1}`), `{"a":1,"b":2}`},
		{"bytes", []byte(`[1, 2]`), `[1,2]`},
		{"struct", struct {
			Z string `json:"z"`
			A int    `json:"a"`
		}{"x", 1}, `{"a":1,"z":"x"}`},
		{"html kept", map[string]string{"s": "<b>&"}, `{"s":"<b>&"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := s.AppendEvent(ctx, "payload_test", "test:"+tt.name, tt.payload, nil)
			if err != nil {
				t.Fatalf("AppendEvent() failed: %v", err)
			}
			e, err := s.GetEvent(ctx, id)
			if err != nil {
				t.Fatalf("GetEvent() failed: %v", err)
			}
			if got := string(e.Data); got != tt.want {
				t.Errorf("event_data = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAppendEvent_InvalidArguments(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	tests := []struct {
		name       string
		eventType  string
		subject    string
		payload    any
		constraint string
	}{
		{"empty type", "", "quote:1", nil, "event.event_type"},
		{"empty subject", "quote_sent", "", nil, "event.subject_ref"},
		{"bad raw json", "quote_sent", "quote:1", json.RawMessage(`{`), "event.event_data"},
		{"unencodable", "quote_sent", "quote:1", map[string]any{"f": func() {}}, "event.event_data"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.AppendEvent(ctx, tt.eventType, tt.subject, tt.payload, nil)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Fatalf("AppendEvent() error = %v, want ErrInvalidArgument", err)
			}
			var le *LedgerError
			if !errors.As(err, &le) || le.Constraint != tt.constraint {
				t.Errorf("constraint = %v, want %q", le, tt.constraint)
			}
		})
	}

	events, err := s.RecentEvents(ctx, 0)
	if err != nil {
		t.Fatalf("RecentEvents() failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("rejected appends left %d events", len(events))
	}
}

func TestAppendEvent_CanceledContext(t *testing.T) {
	s := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.AppendEvent(ctx, "quote_sent", "quote:1", nil, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("AppendEvent() error = %v, want context.Canceled", err)
	}
}

func TestEventsBySubject(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	for _, subject := range []string{"quote:1", "quote:2", "quote:1", "line:3", "quote:1"} {
		if _, err := s.AppendEvent(ctx, "observed", subject, nil, nil); err != nil {
			t.Fatalf("AppendEvent() failed: %v", err)
		}
	}

	events, err := s.EventsBySubject(ctx, "quote:1")
	if err != nil {
		t.Fatalf("EventsBySubject() failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Errorf("events not in commit order: %d after %d", events[i].ID, events[i-1].ID)
		}
	}

	none, err := s.EventsBySubject(ctx, "quote:999")
	if err != nil {
		t.Fatalf("EventsBySubject(unknown) failed: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("unknown subject = %v, want empty slice", none)
	}
}

func TestEventsByType_Since(t *testing.T) {
	ctx := context.Background()
	s, clock := createClockedStore(t)

	if _, err := s.AppendEvent(ctx, "quote_sent", "quote:1", nil, nil); err != nil {
		t.Fatal(err)
	}
	clock.Advance(time.Hour)
	cutoff := clock.Now()
	if _, err := s.AppendEvent(ctx, "quote_sent", "quote:2", nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendEvent(ctx, "quote_voided", "quote:2", nil, nil); err != nil {
		t.Fatal(err)
	}

	all, err := s.EventsByType(ctx, "quote_sent", time.Time{})
	if err != nil {
		t.Fatalf("EventsByType() failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("all quote_sent = %d, want 2", len(all))
	}

	recent, err := s.EventsByType(ctx, "quote_sent", cutoff)
	if err != nil {
		t.Fatalf("EventsByType(since) failed: %v", err)
	}
	if len(recent) != 1 || recent[0].SubjectRef != "quote:2" {
		t.Errorf("quote_sent since cutoff = %+v, want only quote:2", recent)
	}
}

func TestGetEvent_Missing(t *testing.T) {
	s := createTestStore(t)

	e, err := s.GetEvent(context.Background(), 404)
	if err != nil {
		t.Fatalf("GetEvent() failed: %v", err)
	}
	if e != nil {
		t.Errorf("GetEvent(404) = %+v, want nil", e)
	}
}

func TestRecentEvents_NewestFirst(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	for i := 0; i < 5; i++ {
		if _, err := s.AppendEvent(ctx, "tick", "clock:1", map[string]int{"n": i}, nil); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.RecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("RecentEvents() failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].ID != 5 || events[1].ID != 4 {
		t.Errorf("ids = %d,%d, want 5,4", events[0].ID, events[1].ID)
	}
}
