package journal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestAppend(t *testing.T) {
	t.Run("writes one line per event", func(t *testing.T) {
		dir := t.TempDir()
		j := New(dir, "alpha")
		defer j.Close()

		at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		err := j.Append(Event{
			Time:     at,
			Kind:     KindDecision,
			MarketID: "0xabc",
			Side:     "YES",
			SizeUSD:  Amount(decimal.NewFromInt(40)),
		})
		if err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := j.Append(Event{Time: at, Kind: KindSkip, MarketID: "0xdef", Note: "fee"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		data, err := os.ReadFile(filepath.Join(dir, "alpha-20260301.jsonl"))
		if err != nil {
			t.Fatalf("journal file missing: %v", err)
		}
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		if len(lines) != 2 {
			t.Fatalf("got %d lines, want 2", len(lines))
		}
		if !strings.Contains(lines[0], `"kind":"decision"`) || !strings.Contains(lines[0], `"size_usd":"40"`) {
			t.Errorf("decision line = %s", lines[0])
		}
		if strings.Contains(lines[1], "size_usd") {
			t.Errorf("skip line should omit amounts: %s", lines[1])
		}
	})

	t.Run("fills id time and strategy", func(t *testing.T) {
		dir := t.TempDir()
		j := New(dir, "alpha")
		defer j.Close()

		if err := j.Append(Event{Kind: KindError, Note: "boom"}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		events, err := LastEvents(dir, "alpha", 10)
		if err != nil {
			t.Fatalf("LastEvents failed: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		ev := events[0]
		if ev.ID == "" || ev.Time.IsZero() || ev.Strategy != "alpha" {
			t.Errorf("defaults not filled: %+v", ev)
		}
	})

	t.Run("rotates across days", func(t *testing.T) {
		dir := t.TempDir()
		j := New(dir, "alpha")
		defer j.Close()

		d1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
		d2 := time.Date(2026, 3, 2, 0, 1, 0, 0, time.UTC)
		if err := j.Append(Event{Time: d1, Kind: KindDecision}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
		if err := j.Append(Event{Time: d2, Kind: KindClosed}); err != nil {
			t.Fatalf("Append failed: %v", err)
		}

		for _, name := range []string{"alpha-20260301.jsonl", "alpha-20260302.jsonl"} {
			if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
				t.Errorf("expected %s: %v", name, err)
			}
		}
	})

	t.Run("rejects missing kind", func(t *testing.T) {
		j := New(t.TempDir(), "alpha")
		defer j.Close()
		if err := j.Append(Event{Note: "no kind"}); err == nil {
			t.Error("expected error for event without kind")
		}
	})

	t.Run("nil journal discards", func(t *testing.T) {
		var j *Journal
		if err := j.Append(Event{Kind: KindDecision}); err != nil {
			t.Errorf("nil journal Append = %v, want nil", err)
		}
		if err := j.Close(); err != nil {
			t.Errorf("nil journal Close = %v, want nil", err)
		}
		if New("   ", "alpha") != nil {
			t.Error("blank dir should disable the journal")
		}
	})
}

func TestLastEvents(t *testing.T) {
	t.Run("spans day files newest last", func(t *testing.T) {
		dir := t.TempDir()
		j := New(dir, "alpha")

		d1 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		d2 := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
		for i, ev := range []Event{
			{Time: d1, Kind: KindDecision, Note: "first"},
			{Time: d1.Add(time.Hour), Kind: KindOrderSubmitted, Note: "second"},
			{Time: d2, Kind: KindClosed, Note: "third"},
		} {
			if err := j.Append(ev); err != nil {
				t.Fatalf("Append %d failed: %v", i, err)
			}
		}
		if err := j.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		events, err := LastEvents(dir, "alpha", 2)
		if err != nil {
			t.Fatalf("LastEvents failed: %v", err)
		}
		if len(events) != 2 {
			t.Fatalf("got %d events, want 2", len(events))
		}
		if events[0].Note != "second" || events[1].Note != "third" {
			t.Errorf("unexpected order: %q, %q", events[0].Note, events[1].Note)
		}
	})

	t.Run("skips torn lines", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "alpha-20260301.jsonl")
		content := `{"id":"1","time":"2026-03-01T10:00:00Z","strategy":"alpha","kind":"decision"}` + "\n" +
			`{"id":"2","time":"2026-03-01T11:00:00Z","strat` // crash mid-write
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}

		events, err := LastEvents(dir, "alpha", 10)
		if err != nil {
			t.Fatalf("LastEvents failed: %v", err)
		}
		if len(events) != 1 || events[0].ID != "1" {
			t.Errorf("got %+v, want just the intact line", events)
		}
	})

	t.Run("other strategies invisible", func(t *testing.T) {
		dir := t.TempDir()
		ja := New(dir, "alpha")
		jb := New(dir, "beta")
		if err := ja.Append(Event{Kind: KindDecision}); err != nil {
			t.Fatal(err)
		}
		if err := jb.Append(Event{Kind: KindDecision}); err != nil {
			t.Fatal(err)
		}
		ja.Close()
		jb.Close()

		events, err := LastEvents(dir, "alpha", 10)
		if err != nil {
			t.Fatalf("LastEvents failed: %v", err)
		}
		if len(events) != 1 || events[0].Strategy != "alpha" {
			t.Errorf("got %+v, want only alpha events", events)
		}
	})

	t.Run("empty dir", func(t *testing.T) {
		events, err := LastEvents(t.TempDir(), "alpha", 5)
		if err != nil {
			t.Fatalf("LastEvents failed: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("got %d events, want 0", len(events))
		}
	})
}
