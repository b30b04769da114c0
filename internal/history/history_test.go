package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"clarity/internal/metrics"
	"clarity/internal/storage"
)

func newStore(kv storage.KV, now func() time.Time) *Store {
	return New(Config{KV: kv, Logger: zerolog.Nop(), Metrics: metrics.New(), Now: now})
}

func TestAppendKeepsNewestTwenty(t *testing.T) {
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s := newStore(storage.NewMemoryKV(0), func() time.Time { return fixed })

	for i := 0; i < 25; i++ {
		s.Append(ctx, StudentLog, Entry{Type: "PODCAST", Input: fmt.Sprintf("entry %d", i), Text: "ok"})
	}

	got := s.ReadAll(ctx, StudentLog)
	if len(got) != Capacity {
		t.Fatalf("expected %d entries, got %d", Capacity, len(got))
	}
	for i, e := range got {
		want := fmt.Sprintf("entry %d", 24-i)
		if e.Input != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, e.Input)
		}
		if i > 0 && e.ID >= got[i-1].ID {
			t.Fatalf("ids must strictly decrease newest-first: %d then %d", got[i-1].ID, e.ID)
		}
	}
}

func TestAppendStampsEntry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 30, 15, 123_000_000, time.UTC)
	s := newStore(storage.NewMemoryKV(0), func() time.Time { return now })

	e := s.Append(ctx, SMELog, Entry{
		Type:  "DAO",
		Input: strings.Repeat("é", 80),
		Text:  "analyse",
		Tags:  []string{"urgent", " ", "urgent", "btp"},
	})
	if e.ID != now.UnixMilli() {
		t.Fatalf("expected id %d, got %d", now.UnixMilli(), e.ID)
	}
	if e.Timestamp != "2026-03-01T09:30:15.123Z" {
		t.Fatalf("unexpected timestamp %q", e.Timestamp)
	}
	if n := len([]rune(e.Input)); n != PreviewRunes {
		t.Fatalf("expected %d-rune preview, got %d", PreviewRunes, n)
	}
	if len(e.Tags) != 2 || e.Tags[0] != "urgent" || e.Tags[1] != "btp" {
		t.Fatalf("unexpected tags %v", e.Tags)
	}

	got := s.ReadAll(ctx, SMELog)
	if len(got) != 1 || got[0].ID != e.ID || got[0].Text != "analyse" {
		t.Fatalf("stored entry mismatch: %+v", got)
	}
	if other := s.ReadAll(ctx, StudentLog); len(other) != 0 {
		t.Fatalf("logs must be independent, got %+v", other)
	}
}

func TestCorruptLogReadsEmptyAndIsReplaced(t *testing.T) {
	ctx := context.Background()
	kv := storage.NewMemoryKV(0)
	if err := kv.Set(ctx, StudentLog, "{not json"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	s := newStore(kv, nil)
	if got := s.ReadAll(ctx, StudentLog); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
	e := s.Append(ctx, StudentLog, Entry{Type: "SUMMARY", Input: "x", Text: "y"})
	if e.ID == 0 || e.Timestamp == "" {
		t.Fatalf("entry must be stamped: %+v", e)
	}
	got := s.ReadAll(ctx, StudentLog)
	if len(got) != 1 || got[0].ID != e.ID {
		t.Fatalf("corrupt log should be replaced by the new entry, got %+v", got)
	}
}

type brokenKV struct {
	storage.KV
	sets int
}

func (b *brokenKV) Get(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}

func (b *brokenKV) Set(context.Context, string, string) error {
	b.sets++
	return nil
}

func TestAppendReadErrorIsNotPersisted(t *testing.T) {
	kv := &brokenKV{}
	s := newStore(kv, nil)
	e := s.Append(context.Background(), SMELog, Entry{Type: "DAO", Input: "x", Text: "y"})
	if e.ID == 0 {
		t.Fatalf("entry must be stamped: %+v", e)
	}
	if kv.sets != 0 {
		t.Fatalf("a failed read must not overwrite the log, got %d writes", kv.sets)
	}
}

func TestAppendQuotaExceededIsSwallowed(t *testing.T) {
	ctx := context.Background()
	s := newStore(storage.NewMemoryKV(10), nil)
	e := s.Append(ctx, StudentLog, Entry{Type: "PODCAST", Input: "input", Text: strings.Repeat("x", 100)})
	if e.Text == "" {
		t.Fatalf("expected entry back even when storage is full")
	}
	if got := s.ReadAll(ctx, StudentLog); len(got) != 0 {
		t.Fatalf("expected nothing persisted, got %d entries", len(got))
	}
}
