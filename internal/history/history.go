package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"clarity/internal/metrics"
	"clarity/internal/storage"
)

const (
	Capacity     = 20
	PreviewRunes = 50

	StudentLog = "student_history"
	SMELog     = "sme_history"
)

var errCorrupt = errors.New("corrupt history")

type Entry struct {
	ID        int64    `json:"id"`
	Timestamp string   `json:"timestamp"`
	Type      string   `json:"type"`
	Input     string   `json:"input"`
	Text      string   `json:"text"`
	Tags      []string `json:"tags"`
}

type Store struct {
	kv      storage.KV
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	lastID int64
}

type Config struct {
	KV      storage.KV
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

func New(cfg Config) *Store {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		kv:      cfg.KV,
		logger:  cfg.Logger.With().Str("component", "history").Logger(),
		metrics: m,
		now:     now,
	}
}

// Append stores e at the head of the named log and returns it with its id and
// timestamp filled in. A corrupt log is replaced. Storage failures are logged
// and the entry is returned unpersisted.
func (s *Store) Append(ctx context.Context, log string, e Entry) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read(ctx, log)
	switch {
	case errors.Is(err, errCorrupt):
		s.logger.Warn().Err(err).Str("log", log).Msg("corrupt history replaced")
		entries = []Entry{}
	case err != nil:
		s.logger.Error().Err(err).Str("log", log).Msg("history read failed, entry not persisted")
		return s.stamp(e, nil)
	}

	e = s.stamp(e, entries)
	entries = append([]Entry{e}, entries...)
	if len(entries) > Capacity {
		entries = entries[:Capacity]
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		s.logger.Error().Err(err).Str("log", log).Msg("history encode failed")
		return e
	}
	if err := s.kv.Set(ctx, log, string(raw)); err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			s.metrics.QuotaRejections.Inc()
		}
		s.logger.Error().Err(err).Str("log", log).Msg("history write failed")
		return e
	}
	s.metrics.HistoryAppends.WithLabelValues(log).Inc()
	return e
}

// ReadAll returns the named log newest-first. Missing or corrupt data reads
// as an empty log.
func (s *Store) ReadAll(ctx context.Context, log string) []Entry {
	entries, err := s.read(ctx, log)
	if err != nil {
		s.logger.Warn().Err(err).Str("log", log).Msg("history unreadable")
		return []Entry{}
	}
	return entries
}

func (s *Store) read(ctx context.Context, log string) ([]Entry, error) {
	raw, err := s.kv.Get(ctx, log)
	if errors.Is(err, storage.ErrNotFound) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode %q: %w: %v", log, errCorrupt, err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

func (s *Store) stamp(e Entry, existing []Entry) Entry {
	now := s.now()
	id := now.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	if len(existing) > 0 && id <= existing[0].ID {
		id = existing[0].ID + 1
	}
	s.lastID = id

	e.ID = id
	e.Timestamp = now.UTC().Format("2006-01-02T15:04:05.000Z07:00")
	e.Input = Preview(e.Input)
	e.Tags = cleanTags(e.Tags)
	return e
}

// Preview cuts s to its first PreviewRunes runes.
func Preview(s string) string {
	r := []rune(s)
	if len(r) <= PreviewRunes {
		return s
	}
	return string(r[:PreviewRunes])
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
