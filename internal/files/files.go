package files

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"clarity/internal/metrics"
	"clarity/internal/storage"
)

// MaxInlineSize is the largest upload whose content is kept inline.
const MaxInlineSize int64 = 3 << 20

const (
	CategorySME     = "SME"
	CategoryStudent = "Student"

	defaultKey  = "local_files"
	defaultMIME = "application/octet-stream"
)

var (
	ErrRead          = errors.New("file content could not be read")
	ErrNoContent     = errors.New("file has no inline content")
	ErrQuotaExceeded = fmt.Errorf("storage full, delete files to free space: %w", storage.ErrQuotaExceeded)
)

type StoredFile struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Size     int64  `json:"size"`
	Category string `json:"category"`
	Date     string `json:"date"`
	Data     string `json:"data,omitempty"`
}

// Inline reports whether the file carries its content.
func (f StoredFile) Inline() bool {
	return f.Data != ""
}

type Upload struct {
	Name     string
	Type     string
	Size     int64
	Category string
	Content  io.Reader
}

type Store struct {
	kv      storage.KV
	key     string
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu     sync.Mutex
	lastID int64
}

type Config struct {
	KV      storage.KV
	Key     string
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
	key := strings.TrimSpace(cfg.Key)
	if key == "" {
		key = defaultKey
	}
	return &Store{
		kv:      cfg.KV,
		key:     key,
		logger:  cfg.Logger.With().Str("component", "files").Logger(),
		metrics: m,
		now:     now,
	}
}

// List returns stored files newest-first. Unreadable storage lists as empty.
func (s *Store) List(ctx context.Context) []StoredFile {
	out, err := s.read(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("file list unreadable")
		return []StoredFile{}
	}
	return out
}

func (s *Store) Get(ctx context.Context, id int64) (StoredFile, error) {
	list, err := s.read(ctx)
	if err != nil {
		return StoredFile{}, err
	}
	for _, f := range list {
		if f.ID == id {
			return f, nil
		}
	}
	return StoredFile{}, storage.ErrNotFound
}

// Save records an upload. Content above MaxInlineSize is not read and only
// metadata is kept.
func (s *Store) Save(ctx context.Context, up Upload) (StoredFile, error) {
	mime := strings.TrimSpace(up.Type)
	f := StoredFile{
		Name:     up.Name,
		Type:     mime,
		Size:     up.Size,
		Category: up.Category,
	}

	if up.Size <= MaxInlineSize {
		if up.Content == nil || up.Size < 0 {
			return StoredFile{}, ErrRead
		}
		raw, err := io.ReadAll(io.LimitReader(up.Content, MaxInlineSize+1))
		if err != nil {
			return StoredFile{}, fmt.Errorf("%w: %v", ErrRead, err)
		}
		if int64(len(raw)) != up.Size {
			return StoredFile{}, fmt.Errorf("%w: read %d of %d bytes", ErrRead, len(raw), up.Size)
		}
		if mime == "" {
			mime = defaultMIME
		}
		f.Data = "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.read(ctx)
	if err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &syntaxErr) && !errors.As(err, &typeErr) {
			return StoredFile{}, err
		}
		s.logger.Warn().Err(err).Msg("replacing corrupt file list")
		list = nil
	}

	now := s.now()
	f.ID = s.nextID(now, list)
	f.Date = now.UTC().Format("2006-01-02")

	if err := s.write(ctx, append([]StoredFile{f}, list...)); err != nil {
		return StoredFile{}, err
	}
	s.metrics.FilesSaved.Inc()
	s.logger.Info().Int64("id", f.ID).Str("name", f.Name).Str("size", FormatSize(f.Size)).Bool("inline", f.Inline()).Msg("file saved")
	return f, nil
}

// Delete removes the file with id and returns the remaining list. Unknown ids
// are not an error.
func (s *Store) Delete(ctx context.Context, id int64) ([]StoredFile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.read(ctx)
	if err != nil {
		return nil, err
	}
	kept := make([]StoredFile, 0, len(list))
	for _, f := range list {
		if f.ID != id {
			kept = append(kept, f)
		}
	}
	if len(kept) == len(list) {
		return kept, nil
	}
	if err := s.write(ctx, kept); err != nil {
		return nil, err
	}
	return kept, nil
}

func (s *Store) read(ctx context.Context) ([]StoredFile, error) {
	raw, err := s.kv.Get(ctx, s.key)
	if errors.Is(err, storage.ErrNotFound) {
		return []StoredFile{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read file list: %w", err)
	}
	var list []StoredFile
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("decode file list: %w", err)
	}
	if list == nil {
		list = []StoredFile{}
	}
	return list, nil
}

func (s *Store) write(ctx context.Context, list []StoredFile) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("encode file list: %w", err)
	}
	if err := s.kv.Set(ctx, s.key, string(raw)); err != nil {
		if errors.Is(err, storage.ErrQuotaExceeded) {
			s.metrics.QuotaRejections.Inc()
			return ErrQuotaExceeded
		}
		return fmt.Errorf("write file list: %w", err)
	}
	return nil
}

func (s *Store) nextID(now time.Time, list []StoredFile) int64 {
	id := now.UnixMilli()
	if id <= s.lastID {
		id = s.lastID + 1
	}
	for _, f := range list {
		if id <= f.ID {
			id = f.ID + 1
		}
	}
	s.lastID = id
	return id
}

// Filter keeps files of the given category (empty matches all) whose MIME type
// contains kind, case-insensitively ("ALL" or empty matches all).
func Filter(list []StoredFile, category, kind string) []StoredFile {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "all" {
		kind = ""
	}
	out := make([]StoredFile, 0, len(list))
	for _, f := range list {
		if category != "" && f.Category != category {
			continue
		}
		if kind != "" && !strings.Contains(strings.ToLower(f.Type), kind) {
			continue
		}
		out = append(out, f)
	}
	return out
}

// Decode returns the inline content of f.
func Decode(f StoredFile) ([]byte, error) {
	if f.Data == "" {
		return nil, ErrNoContent
	}
	_, payload, ok := strings.Cut(f.Data, ";base64,")
	if !ok || !strings.HasPrefix(f.Data, "data:") {
		return nil, fmt.Errorf("%w: malformed data uri", ErrRead)
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRead, err)
	}
	return b, nil
}

func FormatSize(bytes int64) string {
	if bytes < 0 {
		bytes = 0
	}
	return humanize.IBytes(uint64(bytes))
}
