package files

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"clarity/internal/metrics"
	"clarity/internal/storage"
)

func newStore(kv storage.KV) *Store {
	return New(Config{KV: kv, Logger: zerolog.Nop(), Metrics: metrics.New()})
}

func TestSaveAboveCeilingKeepsMetadataOnly(t *testing.T) {
	ctx := context.Background()
	s := newStore(storage.NewMemoryKV(storage.DefaultBudget))

	size := MaxInlineSize + 1
	f, err := s.Save(ctx, Upload{
		Name:     "dao.pdf",
		Type:     "application/pdf",
		Size:     size,
		Category: CategorySME,
		Content:  failingReader{},
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if f.Inline() || f.Size != size {
		t.Fatalf("expected metadata only with size %d, got %+v", size, f)
	}
	list := s.List(ctx)
	if len(list) != 1 || list[0].Data != "" {
		t.Fatalf("unexpected stored list %+v", list)
	}
}

func TestSaveSmallFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(storage.NewMemoryKV(storage.DefaultBudget))

	content := bytes.Repeat([]byte{0xAB}, 1024)
	f, err := s.Save(ctx, Upload{
		Name:     "logo.png",
		Type:     "image/png",
		Size:     int64(len(content)),
		Category: CategoryStudent,
		Content:  bytes.NewReader(content),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if !strings.HasPrefix(f.Data, "data:image/png;base64,") {
		t.Fatalf("unexpected data uri prefix %q", f.Data[:30])
	}
	if _, err := time.Parse("2006-01-02", f.Date); err != nil {
		t.Fatalf("bad date %q: %v", f.Date, err)
	}

	got, err := s.Get(ctx, f.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	decoded, err := Decode(got)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded, content) {
		t.Fatalf("decoded content differs")
	}
}

func TestSaveNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := newStore(storage.NewMemoryKV(0))
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if _, err := s.Save(ctx, Upload{Name: name, Type: "text/plain", Size: 1, Content: strings.NewReader("x")}); err != nil {
			t.Fatalf("save %s: %v", name, err)
		}
	}
	list := s.List(ctx)
	if len(list) != 3 || list[0].Name != "c.txt" || list[2].Name != "a.txt" {
		t.Fatalf("unexpected order %+v", list)
	}
	if list[0].ID <= list[1].ID {
		t.Fatalf("ids must be unique and increasing: %d %d", list[1].ID, list[0].ID)
	}
}

func TestSaveReadError(t *testing.T) {
	ctx := context.Background()
	s := newStore(storage.NewMemoryKV(0))

	if _, err := s.Save(ctx, Upload{Name: "x", Size: 10, Content: failingReader{}}); !errors.Is(err, ErrRead) {
		t.Fatalf("expected ErrRead, got %v", err)
	}
	if _, err := s.Save(ctx, Upload{Name: "x", Size: 10, Content: strings.NewReader("short")}); !errors.Is(err, ErrRead) {
		t.Fatalf("expected ErrRead on short read, got %v", err)
	}
	if len(s.List(ctx)) != 0 {
		t.Fatalf("nothing should be stored after read errors")
	}
}

func TestSaveQuotaExceeded(t *testing.T) {
	ctx := context.Background()
	s := newStore(storage.NewMemoryKV(2048))

	content := bytes.Repeat([]byte("a"), 2048)
	_, err := s.Save(ctx, Upload{Name: "big.txt", Type: "text/plain", Size: int64(len(content)), Content: bytes.NewReader(content)})
	if !errors.Is(err, ErrQuotaExceeded) || !errors.Is(err, storage.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if len(s.List(ctx)) != 0 {
		t.Fatalf("rejected file must not be listed")
	}
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newStore(storage.NewMemoryKV(0))
	f, err := s.Save(ctx, Upload{Name: "a.txt", Type: "text/plain", Size: 1, Content: strings.NewReader("x")})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	left, err := s.Delete(ctx, f.ID)
	if err != nil || len(left) != 0 {
		t.Fatalf("first delete: %v %+v", err, left)
	}
	left, err = s.Delete(ctx, f.ID)
	if err != nil || len(left) != 0 {
		t.Fatalf("second delete must be a no-op: %v %+v", err, left)
	}
}

func TestFilter(t *testing.T) {
	list := []StoredFile{
		{ID: 3, Type: "image/png", Category: CategorySME},
		{ID: 2, Type: "application/pdf", Category: CategoryStudent},
		{ID: 1, Type: "IMAGE/JPEG", Category: CategoryStudent},
	}
	if got := Filter(list, "", "ALL"); len(got) != 3 {
		t.Fatalf("ALL should keep everything, got %d", len(got))
	}
	if got := Filter(list, "", "image"); len(got) != 2 || got[0].ID != 3 || got[1].ID != 1 {
		t.Fatalf("image filter: %+v", got)
	}
	if got := Filter(list, CategoryStudent, "pdf"); len(got) != 1 || got[0].ID != 2 {
		t.Fatalf("category+kind filter: %+v", got)
	}
}

func TestFormatSize(t *testing.T) {
	if got := FormatSize(0); got != "0 B" {
		t.Fatalf("FormatSize(0) = %q", got)
	}
	if got := FormatSize(3 << 20); got != "3.0 MiB" {
		t.Fatalf("FormatSize(3MiB) = %q", got)
	}
}

func TestDecodeWithoutData(t *testing.T) {
	if _, err := Decode(StoredFile{}); !errors.Is(err, ErrNoContent) {
		t.Fatalf("expected ErrNoContent, got %v", err)
	}
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
