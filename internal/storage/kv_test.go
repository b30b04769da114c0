package storage

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func backends(t *testing.T, budget int64) map[string]KV {
	t.Helper()

	sqlStore, err := Open(context.Background(), "sqlite", ":memory:", true, budget)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlStore.Close() })

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return map[string]KV{
		"sqlite": sqlStore,
		"redis":  NewRedisKV(rdb, "test", budget),
		"memory": NewMemoryKV(budget),
	}
}

func TestKVGetSetDelete(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			if _, err := kv.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
			if err := kv.Set(ctx, "student_history", `[{"id":1}]`); err != nil {
				t.Fatalf("set: %v", err)
			}
			if err := kv.Set(ctx, "student_history", `[]`); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			v, err := kv.Get(ctx, "student_history")
			if err != nil || v != `[]` {
				t.Fatalf("get: %q %v", v, err)
			}
			used, err := kv.Usage(ctx)
			if err != nil || used != 2 {
				t.Fatalf("usage after overwrite: %d %v", used, err)
			}
			if err := kv.Delete(ctx, "student_history"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := kv.Delete(ctx, "student_history"); err != nil {
				t.Fatalf("second delete: %v", err)
			}
			if used, _ := kv.Usage(ctx); used != 0 {
				t.Fatalf("expected zero usage, got %d", used)
			}
		})
	}
}

func TestKVBudget(t *testing.T) {
	ctx := context.Background()
	for name, kv := range backends(t, 10) {
		t.Run(name, func(t *testing.T) {
			if err := kv.Set(ctx, "a", "123456"); err != nil {
				t.Fatalf("set a: %v", err)
			}
			if err := kv.Set(ctx, "b", "12345"); !errors.Is(err, ErrQuotaExceeded) {
				t.Fatalf("expected ErrQuotaExceeded, got %v", err)
			}
			if _, err := kv.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("rejected write must not be stored, got %v", err)
			}
			// replacing a value only counts the difference
			if err := kv.Set(ctx, "a", strings.Repeat("x", 10)); err != nil {
				t.Fatalf("replace within budget: %v", err)
			}
			if err := kv.Delete(ctx, "a"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := kv.Set(ctx, "b", "12345"); err != nil {
				t.Fatalf("set after freeing space: %v", err)
			}
		})
	}
}
