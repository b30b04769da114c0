package crypto

import (
	"context"
	"errors"
	"fmt"

	"clarity/internal/storage"
)

// SealedKV encrypts values at rest. Plain values written before encryption
// was enabled are still readable and get sealed on their next write.
type SealedKV struct {
	inner   storage.KV
	keyring *Keyring
}

var _ storage.KV = (*SealedKV)(nil)

func NewSealedKV(inner storage.KV, keyring *Keyring) *SealedKV {
	return &SealedKV{inner: inner, keyring: keyring}
}

func (s *SealedKV) Get(ctx context.Context, key string) (string, error) {
	raw, err := s.inner.Get(ctx, key)
	if err != nil {
		return "", err
	}
	plain, err := s.keyring.Open(raw)
	if errors.Is(err, ErrNotSealed) {
		return raw, nil
	}
	if err != nil {
		return "", fmt.Errorf("open %q: %w", key, err)
	}
	return plain, nil
}

func (s *SealedKV) Set(ctx context.Context, key, value string) error {
	sealed, err := s.keyring.Seal(value)
	if err != nil {
		return fmt.Errorf("seal %q: %w", key, err)
	}
	return s.inner.Set(ctx, key, sealed)
}

func (s *SealedKV) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *SealedKV) Usage(ctx context.Context) (int64, error) {
	return s.inner.Usage(ctx)
}

// Rotate rewrites the given keys under the current key: values sealed with an
// older key are resealed and plain values are sealed. It returns how many
// values were rewritten. Run it before serving; it does not lock against
// concurrent writers.
func (s *SealedKV) Rotate(ctx context.Context, keys ...string) (int, error) {
	rewritten := 0
	for _, key := range keys {
		raw, err := s.inner.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return rewritten, fmt.Errorf("rotate %q: %w", key, err)
		}
		if s.keyring.Current(raw) {
			continue
		}
		sealed, err := s.keyring.Reseal(raw)
		if errors.Is(err, ErrNotSealed) {
			sealed, err = s.keyring.Seal(raw)
		}
		if err != nil {
			return rewritten, fmt.Errorf("rotate %q: %w", key, err)
		}
		if err := s.inner.Set(ctx, key, sealed); err != nil {
			return rewritten, fmt.Errorf("rotate %q: %w", key, err)
		}
		rewritten++
	}
	return rewritten, nil
}
