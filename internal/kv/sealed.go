package kv

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"

	customerrors "github.com/bavix/nestbridge/internal/errors"
)

const nonceSize = 24

// Sealed encrypts values with secretbox before handing them to the inner store.
// Stored form: base64(nonce || box).
type Sealed struct {
	inner Store
	key   *[32]byte
}

func NewSealed(inner Store, key *[32]byte) *Sealed {
	return &Sealed{inner: inner, key: key}
}

func (s *Sealed) Get(ctx context.Context, key string) (string, error) {
	raw, err := s.inner.Get(ctx, key)
	if err != nil {
		return "", err
	}

	b, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(b) < nonceSize+secretbox.Overhead {
		return "", fmt.Errorf("%w: %s", customerrors.ErrSealedValueInvalid, key)
	}

	var nonce [nonceSize]byte
	copy(nonce[:], b[:nonceSize])

	plain, ok := secretbox.Open(nil, b[nonceSize:], &nonce, s.key)
	if !ok {
		return "", fmt.Errorf("%w: %s", customerrors.ErrSealedValueInvalid, key)
	}

	return string(plain), nil
}

func (s *Sealed) Set(ctx context.Context, key, value string) error {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	box := secretbox.Seal(nonce[:], []byte(value), &nonce, s.key)

	return s.inner.Set(ctx, key, base64.StdEncoding.EncodeToString(box))
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
