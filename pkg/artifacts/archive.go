package artifacts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Archive stores JSON evidence in canonical (RFC 8785) form, so equal
// documents always map to the same digest.
type Archive struct {
	store Store
}

// NewArchive wraps store.
func NewArchive(store Store) *Archive {
	return &Archive{store: store}
}

// Put canonicalizes v and stores it.
func (a *Archive) Put(ctx context.Context, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal evidence: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize evidence: %w", err)
	}
	return a.store.Put(ctx, canonical)
}

// Load fetches digest, checks its integrity and decodes it into v.
func (a *Archive) Load(ctx context.Context, digest string, v any) error {
	data, err := a.store.Get(ctx, digest)
	if err != nil {
		return err
	}
	if got := Digest(data); got != digest {
		return fmt.Errorf("artifact %s is corrupt: content hashes to %s", digest, got)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode evidence %s: %w", digest, err)
	}
	return nil
}
