package ledger

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownSigner = errors.New("ledger: unknown signer")

// Signer produces a signature over an operation digest.
type Signer interface {
	Identity() string
	Sign(ctx context.Context, digest []byte) ([]byte, error)
}

// SignerSource resolves a signer identity to a Signer.
type SignerSource interface {
	Signer(identity string) (Signer, error)
}

// Keyring holds one ed25519 key per signer identity.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewKeyring builds a keyring from hex-encoded 32 byte seeds.
func NewKeyring(seeds map[string]string) (*Keyring, error) {
	k := &Keyring{keys: make(map[string]ed25519.PrivateKey, len(seeds))}
	for id, seed := range seeds {
		if err := k.Add(id, seed); err != nil {
			return nil, err
		}
	}
	return k, nil
}

func (k *Keyring) Add(identity, hexSeed string) error {
	raw, err := hex.DecodeString(hexSeed)
	if err != nil {
		return fmt.Errorf("ledger: signer %s: decode seed: %w", identity, err)
	}
	if len(raw) != ed25519.SeedSize {
		return fmt.Errorf("ledger: signer %s: seed must be %d bytes, got %d", identity, ed25519.SeedSize, len(raw))
	}
	k.mu.Lock()
	k.keys[identity] = ed25519.NewKeyFromSeed(raw)
	k.mu.Unlock()
	return nil
}

func (k *Keyring) Signer(identity string) (Signer, error) {
	k.mu.RLock()
	key, ok := k.keys[identity]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSigner, identity)
	}
	return keySigner{id: identity, key: key}, nil
}

// PublicKey returns the verification key for identity.
func (k *Keyring) PublicKey(identity string) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[identity]
	if !ok {
		return nil, false
	}
	return key.Public().(ed25519.PublicKey), true
}

func (k *Keyring) Identities() []string {
	k.mu.RLock()
	out := make([]string, 0, len(k.keys))
	for id := range k.keys {
		out = append(out, id)
	}
	k.mu.RUnlock()
	sort.Strings(out)
	return out
}

type keySigner struct {
	id  string
	key ed25519.PrivateKey
}

func (s keySigner) Identity() string { return s.id }

func (s keySigner) Sign(ctx context.Context, digest []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(digest) == 0 {
		return nil, errors.New("ledger: empty digest")
	}
	return ed25519.Sign(s.key, digest), nil
}
