// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package roster

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
)

// Signer produces an opaque signature over a vote payload.
type Signer interface {
	Sign(voterID string, payload []byte) ([]byte, error)
}

// Verifier checks a signature produced by a Signer.
type Verifier interface {
	Verify(voterID string, payload, signature []byte) bool
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(voterID string, payload, signature []byte) bool

func (f VerifierFunc) Verify(voterID string, payload, signature []byte) bool {
	return f(voterID, payload, signature)
}

// AcceptAll is a Verifier for deployments where votes are authenticated
// before they reach the core.
var AcceptAll Verifier = VerifierFunc(func(string, []byte, []byte) bool { return true })

var (
	_ Signer   = (*Keyring)(nil)
	_ Verifier = (*Keyring)(nil)
)

// Keyring holds one ed25519 key pair per voter. It is used by the simulator
// and tests to stand in for the external signing service.
type Keyring struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewKeyring returns an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[string]ed25519.PrivateKey)}
}

// Generate creates a key pair for voterID, replacing any existing one.
func (k *Keyring) Generate(voterID string) error {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key for %s: %w", voterID, err)
	}
	k.mu.Lock()
	k.keys[voterID] = priv
	k.mu.Unlock()
	return nil
}

func (k *Keyring) Sign(voterID string, payload []byte) ([]byte, error) {
	k.mu.RLock()
	priv, ok := k.keys[voterID]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no key for %s", ErrUnknownAgent, voterID)
	}
	return ed25519.Sign(priv, payload), nil
}

func (k *Keyring) Verify(voterID string, payload, signature []byte) bool {
	k.mu.RLock()
	priv, ok := k.keys[voterID]
	k.mu.RUnlock()
	if !ok {
		return false
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return false
	}
	return ed25519.Verify(pub, payload, signature)
}
