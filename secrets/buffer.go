// Package secrets implements the Secrets Vault external interface:
// `retrieve(name, gearId) → bytes`, `list() → metadata[]`, ACL-gated by the
// calling Gear's declared permissions, with values delivered in pinned,
// zeroable byte buffers. The store/credential shape is grounded on the
// nandlabs-golly secrets package (store.go/credential.go/localstore.go);
// the ACL gate and zeroing-on-release discipline are Meridian's own, per
// §4.5/§7's secrets-lifecycle invariant.
package secrets

import (
	"sync"
	"time"
)

// Buffer holds a secret value in memory for the shortest possible window.
// Callers MUST call Release (directly or via defer) on every exit path,
// including panics — Release is safe to call multiple times and zeroes the
// backing array exactly once.
type Buffer struct {
	mu       sync.Mutex
	value    []byte
	released bool
}

// NewBuffer wraps value in a Buffer. The Buffer takes ownership of the
// slice: callers must not retain or mutate it after this call.
func NewBuffer(value []byte) *Buffer {
	return &Buffer{value: value}
}

// Bytes returns the secret value. It panics if called after Release, since
// that would read zeroed (or already-reused) memory — a programming error
// in the caller, not a runtime condition to recover from.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		panic("secrets: Bytes called on a released Buffer")
	}
	return b.value
}

// Release zeroes the backing array. Idempotent: a second call is a no-op.
func (b *Buffer) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.released {
		return
	}
	for i := range b.value {
		b.value[i] = 0
	}
	b.released = true
}

// Metadata describes a stored secret without exposing its value, the
// `list() → metadata[]` operation's element type.
type Metadata struct {
	Name        string
	Version     string
	LastUpdated time.Time
}
