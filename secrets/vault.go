package secrets

import (
	"context"
	"fmt"
)

// ACL authorizes which secret names a Gear may retrieve, derived from the
// Gear's manifest `permissions.secrets` declaration (§3's
// GearManifest). The vault consults this before ever touching the store,
// so an unauthorized request never even triggers a decrypt.
type ACL interface {
	Allowed(gearID, secretName string) bool
}

// StaticACL is an ACL backed by a fixed gearID → allowed-names map, the
// shape cmd/meridiand builds from each loaded Manifest's
// Permissions.Secrets.
type StaticACL map[string][]string

// Allowed implements ACL.
func (a StaticACL) Allowed(gearID, secretName string) bool {
	for _, name := range a[gearID] {
		if name == secretName {
			return true
		}
	}
	return false
}

// Store is the persistence seam a Vault retrieves encrypted secret
// material from: Get/Write/Provider narrowed to what the vault needs,
// plus a List operation for enumerating stored secret names.
type Store interface {
	Get(ctx context.Context, name string) (value []byte, version string, err error)
	List(ctx context.Context) ([]Metadata, error)
}

// Vault implements the secrets-vault external interface: ACL-gated
// retrieval into a zeroable Buffer, and unredacted-value-free listing.
type Vault struct {
	store Store
	acl   ACL
}

// New builds a Vault over an already-constructed Store and ACL.
func New(store Store, acl ACL) *Vault {
	return &Vault{store: store, acl: acl}
}

// Retrieve implements `retrieve(name, gearId) → bytes`. It returns a Buffer
// the caller owns and must Release once the value has been used (handed to
// a Gear's signed IPC handshake, never left in process env — §4.5
// step 3).
func (v *Vault) Retrieve(ctx context.Context, name, gearID string) (*Buffer, error) {
	if !v.acl.Allowed(gearID, name) {
		return nil, fmt.Errorf("secrets: gear %q is not permitted to access secret %q", gearID, name)
	}
	value, _, err := v.store.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("secrets: retrieve %q: %w", name, err)
	}
	return NewBuffer(value), nil
}

// List implements `list() → metadata[]`. It never returns secret values,
// only the metadata a caller needs to decide what to retrieve.
func (v *Vault) List(ctx context.Context) ([]Metadata, error) {
	return v.store.List(ctx)
}

// Close zeroes the underlying store's key material, if it supports that,
// as part of the runtime shutdown sequence's "zero keys" step (§4.7).
// A store with no key material to zero (e.g. a remote KMS-backed Store) is
// left untouched.
func (v *Vault) Close() error {
	if closer, ok := v.store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
