// Package gear implements the Gear manifest registry: loading manifests
// into an in-memory catalog (§3's GearManifest is immutable per
// version, so the catalog is populated at startup and updated only by
// redeploying), and the sticky-disable bookkeeping §4.5 requires once
// a sandbox integrity or signature check fails for a Gear. The catalog
// persistence half is backed by this module's own embedded store, since
// disabled-state is a small, local, availability-critical fact rather
// than shared toolset metadata.
package gear

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/meridian-run/meridian/errs"
	"github.com/meridian-run/meridian/sandbox"
	"github.com/meridian-run/meridian/storage"
)

// Registry is the in-memory Gear catalog plus durable disabled-state,
// implementing sandbox.ManifestLookup and sandbox.DisableFunc so a
// sandbox.Host can be constructed directly from it.
type Registry struct {
	db *storage.DB

	mu        sync.RWMutex
	manifests map[string]*sandbox.Manifest
	disabled  map[string]string // gearID -> reason
}

// New builds a Registry backed by db. Callers should call LoadDisabled once
// at startup (§4.7 phase 1, alongside migrations) to restore sticky
// disables that survived a restart.
func New(db *storage.DB) *Registry {
	return &Registry{
		db:        db,
		manifests: make(map[string]*sandbox.Manifest),
		disabled:  make(map[string]string),
	}
}

// Register adds or replaces a Gear's manifest in the catalog. It does not
// clear a prior disable: a disabled Gear stays disabled across a manifest
// reload until explicitly re-enabled.
func (r *Registry) Register(m *sandbox.Manifest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.manifests[m.ID] = m
}

// LoadDisabled restores the sticky-disable set from storage.
func (r *Registry) LoadDisabled(ctx context.Context) error {
	rows, err := storage.Query(ctx, r.db, `SELECT gear_id, reason FROM disabled_gears`)
	if err != nil {
		return err
	}
	defer rows.Close()

	disabled := make(map[string]string)
	for rows.Next() {
		var id, reason string
		if err := rows.Scan(&id, &reason); err != nil {
			return errs.Wrap(errs.Internal, err, "scan disabled gear row")
		}
		disabled[id] = reason
	}
	if err := rows.Err(); err != nil {
		return errs.Wrap(errs.Internal, err, "iterate disabled gear rows")
	}

	r.mu.Lock()
	r.disabled = disabled
	r.mu.Unlock()
	return nil
}

// Lookup resolves gearID to its manifest, returning ok=false if unknown or
// disabled — a disabled Gear is treated as absent from the caller's point
// of view, satisfying sandbox.ManifestLookup.
func (r *Registry) Lookup(gearID string) (*sandbox.Manifest, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, blocked := r.disabled[gearID]; blocked {
		return nil, false
	}
	m, ok := r.manifests[gearID]
	return m, ok
}

// Disable records gearID as disabled with reason, persisting it so the
// disable survives a restart. It satisfies sandbox.DisableFunc.
func (r *Registry) Disable(gearID, reason string) {
	r.mu.Lock()
	r.disabled[gearID] = reason
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := storage.Run(ctx, r.db, `
		INSERT INTO disabled_gears (gear_id, reason, disabled_at)
		VALUES (?, ?, ?)
		ON CONFLICT(gear_id) DO UPDATE SET reason = excluded.reason, disabled_at = excluded.disabled_at
	`, gearID, reason, time.Now().UnixMilli())
	if err != nil {
		// Best-effort: the in-memory disable above already takes effect for
		// this process; a failure to persist only risks the disable not
		// surviving a restart, which LoadDisabled's caller should monitor.
		_ = err
	}
}

// Enable clears a sticky disable, re-admitting gearID to Lookup.
func (r *Registry) Enable(ctx context.Context, gearID string) error {
	r.mu.Lock()
	delete(r.disabled, gearID)
	r.mu.Unlock()
	_, err := storage.Run(ctx, r.db, `DELETE FROM disabled_gears WHERE gear_id = ?`, gearID)
	return err
}

// IsDisabled reports whether gearID is currently sticky-disabled, and why.
func (r *Registry) IsDisabled(gearID string) (reason string, disabled bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reason, disabled = r.disabled[gearID]
	return reason, disabled
}

// ActionSchema resolves the declared parameter JSON Schema for a Gear's
// action, satisfying policy.SchemaLookup.
func (r *Registry) ActionSchema(gearID, action string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.manifests[gearID]
	if !ok {
		return nil, false
	}
	for _, a := range m.Actions {
		if strings.EqualFold(a.Name, action) {
			if len(a.ParameterSchema) == 0 {
				return nil, false
			}
			return a.ParameterSchema, true
		}
	}
	return nil, false
}
