// Package release implements the named package-set
// snapshot registry and its staging -> active -> archived -> deleted
// state machine. At most one release may be active at a time;
// promoting a different release first archives whichever one holds
// that slot. See Registry for the operations.
package release

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/drillmaster/pkg/events"
	"github.com/cuemby/drillmaster/pkg/log"
	"github.com/cuemby/drillmaster/pkg/store"
	"github.com/cuemby/drillmaster/pkg/types"
	"github.com/rs/zerolog"
)

// Registry manages the release state machine over the Store.
type Registry struct {
	store  store.Store
	broker *events.Broker
	logger zerolog.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(s store.Store, b *events.Broker) *Registry {
	return &Registry{
		store:  s,
		broker: b,
		logger: log.WithComponent("release"),
	}
}

// Stage records a new release in the staging state. Version must be unique.
func (r *Registry) Stage(version, name string, packages []string, sizeBytes int64, path string) (*types.Release, error) {
	if _, err := r.store.GetRelease(version); err == nil {
		return nil, fmt.Errorf("release already exists: %s", version)
	}
	rel := &types.Release{
		Version:      version,
		Name:         name,
		Status:       types.ReleaseStaging,
		PackageCount: len(packages),
		SizeBytes:    sizeBytes,
		Path:         path,
		Packages:     packages,
		CreatedAt:    time.Now(),
	}
	if err := r.store.CreateRelease(rel); err != nil {
		return nil, err
	}
	return rel, nil
}

// Promote activates version, first archiving whichever release currently
// holds the active slot. Promoting the release that is already active is
// an idempotent no-op. Promoting anything other than a staging release
// (archived or deleted) is a conflict.
func (r *Registry) Promote(version string) (*types.Release, error) {
	var promoted *types.Release

	err := r.store.Update(func(tx *store.Tx) error {
		target, err := tx.GetRelease(version)
		if err != nil {
			return fmt.Errorf("release not found: %s", version)
		}

		if target.Status == types.ReleaseActive {
			promoted = target
			return nil
		}
		if target.Status != types.ReleaseStaging {
			return fmt.Errorf("conflict: release %s is %s, only a staging release can be promoted", version, target.Status)
		}

		releases, err := tx.ListReleases()
		if err != nil {
			return err
		}
		for _, other := range releases {
			if other.Version != version && other.Status == types.ReleaseActive {
				other.Status = types.ReleaseArchived
				other.ArchivedAt = time.Now()
				if err := tx.PutRelease(other); err != nil {
					return err
				}
			}
		}

		target.Status = types.ReleaseActive
		target.PromotedAt = time.Now()
		if err := tx.PutRelease(target); err != nil {
			return err
		}
		promoted = target
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.emit(types.EventReleasePromoted, promoted.Version, "release promoted to active")
	return promoted, nil
}

// Archive moves version out of the active slot without promoting a
// replacement, leaving zero active releases.
func (r *Registry) Archive(version string) (*types.Release, error) {
	rel, err := r.store.GetRelease(version)
	if err != nil {
		return nil, fmt.Errorf("release not found: %s", version)
	}
	rel.Status = types.ReleaseArchived
	rel.ArchivedAt = time.Now()
	if err := r.store.UpdateRelease(rel); err != nil {
		return nil, err
	}
	r.emit(types.EventReleaseArchived, rel.Version, "release archived")
	return rel, nil
}

// Rollback promotes the most recently archived release back to active,
// archiving whatever is currently active in its place.
func (r *Registry) Rollback() (*types.Release, error) {
	releases, err := r.store.ListReleases()
	if err != nil {
		return nil, err
	}

	var candidate *types.Release
	for _, rel := range releases {
		if rel.Status != types.ReleaseArchived {
			continue
		}
		if candidate == nil || rel.ArchivedAt.After(candidate.ArchivedAt) {
			candidate = rel
		}
	}
	if candidate == nil {
		return nil, fmt.Errorf("no archived release available to roll back to")
	}

	// Promote requires a staging release; restage the candidate, then
	// promote it through the normal path so the active-slot swap stays
	// inside one atomic transaction.
	candidate.Status = types.ReleaseStaging
	if err := r.store.UpdateRelease(candidate); err != nil {
		return nil, err
	}
	return r.Promote(candidate.Version)
}

// Delete removes a release's filesystem content but retains its row,
// marking it deleted. A filesystem failure after the DB commit is
// surfaced as an event rather than rolled back.
func (r *Registry) Delete(version string) error {
	rel, err := r.store.GetRelease(version)
	if err != nil {
		return fmt.Errorf("release not found: %s", version)
	}
	if rel.Status == types.ReleaseActive {
		return fmt.Errorf("conflict: cannot delete the active release %s, archive it first", version)
	}

	rel.Status = types.ReleaseDeleted
	if err := r.store.UpdateRelease(rel); err != nil {
		return err
	}

	if rel.Path != "" {
		if err := os.RemoveAll(rel.Path); err != nil {
			r.logger.Error().Str("version", version).Str("path", rel.Path).Err(err).
				Msg("release row deleted but filesystem cleanup failed")
			r.emit(types.EventReleaseFSDrift, version, fmt.Sprintf("filesystem cleanup failed: %v", err))
		}
	}
	return nil
}

// Get returns a single release by version.
func (r *Registry) Get(version string) (*types.Release, error) {
	return r.store.GetRelease(version)
}

// List returns every release regardless of status.
func (r *Registry) List() ([]*types.Release, error) {
	return r.store.ListReleases()
}

// Diff compares the package sets of two releases, reporting packages
// added in "to" that were absent from "from", removed in the opposite
// direction, and present in both.
type Diff struct {
	From    string
	To      string
	Added   []string
	Removed []string
	Common  []string
}

func (r *Registry) Diff(from, to string) (*Diff, error) {
	fromRel, err := r.store.GetRelease(from)
	if err != nil {
		return nil, fmt.Errorf("release not found: %s", from)
	}
	toRel, err := r.store.GetRelease(to)
	if err != nil {
		return nil, fmt.Errorf("release not found: %s", to)
	}

	fromSet := make(map[string]bool, len(fromRel.Packages))
	for _, p := range fromRel.Packages {
		fromSet[p] = true
	}
	toSet := make(map[string]bool, len(toRel.Packages))
	for _, p := range toRel.Packages {
		toSet[p] = true
	}

	d := &Diff{From: from, To: to}
	for p := range toSet {
		if fromSet[p] {
			d.Common = append(d.Common, p)
		} else {
			d.Added = append(d.Added, p)
		}
	}
	for p := range fromSet {
		if !toSet[p] {
			d.Removed = append(d.Removed, p)
		}
	}
	return d, nil
}

func (r *Registry) emit(kind types.EventKind, version, message string) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&types.Event{
		Kind:      kind,
		Message:   message,
		Package:   version,
		Timestamp: time.Now(),
	})
}
