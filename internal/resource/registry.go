// Package resource maps human resource names to the opaque hashes used in
// the shared store.
package resource

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goodtune/kbudget/internal/config"
	"github.com/goodtune/kbudget/internal/state"
)

// ErrUnknownResource is returned when a name or hash is not registered.
var ErrUnknownResource = errors.New("resource: unknown resource")

// Resource is one managed app or site.
type Resource struct {
	Hash         string   `json:"id" yaml:"id"`
	Name         string   `json:"name" yaml:"name"`
	Domains      []string `json:"domains,omitempty" yaml:"domains,omitempty"`
	DailyMinutes int      `json:"daily_minutes" yaml:"daily_minutes"`
	Selected     bool     `json:"selected" yaml:"selected"`
}

// Hash returns the stable identifier for name.
func Hash(name string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(name))))
	return hex.EncodeToString(sum[:])[:16]
}

// Registry is the main process's view of resource identities. The monitor
// never needs it; it only ever sees hashes.
type Registry struct {
	byHash map[string]Resource
	order  []string
}

// NewRegistry builds a registry from configured resources.
func NewRegistry(resources []config.ResourceConfig) *Registry {
	r := &Registry{byHash: make(map[string]Resource, len(resources))}
	for _, rc := range resources {
		res := Resource{
			Hash:         Hash(rc.Name),
			Name:         rc.Name,
			Domains:      append([]string(nil), rc.Domains...),
			DailyMinutes: rc.DailyMinutes,
			Selected:     rc.Selected,
		}
		if _, dup := r.byHash[res.Hash]; dup {
			continue
		}
		r.byHash[res.Hash] = res
		r.order = append(r.order, res.Hash)
	}
	sort.SliceStable(r.order, func(i, j int) bool {
		return r.byHash[r.order[i]].Name < r.byHash[r.order[j]].Name
	})
	return r
}

// All returns every resource ordered by name.
func (r *Registry) All() []Resource {
	out := make([]Resource, 0, len(r.order))
	for _, h := range r.order {
		out = append(out, r.byHash[h])
	}
	return out
}

// Hashes returns every registered hash ordered by resource name.
func (r *Registry) Hashes() []string {
	return append([]string(nil), r.order...)
}

// Get returns the resource with hash.
func (r *Registry) Get(hash string) (Resource, bool) {
	res, ok := r.byHash[hash]
	return res, ok
}

// Lookup accepts either a resource name or a hash.
func (r *Registry) Lookup(nameOrHash string) (Resource, error) {
	if res, ok := r.byHash[nameOrHash]; ok {
		return res, nil
	}
	if res, ok := r.byHash[Hash(nameOrHash)]; ok {
		return res, nil
	}
	return Resource{}, fmt.Errorf("%w: %s", ErrUnknownResource, nameOrHash)
}

// Contains reports whether hash is registered.
func (r *Registry) Contains(hash string) bool {
	_, ok := r.byHash[hash]
	return ok
}

// Seed writes configured limits and selections for resources that have
// never been seeded. Once seeded, a resource is left alone, so a limit
// cleared or a selection changed through the CLI stays that way.
func (r *Registry) Seed(ctx context.Context, st *state.Store) error {
	for _, res := range r.All() {
		if err := seed(ctx, st, res); err != nil {
			return fmt.Errorf("seed %s: %w", res.Name, err)
		}
	}
	return nil
}

func seed(ctx context.Context, st *state.Store, res Resource) error {
	seeded, err := st.Seeded(ctx, res.Hash)
	if err != nil || seeded {
		return err
	}

	// Stores written before the marker existed keep their values.
	if _, ok, err := st.Limit(ctx, res.Hash); err != nil {
		return err
	} else if !ok {
		if err := st.SetLimit(ctx, res.Hash, res.DailyMinutes); err != nil {
			return err
		}
	}
	known, err := st.SelectionKnown(ctx, res.Hash)
	if err != nil {
		return err
	}
	if !known {
		if err := st.SetSelected(ctx, res.Hash, res.Selected); err != nil {
			return err
		}
	}
	return st.MarkSeeded(ctx, res.Hash)
}
