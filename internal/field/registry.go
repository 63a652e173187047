package field

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Registry maps field identity to its current metadata.
//
// The same physical column is interned once, no matter how many operators
// reference it, and derived fields get memoized ids so that recomputing a
// pipeline never mints new identities for the same derivation.
type Registry struct {
	mu sync.RWMutex

	// byID maps a field id to its current metadata.
	byID map[string]Field

	// byPhysical maps "table.column" (lowercased) to the interned field id.
	byPhysical map[string]string

	// derived maps "scope\x00key" to the id minted for that derivation, and
	// derivedBy is its inverse.
	derived   map[string]string
	derivedBy map[string]string

	newID func() string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:       make(map[string]Field),
		byPhysical: make(map[string]string),
		derived:    make(map[string]string),
		derivedBy:  make(map[string]string),
		newID:      func() string { return ulid.Make().String() },
	}
}

// NewID mints a fresh field id.
func (r *Registry) NewID() string {
	return r.newID()
}

func physicalKey(table, column string) string {
	return strings.ToLower(table) + "." + strings.ToLower(column)
}

// Intern registers a physical column of table and returns its canonical field.
//
// A seed carrying an id keeps that id (persisted documents are authoritative
// for identity); a seed without one reuses the id already interned for the
// same table column, or gets a new one.
func (r *Registry) Intern(table string, seed Field) Field {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := physicalKey(table, seed.TechnicalName)

	if seed.ID == "" {
		if id, ok := r.byPhysical[key]; ok {
			return r.byID[id]
		}
		seed.ID = r.newID()
	}

	if existing, ok := r.byID[seed.ID]; ok {
		if _, indexed := r.byPhysical[key]; !indexed {
			r.byPhysical[key] = seed.ID
		}
		return existing
	}

	if seed.DisplayName == "" {
		seed.DisplayName = DefaultDisplayName(seed.TechnicalName)
	}
	seed.DataType = normalizeType(seed.DataType)
	if seed.Origin.Table == "" {
		seed.Origin.Table = table
	}
	r.byID[seed.ID] = seed
	if _, indexed := r.byPhysical[key]; !indexed {
		r.byPhysical[key] = seed.ID
	}
	return seed
}

// Derive returns the field produced by a derivation identified by scope and
// key, minting its id on first use. On first use a seed id is honored when it
// is neither a physical column nor claimed by another derivation, which lets
// ids from a persisted snapshot survive a reload. The metadata of seed is
// applied on every call so derived fields follow their inputs; a display
// name marked Renamed, whether set through Rename or restored from a
// snapshot, is preserved.
func (r *Registry) Derive(scope, key string, seed Field) Field {
	r.mu.Lock()
	defer r.mu.Unlock()

	memo := scope + "\x00" + key
	id, ok := r.derived[memo]
	if !ok {
		id = r.newID()
		if seed.ID != "" && !r.isPhysical(seed.ID) {
			if owner, claimed := r.derivedBy[seed.ID]; !claimed || owner == memo {
				id = seed.ID
			}
		}
		r.derived[memo] = id
		r.derivedBy[id] = memo
	}

	seed.ID = id
	seed.DataType = normalizeType(seed.DataType)
	// Seeds are often copies of input fields; their rename is not ours.
	seed.Renamed = false
	if seed.DisplayName == "" {
		seed.DisplayName = DefaultDisplayName(seed.TechnicalName)
	}
	if existing, ok := r.byID[id]; ok && existing.Renamed {
		seed.DisplayName = existing.DisplayName
		seed.Renamed = true
	}
	r.byID[id] = seed
	return seed
}

func (r *Registry) isPhysical(id string) bool {
	for _, physical := range r.byPhysical {
		if physical == id {
			return true
		}
	}
	return false
}

// Adopt registers f if its id is unknown and returns the registry's version.
// Persisted field snapshots are a cache: for known ids the registry wins.
func (r *Registry) Adopt(f Field) Field {
	if f.ID == "" {
		return f
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byID[f.ID]; ok {
		return existing
	}
	f.DataType = normalizeType(f.DataType)
	r.byID[f.ID] = f
	return f
}

// Lookup returns the current metadata for id.
func (r *Registry) Lookup(id string) (Field, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.byID[id]
	return f, ok
}

// Resolve refreshes f with the registry's metadata for its id. Unknown fields
// are returned unchanged.
func (r *Registry) Resolve(f Field) Field {
	if current, ok := r.Lookup(f.ID); ok {
		return current
	}
	return f
}

// ResolveAll refreshes every field in fields.
func (r *Registry) ResolveAll(fields []Field) []Field {
	out := make([]Field, len(fields))
	for i, f := range fields {
		out[i] = r.Resolve(f)
	}
	return out
}

// Rename sets the display name of a field and marks it Renamed. The id is
// unchanged.
func (r *Registry) Rename(id, displayName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("field %q not registered", id)
	}
	f.DisplayName = displayName
	f.Renamed = true
	r.byID[id] = f
	return nil
}

// Retype changes the data type of a field.
func (r *Registry) Retype(id string, dt DataType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("field %q not registered", id)
	}
	f.DataType = normalizeType(dt)
	r.byID[id] = f
	return nil
}

// Len returns the number of registered fields.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns every registered field ordered by id.
func (r *Registry) All() []Field {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Field, 0, len(r.byID))
	for _, f := range r.byID {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func normalizeType(dt DataType) DataType {
	if dt == "" {
		return TypeUnknown
	}
	return ParseDataType(string(dt))
}
