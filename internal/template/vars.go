package template

import (
	"strings"
	"sync"
)

// VarSource is the lookup side of a variable scope.
type VarSource interface {
	Lookup(key string) (string, bool)
}

type varEntry struct {
	key   string
	value string
}

// Vars is a per-session variable scope. Keys are case-insensitive and the
// set only grows; Set overwrites existing values but nothing is removed.
type Vars struct {
	mu     sync.RWMutex
	values map[string]varEntry
}

// NewVars creates a scope seeded with the given values.
func NewVars(seed map[string]string) *Vars {
	v := &Vars{values: make(map[string]varEntry, len(seed))}
	for k, val := range seed {
		v.Set(k, val)
	}
	return v
}

func (v *Vars) Lookup(key string) (string, bool) {
	if v == nil {
		return "", false
	}
	v.mu.RLock()
	e, ok := v.values[strings.ToLower(key)]
	v.mu.RUnlock()
	return e.value, ok
}

// Get returns the value or "" when the key is unknown.
func (v *Vars) Get(key string) string {
	s, _ := v.Lookup(key)
	return s
}

func (v *Vars) Set(key, value string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	lower := strings.ToLower(key)
	v.mu.Lock()
	if e, ok := v.values[lower]; ok {
		key = e.key
	}
	v.values[lower] = varEntry{key: key, value: value}
	v.mu.Unlock()
}

// Merge copies every entry of values into the scope.
func (v *Vars) Merge(values map[string]string) {
	for k, val := range values {
		v.Set(k, val)
	}
}

// Snapshot returns a copy keyed by the spelling each key was first set with.
func (v *Vars) Snapshot() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make(map[string]string, len(v.values))
	for _, e := range v.values {
		out[e.key] = e.value
	}
	return out
}

func (v *Vars) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.values)
}
