// Package reference keeps the per-broker base positions used to enrich
// streaming deltas.
package reference

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"brokerstream/models"
)

type positions map[string]models.ReferencePosition

// Store maps broker -> dealId -> ReferencePosition. Each broker's map is an
// immutable snapshot behind an atomic pointer; Swap publishes a new one and
// readers never see a partial update. Brokers never contend with each other.
type Store struct {
	brokers sync.Map // lower-cased broker -> *atomic.Pointer[positions]
}

func NewStore() *Store {
	return &Store{}
}

func (s *Store) slot(broker string) *atomic.Pointer[positions] {
	key := strings.ToLower(strings.TrimSpace(broker))
	if v, ok := s.brokers.Load(key); ok {
		return v.(*atomic.Pointer[positions])
	}
	v, _ := s.brokers.LoadOrStore(key, &atomic.Pointer[positions]{})
	return v.(*atomic.Pointer[positions])
}

// Swap replaces the broker's set. The input map is copied, so the caller may
// keep using it.
func (s *Store) Swap(broker string, next map[string]models.ReferencePosition) {
	snap := make(positions, len(next))
	for id, p := range next {
		if p.DealID == "" {
			p.DealID = id
		}
		snap[models.Key(id)] = p
	}
	s.slot(broker).Store(&snap)
}

// Get looks up a position by dealId, case-insensitively.
func (s *Store) Get(broker, dealID string) (models.ReferencePosition, bool) {
	v, ok := s.brokers.Load(strings.ToLower(strings.TrimSpace(broker)))
	if !ok {
		return models.ReferencePosition{}, false
	}
	snap := v.(*atomic.Pointer[positions]).Load()
	if snap == nil {
		return models.ReferencePosition{}, false
	}
	p, ok := (*snap)[models.Key(dealID)]
	return p, ok
}

// Snapshot returns a copy of the broker's current set.
func (s *Store) Snapshot(broker string) map[string]models.ReferencePosition {
	v, ok := s.brokers.Load(strings.ToLower(strings.TrimSpace(broker)))
	if !ok {
		return map[string]models.ReferencePosition{}
	}
	snap := v.(*atomic.Pointer[positions]).Load()
	if snap == nil {
		return map[string]models.ReferencePosition{}
	}
	out := make(map[string]models.ReferencePosition, len(*snap))
	for k, p := range *snap {
		out[k] = p
	}
	return out
}

// Len returns how many positions the broker currently has.
func (s *Store) Len(broker string) int {
	v, ok := s.brokers.Load(strings.ToLower(strings.TrimSpace(broker)))
	if !ok {
		return 0
	}
	if snap := v.(*atomic.Pointer[positions]).Load(); snap != nil {
		return len(*snap)
	}
	return 0
}

// Brokers lists the brokers that have had at least one swap.
func (s *Store) Brokers() []string {
	var out []string
	s.brokers.Range(func(k, v any) bool {
		if v.(*atomic.Pointer[positions]).Load() != nil {
			out = append(out, k.(string))
		}
		return true
	})
	sort.Strings(out)
	return out
}
