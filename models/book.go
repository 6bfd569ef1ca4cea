package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// BookPosition is the downstream state for one dealId.
type BookPosition struct {
	Snapshot
	Bid       *float64  `json:"bid,omitempty"`
	Ask       *float64  `json:"ask,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Book is the sink-side position store: upsert by dealId, last write wins.
// Applying the same event twice leaves the same state as applying it once.
type Book struct {
	mu        sync.RWMutex
	positions map[string]BookPosition
}

func NewBook() *Book {
	return &Book{positions: make(map[string]BookPosition)}
}

// Upsert replaces the snapshot fields and keeps the last known prices.
func (b *Book) Upsert(s Snapshot) bool {
	key := Key(s.DealID)
	if key == "" {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.positions[key]
	cur.Snapshot = s
	cur.Snapshot.Type = TypeSnapshot
	cur.UpdatedAt = time.Now().UTC()
	b.positions[key] = cur
	return true
}

// ApplyTick updates bid and ask when present. Unknown dealIds are ignored.
func (b *Book) ApplyTick(t Tick) bool {
	key := Key(t.DealID)
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.positions[key]
	if !ok {
		return false
	}
	if t.Bid != nil {
		v := *t.Bid
		cur.Bid = &v
	}
	if t.Ask != nil {
		v := *t.Ask
		cur.Ask = &v
	}
	if t.TimestampUTC.IsZero() {
		cur.UpdatedAt = time.Now().UTC()
	} else {
		cur.UpdatedAt = t.TimestampUTC
	}
	b.positions[key] = cur
	return true
}

func (b *Book) Remove(dealID string) bool {
	key := Key(dealID)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.positions[key]; !ok {
		return false
	}
	delete(b.positions, key)
	return true
}

func (b *Book) Get(dealID string) (BookPosition, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[Key(dealID)]
	return p, ok
}

// All returns the positions ordered by dealId.
func (b *Book) All() []BookPosition {
	b.mu.RLock()
	out := make([]BookPosition, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return Key(out[i].DealID) < Key(out[j].DealID) })
	return out
}

// Apply decodes an ingest body (a single event or an array of snapshots) and
// applies it. It returns the number of events applied.
func (b *Book) Apply(body []byte) (int, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return 0, fmt.Errorf("empty body")
	}
	if body[0] == '[' {
		var snaps []Snapshot
		if err := json.Unmarshal(body, &snaps); err != nil {
			return 0, fmt.Errorf("decode snapshot array: %w", err)
		}
		n := 0
		for _, s := range snaps {
			if b.Upsert(s) {
				n++
			}
		}
		return n, nil
	}

	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return 0, fmt.Errorf("decode event: %w", err)
	}
	switch strings.ToLower(head.Type) {
	case TypeSnapshot:
		var s Snapshot
		if err := json.Unmarshal(body, &s); err != nil {
			return 0, fmt.Errorf("decode snapshot: %w", err)
		}
		if b.Upsert(s) {
			return 1, nil
		}
	case TypeTick:
		var t Tick
		if err := json.Unmarshal(body, &t); err != nil {
			return 0, fmt.Errorf("decode tick: %w", err)
		}
		if b.ApplyTick(t) {
			return 1, nil
		}
	case TypeClosed:
		var c Closed
		if err := json.Unmarshal(body, &c); err != nil {
			return 0, fmt.Errorf("decode closed: %w", err)
		}
		if b.Remove(c.DealID) {
			return 1, nil
		}
	default:
		return 0, fmt.Errorf("unknown event type %q", head.Type)
	}
	return 0, nil
}
