// Package reconcile merges values that arrive over more than one path
// (push messages and REST polls) so the newest one wins regardless of
// arrival order.
package reconcile

import (
	"fmt"
	"reflect"
	"slices"
	"sync"
	"time"
)

// Version orders competing writes. At must come from one clock for all
// writes to a cell; Seq breaks ties.
type Version struct {
	At  time.Time
	Seq uint64
}

// Newer reports whether v should replace old.
func (v Version) Newer(old Version) bool {
	switch {
	case v.At.After(old.At):
		return true
	case v.At.Before(old.At):
		return false
	default:
		return v.Seq > old.Seq
	}
}

// Cell holds the last accepted value.
type Cell[V any] struct {
	mu      sync.Mutex
	value   V
	version Version
	set     bool
}

// Offer stores value if the cell is empty or ver is newer than the stored
// version. It reports whether the value was accepted.
func (c *Cell[V]) Offer(ver Version, value V) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.set && !ver.Newer(c.version) {
		return false
	}
	c.value = value
	c.version = ver
	c.set = true
	return true
}

// Set stores value unconditionally, for callers that decided ordering
// themselves.
func (c *Cell[V]) Set(ver Version, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.version = ver
	c.set = true
}

// Get returns the stored value and its version.
func (c *Cell[V]) Get() (V, Version, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, c.version, c.set
}

// Reset empties the cell.
func (c *Cell[V]) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	c.value = zero
	c.version = Version{}
	c.set = false
}

// ChangeKind classifies a Change.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Changed ChangeKind = "changed"
)

// Change is one key-level difference between two snapshots.
type Change struct {
	Key  string
	Kind ChangeKind
	Old  any
	New  any
}

func (c Change) String() string {
	switch c.Kind {
	case Added:
		return fmt.Sprintf("+ %s: %v", c.Key, c.New)
	case Removed:
		return fmt.Sprintf("- %s: %v", c.Key, c.Old)
	default:
		return fmt.Sprintf("~ %s: %v -> %v", c.Key, c.Old, c.New)
	}
}

// Diff compares two decoded JSON objects key by key. Changes are sorted by
// key.
func Diff(old, new map[string]any) []Change {
	var changes []Change
	for k, ov := range old {
		nv, ok := new[k]
		switch {
		case !ok:
			changes = append(changes, Change{Key: k, Kind: Removed, Old: ov})
		case !reflect.DeepEqual(ov, nv):
			changes = append(changes, Change{Key: k, Kind: Changed, Old: ov, New: nv})
		}
	}
	for k, nv := range new {
		if _, ok := old[k]; !ok {
			changes = append(changes, Change{Key: k, Kind: Added, New: nv})
		}
	}
	slices.SortFunc(changes, func(a, b Change) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return changes
}
