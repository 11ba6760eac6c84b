package table

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	ErrInvalidCapacity = errors.New("capacity must be positive")
	ErrNilHash         = errors.New("hash function is nil")
)

// HashFunc maps a key to an integer; the table reduces it into a slot.
type HashFunc[K comparable] func(K) int

type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

func (e Entry[K, V]) String() string {
	return fmt.Sprintf("(%v, %v)", e.Key, e.Value)
}

type cell[K comparable, V any] struct {
	entry    Entry[K, V]
	occupied bool
}

// Table is a fixed-capacity two-level hash table: one entry per primary
// slot, colliding entries chained in the secondary array at the same index.
// It is not safe for concurrent use.
type Table[K comparable, V any] struct {
	primary    []cell[K, V]
	secondary  [][]Entry[K, V]
	hash       HashFunc[K]
	capacity   int
	inserts    int
	collisions int
}

func New[K comparable, V any](hash HashFunc[K], capacity int) (*Table[K, V], error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCapacity, capacity)
	}
	if hash == nil {
		return nil, ErrNilHash
	}

	return &Table[K, V]{
		primary:   make([]cell[K, V], capacity),
		secondary: make([][]Entry[K, V], capacity),
		hash:      hash,
		capacity:  capacity,
	}, nil
}

func (t *Table[K, V]) Hash() HashFunc[K] {
	return t.hash
}

func (t *Table[K, V]) Capacity() int {
	return t.capacity
}

func (t *Table[K, V]) Inserts() int {
	return t.inserts
}

func (t *Table[K, V]) Collisions() int {
	return t.collisions
}

// Slot returns the index key maps to under the current hash function.
// Negative hash values are floor-reduced so the result is always in range.
func (t *Table[K, V]) Slot(key K) int {
	idx := t.hash(key) % t.capacity
	if idx < 0 {
		idx += t.capacity
	}
	return idx
}

func (t *Table[K, V]) Insert(key K, value V) {
	t.inserts++
	idx := t.Slot(key)

	if !t.primary[idx].occupied {
		t.primary[idx] = cell[K, V]{entry: Entry[K, V]{Key: key, Value: value}, occupied: true}
		return
	}

	t.collisions++
	t.secondary[idx] = append(t.secondary[idx], Entry[K, V]{Key: key, Value: value})
}

// Delete removes key and reports success under the table's historical
// contract: a primary hit, an emptied chain or a key that was never there
// all report true; a chain that still holds entries afterwards reports
// false. Colliding entries are never promoted into a vacated primary slot.
func (t *Table[K, V]) Delete(key K) bool {
	idx := t.Slot(key)

	if p := t.primary[idx]; p.occupied && p.entry.Key == key {
		t.primary[idx] = cell[K, V]{}
		t.recountCollisions()
		return true
	}

	if chain := t.secondary[idx]; chain != nil {
		kept := chain[:0]
		for _, e := range chain {
			if e.Key != key {
				kept = append(kept, e)
			}
		}
		removed := len(kept) < len(chain)
		clearTail(chain, len(kept))

		if removed && len(kept) == 0 {
			t.secondary[idx] = nil
			return true
		}
		t.secondary[idx] = kept
		return false
	}

	t.recountCollisions()
	return true
}

// recountCollisions replaces the running count with the number of slots
// that currently hold both a primary entry and a chain.
func (t *Table[K, V]) recountCollisions() {
	t.collisions = 0
	for i := 0; i < t.capacity; i++ {
		if t.primary[i].occupied && t.secondary[i] != nil {
			t.collisions++
		}
	}
}

func (t *Table[K, V]) Search(key K) ([]V, bool) {
	idx := t.Slot(key)
	var results []V

	if p := t.primary[idx]; p.occupied && p.entry.Key == key {
		results = append(results, p.entry.Value)
	}

	for _, e := range t.secondary[idx] {
		if e.Key == key {
			results = append(results, e.Value)
		}
	}

	if len(results) == 0 {
		return nil, false
	}
	return results, true
}

func (t *Table[K, V]) ContainsKey(key K) bool {
	_, ok := t.Search(key)
	return ok
}

func (t *Table[K, V]) Clear() {
	for i := 0; i < t.capacity; i++ {
		t.primary[i] = cell[K, V]{}
		t.secondary[i] = nil
	}
	t.collisions = 0
	t.inserts = 0
}

// CollisionRate is collisions over inserts since the last Clear.
func (t *Table[K, V]) CollisionRate() float64 {
	if t.inserts == 0 {
		return 0
	}
	return float64(t.collisions) / float64(t.inserts)
}

// SetHash swaps the hash function and rebuilds the table by re-inserting
// every entry, so the counters afterwards describe only the rebuild.
func (t *Table[K, V]) SetHash(hash HashFunc[K]) error {
	if hash == nil {
		return ErrNilHash
	}

	entries := t.Entries()
	t.Clear()
	t.hash = hash

	for _, e := range entries {
		t.Insert(e.Key, e.Value)
	}
	return nil
}

// Entries returns every live entry: primary entries in slot order, then
// chained entries in slot order and chain order.
func (t *Table[K, V]) Entries() []Entry[K, V] {
	entries := make([]Entry[K, V], 0, t.Len())
	for i := 0; i < t.capacity; i++ {
		if t.primary[i].occupied {
			entries = append(entries, t.primary[i].entry)
		}
	}
	for i := 0; i < t.capacity; i++ {
		entries = append(entries, t.secondary[i]...)
	}
	return entries
}

// Len is the number of live entries across both levels.
func (t *Table[K, V]) Len() int {
	n := 0
	for i := 0; i < t.capacity; i++ {
		if t.primary[i].occupied {
			n++
		}
		n += len(t.secondary[i])
	}
	return n
}

func (t *Table[K, V]) PrimarySnapshot() map[K]V {
	result := make(map[K]V)
	for i := 0; i < t.capacity; i++ {
		if t.primary[i].occupied {
			result[t.primary[i].entry.Key] = t.primary[i].entry.Value
		}
	}
	return result
}

// SecondarySnapshot groups each chain's values under the key of the
// chain's first entry, even when later entries carry a different key.
func (t *Table[K, V]) SecondarySnapshot() map[K][]V {
	result := make(map[K][]V)
	for i := 0; i < t.capacity; i++ {
		chain := t.secondary[i]
		if chain == nil {
			continue
		}
		values := make([]V, 0, len(chain))
		for _, e := range chain {
			values = append(values, e.Value)
		}
		result[chain[0].Key] = values
	}
	return result
}

func (t *Table[K, V]) Dump(w io.Writer) error {
	if _, err := fmt.Fprintln(w, "Primary Table:"); err != nil {
		return err
	}
	for i := 0; i < t.capacity; i++ {
		if _, err := fmt.Fprintf(w, "%d: %s\n", i, t.primaryString(i)); err != nil {
			return err
		}
	}

	if _, err := fmt.Fprintln(w, "Secondary Table:"); err != nil {
		return err
	}
	for i := 0; i < t.capacity; i++ {
		if _, err := fmt.Fprintf(w, "%d: %s\n", i, t.chainString(i)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table[K, V]) String() string {
	primary := make([]string, t.capacity)
	secondary := make([]string, t.capacity)
	for i := 0; i < t.capacity; i++ {
		primary[i] = t.primaryString(i)
		secondary[i] = t.chainString(i)
	}
	return "Primary Table: [" + strings.Join(primary, ", ") + "]\nSecondary Table: [" + strings.Join(secondary, ", ") + "]"
}

func (t *Table[K, V]) primaryString(i int) string {
	if !t.primary[i].occupied {
		return "null"
	}
	return t.primary[i].entry.String()
}

func (t *Table[K, V]) chainString(i int) string {
	chain := t.secondary[i]
	if chain == nil {
		return "null"
	}
	parts := make([]string, len(chain))
	for j, e := range chain {
		parts[j] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// clearTail zeroes the entries past n so removed values are not retained
// by the chain's backing array.
func clearTail[K comparable, V any](chain []Entry[K, V], n int) {
	var zero Entry[K, V]
	for i := n; i < len(chain); i++ {
		chain[i] = zero
	}
}
