package persistence

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/lojhan/twolevel/internal/table"
)

var (
	ErrNoSnapshot   = errors.New("no snapshot found")
	ErrMalformedKey = errors.New("malformed key")
)

// Snapshot is the exported form of a table: primary entries keyed by
// decimal key and secondary chains keyed by their first entry's key.
type Snapshot struct {
	Primary   map[string]string   `json:"primaryTable"`
	Secondary map[string][]string `json:"secondaryTable"`
}

func Capture(t *table.Table[int, string]) Snapshot {
	s := Snapshot{
		Primary:   make(map[string]string),
		Secondary: make(map[string][]string),
	}

	for k, v := range t.PrimarySnapshot() {
		s.Primary[strconv.Itoa(k)] = v
	}
	for k, values := range t.SecondarySnapshot() {
		s.Secondary[strconv.Itoa(k)] = values
	}
	return s
}

// Restore clears t and re-inserts the snapshot: primary keys first, then
// every secondary key's values in list order, keys ascending within each
// group. Keys are validated before the table is touched.
func Restore(t *table.Table[int, string], s Snapshot) error {
	primaryKeys, err := parseKeys(s.Primary)
	if err != nil {
		return fmt.Errorf("primary table: %w", err)
	}
	secondaryKeys, err := parseKeys(s.Secondary)
	if err != nil {
		return fmt.Errorf("secondary table: %w", err)
	}

	t.Clear()

	for _, k := range primaryKeys {
		t.Insert(k.key, s.Primary[k.raw])
	}
	for _, k := range secondaryKeys {
		for _, v := range s.Secondary[k.raw] {
			t.Insert(k.key, v)
		}
	}
	return nil
}

type parsedKey struct {
	raw string
	key int
}

func parseKeys[V any](m map[string]V) ([]parsedKey, error) {
	keys := make([]parsedKey, 0, len(m))
	for raw := range m {
		k, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformedKey, raw)
		}
		keys = append(keys, parsedKey{raw: raw, key: k})
	}

	sort.Slice(keys, func(i, j int) bool {
		if keys[i].key != keys[j].key {
			return keys[i].key < keys[j].key
		}
		return keys[i].raw < keys[j].raw
	})
	return keys, nil
}
