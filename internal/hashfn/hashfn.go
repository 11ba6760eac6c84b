package hashfn

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Func hashes an integer key. Outputs may be negative; the table reduces
// them into range.
type Func func(int) int

const (
	Identity       = "identity"
	Remainder      = "remainder"
	Multiplicative = "multiplicative"
	Prime          = "prime"
	XXHash         = "xxhash"

	Default = Identity
)

// golden ratio conjugate used by the multiplicative method
const goldenRatio = 0.6180339887

var ErrUnknown = errors.New("unknown hash function")

var registry = map[string]Func{
	Identity:       identity,
	Remainder:      remainder,
	Multiplicative: multiplicative,
	Prime:          prime,
	XXHash:         xxHash,
}

func identity(key int) int {
	return key
}

func remainder(key int) int {
	return key % 10
}

func multiplicative(key int) int {
	return int(math.Mod(float64(key)*goldenRatio, 1) * 10)
}

func prime(key int) int {
	return key % 17
}

func xxHash(key int) int {
	return int(xxhash.Sum64String(strconv.Itoa(key)) >> 1)
}

func Lookup(name string) (Func, error) {
	fn, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return fn, nil
}

func MustLookup(name string) Func {
	fn, err := Lookup(name)
	if err != nil {
		panic(err)
	}
	return fn
}

func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
