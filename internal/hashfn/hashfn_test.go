package hashfn

import (
	"errors"
	"testing"
)

func TestLookup(t *testing.T) {
	tests := []struct {
		name string
		key  int
		want int
	}{
		{name: Identity, key: 42, want: 42},
		{name: Remainder, key: 42, want: 2},
		{name: Prime, key: 42, want: 8},
		{name: Multiplicative, key: 1, want: 6},
		{name: Multiplicative, key: 2, want: 2},
		{name: Multiplicative, key: 3, want: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := Lookup(tt.name)
			if err != nil {
				t.Fatalf("Lookup(%q) error = %v", tt.name, err)
			}
			if got := fn(tt.key); got != tt.want {
				t.Errorf("%s(%d) = %d, want %d", tt.name, tt.key, got, tt.want)
			}
		})
	}
}

func TestLookupUnknown(t *testing.T) {
	_, err := Lookup("sha1")
	if !errors.Is(err, ErrUnknown) {
		t.Errorf("Lookup(sha1) error = %v, want ErrUnknown", err)
	}
}

func TestXXHashIsStableAndNonNegative(t *testing.T) {
	fn := MustLookup(XXHash)
	for _, key := range []int{0, 1, -1, 12345, -98765} {
		a, b := fn(key), fn(key)
		if a != b {
			t.Errorf("xxhash(%d) not stable: %d != %d", key, a, b)
		}
		if a < 0 {
			t.Errorf("xxhash(%d) = %d, want non-negative", key, a)
		}
	}
	if fn(1) == fn(2) {
		t.Error("Expected distinct keys to hash differently")
	}
}

func TestNames(t *testing.T) {
	names := Names()
	if len(names) != 5 {
		t.Fatalf("Names() = %v, want 5 entries", names)
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] > names[i] {
			t.Errorf("Names() not sorted: %v", names)
		}
	}
}

func TestMustLookupPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Expected MustLookup to panic on unknown name")
		}
	}()
	MustLookup("nope")
}
