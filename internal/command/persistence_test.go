package command

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lojhan/twolevel/internal/persistence"
	"github.com/lojhan/twolevel/internal/resp"
)

func TestSaveLoadCommands(t *testing.T) {
	e := newTestEngine(t)
	run(e, "INSERT", "1", "a")
	run(e, "INSERT", "11", "b")
	run(e, "INSERT", "21", "c")

	expectInt(t, run(e, "LASTSAVE"), 0)
	expectOK(t, run(e, "SAVE"))
	if result := run(e, "LASTSAVE"); result.Int <= 0 {
		t.Errorf("Expected LASTSAVE to advance, got %d", result.Int)
	}

	expectOK(t, run(e, "CLEAR"))
	expectOK(t, run(e, "LOAD"))

	expectInt(t, run(e, "DBSIZE"), 3)
	// The chain is filed under its first key, so 21's value comes back under 11.
	if values := run(e, "SEARCH", "11").Strings(); len(values) != 2 || values[0] != "b" || values[1] != "c" {
		t.Errorf("Expected [b c] after LOAD, got %v", values)
	}
	if values := run(e, "SEARCH", "21"); !values.Null {
		t.Errorf("Expected key 21 to be absent after LOAD, got %v", values.Strings())
	}
}

func TestSaveLoadExplicitPath(t *testing.T) {
	e := newTestEngine(t)

	run(e, "INSERT", "8", "eight")
	expectOK(t, run(e, "SAVE", "other.json"))
	if _, err := os.Stat(filepath.Join(filepath.Dir(e.files.Path), "other.json")); err != nil {
		t.Fatalf("Expected other.json next to the default snapshot: %v", err)
	}
	run(e, "CLEAR")
	expectOK(t, run(e, "LOAD", "other.json"))
	expectInt(t, run(e, "CONTAINS", "8"), 1)

	expectError(t, run(e, "SAVE", "a", "b"), "ERR wrong number of arguments for 'save' command")
}

func TestSnapshotFileNameRejected(t *testing.T) {
	e := newTestEngine(t)
	dir := filepath.Dir(e.files.Path)
	run(e, "INSERT", "3", "three")

	names := []string{
		"../x.json",
		"sub/x.json",
		`..\x.json`,
		filepath.Join(t.TempDir(), "x.json"),
		"..",
		".",
		"",
	}
	for _, command := range []string{"SAVE", "BGSAVE", "LOAD"} {
		for _, name := range names {
			t.Run(command+" "+name, func(t *testing.T) {
				expectError(t, run(e, command, name), "ERR invalid snapshot file name")
			})
		}
	}
	e.Wait()

	if _, err := os.Stat(filepath.Join(filepath.Dir(dir), "x.json")); !os.IsNotExist(err) {
		t.Errorf("Expected no x.json outside the snapshot directory, got %v", err)
	}
	expectInt(t, run(e, "LASTSAVE"), 0)
	expectInt(t, run(e, "CONTAINS", "3"), 1)
}

func TestLoadMissingSnapshot(t *testing.T) {
	e := newTestEngine(t)
	run(e, "INSERT", "1", "keep")

	result := run(e, "LOAD", "missing.json")
	if result.Type != resp.Error || !strings.Contains(result.Str, "no snapshot found") {
		t.Fatalf("Expected missing snapshot error, got %+v", result)
	}
	expectInt(t, run(e, "CONTAINS", "1"), 1)
}

func TestBGSaveCommand(t *testing.T) {
	e := newTestEngine(t)
	run(e, "INSERT", "6", "six")

	result := run(e, "BGSAVE", "bg.json")
	if result.Type != resp.SimpleString || result.Str != "Background saving started" {
		t.Fatalf("Unexpected BGSAVE reply: %+v", result)
	}
	e.Wait()

	if result := run(e, "LASTSAVE"); result.Int <= 0 {
		t.Errorf("Expected LASTSAVE after background save, got %d", result.Int)
	}

	run(e, "CLEAR")
	expectOK(t, run(e, "LOAD", "bg.json"))
	expectInt(t, run(e, "CONTAINS", "6"), 1)
}

func TestRedisCommandsDisabled(t *testing.T) {
	e := newTestEngine(t)

	expectError(t, run(e, "RSAVE"), "ERR redis persistence is not configured")
	expectError(t, run(e, "RLOAD"), "ERR redis persistence is not configured")
}

func TestRedisCommands(t *testing.T) {
	store := &memStore{}
	e, err := NewEngine(Options{Capacity: 10, Redis: store})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	result := run(e, "RLOAD")
	if result.Type != resp.Error || !strings.Contains(result.Str, "no snapshot found") {
		t.Fatalf("Expected missing snapshot error, got %+v", result)
	}

	run(e, "INSERT", "2", "two")
	run(e, "INSERT", "12", "twelve")
	expectOK(t, run(e, "RSAVE"))
	if result := run(e, "LASTSAVE"); result.Int <= 0 {
		t.Errorf("Expected LASTSAVE after RSAVE, got %d", result.Int)
	}

	run(e, "CLEAR")
	expectOK(t, run(e, "RLOAD"))
	expectInt(t, run(e, "DBSIZE"), 2)

	stats := e.Stats()
	if stats.Collisions != 1 || stats.Inserts != 2 {
		t.Errorf("Unexpected stats after RLOAD: %+v", stats)
	}
}

// gatedStore blocks each call until release is closed.
type gatedStore struct {
	memStore
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{entered: make(chan struct{}, 2), release: make(chan struct{})}
}

func (g *gatedStore) Save(ctx context.Context, s persistence.Snapshot) error {
	g.entered <- struct{}{}
	<-g.release
	return g.memStore.Save(ctx, s)
}

func (g *gatedStore) Load(ctx context.Context) (persistence.Snapshot, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.memStore.Load(ctx)
}

func TestRedisSaveRunsOutsideLock(t *testing.T) {
	store := newGatedStore()
	e, err := NewEngine(Options{Capacity: 10, Redis: store})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	run(e, "INSERT", "1", "one")

	done := make(chan resp.Value, 1)
	go func() { done <- run(e, "RSAVE") }()
	<-store.entered

	// The engine keeps serving while the snapshot is in flight.
	expectOK(t, run(e, "INSERT", "2", "two"))
	expectInt(t, run(e, "DBSIZE"), 2)

	close(store.release)
	expectOK(t, <-done)

	snapshot, err := store.memStore.Load(context.Background())
	if err != nil {
		t.Fatalf("Expected stored snapshot, got %v", err)
	}
	if len(snapshot.Primary) != 1 || snapshot.Primary["1"] != "one" {
		t.Errorf("Expected snapshot taken before the second insert, got %+v", snapshot.Primary)
	}
}

func TestRedisLoadRunsOutsideLock(t *testing.T) {
	store := newGatedStore()
	e, err := NewEngine(Options{Capacity: 10, Redis: store})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	run(e, "INSERT", "4", "four")
	if err := store.memStore.Save(context.Background(), persistence.Capture(e.table)); err != nil {
		t.Fatalf("Failed to seed store: %v", err)
	}

	var seen []string
	e.SetWriteHook(func(name string, args []resp.Value) {
		seen = append(seen, name)
	})

	done := make(chan resp.Value, 1)
	go func() { done <- run(e, "RLOAD") }()
	<-store.entered

	expectOK(t, run(e, "INSERT", "5", "five"))

	close(store.release)
	expectOK(t, <-done)

	expectInt(t, run(e, "CONTAINS", "4"), 1)
	expectInt(t, run(e, "CONTAINS", "5"), 0)
	if len(seen) != 2 || seen[0] != "INSERT" || seen[1] != "RLOAD" {
		t.Errorf("Expected write hook for INSERT then RLOAD, got %v", seen)
	}
}

func TestRedisSaveInBatch(t *testing.T) {
	store := &memStore{}
	e, err := NewEngine(Options{Capacity: 10, Redis: store})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	results := e.ExecuteAll([]resp.Value{
		resp.Command("INSERT", "7", "seven"),
		resp.Command("RSAVE"),
		resp.Command("DBSIZE"),
	})
	expectOK(t, results[0])
	expectOK(t, results[1])
	expectInt(t, results[2], 1)

	snapshot, err := store.Load(context.Background())
	if err != nil || snapshot.Primary["7"] != "seven" {
		t.Errorf("Expected key 7 in stored snapshot, got %+v (%v)", snapshot, err)
	}
}
