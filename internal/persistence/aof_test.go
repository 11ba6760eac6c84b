package persistence

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/lojhan/twolevel/internal/resp"
	"github.com/lojhan/twolevel/internal/table"
)

// replayTable applies journaled INSERT/DELETE/CLEAR commands to a table.
func replayTable(t *testing.T, tbl *table.Table[int, string]) func(resp.Value) resp.Value {
	t.Helper()
	return func(cmd resp.Value) resp.Value {
		args := cmd.Strings()
		switch strings.ToUpper(args[0]) {
		case "INSERT":
			k, err := strconv.Atoi(args[1])
			if err != nil {
				return resp.ErrorValue("ERR key must be an integer")
			}
			tbl.Insert(k, args[2])
		case "DELETE":
			k, _ := strconv.Atoi(args[1])
			tbl.Delete(k)
		case "CLEAR":
			tbl.Clear()
		case "REHASH":
		default:
			return resp.ErrorValue("ERR unknown command '" + args[0] + "'")
		}
		return resp.OKValue()
	}
}

func newReplayTable(t *testing.T) *table.Table[int, string] {
	t.Helper()
	tbl, err := table.New[int, string](func(k int) int { return k }, 10)
	if err != nil {
		t.Fatalf("table.New() error = %v", err)
	}
	return tbl
}

func TestAOFAppendAndLoad(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "appendonly.aof")

	aof, err := NewAOFWriter(filename, AOFSyncAlways, nil)
	if err != nil {
		t.Fatalf("Failed to create AOF writer: %v", err)
	}

	commands := []resp.Value{
		resp.Command("INSERT", "1", "one"),
		resp.Command("INSERT", "11", "eleven"),
		resp.Command("INSERT", "2", "two"),
		resp.Command("DELETE", "2"),
	}
	for _, cmd := range commands {
		if err := aof.Append(cmd); err != nil {
			t.Fatalf("Failed to append command: %v", err)
		}
	}
	if err := aof.Close(); err != nil {
		t.Fatalf("Failed to close AOF: %v", err)
	}

	tbl := newReplayTable(t)
	n, err := LoadAOF(filename, replayTable(t, tbl))
	if err != nil {
		t.Fatalf("LoadAOF() error = %v", err)
	}
	if n != len(commands) {
		t.Errorf("LoadAOF() replayed %d commands, want %d", n, len(commands))
	}

	if !tbl.ContainsKey(1) || !tbl.ContainsKey(11) {
		t.Error("Expected keys 1 and 11 after replay")
	}
	if tbl.ContainsKey(2) {
		t.Error("Expected key 2 to be deleted after replay")
	}
}

func TestAOFSyncPolicies(t *testing.T) {
	for _, policy := range []AOFSyncPolicy{AOFSyncAlways, AOFSyncEverySec, AOFSyncNo} {
		t.Run(string(policy), func(t *testing.T) {
			filename := filepath.Join(t.TempDir(), "appendonly.aof")
			aof, err := NewAOFWriter(filename, policy, nil)
			if err != nil {
				t.Fatalf("Failed to create AOF writer: %v", err)
			}
			if err := aof.Append(resp.Command("INSERT", "5", "five")); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			if err := aof.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}

			data, err := os.ReadFile(filename)
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if !strings.Contains(string(data), "five") {
				t.Errorf("AOF content = %q, want it to contain the insert", data)
			}
		})
	}
}

func TestParseSyncPolicy(t *testing.T) {
	if p, err := ParseSyncPolicy("everysec"); err != nil || p != AOFSyncEverySec {
		t.Errorf("ParseSyncPolicy(everysec) = %v, %v", p, err)
	}
	if _, err := ParseSyncPolicy("sometimes"); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestLoadAOFMissingFile(t *testing.T) {
	n, err := LoadAOF(filepath.Join(t.TempDir(), "missing.aof"), func(resp.Value) resp.Value {
		t.Fatal("exec should not be called")
		return resp.OKValue()
	})
	if err != nil || n != 0 {
		t.Errorf("LoadAOF() = %d, %v; want 0, nil", n, err)
	}
}

func TestLoadAOFTruncated(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "appendonly.aof")
	data, _ := resp.Encode(resp.Command("INSERT", "1", "one"))
	data = append(data, "*3\r\n$6\r\nINSERT\r\n$1\r\n2"...)
	if err := os.WriteFile(filename, data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	tbl := newReplayTable(t)
	n, err := LoadAOF(filename, replayTable(t, tbl))
	if err == nil {
		t.Fatal("Expected error for truncated AOF")
	}
	if n != 1 {
		t.Errorf("LoadAOF() applied %d commands before failing, want 1", n)
	}
	if !strings.Contains(err.Error(), "command 2") {
		t.Errorf("error = %v, want it to name command 2", err)
	}
}

func TestLoadAOFCommandError(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "appendonly.aof")
	data, _ := resp.Encode(resp.Command("INSERT", "x", "bad"))
	if err := os.WriteFile(filename, data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	_, err := LoadAOF(filename, replayTable(t, newReplayTable(t)))
	if err == nil || !strings.Contains(err.Error(), "key must be an integer") {
		t.Errorf("LoadAOF() error = %v, want replay failure", err)
	}
}

func TestAOFRewrite(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "appendonly.aof")
	aof, err := NewAOFWriter(filename, AOFSyncAlways, nil)
	if err != nil {
		t.Fatalf("Failed to create AOF writer: %v", err)
	}

	for i := 0; i < 20; i++ {
		aof.Append(resp.Command("INSERT", strconv.Itoa(i), "v"))
		aof.Append(resp.Command("DELETE", strconv.Itoa(i)))
	}

	src := newReplayTable(t)
	src.Insert(1, "one")
	src.Insert(11, "eleven")

	if err := aof.Rewrite(RewriteCommands("identity", src.Entries())); err != nil {
		t.Fatalf("Rewrite() error = %v", err)
	}
	if err := aof.Append(resp.Command("INSERT", "3", "three")); err != nil {
		t.Fatalf("Append() after rewrite error = %v", err)
	}
	if err := aof.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	tbl := newReplayTable(t)
	n, err := LoadAOF(filename, replayTable(t, tbl))
	if err != nil {
		t.Fatalf("LoadAOF() error = %v", err)
	}
	if n != 4 {
		t.Errorf("LoadAOF() replayed %d commands, want 4 (REHASH + 3 inserts)", n)
	}
	for _, k := range []int{1, 11, 3} {
		if !tbl.ContainsKey(k) {
			t.Errorf("Expected key %d after rewrite replay", k)
		}
	}
	if _, err := os.Stat(filename + ".tmp"); !os.IsNotExist(err) {
		t.Error("Expected temp file to be gone after rewrite")
	}
}

func TestRewriteCommands(t *testing.T) {
	entries := []table.Entry[int, string]{{Key: 1, Value: "one"}, {Key: 11, Value: "eleven"}}
	cmds := RewriteCommands("prime", entries)

	if len(cmds) != 3 {
		t.Fatalf("RewriteCommands() = %d commands, want 3", len(cmds))
	}
	if got := cmds[0].Strings(); got[0] != "REHASH" || got[1] != "prime" {
		t.Errorf("first command = %v, want [REHASH prime]", got)
	}
	if got := cmds[2].Strings(); got[0] != "INSERT" || got[1] != "11" || got[2] != "eleven" {
		t.Errorf("last command = %v, want [INSERT 11 eleven]", got)
	}
}
