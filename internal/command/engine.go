package command

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lojhan/twolevel/internal/hashfn"
	"github.com/lojhan/twolevel/internal/persistence"
	"github.com/lojhan/twolevel/internal/resp"
	"github.com/lojhan/twolevel/internal/table"
)

type Handler func(args []resp.Value) resp.Value

// Table is the concrete table served by the engine: integer keys, string values.
type Table = table.Table[int, string]

type cmdFlag uint8

const (
	// flagWrite commands are journaled to the AOF.
	flagWrite cmdFlag = 1 << iota
	// flagReload commands replace the whole table; the AOF is compacted
	// after them instead of journaling the command.
	flagReload
)

// A stagedHandler does its locked work and may return finish, which runs
// once the engine lock is released. finish's result replaces the reply.
type stagedHandler func(cmd resp.Value) (reply resp.Value, finish func() resp.Value)

type registration struct {
	handler Handler
	staged  stagedHandler
	flags   cmdFlag
}

// SnapshotStore is a remote home for table snapshots.
type SnapshotStore interface {
	Save(ctx context.Context, s persistence.Snapshot) error
	Load(ctx context.Context) (persistence.Snapshot, error)
}

type Options struct {
	Capacity     int
	HashFunction string
	SnapshotFile string
	Redis        SnapshotStore
	RedisTimeout time.Duration
	Logger       *zap.Logger
}

// Engine owns the table and the single lock that guards it. Every command
// runs to completion under that lock.
type Engine struct {
	mu       sync.Mutex
	table    *Table
	hashName string
	commands map[string]registration
	aof      *persistence.AOFWriter
	files    *persistence.FileStore
	redis    SnapshotStore
	timeout  time.Duration
	logger   *zap.Logger

	onWrite func(name string, args []resp.Value)

	lastSave atomic.Int64
	bgSaving atomic.Bool
	bg       sync.WaitGroup
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.HashFunction == "" {
		opts.HashFunction = hashfn.Default
	}
	if opts.RedisTimeout <= 0 {
		opts.RedisTimeout = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	fn, err := hashfn.Lookup(opts.HashFunction)
	if err != nil {
		return nil, err
	}
	tbl, err := table.New[int, string](table.HashFunc[int](fn), opts.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	e := &Engine{
		table:    tbl,
		hashName: opts.HashFunction,
		commands: make(map[string]registration),
		files:    persistence.NewFileStore(opts.SnapshotFile),
		redis:    opts.Redis,
		timeout:  opts.RedisTimeout,
		logger:   opts.Logger.Named("engine"),
	}
	e.registerDefaults()
	return e, nil
}

func (e *Engine) registerDefaults() {
	e.Register("PING", PingCommand)
	e.Register("ECHO", EchoCommand)
	e.Register("COMMAND", CommandCommand)
	e.Register("INFO", infoCommand(e))
	e.Register("DUMP", dumpCommand(e))

	e.register("INSERT", insertCommand(e), flagWrite)
	e.register("DELETE", deleteCommand(e), flagWrite)
	e.register("DEL", deleteCommand(e), flagWrite)
	e.register("CLEAR", clearCommand(e), flagWrite)
	e.register("FLUSHDB", clearCommand(e), flagWrite)
	e.register("REHASH", rehashCommand(e), flagWrite)
	e.Register("SEARCH", searchCommand(e))
	e.Register("CONTAINS", containsCommand(e))
	e.Register("RATE", rateCommand(e))
	e.Register("PRIMARY", primaryCommand(e))
	e.Register("SECONDARY", secondaryCommand(e))
	e.Register("HASHFN", hashFnCommand(e))
	e.Register("SLOT", slotCommand(e))
	e.Register("DBSIZE", dbSizeCommand(e))

	e.Register("SAVE", saveCommand(e))
	e.Register("BGSAVE", bgSaveCommand(e))
	e.Register("LASTSAVE", lastSaveCommand(e))
	e.register("LOAD", loadCommand(e), flagReload)
	e.registerStaged("RSAVE", redisSaveCommand(e), 0)
	e.registerStaged("RLOAD", redisLoadCommand(e), flagReload)
	e.Register("BGREWRITEAOF", rewriteAOFCommand(e))
}

// Register adds or replaces a read-only command.
func (e *Engine) Register(name string, handler Handler) {
	e.register(name, handler, 0)
}

func (e *Engine) register(name string, handler Handler, flags cmdFlag) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[strings.ToUpper(name)] = registration{handler: handler, flags: flags}
}

func (e *Engine) registerStaged(name string, staged stagedHandler, flags cmdFlag) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.commands[strings.ToUpper(name)] = registration{staged: staged, flags: flags}
}

func (e *Engine) Known(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.commands[strings.ToUpper(name)]
	return ok
}

// SetAOFWriter enables journaling. Commands replayed before this call are
// not journaled again.
func (e *Engine) SetAOFWriter(aof *persistence.AOFWriter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aof = aof
}

// SetWriteHook installs fn to run under the engine lock after every
// successful command that changes the table.
func (e *Engine) SetWriteHook(fn func(name string, args []resp.Value)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onWrite = fn
}

func (e *Engine) Execute(cmd resp.Value) resp.Value {
	result, finish := func() (resp.Value, func() resp.Value) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.executeLocked(cmd)
	}()

	if finish != nil {
		return finish()
	}
	return result
}

// ExecuteAll runs cmds back to back without releasing the lock. Staged
// commands finish in order once the batch is done.
func (e *Engine) ExecuteAll(cmds []resp.Value) []resp.Value {
	results, finishes := func() ([]resp.Value, []func() resp.Value) {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.executeAllLocked(cmds)
	}()

	return finishAll(results, finishes)
}

// ExecuteAllIf runs cmds like ExecuteAll when cond, evaluated under the
// lock, reports true. Otherwise nothing runs and ok is false.
func (e *Engine) ExecuteAllIf(cond func() bool, cmds []resp.Value) (results []resp.Value, ok bool) {
	results, finishes, ok := func() ([]resp.Value, []func() resp.Value, bool) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !cond() {
			return nil, nil, false
		}
		results, finishes := e.executeAllLocked(cmds)
		return results, finishes, true
	}()
	if !ok {
		return nil, false
	}

	return finishAll(results, finishes), true
}

func (e *Engine) executeAllLocked(cmds []resp.Value) ([]resp.Value, []func() resp.Value) {
	results := make([]resp.Value, len(cmds))
	var finishes []func() resp.Value
	for i, cmd := range cmds {
		var finish func() resp.Value
		results[i], finish = e.executeLocked(cmd)
		if finish != nil {
			if finishes == nil {
				finishes = make([]func() resp.Value, len(cmds))
			}
			finishes[i] = finish
		}
	}
	return results, finishes
}

func finishAll(results []resp.Value, finishes []func() resp.Value) []resp.Value {
	for i, finish := range finishes {
		if finish != nil {
			results[i] = finish()
		}
	}
	return results
}

func (e *Engine) executeLocked(cmd resp.Value) (resp.Value, func() resp.Value) {
	if cmd.Type != resp.Array {
		return resp.ErrorValue("ERR protocol error: expected array"), nil
	}
	if len(cmd.Array) == 0 {
		return resp.ErrorValue("ERR empty command"), nil
	}
	if cmd.Array[0].Type != resp.BulkString {
		return resp.ErrorValue("ERR protocol error: command must be bulk string"), nil
	}

	name := strings.ToUpper(cmd.Array[0].Str)
	reg, ok := e.commands[name]
	if !ok {
		return resp.ErrorValue(fmt.Sprintf("ERR unknown command '%s'", cmd.Array[0].Str)), nil
	}

	if reg.staged != nil {
		return reg.staged(cmd)
	}

	result := reg.handler(cmd.Array[1:])
	if result.Type != resp.Error {
		e.afterWriteLocked(name, reg.flags, cmd)
	}
	return result, nil
}

// afterWriteLocked journals cmd and fires the write hook when flags mark it
// as changing the table.
func (e *Engine) afterWriteLocked(name string, flags cmdFlag, cmd resp.Value) {
	if flags == 0 {
		return
	}

	if e.onWrite != nil {
		e.onWrite(name, cmd.Array[1:])
	}
	if e.aof == nil {
		return
	}

	switch {
	case flags&flagWrite != 0:
		if err := e.aof.Append(cmd); err != nil {
			e.logger.Error("failed to append to AOF", zap.String("command", name), zap.Error(err))
		}
	case flags&flagReload != 0:
		if err := e.rewriteAOFLocked(); err != nil {
			e.logger.Error("failed to rewrite AOF after reload", zap.String("command", name), zap.Error(err))
		}
	}
}

func (e *Engine) rewriteAOFLocked() error {
	return e.aof.Rewrite(persistence.RewriteCommands(e.hashName, e.table.Entries()))
}

// View runs fn with the table under the engine lock. fn must not retain t.
func (e *Engine) View(fn func(t *Table, hashName string)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(e.table, e.hashName)
}

// Stats is a point-in-time summary of the table counters.
type Stats struct {
	Capacity      int
	HashFunction  string
	Inserts       int
	Collisions    int
	CollisionRate float64
	Entries       int
}

func (e *Engine) Stats() Stats {
	var s Stats
	e.View(func(t *Table, hashName string) {
		s = statsOf(t, hashName)
	})
	return s
}

func statsOf(t *Table, hashName string) Stats {
	return Stats{
		Capacity:      t.Capacity(),
		HashFunction:  hashName,
		Inserts:       t.Inserts(),
		Collisions:    t.Collisions(),
		CollisionRate: t.CollisionRate(),
		Entries:       t.Len(),
	}
}

// Wait blocks until background saves have finished.
func (e *Engine) Wait() {
	e.bg.Wait()
}
