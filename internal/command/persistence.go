package command

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lojhan/twolevel/internal/persistence"
	"github.com/lojhan/twolevel/internal/resp"
)

// fileStore resolves an optional file name argument. Names are bare file
// names placed next to the default snapshot file. A nil store comes with
// the error reply.
func (e *Engine) fileStore(cmd string, args []resp.Value) (*persistence.FileStore, resp.Value) {
	switch {
	case len(args) == 0:
		return e.files, resp.Value{}
	case len(args) > 1 || args[0].Type != resp.BulkString:
		return nil, wrongArgs(cmd)
	}

	name := args[0].Str
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) || name != filepath.Base(name) {
		return nil, errBadSnapshotName
	}
	return persistence.NewFileStore(filepath.Join(filepath.Dir(e.files.Path), name)), resp.Value{}
}

func saveCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		store, reply := e.fileStore("save", args)
		if store == nil {
			return reply
		}

		if err := store.Save(persistence.Capture(e.table)); err != nil {
			e.logger.Error("SAVE failed", zap.String("path", store.Path), zap.Error(err))
			return resp.ErrorValue("ERR save failed: " + err.Error())
		}

		e.lastSave.Store(time.Now().Unix())
		e.logger.Info("table saved on disk", zap.String("path", store.Path))
		return resp.OKValue()
	}
}

func bgSaveCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		store, reply := e.fileStore("bgsave", args)
		if store == nil {
			return reply
		}

		if !e.bgSaving.CAS(false, true) {
			return resp.ErrorValue("ERR Background save already in progress")
		}

		snapshot := persistence.Capture(e.table)
		e.bg.Add(1)
		go func() {
			defer e.bg.Done()
			defer e.bgSaving.Store(false)

			if err := store.Save(snapshot); err != nil {
				e.logger.Error("background save failed", zap.String("path", store.Path), zap.Error(err))
				return
			}
			e.lastSave.Store(time.Now().Unix())
			e.logger.Info("background saving completed", zap.String("path", store.Path))
		}()

		return resp.SimpleStringValue("Background saving started")
	}
}

func lastSaveCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 0 {
			return wrongArgs("lastsave")
		}
		return resp.IntegerValue(e.lastSave.Load())
	}
}

func loadCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		store, reply := e.fileStore("load", args)
		if store == nil {
			return reply
		}

		snapshot, err := store.Load()
		if err != nil {
			return loadError(err)
		}
		if err := persistence.Restore(e.table, snapshot); err != nil {
			return loadError(err)
		}

		e.logger.Info("table loaded from disk", zap.String("path", store.Path), zap.Int("entries", e.table.Len()))
		return resp.OKValue()
	}
}

// redisSaveCommand captures the table under the lock and sends it once the
// lock is released.
func redisSaveCommand(e *Engine) stagedHandler {
	return func(cmd resp.Value) (resp.Value, func() resp.Value) {
		if len(cmd.Array) != 1 {
			return wrongArgs("rsave"), nil
		}
		if e.redis == nil {
			return errRedisDisabled, nil
		}

		snapshot := persistence.Capture(e.table)
		return resp.Value{}, func() resp.Value {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			defer cancel()

			if err := e.redis.Save(ctx, snapshot); err != nil {
				e.logger.Error("RSAVE failed", zap.Error(err))
				return resp.ErrorValue("ERR save failed: " + err.Error())
			}

			e.lastSave.Store(time.Now().Unix())
			return resp.OKValue()
		}
	}
}

// redisLoadCommand fetches the snapshot without the lock and takes it again
// only to restore.
func redisLoadCommand(e *Engine) stagedHandler {
	return func(cmd resp.Value) (resp.Value, func() resp.Value) {
		if len(cmd.Array) != 1 {
			return wrongArgs("rload"), nil
		}
		if e.redis == nil {
			return errRedisDisabled, nil
		}

		return resp.Value{}, func() resp.Value {
			ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
			defer cancel()

			snapshot, err := e.redis.Load(ctx)
			if err != nil {
				return loadError(err)
			}

			e.mu.Lock()
			defer e.mu.Unlock()

			if err := persistence.Restore(e.table, snapshot); err != nil {
				return loadError(err)
			}
			e.afterWriteLocked("RLOAD", flagReload, cmd)

			e.logger.Info("table loaded from redis", zap.Int("entries", e.table.Len()))
			return resp.OKValue()
		}
	}
}

func rewriteAOFCommand(e *Engine) Handler {
	return func(args []resp.Value) resp.Value {
		if len(args) != 0 {
			return wrongArgs("bgrewriteaof")
		}
		if e.aof == nil {
			return resp.ErrorValue("ERR append only file is disabled")
		}

		if err := e.rewriteAOFLocked(); err != nil {
			e.logger.Error("AOF rewrite failed", zap.Error(err))
			return resp.ErrorValue("ERR rewrite failed: " + err.Error())
		}
		return resp.OKValue()
	}
}

var (
	errRedisDisabled   = resp.ErrorValue("ERR redis persistence is not configured")
	errBadSnapshotName = resp.ErrorValue("ERR invalid snapshot file name")
)

func loadError(err error) resp.Value {
	switch {
	case errors.Is(err, persistence.ErrNoSnapshot):
		return resp.ErrorValue("ERR " + err.Error())
	case errors.Is(err, persistence.ErrMalformedKey):
		return resp.ErrorValue("ERR bad snapshot: " + err.Error())
	default:
		return resp.ErrorValue("ERR load failed: " + err.Error())
	}
}
