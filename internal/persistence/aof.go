package persistence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/lojhan/twolevel/internal/resp"
	"github.com/lojhan/twolevel/internal/table"
)

type AOFSyncPolicy string

const (
	AOFSyncAlways   AOFSyncPolicy = "always"
	AOFSyncEverySec AOFSyncPolicy = "everysec"
	AOFSyncNo       AOFSyncPolicy = "no"
)

func ParseSyncPolicy(s string) (AOFSyncPolicy, error) {
	switch p := AOFSyncPolicy(s); p {
	case AOFSyncAlways, AOFSyncEverySec, AOFSyncNo:
		return p, nil
	default:
		return "", fmt.Errorf("invalid appendfsync policy %q", s)
	}
}

// AOFWriter journals mutating commands so a table can be rebuilt by
// replaying them.
type AOFWriter struct {
	path       string
	file       *os.File
	writer     *bufio.Writer
	mu         sync.Mutex
	syncPolicy AOFSyncPolicy
	lastSync   time.Time
	stopChan   chan struct{}
	syncTicker *time.Ticker
	logger     *zap.Logger
}

func NewAOFWriter(path string, policy AOFSyncPolicy, logger *zap.Logger) (*AOFWriter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	file, err := openAOF(path)
	if err != nil {
		return nil, err
	}

	aof := &AOFWriter{
		path:       path,
		file:       file,
		writer:     bufio.NewWriter(file),
		syncPolicy: policy,
		lastSync:   time.Now(),
		stopChan:   make(chan struct{}),
		logger:     logger.Named("aof"),
	}

	if policy == AOFSyncEverySec {
		aof.syncTicker = time.NewTicker(time.Second)
		go aof.backgroundSync()
	}

	return aof, nil
}

func openAOF(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open AOF file: %w", err)
	}
	return file, nil
}

func (a *AOFWriter) Path() string {
	return a.path
}

func (a *AOFWriter) Append(cmd resp.Value) error {
	data, err := resp.Encode(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode AOF entry: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write to AOF buffer: %w", err)
	}

	switch a.syncPolicy {
	case AOFSyncAlways:
		return a.syncLocked()
	case AOFSyncEverySec:
		if err := a.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush AOF buffer: %w", err)
		}
	}
	return nil
}

func (a *AOFWriter) syncLocked() error {
	if err := a.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush AOF buffer: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync AOF to disk: %w", err)
	}
	a.lastSync = time.Now()
	return nil
}

func (a *AOFWriter) backgroundSync() {
	for {
		select {
		case <-a.syncTicker.C:
			a.mu.Lock()
			if err := a.syncLocked(); err != nil {
				a.logger.Warn("background sync failed", zap.Error(err))
			}
			a.mu.Unlock()
		case <-a.stopChan:
			return
		}
	}
}

// Rewrite atomically replaces the journal with cmds and keeps appending
// to the new file.
func (a *AOFWriter) Rewrite(cmds []resp.Value) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := writeAOFFile(a.path, cmds); err != nil {
		return err
	}

	file, err := openAOF(a.path)
	if err != nil {
		return err
	}

	// Anything still buffered belongs to the replaced journal.
	a.writer.Reset(io.Discard)
	closeErr := a.file.Close()

	a.file = file
	a.writer.Reset(file)
	a.lastSync = time.Now()

	if closeErr != nil {
		a.logger.Warn("failed to close replaced AOF file", zap.Error(closeErr))
	}
	a.logger.Info("AOF rewritten", zap.String("path", a.path), zap.Int("commands", len(cmds)))
	return nil
}

func writeAOFFile(path string, cmds []resp.Value) error {
	tmpFile := path + ".tmp"
	file, err := os.Create(tmpFile)
	if err != nil {
		return fmt.Errorf("failed to create temp AOF file: %w", err)
	}

	if err := writeCommands(file, cmds); err != nil {
		err = multierr.Append(err, file.Close())
		os.Remove(tmpFile)
		return err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to close temp AOF file: %w", err)
	}

	if err := os.Rename(tmpFile, path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to rename AOF file: %w", err)
	}
	return nil
}

func writeCommands(file *os.File, cmds []resp.Value) error {
	writer := bufio.NewWriter(file)
	for i, cmd := range cmds {
		data, err := resp.Encode(cmd)
		if err != nil {
			return fmt.Errorf("failed to encode AOF command %d: %w", i+1, err)
		}
		if _, err := writer.Write(data); err != nil {
			return fmt.Errorf("failed to write AOF command %d: %w", i+1, err)
		}
	}

	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush AOF: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("failed to sync AOF: %w", err)
	}
	return nil
}

func (a *AOFWriter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.syncTicker != nil {
		a.syncTicker.Stop()
		close(a.stopChan)
		a.syncTicker = nil
	}

	var err error
	if flushErr := a.writer.Flush(); flushErr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to flush AOF on close: %w", flushErr))
	}
	if syncErr := a.file.Sync(); syncErr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to sync AOF on close: %w", syncErr))
	}
	if closeErr := a.file.Close(); closeErr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to close AOF file: %w", closeErr))
	}
	return err
}

// LoadAOF replays every journaled command through exec and returns how
// many were applied. A missing file is an empty journal.
func LoadAOF(path string, exec func(resp.Value) resp.Value) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to open AOF file: %w", err)
	}
	defer file.Close()

	parser := resp.NewParser(bufio.NewReader(file))

	count := 0
	for {
		value, err := parser.Parse()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, fmt.Errorf("failed to parse AOF at command %d: %w", count+1, err)
		}

		if value.Type != resp.Array || len(value.Array) == 0 {
			return count, fmt.Errorf("invalid AOF entry at command %d: expected command array", count+1)
		}

		if result := exec(value); result.Type == resp.Error {
			return count, fmt.Errorf("AOF command %d (%s) failed: %s", count+1, value.Array[0].Str, result.Str)
		}
		count++
	}
}

// RewriteCommands is the shortest journal that rebuilds a table: the hash
// function first, then one INSERT per entry in rebuild order.
func RewriteCommands(hashName string, entries []table.Entry[int, string]) []resp.Value {
	cmds := make([]resp.Value, 0, len(entries)+1)
	cmds = append(cmds, resp.Command("REHASH", hashName))
	for _, e := range entries {
		cmds = append(cmds, resp.Command("INSERT", strconv.Itoa(e.Key), e.Value))
	}
	return cmds
}
