package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/golang/snappy"

	"github.com/lojhan/twolevel/internal/resp"
)

const (
	DefaultPrimaryKey   = "primaryTable"
	DefaultSecondaryKey = "secondaryTable"

	defaultDialTimeout = 5 * time.Second
)

// RedisError is an error reply returned by the remote server.
type RedisError struct {
	Command string
	Message string
}

func (e *RedisError) Error() string {
	return fmt.Sprintf("redis %s: %s", e.Command, e.Message)
}

type RedisOptions struct {
	Addr         string
	PrimaryKey   string
	SecondaryKey string
	Compress     bool
	DialTimeout  time.Duration
}

// RedisStore saves snapshots into two string keys of a Redis-compatible
// server, one JSON document per table level.
type RedisStore struct {
	opts   RedisOptions
	mu     sync.Mutex
	conn   net.Conn
	parser *resp.Parser
}

func NewRedisStore(opts RedisOptions) *RedisStore {
	if opts.PrimaryKey == "" {
		opts.PrimaryKey = DefaultPrimaryKey
	}
	if opts.SecondaryKey == "" {
		opts.SecondaryKey = DefaultSecondaryKey
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	return &RedisStore{opts: opts}
}

func (r *RedisStore) Save(ctx context.Context, s Snapshot) error {
	primary, err := r.encode(s.Primary)
	if err != nil {
		return fmt.Errorf("failed to encode primary table: %w", err)
	}
	secondary, err := r.encode(s.Secondary)
	if err != nil {
		return fmt.Errorf("failed to encode secondary table: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cmds := []resp.Value{
		resp.Command("DEL", r.opts.PrimaryKey),
		resp.Command("DEL", r.opts.SecondaryKey),
		resp.Command("SET", r.opts.PrimaryKey, primary),
		resp.Command("SET", r.opts.SecondaryKey, secondary),
	}
	for _, cmd := range cmds {
		if _, err := r.do(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisStore) Load(ctx context.Context) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	primaryReply, err := r.do(ctx, resp.Command("GET", r.opts.PrimaryKey))
	if err != nil {
		return Snapshot{}, err
	}
	secondaryReply, err := r.do(ctx, resp.Command("GET", r.opts.SecondaryKey))
	if err != nil {
		return Snapshot{}, err
	}

	if primaryReply.Null || secondaryReply.Null {
		return Snapshot{}, fmt.Errorf("%w: keys %s/%s", ErrNoSnapshot, r.opts.PrimaryKey, r.opts.SecondaryKey)
	}

	var s Snapshot
	if err := r.decode(primaryReply.Str, &s.Primary); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode primary table: %w", err)
	}
	if err := r.decode(secondaryReply.Str, &s.Secondary); err != nil {
		return Snapshot{}, fmt.Errorf("failed to decode secondary table: %w", err)
	}
	return s, nil
}

func (r *RedisStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resetLocked()
}

func (r *RedisStore) encode(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if r.opts.Compress {
		data = snappy.Encode(nil, data)
	}
	return string(data), nil
}

func (r *RedisStore) decode(payload string, v any) error {
	data := []byte(payload)
	if r.opts.Compress {
		var err error
		if data, err = snappy.Decode(nil, data); err != nil {
			return err
		}
	}
	return json.Unmarshal(data, v)
}

// do sends one command and reads its reply. The caller holds r.mu.
func (r *RedisStore) do(ctx context.Context, cmd resp.Value) (resp.Value, error) {
	if err := r.connectLocked(ctx); err != nil {
		return resp.Value{}, err
	}

	name := cmd.Array[0].Str
	if deadline, ok := ctx.Deadline(); ok {
		r.conn.SetDeadline(deadline)
	} else {
		r.conn.SetDeadline(time.Time{})
	}

	if err := resp.NewSerializer(r.conn).Serialize(cmd); err != nil {
		r.resetLocked()
		return resp.Value{}, fmt.Errorf("failed to send %s: %w", name, err)
	}

	reply, err := r.parser.Parse()
	if err != nil {
		r.resetLocked()
		return resp.Value{}, fmt.Errorf("failed to read %s reply: %w", name, err)
	}
	if reply.Type == resp.Error {
		return resp.Value{}, &RedisError{Command: name, Message: reply.Str}
	}
	return reply, nil
}

func (r *RedisStore) connectLocked(ctx context.Context) error {
	if r.conn != nil {
		return nil
	}
	if r.opts.Addr == "" {
		return errors.New("redis address not configured")
	}

	dialer := net.Dialer{Timeout: r.opts.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", r.opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to connect to redis at %s: %w", r.opts.Addr, err)
	}

	r.conn = conn
	r.parser = resp.NewParser(conn)
	return nil
}

func (r *RedisStore) resetLocked() error {
	if r.conn == nil {
		return nil
	}
	err := r.conn.Close()
	r.conn = nil
	r.parser = nil
	return err
}
