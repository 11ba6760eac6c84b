package server

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/gnet/v2"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/lojhan/twolevel/internal/command"
	"github.com/lojhan/twolevel/internal/resp"
)

const DefaultAddr = ":6379"

// Observer is told about every command reply and connection change.
type Observer interface {
	CommandExecuted(name string, reply resp.Value)
	ConnectionOpened()
	ConnectionClosed()
}

type nopObserver struct{}

func (nopObserver) CommandExecuted(string, resp.Value) {}
func (nopObserver) ConnectionOpened()                  {}
func (nopObserver) ConnectionClosed()                  {}

type Config struct {
	Addr      string
	Multicore bool
	Observer  Observer
	Logger    *zap.Logger
}

// session is the per-connection transaction state.
type session struct {
	inTransaction bool
	txQueue       []resp.Value
	txFailed      bool

	watchedKeys map[string]bool
	dirty       atomic.Bool
}

type Server struct {
	gnet.BuiltinEventEngine

	engine    *command.Engine
	addr      string
	multicore bool
	observer  Observer
	logger    *zap.Logger

	eng    gnet.Engine
	booted chan struct{}

	connections atomic.Int64
	requests    atomic.Uint64

	watchMu  sync.Mutex
	watchers map[string]map[*session]struct{}
	watchAll map[*session]struct{}
}

func New(engine *command.Engine, cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		engine:    engine,
		addr:      cfg.Addr,
		multicore: cfg.Multicore,
		observer:  cfg.Observer,
		logger:    cfg.Logger.Named("server"),
		booted:    make(chan struct{}),
		watchers:  make(map[string]map[*session]struct{}),
		watchAll:  make(map[*session]struct{}),
	}
	engine.SetWriteHook(s.keysModified)
	return s
}

// Start serves until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Stop(stopCtx); err != nil {
				s.logger.Warn("failed to stop event loop", zap.Error(err))
			}
		case <-done:
		}
	}()

	return gnet.Run(s, "tcp://"+s.addr,
		gnet.WithMulticore(s.multicore),
		gnet.WithTCPKeepAlive(time.Minute),
		gnet.WithTCPNoDelay(gnet.TCPNoDelay),
		gnet.WithLogger(s.logger.Sugar()),
	)
}

// Stop shuts the event loop down once it has booted.
func (s *Server) Stop(ctx context.Context) error {
	select {
	case <-s.booted:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.eng.Stop(ctx)
}

// Ready is closed once the listener is accepting connections.
func (s *Server) Ready() <-chan struct{} {
	return s.booted
}

func (s *Server) ClientCount() int {
	return int(s.connections.Load())
}

func (s *Server) Requests() uint64 {
	return s.requests.Load()
}

func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.eng = eng
	close(s.booted)
	s.logger.Info("server listening", zap.String("addr", s.addr), zap.Bool("multicore", s.multicore))
	return gnet.None
}

func (s *Server) OnShutdown(gnet.Engine) {
	s.logger.Info("server stopped", zap.Uint64("requests", s.requests.Load()))
}

func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	c.SetContext(&session{watchedKeys: make(map[string]bool)})
	s.connections.Inc()
	s.observer.ConnectionOpened()
	s.logger.Debug("client connected", zap.Stringer("remote", c.RemoteAddr()))
	return nil, gnet.None
}

func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if sess, ok := c.Context().(*session); ok {
		s.unwatchAll(sess)
	}
	s.connections.Dec()
	s.observer.ConnectionClosed()

	if err != nil {
		s.logger.Debug("client disconnected", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
	}
	return gnet.None
}

func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	sess := c.Context().(*session)

	buf, err := c.Peek(-1)
	if err != nil {
		s.logger.Warn("failed to read from client", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
		return gnet.Close
	}

	out := bytebufferpool.Get()
	defer bytebufferpool.Put(out)

	action := gnet.None
	consumed := 0
	for consumed < len(buf) {
		value, n, err := resp.Decode(buf[consumed:])
		if errors.Is(err, resp.ErrIncomplete) {
			break
		}
		if err != nil {
			s.logger.Warn("protocol error", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
			out.B, _ = resp.AppendValue(out.B, resp.ErrorValue("ERR protocol error"))
			consumed = len(buf)
			action = gnet.Close
			break
		}
		consumed += n

		reply := s.process(sess, value)
		if out.B, err = resp.AppendValue(out.B, reply); err != nil {
			s.logger.Error("failed to encode reply", zap.Error(err))
			action = gnet.Close
			break
		}
	}

	if _, err := c.Discard(consumed); err != nil {
		return gnet.Close
	}
	if out.Len() > 0 {
		if _, err := c.Write(out.B); err != nil {
			s.logger.Warn("failed to write reply", zap.Stringer("remote", c.RemoteAddr()), zap.Error(err))
			return gnet.Close
		}
	}
	return action
}

func commandName(value resp.Value) string {
	if value.Type != resp.Array || len(value.Array) == 0 || value.Array[0].Type != resp.BulkString {
		return ""
	}
	return strings.ToUpper(value.Array[0].Str)
}

func (s *Server) process(sess *session, value resp.Value) resp.Value {
	s.requests.Inc()
	name := commandName(value)

	switch name {
	case "MULTI":
		if len(value.Array) != 1 {
			return resp.ErrorValue("ERR wrong number of arguments for 'multi' command")
		}
		if sess.inTransaction {
			return resp.ErrorValue("ERR MULTI calls can not be nested")
		}
		sess.inTransaction = true
		sess.txQueue = make([]resp.Value, 0)
		sess.txFailed = false
		return resp.OKValue()

	case "EXEC":
		if !sess.inTransaction {
			return resp.ErrorValue("ERR EXEC without MULTI")
		}
		return s.exec(sess)

	case "DISCARD":
		if !sess.inTransaction {
			return resp.ErrorValue("ERR DISCARD without MULTI")
		}
		s.endTransaction(sess)
		return resp.OKValue()

	case "WATCH":
		if sess.inTransaction {
			return resp.ErrorValue("ERR WATCH inside MULTI is not allowed")
		}
		keys := value.Array[1:]
		if len(keys) == 0 {
			return resp.ErrorValue("ERR wrong number of arguments for 'watch' command")
		}
		for _, key := range keys {
			if key.Type != resp.BulkString {
				return resp.ErrorValue("ERR protocol error")
			}
		}
		for _, key := range keys {
			s.watch(sess, key.Str)
		}
		return resp.OKValue()

	case "UNWATCH":
		s.unwatchAll(sess)
		return resp.OKValue()
	}

	if sess.inTransaction {
		if name == "" || !s.engine.Known(name) {
			sess.txFailed = true
			reply := s.engine.Execute(value)
			s.observe(name, reply)
			return reply
		}
		sess.txQueue = append(sess.txQueue, value)
		return resp.SimpleStringValue("QUEUED")
	}

	reply := s.engine.Execute(value)
	s.observe(name, reply)
	return reply
}

func (s *Server) exec(sess *session) resp.Value {
	defer s.endTransaction(sess)

	if sess.txFailed {
		return resp.ErrorValue("EXECABORT Transaction discarded because of previous errors.")
	}

	queue := sess.txQueue
	var results []resp.Value
	if len(sess.watchedKeys) == 0 {
		results = s.engine.ExecuteAll(queue)
	} else {
		var ok bool
		results, ok = s.engine.ExecuteAllIf(func() bool { return !sess.dirty.Load() }, queue)
		if !ok {
			return resp.NullArrayValue()
		}
	}

	for i, reply := range results {
		s.observe(commandName(queue[i]), reply)
	}
	return resp.ArrayValue(results...)
}

func (s *Server) endTransaction(sess *session) {
	sess.inTransaction = false
	sess.txQueue = nil
	sess.txFailed = false
	s.unwatchAll(sess)
}

func (s *Server) observe(name string, reply resp.Value) {
	if name == "" || !s.engine.Known(name) {
		name = "UNKNOWN"
	}
	s.observer.CommandExecuted(name, reply)
}

// canonicalKey maps "007" and "7" to the same watched key.
func canonicalKey(raw string) string {
	if k, err := strconv.Atoi(raw); err == nil {
		return strconv.Itoa(k)
	}
	return raw
}

func (s *Server) watch(sess *session, raw string) {
	key := canonicalKey(raw)

	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	sess.watchedKeys[key] = true
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[*session]struct{})
	}
	s.watchers[key][sess] = struct{}{}
	s.watchAll[sess] = struct{}{}
}

func (s *Server) unwatchAll(sess *session) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	for key := range sess.watchedKeys {
		delete(s.watchers[key], sess)
		if len(s.watchers[key]) == 0 {
			delete(s.watchers, key)
		}
	}
	delete(s.watchAll, sess)

	sess.watchedKeys = make(map[string]bool)
	sess.dirty.Store(false)
}

// keysModified runs under the engine lock after every table change.
func (s *Server) keysModified(name string, args []resp.Value) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	switch name {
	case "INSERT", "DELETE", "DEL":
		for sess := range s.watchers[canonicalKey(args[0].Str)] {
			sess.dirty.Store(true)
		}
	default:
		// CLEAR, REHASH and reloads touch every key.
		for sess := range s.watchAll {
			sess.dirty.Store(true)
		}
	}
}
