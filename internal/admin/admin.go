package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/lojhan/twolevel/internal/command"
	"github.com/lojhan/twolevel/internal/persistence"
)

const DefaultAddr = ":8080"

// TableView is the JSON form of the whole table.
type TableView struct {
	HashFunction  string              `json:"hashFunction"`
	Capacity      int                 `json:"capacity"`
	Inserts       int                 `json:"inserts"`
	Collisions    int                 `json:"collisions"`
	CollisionRate float64             `json:"collisionRate"`
	Entries       int                 `json:"entries"`
	Primary       map[string]string   `json:"primaryTable"`
	Secondary     map[string][]string `json:"secondaryTable"`
}

type KeyView struct {
	Key    int      `json:"key"`
	Slot   int      `json:"slot"`
	Values []string `json:"values"`
}

type Server struct {
	engine  *command.Engine
	router  *mux.Router
	metrics http.Handler
	logger  *zap.Logger
	http    *http.Server
}

// New builds the read-only admin API. metrics may be nil.
func New(addr string, engine *command.Engine, metrics http.Handler, logger *zap.Logger) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		engine:  engine,
		router:  mux.NewRouter(),
		metrics: metrics,
		logger:  logger.Named("admin"),
	}
	s.setupRoutes()

	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET", "HEAD")
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods("GET")
	}

	api := s.router.PathPrefix("/v1").Subrouter()
	api.HandleFunc("/table", s.handleTable).Methods("GET")
	api.HandleFunc("/keys/{key}", s.handleKey).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("admin listening", zap.String("addr", s.http.Addr))
		errChan <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleTable(w http.ResponseWriter, r *http.Request) {
	var view TableView
	s.engine.View(func(t *command.Table, hashName string) {
		snapshot := persistence.Capture(t)
		view = TableView{
			HashFunction:  hashName,
			Capacity:      t.Capacity(),
			Inserts:       t.Inserts(),
			Collisions:    t.Collisions(),
			CollisionRate: t.CollisionRate(),
			Entries:       t.Len(),
			Primary:       snapshot.Primary,
			Secondary:     snapshot.Secondary,
		}
	})
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	key, err := strconv.Atoi(mux.Vars(r)["key"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "key must be an integer")
		return
	}

	var (
		view  KeyView
		found bool
	)
	s.engine.View(func(t *command.Table, _ string) {
		view.Key = key
		view.Slot = t.Slot(key)
		view.Values, found = t.Search(key)
	})

	if !found {
		writeError(w, http.StatusNotFound, "key not found")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
