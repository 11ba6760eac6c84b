package admin

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lojhan/twolevel/internal/command"
	"github.com/lojhan/twolevel/internal/resp"
)

func newTestServer(t *testing.T) (*Server, *command.Engine) {
	t.Helper()

	engine, err := command.NewEngine(command.Options{Capacity: 10})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("metrics"))
	})
	return New("", engine, metrics, nil), engine
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}
}

func TestMetricsRoute(t *testing.T) {
	s, _ := newTestServer(t)

	rec := get(t, s, "/metrics")
	if rec.Code != http.StatusOK || rec.Body.String() != "metrics" {
		t.Errorf("Expected metrics handler, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestTableView(t *testing.T) {
	s, engine := newTestServer(t)
	engine.Execute(resp.Command("INSERT", "1", "a"))
	engine.Execute(resp.Command("INSERT", "11", "b"))
	engine.Execute(resp.Command("INSERT", "2", "c"))

	rec := get(t, s, "/v1/table")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var view TableView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("Failed to decode table view: %v", err)
	}

	if view.HashFunction != "identity" || view.Capacity != 10 || view.Inserts != 3 || view.Collisions != 1 || view.Entries != 3 {
		t.Errorf("Unexpected table view: %+v", view)
	}
	if view.Primary["1"] != "a" || view.Primary["2"] != "c" {
		t.Errorf("Unexpected primary table: %v", view.Primary)
	}
	if chain := view.Secondary["11"]; len(chain) != 1 || chain[0] != "b" {
		t.Errorf("Unexpected secondary table: %v", view.Secondary)
	}
}

func TestKeyView(t *testing.T) {
	s, engine := newTestServer(t)
	engine.Execute(resp.Command("INSERT", "13", "x"))
	engine.Execute(resp.Command("INSERT", "13", "y"))

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"present", "/v1/keys/13", http.StatusOK},
		{"absent", "/v1/keys/4", http.StatusNotFound},
		{"malformed", "/v1/keys/abc", http.StatusBadRequest},
		{"unknown route", "/v1/nothing", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(t, s, tt.path)
			if rec.Code != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, rec.Code)
			}
		})
	}

	var view KeyView
	if err := json.NewDecoder(get(t, s, "/v1/keys/13").Body).Decode(&view); err != nil {
		t.Fatalf("Failed to decode key view: %v", err)
	}
	if view.Slot != 3 || len(view.Values) != 2 || view.Values[0] != "x" || view.Values[1] != "y" {
		t.Errorf("Unexpected key view: %+v", view)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest("POST", "/v1/table", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}
