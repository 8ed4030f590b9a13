package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/manpreetbhatti/codecollab/internal/db"
	"github.com/manpreetbhatti/codecollab/internal/identity"
	"github.com/manpreetbhatti/codecollab/internal/room"
	"github.com/manpreetbhatti/codecollab/internal/ws"
)

type nopSender struct{}

func (nopSender) Send([]byte) bool { return true }
func (nopSender) Close()            {}

type testEnv struct {
	router   http.Handler
	hub      *ws.Hub
	database *db.Database
}

func setupTestAPI(t *testing.T) (*testEnv, func()) {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "codecollab-api-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	database, err := db.New(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create database: %v", err)
	}

	hub := ws.NewHub(ws.Options{Store: room.NewStore(room.Config{}, nil)})

	r := chi.NewRouter()
	New(hub, database, nil).Routes(r)

	cleanup := func() {
		database.Close()
		os.RemoveAll(tmpDir)
	}

	return &testEnv{router: r, hub: hub, database: database}, cleanup
}

func (e *testEnv) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var response map[string]any
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return w.Code, response
}

func (e *testEnv) join(t *testing.T, connID, roomID string) {
	t.Helper()
	err := e.hub.Connect(context.Background(), ws.Conn{
		ID:      connID,
		RoomID:  roomID,
		Profile: identity.Profile{UserID: connID},
		Sender:  nopSender{},
	})
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
}

func TestHealthHandler(t *testing.T) {
	env, cleanup := setupTestAPI(t)
	defer cleanup()

	code, response := env.get(t, "/health")
	if code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", code)
	}
	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%v'", response["status"])
	}
	if response["database"] != "ok" {
		t.Errorf("Expected database 'ok', got '%v'", response["database"])
	}
}

func TestHealthHandlerDatabaseDown(t *testing.T) {
	env, cleanup := setupTestAPI(t)
	defer cleanup()

	env.database.Close()

	code, response := env.get(t, "/health")
	if code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", code)
	}
	if response["status"] != "degraded" {
		t.Errorf("Expected status 'degraded', got '%v'", response["status"])
	}
}

func TestStatsHandler(t *testing.T) {
	env, cleanup := setupTestAPI(t)
	defer cleanup()

	env.join(t, "c1", "r1")
	env.join(t, "c2", "r1")
	if err := env.database.PersistRoomDocument(context.Background(), "stored", "x", "go"); err != nil {
		t.Fatalf("Failed to persist: %v", err)
	}

	code, response := env.get(t, "/api/stats")
	if code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", code)
	}

	tests := map[string]float64{
		"active_rooms":       1,
		"active_connections": 2,
		"total_rooms":        1,
	}
	for key, want := range tests {
		if response[key] != want {
			t.Errorf("Expected %s = %v, got %v", key, want, response[key])
		}
	}
}

func TestListRoomsHandler(t *testing.T) {
	env, cleanup := setupTestAPI(t)
	defer cleanup()

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := env.database.PersistRoomDocument(ctx, id, "code", "go"); err != nil {
			t.Fatalf("Failed to persist: %v", err)
		}
	}
	env.join(t, "c1", "b")
	env.join(t, "c2", "live-only")

	code, response := env.get(t, "/api/rooms?limit=2")
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}

	active, _ := response["active"].([]any)
	if len(active) != 2 {
		t.Errorf("Expected 2 active rooms, got %d", len(active))
	}
	rooms, _ := response["rooms"].([]any)
	if len(rooms) != 2 {
		t.Errorf("Expected 2 stored rooms, got %d", len(rooms))
	}
	if response["limit"] != float64(2) {
		t.Errorf("Expected limit 2, got %v", response["limit"])
	}
}

func TestGetRoomHandler(t *testing.T) {
	env, cleanup := setupTestAPI(t)
	defer cleanup()

	if err := env.database.PersistRoomDocument(context.Background(), "stored", "print(1)", "python"); err != nil {
		t.Fatalf("Failed to persist: %v", err)
	}
	env.join(t, "c1", "live")

	tests := []struct {
		name           string
		path           string
		expectedStatus int
		expectedActive bool
		expectedLang   string
	}{
		{
			name:           "Live room",
			path:           "/api/rooms/live",
			expectedStatus: http.StatusOK,
			expectedActive: true,
			expectedLang:   "javascript",
		},
		{
			name:           "Stored room",
			path:           "/api/rooms/stored",
			expectedStatus: http.StatusOK,
			expectedLang:   "python",
		},
		{
			name:           "Unknown room",
			path:           "/api/rooms/nowhere",
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, response := env.get(t, tt.path)
			if code != tt.expectedStatus {
				t.Fatalf("Expected status %d, got %d", tt.expectedStatus, code)
			}
			if code != http.StatusOK {
				return
			}
			if response["active"] != tt.expectedActive {
				t.Errorf("Expected active %v, got %v", tt.expectedActive, response["active"])
			}
			if response["language"] != tt.expectedLang {
				t.Errorf("Expected language %q, got %v", tt.expectedLang, response["language"])
			}
		})
	}
}

func TestListMessagesHandler(t *testing.T) {
	env, cleanup := setupTestAPI(t)
	defer cleanup()

	ctx := context.Background()
	now := time.Now()
	for i, content := range []string{"one", "two", "three"} {
		_, err := env.database.SaveChatMessage(ctx, db.ChatMessage{
			RoomID:    "r1",
			UserID:    "alice",
			Content:   content,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("Failed to save message: %v", err)
		}
	}

	code, response := env.get(t, "/api/rooms/r1/messages?limit=2")
	if code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", code)
	}

	messages, _ := response["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}
	last, _ := messages[1].(map[string]any)
	if last["content"] != "three" {
		t.Errorf("Expected newest message last, got %v", last["content"])
	}
}

func TestWithoutDatabase(t *testing.T) {
	hub := ws.NewHub(ws.Options{Store: room.NewStore(room.Config{}, nil)})
	r := chi.NewRouter()
	New(hub, nil, nil).Routes(r)

	req := httptest.NewRequest(http.MethodGet, "/api/rooms/missing", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
}
