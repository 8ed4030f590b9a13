// Package api serves the read-only HTTP surface next to the WebSocket
// endpoint: health, stats and room inspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/manpreetbhatti/codecollab/internal/db"
	"github.com/manpreetbhatti/codecollab/internal/room"
)

// Store is the subset of the database the API reads from.
type Store interface {
	Ping(ctx context.Context) error
	GetStats(ctx context.Context) (*db.Stats, error)
	GetRoom(ctx context.Context, id string) (*db.Room, error)
	ListRooms(ctx context.Context, limit, offset int) ([]db.Room, error)
	ListChatMessages(ctx context.Context, roomID string, limit int) ([]db.ChatMessage, error)
}

// Live reports what the coordinator currently holds in memory.
type Live interface {
	Store() *room.Store
	ConnectionCount() int
}

type API struct {
	live     Live
	database Store
	logger   *zap.Logger
}

// New builds the API. database may be nil, in which case only live state
// is reported.
func New(live Live, database Store, logger *zap.Logger) *API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{live: live, database: database, logger: logger}
}

// Routes mounts every endpoint on r.
func (a *API) Routes(r chi.Router) {
	r.Get("/health", a.HealthHandler)
	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", a.StatsHandler)
		r.Get("/rooms", a.ListRoomsHandler)
		r.Get("/rooms/{id}", a.GetRoomHandler)
		r.Get("/rooms/{id}/messages", a.ListMessagesHandler)
	})
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK

	if a.database != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.database.Ping(ctx); err != nil {
			a.logger.Warn("health check: database unreachable", zap.Error(err))
			resp["status"] = "degraded"
			resp["database"] = "unreachable"
			status = http.StatusServiceUnavailable
		} else {
			resp["database"] = "ok"
		}
	}

	a.jsonResponse(w, status, resp)
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"active_rooms":       a.live.Store().Count(),
		"active_connections": a.live.ConnectionCount(),
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if a.database != nil {
		dbStats, err := a.database.GetStats(r.Context())
		if err != nil {
			a.logger.Warn("failed to load stats", zap.Error(err))
		} else {
			stats["total_rooms"] = dbStats.RoomCount
			stats["total_messages"] = dbStats.MessageCount
			stats["total_users"] = dbStats.UserCount
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

type RoomResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Language  string    `json:"language"`
	CodeSize  int       `json:"code_size"`
	Active    bool      `json:"active"`
	Members   int       `json:"members"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func liveRoom(s room.Snapshot) RoomResponse {
	return RoomResponse{
		ID:        s.ID,
		Language:  s.Language,
		CodeSize:  s.CodeSize,
		Active:    true,
		Members:   s.Members,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// ListRoomsHandler returns the rooms active on this instance followed by a
// page of persisted rooms.
func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	snaps := a.live.Store().List()
	active := make([]RoomResponse, len(snaps))
	for i, s := range snaps {
		active[i] = liveRoom(s)
	}

	stored := []RoomResponse{}
	if a.database != nil {
		rooms, err := a.database.ListRooms(r.Context(), limit, offset)
		if err != nil {
			a.logger.Error("failed to list rooms", zap.Error(err))
			a.errorResponse(w, http.StatusInternalServerError, "Failed to list rooms")
			return
		}
		for _, room := range rooms {
			resp := RoomResponse{
				ID:        room.ID,
				Name:      room.Name,
				Language:  room.Language,
				CodeSize:  room.CodeSize,
				CreatedAt: room.CreatedAt,
				UpdatedAt: room.UpdatedAt,
			}
			if s, ok := a.live.Store().Get(room.ID); ok {
				resp.Active = true
				resp.Members = s.Members
			}
			stored = append(stored, resp)
		}
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"active": active,
		"rooms":  stored,
		"limit":  limit,
		"offset": offset,
	})
}

// GetRoomHandler prefers the live snapshot and falls back to the durable
// copy for rooms nobody is connected to.
func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")

	if s, ok := a.live.Store().Get(roomID); ok {
		a.jsonResponse(w, http.StatusOK, liveRoom(s))
		return
	}

	if a.database == nil {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}

	room, err := a.database.GetRoom(r.Context(), roomID)
	if errors.Is(err, db.ErrNotFound) {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	if err != nil {
		a.logger.Error("failed to get room", zap.String("room", roomID), zap.Error(err))
		a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
		return
	}

	a.jsonResponse(w, http.StatusOK, RoomResponse{
		ID:        room.ID,
		Name:      room.Name,
		Language:  room.Language,
		CodeSize:  room.CodeSize,
		CreatedAt: room.CreatedAt,
		UpdatedAt: room.UpdatedAt,
	})
}

func (a *API) ListMessagesHandler(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "id")

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	messages := []db.ChatMessage{}
	if a.database != nil {
		stored, err := a.database.ListChatMessages(r.Context(), roomID, limit)
		if err != nil {
			a.logger.Error("failed to list messages", zap.String("room", roomID), zap.Error(err))
			a.errorResponse(w, http.StatusInternalServerError, "Failed to list messages")
			return
		}
		messages = append(messages, stored...)
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"room_id":  roomID,
		"messages": messages,
	})
}
