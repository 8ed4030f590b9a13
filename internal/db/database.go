package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("db: not found")

type Database struct {
	db *sql.DB
}

type Room struct {
	ID        string
	Name      string
	Language  string
	CodeSize  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Document is the durable copy of a room's shared editor contents.
type Document struct {
	RoomID    string
	Code      string
	Language  string
	UpdatedAt time.Time
}

type ChatMessage struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type User struct {
	ID          string
	DisplayName string
	AvatarURL   string
	CreatedAt   time.Time
}

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// WAL lets the persistence worker write while API handlers read
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL DEFAULT '',
		language TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_chat_messages_room_id ON chat_messages(room_id, created_at);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Room operations

func (d *Database) CreateRoom(ctx context.Context, id, name string) error {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO rooms (id, name) VALUES (?, ?)",
		id, name,
	)
	return err
}

func (d *Database) GetRoom(ctx context.Context, id string) (*Room, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, name, language, length(code), created_at, updated_at FROM rooms WHERE id = ?",
		id,
	)

	var room Room
	err := row.Scan(&room.ID, &room.Name, &room.Language, &room.CodeSize, &room.CreatedAt, &room.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]Room, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, name, language, length(code), created_at, updated_at FROM rooms ORDER BY updated_at DESC LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []Room
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Language, &room.CodeSize, &room.CreatedAt, &room.UpdatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (d *Database) DeleteRoom(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", id)
	return err
}

// Document operations

// LoadRoomDocument returns the stored code and language for a room, or
// ErrNotFound when the room has never been persisted.
func (d *Database) LoadRoomDocument(ctx context.Context, roomID string) (*Document, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, code, language, updated_at FROM rooms WHERE id = ?",
		roomID,
	)

	var doc Document
	err := row.Scan(&doc.RoomID, &doc.Code, &doc.Language, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// PersistRoomDocument upserts the room's code and language.
func (d *Database) PersistRoomDocument(ctx context.Context, roomID, code, language string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO rooms (id, code, language, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			code = excluded.code,
			language = excluded.language,
			updated_at = CURRENT_TIMESTAMP
	`, roomID, code, language)
	if err != nil {
		return fmt.Errorf("persist document %s: %w", roomID, err)
	}
	return nil
}

// Chat operations

func (d *Database) SaveChatMessage(ctx context.Context, msg ChatMessage) (int64, error) {
	if err := d.CreateRoom(ctx, msg.RoomID, ""); err != nil {
		return 0, err
	}

	result, err := d.db.ExecContext(ctx,
		"INSERT INTO chat_messages (room_id, user_id, content, created_at) VALUES (?, ?, ?, ?)",
		msg.RoomID, msg.UserID, msg.Content, msg.CreatedAt.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("save chat message: %w", err)
	}
	return result.LastInsertId()
}

// ListChatMessages returns up to limit messages for a room, oldest first.
func (d *Database) ListChatMessages(ctx context.Context, roomID string, limit int) ([]ChatMessage, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, room_id, user_id, content, created_at FROM (
			SELECT id, room_id, user_id, content, created_at
			FROM chat_messages
			WHERE room_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.UserID, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// DeleteChatMessagesBefore prunes chat history older than cutoff.
func (d *Database) DeleteChatMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := d.db.ExecContext(ctx,
		"DELETE FROM chat_messages WHERE created_at < ?",
		cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// User operations

func (d *Database) UpsertUser(ctx context.Context, u User) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, avatar_url)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url
	`, u.ID, u.DisplayName, u.AvatarURL)
	return err
}

func (d *Database) GetUser(ctx context.Context, id string) (*User, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, display_name, avatar_url, created_at FROM users WHERE id = ?",
		id,
	)

	var u User
	err := row.Scan(&u.ID, &u.DisplayName, &u.AvatarURL, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Stats

type Stats struct {
	RoomCount    int `json:"room_count"`
	MessageCount int `json:"message_count"`
	UserCount    int `json:"user_count"`
}

func (d *Database) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&stats.RoomCount); err != nil {
		return nil, err
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM chat_messages").Scan(&stats.MessageCount); err != nil {
		return nil, err
	}
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users").Scan(&stats.UserCount); err != nil {
		return nil, err
	}
	return &stats, nil
}
