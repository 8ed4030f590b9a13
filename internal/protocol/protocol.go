// Package protocol defines the JSON frames exchanged with collaboration
// clients. Every frame is {"type": "...", "data": {...}}; inbound frames are
// decoded into a closed set of Event types and validated before they reach
// the room state.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrMalformed is wrapped by every decode failure.
var ErrMalformed = errors.New("malformed event")

// Inbound event types.
const (
	TypeJoin           = "join-room"
	TypeLeave          = "leave-room"
	TypeCodeUpdate     = "code-update"
	TypeLanguageChange = "language-change"
	TypeCursorPosition = "cursor-position"
	TypeChatMessage    = "chat-message"
	TypeTypingStart    = "typing-start"
	TypeTypingStop     = "typing-stop"
	TypeMusicPlay      = "music-play"
	TypeMusicPause     = "music-pause"
	TypeMusicSkip      = "music-skip"
	TypeMusicQueue     = "music-queue-update"
)

// Outbound-only frame types.
const (
	TypeCodeSync    = "code-sync"
	TypeUserJoined  = "user-joined"
	TypeUserLeft    = "user-left"
	TypeChatHistory = "chat-history"
	TypeMusicState  = "music-state"
	TypeError       = "error"
)

// Error codes carried by error frames.
const (
	CodeMalformed   = "malformed-event"
	CodeRateLimited = "rate-limited"
	CodeRejected    = "rejected"
)

type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Track is one entry of a room's shared music player.
type Track struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Artist   string  `json:"artist,omitempty"`
	Cover    string  `json:"cover,omitempty"`
	AudioURL string  `json:"audioUrl,omitempty"`
	Duration float64 `json:"duration,omitempty"`
}

// Event is a validated inbound event. The set of implementations is closed.
type Event interface {
	Type() string
	Room() string
	event()
}

type roomRef struct {
	RoomID string
}

func (r roomRef) Room() string { return r.RoomID }
func (roomRef) event()         {}

// Join may carry an empty RoomID when the connection named its room at
// connect time.
type Join struct{ roomRef }

type Leave struct{ roomRef }

type CodeUpdate struct {
	roomRef
	Code string
}

type LanguageChange struct {
	roomRef
	Language string
}

type CursorPosition struct {
	roomRef
	Position json.RawMessage
}

type ChatMessage struct {
	roomRef
	Message json.RawMessage
}

type TypingStart struct{ roomRef }

type TypingStop struct{ roomRef }

// MusicPlay resumes playback. A nil Track plays the current track, or the
// head of the queue when nothing is loaded.
type MusicPlay struct {
	roomRef
	Track *Track
}

type MusicPause struct{ roomRef }

type MusicSkip struct{ roomRef }

type MusicQueue struct {
	roomRef
	Queue []Track
}

func (Join) Type() string           { return TypeJoin }
func (Leave) Type() string          { return TypeLeave }
func (CodeUpdate) Type() string     { return TypeCodeUpdate }
func (LanguageChange) Type() string { return TypeLanguageChange }
func (CursorPosition) Type() string { return TypeCursorPosition }
func (ChatMessage) Type() string    { return TypeChatMessage }
func (TypingStart) Type() string    { return TypeTypingStart }
func (TypingStop) Type() string     { return TypeTypingStop }
func (MusicPlay) Type() string      { return TypeMusicPlay }
func (MusicPause) Type() string     { return TypeMusicPause }
func (MusicSkip) Type() string      { return TypeMusicSkip }
func (MusicQueue) Type() string     { return TypeMusicQueue }

// payload is the union of every inbound data field. Pointers distinguish a
// missing field from an empty one. Client-supplied user ids are not read.
type payload struct {
	RoomID   string          `json:"roomId"`
	Code     *string         `json:"code"`
	Language *string         `json:"language"`
	Position json.RawMessage `json:"position"`
	Message  json.RawMessage `json:"message"`
	Track    *Track          `json:"track"`
	Queue    *[]Track        `json:"queue"`
}

// Decode parses and validates a single inbound frame.
func Decode(raw []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}

	// join-room also accepts a bare room id string as its data.
	if f.Type == TypeJoin || f.Type == "join" {
		return decodeJoin(f.Data)
	}

	var p payload
	if len(f.Data) > 0 && !isNull(f.Data) {
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, f.Type, err)
		}
	}
	ref := roomRef{RoomID: p.RoomID}

	var ev Event
	switch f.Type {
	case TypeLeave:
		ev = Leave{ref}
	case TypeCodeUpdate:
		if p.Code == nil {
			return nil, missing(f.Type, "code")
		}
		ev = CodeUpdate{roomRef: ref, Code: *p.Code}
	case TypeLanguageChange:
		if p.Language == nil || *p.Language == "" {
			return nil, missing(f.Type, "language")
		}
		ev = LanguageChange{roomRef: ref, Language: *p.Language}
	case TypeCursorPosition:
		if len(p.Position) == 0 || isNull(p.Position) {
			return nil, missing(f.Type, "position")
		}
		ev = CursorPosition{roomRef: ref, Position: p.Position}
	case TypeChatMessage:
		if len(p.Message) == 0 || isNull(p.Message) || bytes.Equal(bytes.TrimSpace(p.Message), []byte(`""`)) {
			return nil, missing(f.Type, "message")
		}
		ev = ChatMessage{roomRef: ref, Message: p.Message}
	case TypeTypingStart:
		ev = TypingStart{ref}
	case TypeTypingStop:
		ev = TypingStop{ref}
	case TypeMusicPlay:
		if p.Track != nil && p.Track.ID == "" {
			return nil, missing(f.Type, "track.id")
		}
		ev = MusicPlay{roomRef: ref, Track: p.Track}
	case TypeMusicPause:
		ev = MusicPause{ref}
	case TypeMusicSkip:
		ev = MusicSkip{ref}
	case TypeMusicQueue, "music-queue":
		if p.Queue == nil {
			return nil, missing(f.Type, "queue")
		}
		for i, t := range *p.Queue {
			if t.ID == "" {
				return nil, missing(f.Type, fmt.Sprintf("queue[%d].id", i))
			}
		}
		ev = MusicQueue{roomRef: ref, Queue: *p.Queue}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, f.Type)
	}

	if ev.Room() == "" {
		return nil, missing(f.Type, "roomId")
	}
	return ev, nil
}

func decodeJoin(data json.RawMessage) (Event, error) {
	if len(data) == 0 || isNull(data) {
		return Join{}, nil
	}
	var roomID string
	if err := json.Unmarshal(data, &roomID); err == nil {
		return Join{roomRef{RoomID: roomID}}, nil
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, TypeJoin, err)
	}
	return Join{roomRef{RoomID: p.RoomID}}, nil
}

func missing(typ, field string) error {
	return fmt.Errorf("%w: %s: missing %s", ErrMalformed, typ, field)
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// Millis converts t to the Unix millisecond timestamps used on the wire.
func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
