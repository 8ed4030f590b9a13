package protocol

import (
	"encoding/json"
	"fmt"
)

type CodeSync struct {
	Code      string `json:"code"`
	Language  string `json:"language"`
	Timestamp int64  `json:"timestamp"`
}

// Presence is the payload of user-joined and user-left.
type Presence struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	Timestamp   int64  `json:"timestamp"`
}

type CodeChanged struct {
	Code      string `json:"code"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

type LanguageChanged struct {
	Language  string `json:"language"`
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

type CursorMoved struct {
	Position  json.RawMessage `json:"position"`
	UserID    string          `json:"userId"`
	Timestamp int64           `json:"timestamp"`
}

type Chat struct {
	Message     json.RawMessage `json:"message"`
	UserID      string          `json:"userId"`
	DisplayName string          `json:"displayName,omitempty"`
	AvatarURL   string          `json:"avatarUrl,omitempty"`
	Timestamp   int64           `json:"timestamp"`
}

type ChatHistory struct {
	Messages []Chat `json:"messages"`
}

type Typing struct {
	UserID    string `json:"userId"`
	Timestamp int64  `json:"timestamp"`
}

type MusicState struct {
	Current   *Track  `json:"current"`
	Playing   bool    `json:"playing"`
	Queue     []Track `json:"queue"`
	UserID    string  `json:"userId,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Encode wraps data in a frame of the given type.
func Encode(typ string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typ, err)
	}
	return json.Marshal(Frame{Type: typ, Data: raw})
}

// EncodeError builds an error frame. It cannot fail.
func EncodeError(code, message string) []byte {
	raw, _ := json.Marshal(Error{Code: code, Message: message})
	out, _ := json.Marshal(Frame{Type: TypeError, Data: raw})
	return out
}
