package room

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/codecollab/internal/protocol"
)

var (
	ErrRoomNotFound  = errors.New("room: not found")
	ErrNothingToPlay = errors.New("room: nothing to play")
)

// A collaborative editing session. All exported methods other than ID must be
// called from inside a Store callback, which holds the room lock.
type State struct {
	ID string

	mu        sync.Mutex
	code      string
	language  string
	members   map[string]struct{}
	createdAt time.Time
	updatedAt time.Time
	now       func() time.Time
	evicted   bool

	current *protocol.Track
	playing bool
	queue   []protocol.Track

	chat     []protocol.Chat
	chatSize int
}

// Snapshot is a point-in-time copy of a room's state.
type Snapshot struct {
	ID        string    `json:"id"`
	Code      string    `json:"-"`
	CodeSize  int       `json:"code_size"`
	Language  string    `json:"language"`
	Members   int       `json:"members"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newState(id string, doc Document, chatSize int, now func() time.Time) *State {
	t := now()
	return &State{
		ID:        id,
		code:      doc.Code,
		language:  doc.Language,
		members:   make(map[string]struct{}),
		createdAt: t,
		updatedAt: t,
		now:       now,
		chatSize:  chatSize,
	}
}

// touch advances the last-update timestamp, never moving it backwards.
func (s *State) touch() time.Time {
	t := s.now()
	if t.Before(s.updatedAt) {
		t = s.updatedAt
	}
	s.updatedAt = t
	return t
}

func (s *State) Code() string         { return s.code }
func (s *State) Language() string     { return s.language }
func (s *State) UpdatedAt() time.Time { return s.updatedAt }

// Members returns the member connection ids in a stable order.
func (s *State) Members() []string {
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MembersExcept returns every member other than connID.
func (s *State) MembersExcept(connID string) []string {
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		if id != connID {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// SetCode replaces the document and returns the new timestamp.
func (s *State) SetCode(code string) time.Time {
	s.code = code
	return s.touch()
}

func (s *State) SetLanguage(language string) time.Time {
	s.language = language
	return s.touch()
}

func (s *State) Snapshot() Snapshot {
	return Snapshot{
		ID:        s.ID,
		Code:      s.code,
		CodeSize:  len(s.code),
		Language:  s.language,
		Members:   len(s.members),
		CreatedAt: s.createdAt,
		UpdatedAt: s.updatedAt,
	}
}

// Music player

// Play starts playback. A non-nil track replaces the current one; otherwise
// the current track resumes, or the queue head is loaded when nothing is.
func (s *State) Play(track *protocol.Track) error {
	switch {
	case track != nil:
		t := *track
		s.current = &t
	case s.current == nil:
		if len(s.queue) == 0 {
			return ErrNothingToPlay
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.current = &t
	}
	s.playing = true
	return nil
}

func (s *State) Pause() {
	s.playing = false
}

// Skip loads the next queued track, stopping playback when the queue is empty.
func (s *State) Skip() {
	if len(s.queue) == 0 {
		s.current = nil
		s.playing = false
		return
	}
	t := s.queue[0]
	s.queue = s.queue[1:]
	s.current = &t
}

func (s *State) SetQueue(queue []protocol.Track) {
	s.queue = append([]protocol.Track(nil), queue...)
}

// HasMusic reports whether the player holds anything worth sending to a joiner.
func (s *State) HasMusic() bool {
	return s.current != nil || s.playing || len(s.queue) > 0
}

// Music returns the player state without the acting user or timestamp.
func (s *State) Music() protocol.MusicState {
	m := protocol.MusicState{
		Playing: s.playing,
		Queue:   append([]protocol.Track{}, s.queue...),
	}
	if s.current != nil {
		t := *s.current
		m.Current = &t
	}
	return m
}

// Chat replay

// RecordChat appends a relayed message to the replay buffer.
func (s *State) RecordChat(msg protocol.Chat) {
	if s.chatSize <= 0 {
		return
	}
	s.chat = append(s.chat, msg)
	if over := len(s.chat) - s.chatSize; over > 0 {
		kept := make([]protocol.Chat, s.chatSize)
		copy(kept, s.chat[over:])
		s.chat = kept
	}
}

func (s *State) ChatHistory() []protocol.Chat {
	return append([]protocol.Chat(nil), s.chat...)
}
