package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/codecollab/internal/db"
	"github.com/manpreetbhatti/codecollab/internal/events"
	"github.com/manpreetbhatti/codecollab/internal/identity"
	"github.com/manpreetbhatti/codecollab/internal/metrics"
	"github.com/manpreetbhatti/codecollab/internal/protocol"
	"github.com/manpreetbhatti/codecollab/internal/registry"
	"github.com/manpreetbhatti/codecollab/internal/room"
)

var ErrShuttingDown = errors.New("ws: hub is shutting down")

// Persister is the write-behind side of the hub. Implementations must not
// block on the durable store.
type Persister interface {
	Schedule(roomID, code, language string)
	Flush(ctx context.Context, roomID string) error
	RecordChat(msg db.ChatMessage)
}

type Options struct {
	Store    *room.Store
	Registry *registry.Registry
	Bridge   Persister
	Notifier events.Notifier
	Logger   *zap.Logger

	// FlushTimeout bounds the write issued when a room is evicted.
	FlushTimeout time.Duration
}

// Hub coordinates every live connection: it routes inbound events to the
// room state and fans the results out to room members.
//
// Calls for one connection (Connect, HandleMessage, Disconnect) must not run
// concurrently with each other; the read pump guarantees this.
type Hub struct {
	store        *room.Store
	registry     *registry.Registry
	bridge       Persister
	notifier     events.Notifier
	logger       *zap.Logger
	flushTimeout time.Duration

	// lifecycle orders registration against Shutdown so every connection
	// is either refused or seen by Shutdown
	lifecycle sync.Mutex
	closing   atomic.Bool
	conns     sync.WaitGroup
	flushes   sync.WaitGroup
}

// Conn describes a connection being registered with the hub.
type Conn struct {
	ID      string
	RoomID  string
	Profile identity.Profile
	Sender  registry.Sender
}

func NewHub(opts Options) *Hub {
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Notifier == nil {
		opts.Notifier = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = 5 * time.Second
	}
	return &Hub{
		store:        opts.Store,
		registry:     opts.Registry,
		bridge:       opts.Bridge,
		notifier:     opts.Notifier,
		logger:       opts.Logger,
		flushTimeout: opts.FlushTimeout,
	}
}

func (h *Hub) Store() *room.Store { return h.store }

func (h *Hub) ConnectionCount() int { return h.registry.Count() }

func (h *Hub) Closing() bool { return h.closing.Load() }

// Connect registers a connection. When c.RoomID is set the connection joins
// that room right away, exactly as if it had sent join-room.
func (h *Hub) Connect(ctx context.Context, c Conn) error {
	h.lifecycle.Lock()
	if h.closing.Load() {
		h.lifecycle.Unlock()
		return ErrShuttingDown
	}
	err := h.registry.Register(registry.Entry{
		ConnID:      c.ID,
		UserID:      c.Profile.UserID,
		DisplayName: c.Profile.DisplayName,
		AvatarURL:   c.Profile.AvatarURL,
		RoomID:      c.RoomID,
		Sender:      c.Sender,
	})
	if err != nil {
		h.lifecycle.Unlock()
		return err
	}
	h.conns.Add(1)
	h.lifecycle.Unlock()
	metrics.ActiveConnections.Inc()
	h.logger.Debug("connection registered",
		zap.String("conn", c.ID), zap.String("user", c.Profile.UserID), zap.String("room", c.RoomID))

	if c.RoomID != "" {
		entry, _ := h.registry.Lookup(c.ID)
		h.join(ctx, entry, c.RoomID)
	}
	return nil
}

// HandleMessage decodes one inbound frame and applies it. Errors never
// escape: malformed frames are answered with an error frame to the sender
// and stale events are dropped.
func (h *Hub) HandleMessage(ctx context.Context, connID string, raw []byte) {
	defer h.recoverPanic("handle message", connID)

	entry, ok := h.registry.Lookup(connID)
	if !ok {
		metrics.EventsRejected.WithLabelValues("disconnected").Inc()
		return
	}

	ev, err := protocol.Decode(raw)
	if err != nil {
		metrics.EventsRejected.WithLabelValues("malformed").Inc()
		h.logger.Debug("rejected malformed event", zap.String("conn", connID), zap.Error(err))
		entry.Sender.Send(protocol.EncodeError(protocol.CodeMalformed, err.Error()))
		return
	}

	if join, ok := ev.(protocol.Join); ok {
		target := join.Room()
		if target == "" {
			target = entry.RoomID
		}
		if target == "" {
			metrics.EventsRejected.WithLabelValues("malformed").Inc()
			entry.Sender.Send(protocol.EncodeError(protocol.CodeMalformed, "join-room: missing roomId"))
			return
		}
		h.join(ctx, entry, target)
		metrics.EventsHandled.WithLabelValues(ev.Type()).Inc()
		return
	}

	// Every other event must target the room this connection is in.
	if !entry.Joined || entry.RoomID != ev.Room() {
		metrics.EventsRejected.WithLabelValues("stale").Inc()
		h.logger.Debug("dropped event for a room the connection is not in",
			zap.String("conn", connID), zap.String("room", ev.Room()), zap.String("event", ev.Type()))
		return
	}

	switch e := ev.(type) {
	case protocol.Leave:
		h.registry.SetRoom(connID, "")
		h.leave(entry)
	case protocol.CodeUpdate:
		err = h.applyCodeUpdate(entry, e)
	case protocol.LanguageChange:
		err = h.applyLanguageChange(entry, e)
	case protocol.CursorPosition:
		err = h.relay(entry, protocol.TypeCursorPosition, func(ts time.Time) any {
			return protocol.CursorMoved{Position: e.Position, UserID: entry.UserID, Timestamp: protocol.Millis(ts)}
		})
	case protocol.TypingStart, protocol.TypingStop:
		err = h.relay(entry, ev.Type(), func(ts time.Time) any {
			return protocol.Typing{UserID: entry.UserID, Timestamp: protocol.Millis(ts)}
		})
	case protocol.ChatMessage:
		err = h.chat(entry, e)
	case protocol.MusicPlay, protocol.MusicPause, protocol.MusicSkip, protocol.MusicQueue:
		err = h.music(entry, ev)
	}

	if errors.Is(err, room.ErrRoomNotFound) {
		metrics.EventsRejected.WithLabelValues("stale").Inc()
		h.logger.Debug("dropped event for evicted room",
			zap.String("conn", connID), zap.String("room", ev.Room()), zap.String("event", ev.Type()))
		return
	}
	if err != nil {
		metrics.EventsRejected.WithLabelValues("error").Inc()
		h.logger.Warn("event failed", zap.String("conn", connID), zap.String("event", ev.Type()), zap.Error(err))
		return
	}
	metrics.EventsHandled.WithLabelValues(ev.Type()).Inc()
}

// Disconnect tears a connection down: unregister, leave its room, tell the
// remaining members and evict the room if it is now empty. It is idempotent.
func (h *Hub) Disconnect(connID string) {
	defer h.recoverPanic("disconnect", connID)

	entry, ok := h.registry.Unregister(connID)
	if !ok {
		return
	}
	defer h.conns.Done()
	metrics.ActiveConnections.Dec()

	if entry.Joined {
		h.leave(entry)
	}
	h.logger.Debug("connection closed", zap.String("conn", connID), zap.String("user", entry.UserID))
}

// Shutdown stops accepting connections, closes every live one and waits
// until each has run its disconnect path. Closed clients flush their queued
// frames before the socket closes.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.lifecycle.Lock()
	h.closing.Store(true)
	entries := h.registry.All()
	h.lifecycle.Unlock()

	h.logger.Info("closing connections", zap.Int("count", len(entries)))
	for _, e := range entries {
		e.Sender.Close()
	}

	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		h.flushes.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) join(ctx context.Context, entry registry.Entry, roomID string) {
	if entry.Joined && entry.RoomID != roomID {
		h.registry.SetRoom(entry.ConnID, "")
		h.leave(entry)
	}
	h.registry.SetRoom(entry.ConnID, roomID)

	created := h.store.AddMember(ctx, roomID, entry.ConnID, func(s *room.State, added bool) {
		for _, f := range h.snapshotFrames(s) {
			entry.Sender.Send(f)
		}
		if !added {
			return
		}
		frame, err := protocol.Encode(protocol.TypeUserJoined, presence(entry, time.Now()))
		if err != nil {
			h.logger.Warn("failed to encode presence", zap.Error(err))
			return
		}
		h.fanout(s.MembersExcept(entry.ConnID), frame)
	})

	if created {
		metrics.ActiveRooms.Set(float64(h.store.Count()))
		if snap, ok := h.store.Get(roomID); ok {
			h.notifier.Notify(events.RoomEvent{
				Type:       events.RoomOpened,
				RoomID:     roomID,
				Language:   snap.Language,
				CodeLength: snap.CodeSize,
			})
		}
	}
	h.logger.Info("joined room",
		zap.String("conn", entry.ConnID), zap.String("user", entry.UserID),
		zap.String("room", roomID), zap.Bool("created", created))
}

// snapshotFrames builds the catch-up frames for a joining connection.
func (h *Hub) snapshotFrames(s *room.State) [][]byte {
	var frames [][]byte
	add := func(typ string, data any) {
		f, err := protocol.Encode(typ, data)
		if err != nil {
			h.logger.Warn("failed to encode snapshot", zap.String("event", typ), zap.Error(err))
			return
		}
		frames = append(frames, f)
	}

	add(protocol.TypeCodeSync, protocol.CodeSync{
		Code:      s.Code(),
		Language:  s.Language(),
		Timestamp: protocol.Millis(s.UpdatedAt()),
	})
	if s.HasMusic() {
		m := s.Music()
		m.Timestamp = protocol.Millis(time.Now())
		add(protocol.TypeMusicState, m)
	}
	if history := s.ChatHistory(); len(history) > 0 {
		add(protocol.TypeChatHistory, protocol.ChatHistory{Messages: history})
	}
	return frames
}

// leave removes the connection from its room, announces it and evicts the
// room when it empties. Each step runs even if an earlier one found nothing
// to do.
func (h *Hub) leave(entry registry.Entry) {
	roomID := entry.RoomID

	_, err := h.store.RemoveMember(roomID, entry.ConnID, func(s *room.State, removed bool) {
		if !removed {
			return
		}
		frame, err := protocol.Encode(protocol.TypeUserLeft, presence(entry, time.Now()))
		if err != nil {
			h.logger.Warn("failed to encode presence", zap.Error(err))
			return
		}
		h.fanout(s.Members(), frame)
	})
	if err != nil && !errors.Is(err, room.ErrRoomNotFound) {
		h.logger.Warn("remove member failed", zap.String("room", roomID), zap.Error(err))
	}

	snap, evicted := h.store.EvictIfEmpty(roomID)
	h.logger.Info("left room",
		zap.String("conn", entry.ConnID), zap.String("user", entry.UserID),
		zap.String("room", roomID), zap.Bool("evicted", evicted))
	if !evicted {
		return
	}

	metrics.ActiveRooms.Set(float64(h.store.Count()))
	h.notifier.Notify(events.RoomEvent{
		Type:       events.RoomClosed,
		RoomID:     roomID,
		Language:   snap.Language,
		CodeLength: snap.CodeSize,
	})
	if h.bridge != nil {
		h.flushes.Add(1)
		go func() {
			defer h.flushes.Done()
			ctx, cancel := context.WithTimeout(context.Background(), h.flushTimeout)
			defer cancel()
			if err := h.bridge.Flush(ctx, roomID); err != nil {
				h.logger.Warn("flush on eviction failed", zap.String("room", roomID), zap.Error(err))
			}
		}()
	}
}

func (h *Hub) applyCodeUpdate(entry registry.Entry, e protocol.CodeUpdate) error {
	return h.store.Update(e.Room(), func(s *room.State) error {
		ts := s.SetCode(e.Code)
		frame, err := protocol.Encode(protocol.TypeCodeUpdate, protocol.CodeChanged{
			Code:      e.Code,
			UserID:    entry.UserID,
			Timestamp: protocol.Millis(ts),
		})
		if err != nil {
			return err
		}
		h.fanout(s.MembersExcept(entry.ConnID), frame)
		h.schedule(s)
		return nil
	})
}

func (h *Hub) applyLanguageChange(entry registry.Entry, e protocol.LanguageChange) error {
	return h.store.Update(e.Room(), func(s *room.State) error {
		ts := s.SetLanguage(e.Language)
		frame, err := protocol.Encode(protocol.TypeLanguageChange, protocol.LanguageChanged{
			Language:  e.Language,
			UserID:    entry.UserID,
			Timestamp: protocol.Millis(ts),
		})
		if err != nil {
			return err
		}
		h.fanout(s.MembersExcept(entry.ConnID), frame)
		h.schedule(s)
		return nil
	})
}

// relay forwards a stateless event to every other member of the room.
func (h *Hub) relay(entry registry.Entry, typ string, build func(ts time.Time) any) error {
	return h.store.Update(entry.RoomID, func(s *room.State) error {
		frame, err := protocol.Encode(typ, build(time.Now()))
		if err != nil {
			return err
		}
		h.fanout(s.MembersExcept(entry.ConnID), frame)
		return nil
	})
}

func (h *Hub) chat(entry registry.Entry, e protocol.ChatMessage) error {
	return h.store.Update(e.Room(), func(s *room.State) error {
		now := time.Now()
		msg := protocol.Chat{
			Message:     e.Message,
			UserID:      entry.UserID,
			DisplayName: entry.DisplayName,
			AvatarURL:   entry.AvatarURL,
			Timestamp:   protocol.Millis(now),
		}
		frame, err := protocol.Encode(protocol.TypeChatMessage, msg)
		if err != nil {
			return err
		}
		s.RecordChat(msg)
		// Chat goes to every member, the sender included.
		h.fanout(s.Members(), frame)

		if h.bridge != nil {
			h.bridge.RecordChat(db.ChatMessage{
				RoomID:    e.Room(),
				UserID:    entry.UserID,
				Content:   chatContent(e.Message),
				CreatedAt: now,
			})
		}
		return nil
	})
}

func (h *Hub) music(entry registry.Entry, ev protocol.Event) error {
	return h.store.Update(ev.Room(), func(s *room.State) error {
		switch e := ev.(type) {
		case protocol.MusicPlay:
			if err := s.Play(e.Track); err != nil {
				entry.Sender.Send(protocol.EncodeError(protocol.CodeRejected, "music-play: nothing to play"))
				return nil
			}
		case protocol.MusicPause:
			s.Pause()
		case protocol.MusicSkip:
			s.Skip()
		case protocol.MusicQueue:
			s.SetQueue(e.Queue)
		}

		state := s.Music()
		state.UserID = entry.UserID
		state.Timestamp = protocol.Millis(time.Now())
		frame, err := protocol.Encode(protocol.TypeMusicState, state)
		if err != nil {
			return err
		}
		h.fanout(s.MembersExcept(entry.ConnID), frame)
		return nil
	})
}

// fanout offers frame to each connection without blocking. A peer whose
// queue is full misses the frame and is closed; it recovers by rejoining.
// Called with the room lock held so every peer sees the room's frames in
// the order they were applied.
func (h *Hub) fanout(connIDs []string, frame []byte) {
	for _, sender := range h.registry.Senders(connIDs) {
		if !sender.Send(frame) {
			metrics.SendsDropped.Inc()
			sender.Close()
		}
	}
}

func (h *Hub) schedule(s *room.State) {
	if h.bridge != nil {
		h.bridge.Schedule(s.ID, s.Code(), s.Language())
	}
}

func (h *Hub) recoverPanic(op, connID string) {
	if r := recover(); r != nil {
		h.logger.Error("recovered from panic", zap.String("op", op), zap.String("conn", connID), zap.Any("panic", r))
	}
}

func presence(entry registry.Entry, now time.Time) protocol.Presence {
	return protocol.Presence{
		UserID:      entry.UserID,
		DisplayName: entry.DisplayName,
		AvatarURL:   entry.AvatarURL,
		Timestamp:   protocol.Millis(now),
	}
}

// chatContent stores string messages unquoted and anything else as JSON.
func chatContent(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
