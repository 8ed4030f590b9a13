// Package persist writes room state to the durable store off the real-time
// path. Document writes are debounced per room so a burst of edits costs one
// write; chat messages are queued and saved in order.
package persist

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/manpreetbhatti/codecollab/internal/db"
	"github.com/manpreetbhatti/codecollab/internal/metrics"
	"github.com/manpreetbhatti/codecollab/internal/room"
)

// Store is the durable side of the bridge.
type Store interface {
	LoadRoomDocument(ctx context.Context, roomID string) (*db.Document, error)
	PersistRoomDocument(ctx context.Context, roomID, code, language string) error
	SaveChatMessage(ctx context.Context, msg db.ChatMessage) (int64, error)
}

type Config struct {
	Debounce     time.Duration
	MaxWait      time.Duration // longest a room that never goes quiet waits for a write
	MaxAttempts  int
	ChatQueue    int
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Debounce:     2 * time.Second,
		MaxWait:      10 * time.Second,
		MaxAttempts:  3,
		ChatQueue:    1024,
		WriteTimeout: 5 * time.Second,
	}
}

type pendingWrite struct {
	code     string
	language string
	first    time.Time
	due      time.Time
	seq      uint64
	attempts int
}

type job struct {
	roomID   string
	code     string
	language string
	seq      uint64
}

type Bridge struct {
	store  Store
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	pending map[string]*pendingWrite
	seq     uint64

	// writes are sequential regardless of who triggers them; written holds
	// the newest seq stored per room so an older snapshot never lands last
	writeMu sync.Mutex
	written map[string]uint64

	chat     chan db.ChatMessage
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(store Store, config Config, logger *zap.Logger) *Bridge {
	def := DefaultConfig()
	if config.Debounce <= 0 {
		config.Debounce = def.Debounce
	}
	if config.MaxWait < config.Debounce {
		config.MaxWait = 5 * config.Debounce
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.ChatQueue <= 0 {
		config.ChatQueue = def.ChatQueue
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		store:   store,
		config:  config,
		logger:  logger,
		pending: make(map[string]*pendingWrite),
		written: make(map[string]uint64),
		chat:    make(chan db.ChatMessage, config.ChatQueue),
		stop:    make(chan struct{}),
	}
}

func (b *Bridge) Start() {
	b.wg.Add(2)
	go b.run()
	go b.runChat()
	b.logger.Info("persistence bridge started",
		zap.Duration("debounce", b.config.Debounce),
		zap.Int("max_attempts", b.config.MaxAttempts))
}

// Stop halts the workers and writes every pending document once.
func (b *Bridge) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() { close(b.stop) })

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	err := b.FlushAll(ctx)
	b.logger.Info("persistence bridge stopped")
	return err
}

// Schedule records the latest document for a room. The write happens once
// the room has been quiet for the debounce window, or MaxWait after its
// oldest unwritten edit, whichever comes first.
func (b *Bridge) Schedule(roomID, code, language string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	first := now
	if p, ok := b.pending[roomID]; ok {
		first = p.first
	}

	b.seq++
	b.pending[roomID] = &pendingWrite{
		code:     code,
		language: language,
		first:    first,
		due:      now.Add(b.config.Debounce),
		seq:      b.seq,
	}
}

// Pending reports how many rooms have unwritten documents.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Load returns the newest known document for a room: an unwritten pending
// one if present, otherwise the stored copy. It satisfies room.Loader.
func (b *Bridge) Load(ctx context.Context, roomID string) (*room.Document, error) {
	b.mu.Lock()
	if p, ok := b.pending[roomID]; ok {
		doc := &room.Document{Code: p.code, Language: p.language}
		b.mu.Unlock()
		return doc, nil
	}
	b.mu.Unlock()

	doc, err := b.store.LoadRoomDocument(ctx, roomID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room.Document{Code: doc.Code, Language: doc.Language}, nil
}

// Flush writes a room's pending document now, skipping the debounce.
func (b *Bridge) Flush(ctx context.Context, roomID string) error {
	b.mu.Lock()
	p, ok := b.pending[roomID]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	j := job{roomID: roomID, code: p.code, language: p.language, seq: p.seq}
	b.mu.Unlock()

	return b.write(ctx, j)
}

// FlushAll writes every pending document once.
func (b *Bridge) FlushAll(ctx context.Context) error {
	b.mu.Lock()
	jobs := make([]job, 0, len(b.pending))
	for id, p := range b.pending {
		jobs = append(jobs, job{roomID: id, code: p.code, language: p.language, seq: p.seq})
	}
	b.mu.Unlock()
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].roomID < jobs[j].roomID })

	var errs []error
	for _, j := range jobs {
		if err := b.write(ctx, j); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordChat queues a chat message for storage. It never blocks; when the
// queue is full the message is dropped.
func (b *Bridge) RecordChat(msg db.ChatMessage) {
	select {
	case b.chat <- msg:
	default:
		metrics.PersistWrites.WithLabelValues("chat", "dropped").Inc()
		b.logger.Warn("chat persistence queue full, dropping message", zap.String("room", msg.RoomID))
	}
}

func (b *Bridge) run() {
	defer b.wg.Done()

	interval := b.config.Debounce / 2
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case now := <-ticker.C:
			b.writeDue(now)
		}
	}
}

func (b *Bridge) writeDue(now time.Time) {
	b.mu.Lock()
	var due []job
	for id, p := range b.pending {
		if !p.due.After(now) || !p.first.Add(b.config.MaxWait).After(now) {
			due = append(due, job{roomID: id, code: p.code, language: p.language, seq: p.seq})
		}
	}
	b.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].roomID < due[j].roomID })

	for _, j := range due {
		ctx, cancel := context.WithTimeout(context.Background(), b.config.WriteTimeout)
		_ = b.write(ctx, j)
		cancel()
	}
}

// write persists one document. A job older than one already stored is
// skipped. A newer Schedule for the same room keeps its pending entry; a
// failed write is retried after another debounce window until MaxAttempts
// is reached.
func (b *Bridge) write(ctx context.Context, j job) error {
	b.writeMu.Lock()
	var err error
	if j.seq > b.written[j.roomID] {
		err = b.store.PersistRoomDocument(ctx, j.roomID, j.code, j.language)
		if err == nil {
			b.written[j.roomID] = j.seq
		}
	} else {
		b.logger.Debug("skipping superseded room document", zap.String("room", j.roomID))
	}
	b.writeMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.pending[j.roomID]
	current := ok && p.seq == j.seq

	if err == nil {
		metrics.PersistWrites.WithLabelValues("document", "ok").Inc()
		if current {
			delete(b.pending, j.roomID)
		} else if ok {
			p.first = time.Now()
		}
		b.logger.Debug("room document persisted", zap.String("room", j.roomID))
		return nil
	}

	metrics.PersistWrites.WithLabelValues("document", "error").Inc()
	if !current {
		return err
	}
	p.attempts++
	if p.attempts >= b.config.MaxAttempts {
		delete(b.pending, j.roomID)
		metrics.PersistWrites.WithLabelValues("document", "dropped").Inc()
		b.logger.Warn("giving up on room document write",
			zap.String("room", j.roomID), zap.Int("attempts", p.attempts), zap.Error(err))
		return err
	}
	p.first = time.Now()
	p.due = p.first.Add(b.config.Debounce)
	b.logger.Warn("room document write failed, will retry",
		zap.String("room", j.roomID), zap.Int("attempt", p.attempts), zap.Error(err))
	return err
}

func (b *Bridge) runChat() {
	defer b.wg.Done()

	for {
		select {
		case msg := <-b.chat:
			b.saveChat(msg)
		case <-b.stop:
			for {
				select {
				case msg := <-b.chat:
					b.saveChat(msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Bridge) saveChat(msg db.ChatMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), b.config.WriteTimeout)
	defer cancel()

	if _, err := b.store.SaveChatMessage(ctx, msg); err != nil {
		metrics.PersistWrites.WithLabelValues("chat", "error").Inc()
		b.logger.Warn("failed to persist chat message", zap.String("room", msg.RoomID), zap.Error(err))
		return
	}
	metrics.PersistWrites.WithLabelValues("chat", "ok").Inc()
}
