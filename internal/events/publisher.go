// Package events announces room lifecycle changes to other services over
// Redis pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const Channel = "collab:rooms"

const (
	RoomOpened = "room-opened"
	RoomClosed = "room-closed"
)

type RoomEvent struct {
	Type       string `json:"type"`
	RoomID     string `json:"roomId"`
	Language   string `json:"language"`
	CodeLength int    `json:"codeLength"`
	InstanceID string `json:"instanceId"`
	Timestamp  int64  `json:"timestamp"`
}

// Notifier receives room lifecycle events. Implementations must not block.
type Notifier interface {
	Notify(ev RoomEvent)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Notify(RoomEvent) {}

const queueSize = 256

// Publisher sends events from a single worker so subscribers see them in
// the order Notify was called.
type Publisher struct {
	rdb        *redis.Client
	instanceID string
	timeout    time.Duration
	logger     *zap.Logger

	queue    chan RoomEvent
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPublisher(rdb *redis.Client, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Publisher{
		rdb:        rdb,
		instanceID: uuid.New().String(),
		timeout:    2 * time.Second,
		logger:     logger,
		queue:      make(chan RoomEvent, queueSize),
		stop:       make(chan struct{}),
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *Publisher) InstanceID() string {
	return p.instanceID
}

// Publish sends one event and waits for Redis to accept it.
func (p *Publisher) Publish(ctx context.Context, ev RoomEvent) error {
	ev.InstanceID = p.instanceID
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UnixMilli()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal room event: %w", err)
	}
	return p.rdb.Publish(ctx, Channel, data).Err()
}

// Notify queues the event for the worker. A full queue drops the event;
// failures are only logged.
func (p *Publisher) Notify(ev RoomEvent) {
	select {
	case <-p.stop:
		return
	default:
	}
	select {
	case p.queue <- ev:
	default:
		p.logger.Warn("room event queue full, dropping event",
			zap.String("room", ev.RoomID), zap.String("event", ev.Type))
	}
}

// Close publishes whatever is already queued and stops the worker. It
// returns early if ctx ends first.
func (p *Publisher) Close(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stop) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case ev := <-p.queue:
			p.send(ev)
		case <-p.stop:
			for {
				select {
				case ev := <-p.queue:
					p.send(ev)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) send(ev RoomEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.Publish(ctx, ev); err != nil {
		p.logger.Warn("failed to publish room event",
			zap.String("room", ev.RoomID), zap.String("event", ev.Type), zap.Error(err))
	}
}
