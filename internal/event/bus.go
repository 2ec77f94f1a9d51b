package event

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Stage identifies where a task is in its lifecycle.
type Stage string

const (
	StageStarting     Stage = "starting"
	StagePlanning     Stage = "planning"
	StageExecuting    Stage = "executing"
	StageReflecting   Stage = "reflecting"
	StageReplanning   Stage = "replanning"
	StageAwaitingUser Stage = "awaiting_user"
	StageFinished     Stage = "finished"
	StageFailed       Stage = "failed"
	StageCancelled    Stage = "cancelled"
)

// StageEvent is one progress message on a task's stream. Seq is assigned by
// the bus and is strictly monotonic per task.
type StageEvent struct {
	TaskID    string         `json:"task_id"`
	Seq       uint64         `json:"seq"`
	Stage     Stage          `json:"stage"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

const (
	// DefaultBufferSize bounds each subscriber's pending queue.
	DefaultBufferSize = 64
	// DefaultHistorySize is how many recent events replay to late subscribers.
	DefaultHistorySize = 32
)

// Subscription is one active consumer of a task's event stream.
type Subscription struct {
	id      string
	ch      chan *StageEvent
	dropped atomic.Uint64
	cancel  func()
	once    sync.Once
}

// Events is the receive channel. It closes when the subscription is
// cancelled or the bus closes.
func (s *Subscription) Events() <-chan *StageEvent { return s.ch }

// Dropped reports how many events were discarded because this subscriber
// fell behind. Other subscribers are unaffected.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel detaches the subscription. Idempotent.
func (s *Subscription) Cancel() { s.once.Do(s.cancel) }

// Bus is the per-task publish/subscribe channel. A single publisher (the
// dispatcher) guarantees total order; the bus keeps a short history so
// subscribers that attach mid-task still see recent context.
type Bus struct {
	taskID      string
	bufferSize  int
	historySize int
	logger      *zap.SugaredLogger

	mu      sync.Mutex
	seq     uint64
	history []*StageEvent
	subs    map[string]*Subscription
	closed  bool
}

// NewBus creates a bus for one task with default sizing.
func NewBus(taskID string, logger *zap.SugaredLogger) *Bus {
	return NewBusSized(taskID, DefaultBufferSize, DefaultHistorySize, logger)
}

// NewBusSized creates a bus with explicit buffer and history sizes.
func NewBusSized(taskID string, bufferSize, historySize int, logger *zap.SugaredLogger) *Bus {
	if bufferSize < 1 {
		bufferSize = DefaultBufferSize
	}
	if historySize < 0 {
		historySize = DefaultHistorySize
	}
	return &Bus{
		taskID:      taskID,
		bufferSize:  bufferSize,
		historySize: historySize,
		logger:      logger,
		subs:        make(map[string]*Subscription),
	}
}

// Publish sequences an event and delivers it to every subscriber. It never
// blocks the publisher: a full subscriber loses its oldest queued event
// instead. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(stage Stage, message string, payload map[string]any) *StageEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.seq++
	evt := &StageEvent{
		TaskID:    b.taskID,
		Seq:       b.seq,
		Stage:     stage,
		Message:   message,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	if b.historySize > 0 {
		b.history = append(b.history, evt)
		if len(b.history) > b.historySize {
			b.history = b.history[len(b.history)-b.historySize:]
		}
	}

	for _, sub := range b.subs {
		b.offer(sub, evt)
	}
	return evt
}

// offer enqueues evt for one subscriber, dropping its oldest pending event
// when the buffer is full. Caller holds b.mu, so no concurrent offer exists;
// only the consumer side races, which makes the drain-retry loop terminate.
func (b *Bus) offer(sub *Subscription, evt *StageEvent) {
	for {
		select {
		case sub.ch <- evt:
			return
		default:
		}
		select {
		case old := <-sub.ch:
			sub.dropped.Add(1)
			b.logger.Warnw("Event dropped, subscriber too slow",
				"task_id", b.taskID,
				"subscriber_id", sub.id,
				"dropped_seq", old.Seq,
			)
		default:
		}
	}
}

// Subscribe attaches a new consumer. Recent history replays first, then live
// events follow. On a closed bus the channel delivers the history and closes
// immediately.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	size := b.bufferSize
	if size < len(b.history) {
		size = len(b.history)
	}
	sub := &Subscription{
		id: id,
		ch: make(chan *StageEvent, size),
	}
	sub.cancel = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
	}

	for _, evt := range b.history {
		sub.ch <- evt
	}

	if b.closed {
		// Not registered, so Cancel finds nothing to close twice.
		close(sub.ch)
		return sub
	}

	b.subs[id] = sub
	return sub
}

// Close shuts the bus down. Safe to call once; subsequent publishes are
// no-ops and open subscriber channels are closed after draining nothing
// further.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}

// Seq returns the sequence number of the most recent event.
func (b *Bus) Seq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
