// Package bus carries inbound chat messages from the transports to the
// pipeline loop.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"convobot/internal/domain"
)

const (
	defaultBuffer  = 100
	publishTimeout = 10 * time.Second
)

// InMemoryBus is a buffered Go channel with back-pressure: a publisher on a
// full bus waits up to timeout before the message is dropped.
type InMemoryBus struct {
	queue   chan domain.InboundMessage
	timeout time.Duration
	logger  *slog.Logger

	// mu guards closing queue against in-flight publishers.
	mu     sync.RWMutex
	closed bool

	dropped atomic.Int64
}

func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = defaultBuffer
	}
	return &InMemoryBus{
		queue:   make(chan domain.InboundMessage, bufferSize),
		timeout: publishTimeout,
		logger:  logger,
	}
}

func (b *InMemoryBus) Publish(in domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.logger.Warn("publish after close", "channel", in.Channel, "id", in.Message.ID)
		b.dropped.Add(1)
		return
	}

	select {
	case b.queue <- in:
		return
	default:
	}

	waitStart := time.Now()
	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case b.queue <- in:
		b.logger.Info("inbound queue drained", "channel", in.Channel, "waited", time.Since(waitStart))
	case <-timer.C:
		b.dropped.Add(1)
		b.logger.Error("inbound queue full, message dropped",
			"channel", in.Channel, "sender", in.Message.Sender, "id", in.Message.ID)
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.queue
}

// Dropped reports how many messages were discarded because the queue was
// full or already closed.
func (b *InMemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the subscriber channel. Later calls do nothing.
func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.queue)
}
