// Package memory is an in-process message transport. It delivers at least
// once and can be told to duplicate or reorder traffic.
package memory

import (
	"context"
	"fmt"
	"sync"

	"openwork/internal/domain"
	"openwork/internal/router"
)

// Receiver is the inbound side of a node.
type Receiver interface {
	Receive(ctx context.Context, msg domain.Message) (router.Outcome, error)
}

type Options struct {
	// Duplicate delivers every message twice.
	Duplicate bool
	// Reverse delivers each batch newest first.
	Reverse bool
}

// Bus connects nodes running in one process.
type Bus struct {
	mu        sync.Mutex
	opts      Options
	receivers map[uint32]Receiver
	queue     []domain.Message
	sent      int
	delivered []domain.Message
}

func NewBus(opts Options) *Bus {
	return &Bus{opts: opts, receivers: map[uint32]Receiver{}}
}

// Register attaches the receiver for a domain.
func (b *Bus) Register(domainID uint32, r Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receivers[domainID] = r
}

// SetOptions changes delivery behaviour for subsequent batches.
func (b *Bus) SetOptions(opts Options) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opts = opts
}

// Send queues msg for delivery. It implements router.Transport.
func (b *Bus) Send(_ context.Context, msg domain.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.receivers[msg.Destination]; !ok {
		return "", fmt.Errorf("no route to domain %d", msg.Destination)
	}
	b.sent++
	b.queue = append(b.queue, msg)
	if b.opts.Duplicate {
		b.queue = append(b.queue, msg)
	}
	return fmt.Sprintf("mem-%d", b.sent), nil
}

// Pending returns the number of queued deliveries.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Delivered returns every message handed to a receiver so far.
func (b *Bus) Delivered() []domain.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.Message(nil), b.delivered...)
}

// Deliver hands the current queue to the receivers. Messages whose receiver
// fails are queued again. It returns the number of successful deliveries.
func (b *Bus) Deliver(ctx context.Context) (int, error) {
	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	reverse := b.opts.Reverse
	b.mu.Unlock()

	if reverse {
		for i, j := 0, len(batch)-1; i < j; i, j = i+1, j-1 {
			batch[i], batch[j] = batch[j], batch[i]
		}
	}
	n := 0
	var firstErr error
	for _, msg := range batch {
		b.mu.Lock()
		r := b.receivers[msg.Destination]
		b.mu.Unlock()
		if _, err := r.Receive(ctx, msg); err != nil {
			b.mu.Lock()
			b.queue = append(b.queue, msg)
			b.mu.Unlock()
			if firstErr == nil {
				firstErr = fmt.Errorf("deliver %s seq %d to %d: %w", msg.Kind, msg.Sequence, msg.Destination, err)
			}
			continue
		}
		b.mu.Lock()
		b.delivered = append(b.delivered, msg)
		b.mu.Unlock()
		n++
	}
	return n, firstErr
}
