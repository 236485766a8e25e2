// Package irq delivers device interrupts to userspace as blocking events.
package irq

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by Wait once the source has been closed.
var ErrClosed = errors.New("irq: source closed")

// Source yields one event per interrupt occurrence. Events that arrive while
// nobody waits are coalesced, as on a level-triggered line.
type Source interface {
	// Wait blocks until the next interrupt or until ctx is done.
	Wait(ctx context.Context) error
	Close() error
}

// Line is an in-process interrupt line for simulated devices.
type Line struct {
	pending chan struct{}
	done    chan struct{}
	once    sync.Once
	raised  atomic.Uint64
}

// NewLine returns an idle line.
func NewLine() *Line {
	return &Line{
		pending: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Raise asserts the line. It never blocks.
func (l *Line) Raise() {
	l.raised.Add(1)
	select {
	case l.pending <- struct{}{}:
	default:
	}
}

// Count returns how many times the line was raised.
func (l *Line) Count() uint64 {
	return l.raised.Load()
}

// Wait implements Source.
func (l *Line) Wait(ctx context.Context) error {
	select {
	case <-l.pending:
		return nil
	default:
	}
	select {
	case <-l.pending:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements Source. Blocked and future waiters return ErrClosed.
func (l *Line) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

var _ Source = (*Line)(nil)
