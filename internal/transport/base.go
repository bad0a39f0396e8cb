package transport

import (
	"sync"

	"github.com/sharetube/teamsync/internal/domain"
)

const DefaultBuffer = 256

// Base carries the channel plumbing shared by stream implementations.
type Base struct {
	inbound   chan *domain.Message
	errs      chan error
	done      chan struct{}
	failOnce  sync.Once
	closeOnce sync.Once
}

func NewBase(buffer int) *Base {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Base{
		inbound: make(chan *domain.Message, buffer),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (b *Base) Inbound() <-chan *domain.Message {
	return b.inbound
}

func (b *Base) Errors() <-chan error {
	return b.errs
}

// Done is closed once the stream is closed locally.
func (b *Base) Done() <-chan struct{} {
	return b.done
}

// Deliver queues msg for the reader without blocking. A full buffer drops the
// message and returns false.
func (b *Base) Deliver(msg *domain.Message) bool {
	if b.Closed() {
		return false
	}
	select {
	case b.inbound <- msg:
		return true
	default:
		return false
	}
}

// Fail reports err once. Later calls are ignored.
func (b *Base) Fail(err error) {
	if b.Closed() {
		return
	}
	b.failOnce.Do(func() {
		b.errs <- err
	})
}

// MarkClosed returns true only for the first caller.
func (b *Base) MarkClosed() bool {
	first := false
	b.closeOnce.Do(func() {
		close(b.done)
		first = true
	})
	return first
}

func (b *Base) Closed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}
