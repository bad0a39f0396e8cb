// Package memory is an in-process transport. Every stream connected to the
// same scope of a Network receives what the others send.
package memory

import (
	"context"
	"sync"

	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/transport"
)

type Network struct {
	mu       sync.Mutex
	scopes   map[string]map[*stream]struct{}
	failures []error
	echo     bool
}

type Option func(*Network)

// WithEcho delivers every message back to its sender too, the way the
// broker-backed transports behave.
func WithEcho() Option {
	return func(n *Network) {
		n.echo = true
	}
}

func NewNetwork(opts ...Option) *Network {
	n := &Network{scopes: make(map[string]map[*stream]struct{})}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// FailConnects makes the next len(errs) Connect calls return errs in order.
func (n *Network) FailConnects(errs ...error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, errs...)
}

func (n *Network) Connect(ctx context.Context, scopeID string) (transport.Stream, error) {
	if scopeID == "" {
		return nil, transport.ErrEmptyScope
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.failures) > 0 {
		err := n.failures[0]
		n.failures = n.failures[1:]
		return nil, err
	}

	s := &stream{
		Base:    transport.NewBase(0),
		network: n,
		scopeID: scopeID,
	}
	if n.scopes[scopeID] == nil {
		n.scopes[scopeID] = make(map[*stream]struct{})
	}
	n.scopes[scopeID][s] = struct{}{}

	return s, nil
}

// Inject delivers msg to every stream of the scope as if a remote peer sent it.
func (n *Network) Inject(scopeID string, msg *domain.Message) {
	for _, s := range n.peers(scopeID, nil) {
		s.Deliver(msg)
	}
}

// Break fails every open stream of the scope with err.
func (n *Network) Break(scopeID string, err error) {
	for _, s := range n.peers(scopeID, nil) {
		s.Fail(err)
	}
}

// Streams returns the number of open streams for the scope.
func (n *Network) Streams(scopeID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.scopes[scopeID])
}

func (n *Network) peers(scopeID string, except *stream) []*stream {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]*stream, 0, len(n.scopes[scopeID]))
	for s := range n.scopes[scopeID] {
		if s == except && !n.echo {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (n *Network) remove(s *stream) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.scopes[s.scopeID], s)
	if len(n.scopes[s.scopeID]) == 0 {
		delete(n.scopes, s.scopeID)
	}
}

type stream struct {
	*transport.Base
	network *Network
	scopeID string
}

func (s *stream) Send(ctx context.Context, msg *domain.Message) error {
	if s.Closed() {
		return transport.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, peer := range s.network.peers(s.scopeID, s) {
		peer.Deliver(msg)
	}
	return nil
}

func (s *stream) Close() error {
	if s.MarkClosed() {
		s.network.remove(s)
	}
	return nil
}
