// Package transport defines the bidirectional message channel a scope runs
// over. Implementations live in the subpackages.
package transport

import (
	"context"
	"errors"

	"github.com/sharetube/teamsync/internal/domain"
)

var (
	ErrClosed      = errors.New("stream closed")
	ErrEmptyScope  = errors.New("empty scope id")
	ErrInvalidKind = errors.New("unknown transport kind")
)

const (
	KindWebsocket = "websocket"
	KindNATS      = "nats"
	KindRedis     = "redis"
)

type Transport interface {
	Connect(ctx context.Context, scopeID string) (Stream, error)
}

// Stream is one connected channel for one scope. Inbound and Errors stay
// open after Close; callers stop reading once they close the stream.
type Stream interface {
	Send(ctx context.Context, msg *domain.Message) error
	Inbound() <-chan *domain.Message
	// Errors receives at most one error, after which the stream is dead.
	Errors() <-chan error
	Close() error
}
