package wsrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

var ErrUnknownMessageType = errors.New("unknown message type")

type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// HandlerFunc handles one message type with its payload already decoded.
type HandlerFunc[T any] func(ctx context.Context, conn *websocket.Conn, payload T) error

type Middleware func(next HandlerFunc[any]) HandlerFunc[any]

// ErrorHandler is called when decoding or handling a message fails. The
// connection stays open.
type ErrorHandler func(ctx context.Context, conn *websocket.Conn, err error)

type route struct {
	decode  func(json.RawMessage) (any, error)
	handler HandlerFunc[any]
}

type WSRouter struct {
	routes      map[string]route
	middlewares []Middleware
	onError     ErrorHandler
}

func New() *WSRouter {
	return &WSRouter{
		routes:  make(map[string]route),
		onError: writeError,
	}
}

func (r *WSRouter) Use(mw ...Middleware) {
	r.middlewares = append(r.middlewares, mw...)
}

func (r *WSRouter) OnError(h ErrorHandler) {
	r.onError = h
}

// Handle registers handler for messageType. Methods cannot carry type
// parameters, so registration is a function.
func Handle[T any](r *WSRouter, messageType string, handler HandlerFunc[T]) {
	r.routes[messageType] = route{
		decode: func(raw json.RawMessage) (any, error) {
			var payload T
			if len(raw) == 0 || string(raw) == "null" {
				return payload, nil
			}
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, err
			}
			return payload, nil
		},
		handler: func(ctx context.Context, conn *websocket.Conn, payload any) error {
			return handler(ctx, conn, payload.(T))
		},
	}
}

// ServeConn reads messages until the connection fails and routes each one.
func (r *WSRouter) ServeConn(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			var (
				syntaxErr *json.SyntaxError
				typeErr   *json.UnmarshalTypeError
			)
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				r.onError(ctx, conn, fmt.Errorf("malformed message: %w", err))
				continue
			}
			return err
		}

		r.dispatch(ctx, conn, &msg)
	}
}

func (r *WSRouter) dispatch(ctx context.Context, conn *websocket.Conn, msg *message) {
	ctx = context.WithValue(ctx, messageTypeKey, msg.Type)

	rt, ok := r.routes[msg.Type]
	if !ok {
		r.onError(ctx, conn, fmt.Errorf("%w: %q", ErrUnknownMessageType, msg.Type))
		return
	}

	payload, err := rt.decode(msg.Payload)
	if err != nil {
		r.onError(ctx, conn, fmt.Errorf("failed to decode %s payload: %w", msg.Type, err))
		return
	}

	h := rt.handler
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](h)
	}

	if err := h(ctx, conn, payload); err != nil {
		r.onError(ctx, conn, err)
	}
}

func writeError(_ context.Context, conn *websocket.Conn, err error) {
	_ = conn.WriteJSON(map[string]any{
		"type":    "ERROR",
		"payload": map[string]string{"message": err.Error()},
	})
}
