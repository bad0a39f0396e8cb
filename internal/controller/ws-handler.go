package controller

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

type EmptyInput struct{}

// observeScope streams the scope's changes to a websocket client and accepts
// control messages from it.
func (c controller) observeScope(w http.ResponseWriter, r *http.Request) {
	scopeId := chi.URLParam(r, "scope-id")
	if _, err := c.scopeService.Status(scopeId); err != nil {
		c.writeError(w, r, err)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.WarnContext(r.Context(), "failed to upgrade to websocket", "error", err)
		return
	}
	defer conn.Close()

	obs := newObserverConn(conn, c.cfg.ObserverSendQueue, c.logger.With("scope_id", scopeId))
	go obs.writePump()
	defer obs.close()

	sub, err := c.scopeService.Subscribe(scopeId, obs)
	if err != nil {
		c.logger.WarnContext(r.Context(), "failed to subscribe observer", "error", err)
		return
	}
	defer sub.Unsubscribe()

	// STATE supersedes any change frame queued before it
	state, err := c.getState(scopeId)
	if err != nil {
		c.logger.WarnContext(r.Context(), "failed to get state", "error", err)
		return
	}
	obs.enqueue(&Output{Type: "STATE", Payload: state})

	ctx := context.WithValue(r.Context(), scopeIdCtxKey, scopeId)
	ctx = context.WithValue(ctx, observerCtxKey, obs)

	if err := c.wsmux.ServeConn(ctx, conn); err != nil {
		c.logger.InfoContext(ctx, "observer disconnected", "scope_id", scopeId, "error", err)
	}
}

func (c controller) getState(scopeId string) (StatePayload, error) {
	status, err := c.scopeService.Status(scopeId)
	if err != nil {
		return StatePayload{}, err
	}
	members, err := c.scopeService.Members(scopeId)
	if err != nil {
		return StatePayload{}, err
	}
	activity, err := c.scopeService.Activity(scopeId, 0)
	if err != nil {
		return StatePayload{}, err
	}

	return StatePayload{ScopeID: scopeId, Members: members, Activity: activity, Status: status}, nil
}

func (c controller) handleAlive(_ context.Context, _ *websocket.Conn, _ EmptyInput) error {
	return nil
}

func (c controller) handleGetState(ctx context.Context, _ *websocket.Conn, _ EmptyInput) error {
	state, err := c.getState(c.getScopeIdFromCtx(ctx))
	if err != nil {
		return fmt.Errorf("failed to get state: %w", err)
	}

	c.getObserverFromCtx(ctx).enqueue(&Output{Type: "STATE", Payload: state})
	return nil
}

func (c controller) handleUpdateStatus(ctx context.Context, _ *websocket.Conn, input UpdateStatusInput) error {
	if err := c.validate.Struct(input); err != nil {
		return err
	}

	if err := c.scopeService.UpdateStatus(ctx, c.getScopeIdFromCtx(ctx), input.Status, input.CurrentActivity); err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}

	return nil
}

func (c controller) handlePublishEvent(ctx context.Context, _ *websocket.Conn, input PublishEventInput) error {
	if err := c.validate.Struct(input); err != nil {
		return err
	}

	if _, err := c.scopeService.PublishGameEvent(ctx, c.getScopeIdFromCtx(ctx), input.Action, input.Description, input.Data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

func (c controller) handleRetry(ctx context.Context, _ *websocket.Conn, _ EmptyInput) error {
	if err := c.scopeService.Retry(c.getScopeIdFromCtx(ctx)); err != nil {
		return fmt.Errorf("failed to retry: %w", err)
	}

	return nil
}

// writeWSError reports a failed message to the observer that sent it.
func (c controller) writeWSError(ctx context.Context, _ *websocket.Conn, err error) {
	c.logger.InfoContext(ctx, "websocket message failed", "error", err)

	obs := c.getObserverFromCtx(ctx)
	if obs == nil {
		return
	}
	obs.enqueue(&Output{
		Type:    "ERROR",
		Payload: errorResponse{Error: err.Error()},
	})
}
