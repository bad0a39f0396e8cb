package controller

import "context"

type contextKey int

const (
	scopeIdCtxKey contextKey = iota
	observerCtxKey
)

func (c controller) getScopeIdFromCtx(ctx context.Context) string {
	scopeId, ok := ctx.Value(scopeIdCtxKey).(string)
	if !ok {
		return ""
	}

	return scopeId
}

func (c controller) getObserverFromCtx(ctx context.Context) *observerConn {
	obs, ok := ctx.Value(observerCtxKey).(*observerConn)
	if !ok {
		return nil
	}

	return obs
}
