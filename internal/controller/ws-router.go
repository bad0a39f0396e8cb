package controller

import (
	"github.com/sharetube/teamsync/pkg/wsrouter"
)

func (c controller) getWSRouter() *wsrouter.WSRouter {
	mux := wsrouter.New()
	mux.Use(c.wsRequestIdMw(), c.loggerWSMw())
	mux.OnError(c.writeWSError)

	wsrouter.Handle(mux, "ALIVE", c.handleAlive)
	wsrouter.Handle(mux, "GET_STATE", c.handleGetState)

	// presence
	wsrouter.Handle(mux, "UPDATE_STATUS", c.handleUpdateStatus)

	// activity
	wsrouter.Handle(mux, "PUBLISH_EVENT", c.handlePublishEvent)

	// connection
	wsrouter.Handle(mux, "RETRY", c.handleRetry)

	return mux
}
