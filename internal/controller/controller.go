package controller

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/service/dispatcher"
	"github.com/sharetube/teamsync/pkg/validator"
	"github.com/sharetube/teamsync/pkg/wsrouter"
)

type iScopeService interface {
	Open(ctx context.Context, scopeID string, observers ...dispatcher.Observer) error
	Close(ctx context.Context, scopeID string) error
	Retry(scopeID string) error
	PublishGameEvent(ctx context.Context, scopeID, action, description string, data map[string]any) (domain.ActivityEvent, error)
	UpdateStatus(ctx context.Context, scopeID string, status *domain.Status, act *domain.Activity) error
	Subscribe(scopeID string, obs dispatcher.Observer) (*dispatcher.Subscription, error)
	Members(scopeID string) ([]domain.Member, error)
	Activity(scopeID string, n int) ([]domain.ActivityEvent, error)
	Status(scopeID string) (domain.ConnectionStatus, error)
	Scopes() []string
}

type iRelayHub interface {
	ServeScope(w http.ResponseWriter, r *http.Request, scopeID string)
}

type Config struct {
	// Secret enables bearer token auth when set.
	Secret            string
	ObserverSendQueue int
}

type controller struct {
	scopeService iScopeService
	relayHub     iRelayHub
	upgrader     websocket.Upgrader
	validate     *validator.Validator
	wsmux        *wsrouter.WSRouter
	cfg          Config
	logger       *slog.Logger
}

// NewController wires the HTTP surface. relayHub may be nil, in which case
// the relay endpoint is not mounted.
func NewController(scopeService iScopeService, relayHub iRelayHub, cfg Config, logger *slog.Logger) *controller {
	if cfg.ObserverSendQueue <= 0 {
		cfg.ObserverSendQueue = 64
	}

	c := &controller{
		scopeService: scopeService,
		relayHub:     relayHub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		validate: validator.NewValidator(),
		cfg:      cfg,
		logger:   logger,
	}
	c.wsmux = c.getWSRouter()

	return c
}
