package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sharetube/teamsync/internal/controller"
	"github.com/sharetube/teamsync/internal/domain"
	"github.com/sharetube/teamsync/internal/identity"
	"github.com/sharetube/teamsync/internal/relay"
	"github.com/sharetube/teamsync/internal/service/connection"
	"github.com/sharetube/teamsync/internal/service/scope"
	"github.com/sharetube/teamsync/internal/transport"
	natstransport "github.com/sharetube/teamsync/internal/transport/nats"
	redistransport "github.com/sharetube/teamsync/internal/transport/redis"
	wstransport "github.com/sharetube/teamsync/internal/transport/websocket"
	"github.com/sharetube/teamsync/pkg/ctxlogger"
	"github.com/sharetube/teamsync/pkg/redisclient"
	"github.com/sharetube/teamsync/pkg/validator"
)

type AppConfig struct {
	Secret            string        `json:"-"`
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	LogLevel          string        `json:"log_level"`
	UserID            string        `json:"user_id"`
	DisplayName       string        `json:"display_name"`
	IdentityToken     string        `json:"-"`
	Role              string        `json:"role"`
	Transport         string        `json:"transport"`
	RelayURL          string        `json:"relay_url"`
	NATSURL           string        `json:"nats_url"`
	RedisHost         string        `json:"redis_host"`
	RedisPort         int           `json:"redis_port"`
	RedisPassword     string        `json:"-"`
	Relay             bool          `json:"relay"`
	RelayBridge       bool          `json:"relay_bridge"`
	Scopes            []string      `json:"scopes"`
	ActivityCapacity  int           `json:"activity_capacity"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `json:"heartbeat_timeout"`
	ConnectTimeout    time.Duration `json:"connect_timeout"`
	ReconnectCeiling  int           `json:"reconnect_ceiling"`
	BackoffBase       time.Duration `json:"backoff_base"`
	BackoffMax        time.Duration `json:"backoff_max"`
	StaleThreshold    time.Duration `json:"stale_threshold"`
	SweepInterval     time.Duration `json:"sweep_interval"`
}

func (cfg *AppConfig) Validate() error {
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if cfg.ActivityCapacity < 1 {
		return fmt.Errorf("activity capacity must be greater than 0")
	}
	if cfg.StaleThreshold <= 0 {
		return fmt.Errorf("stale threshold must be positive")
	}
	// own presence is refreshed once per sweep
	if cfg.StaleThreshold <= cfg.SweepInterval {
		return fmt.Errorf("stale threshold must be greater than sweep interval")
	}
	if cfg.IdentityToken == "" && cfg.UserID == "" {
		return fmt.Errorf("either user id or identity token must be set")
	}
	if cfg.IdentityToken != "" && cfg.Secret == "" {
		return fmt.Errorf("identity token requires a secret")
	}
	if cfg.Role != "" && !domain.Role(cfg.Role).Valid() {
		return fmt.Errorf("%w: %q", domain.ErrInvalidRole, cfg.Role)
	}

	switch cfg.Transport {
	case transport.KindWebsocket:
		if cfg.RelayURL == "" {
			return fmt.Errorf("relay url must be set for the websocket transport")
		}
	case transport.KindNATS:
		if cfg.NATSURL == "" {
			return fmt.Errorf("nats url must be set for the nats transport")
		}
	case transport.KindRedis:
	default:
		return fmt.Errorf("%w: %q", transport.ErrInvalidKind, cfg.Transport)
	}
	if cfg.RelayBridge && !cfg.Relay {
		return fmt.Errorf("relay bridge requires the relay to be enabled")
	}

	return cfg.connectionConfig().Validate()
}

func (cfg *AppConfig) connectionConfig() connection.Config {
	return connection.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
		TickInterval:      cfg.SweepInterval,
		ReconnectCeiling:  cfg.ReconnectCeiling,
		BackoffBase:       cfg.BackoffBase,
		BackoffMax:        cfg.BackoffMax,
	}
}

func (cfg *AppConfig) needsRedis() bool {
	return cfg.Transport == transport.KindRedis || cfg.RelayBridge
}

func NewLogger(level string, w io.Writer) (*slog.Logger, error) {
	logLevel := slog.LevelInfo
	if err := logLevel.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	h := ctxlogger.ContextHandler{
		Handler: slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     logLevel,
			AddSource: true,
		}),
	}

	return slog.New(&h), nil
}

type App struct {
	cfg     *AppConfig
	logger  *slog.Logger
	handler http.Handler
	scopes  *scope.Manager
	hub     *relay.Hub
	bridge  *relay.Bridge
	rc      *redis.Client
}

func New(ctx context.Context, cfg *AppConfig, logger *slog.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}

	if cfg.needsRedis() {
		rc, err := redisclient.NewRedisClient(ctx, &redisclient.Config{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis client: %w", err)
		}
		a.rc = rc
	}

	id, token, err := a.identity()
	if err != nil {
		a.close()
		return nil, err
	}

	t, err := a.transport(token)
	if err != nil {
		a.close()
		return nil, err
	}

	a.scopes = scope.NewManager(id, t, scope.Config{
		Connection:       cfg.connectionConfig(),
		StaleThreshold:   cfg.StaleThreshold,
		ActivityCapacity: cfg.ActivityCapacity,
		Role:             domain.Role(cfg.Role),
	}, validator.NewValidator(), logger)

	var hub *relay.Hub
	if cfg.Relay {
		hub = relay.NewHub(relay.DefaultConfig(), logger)
		if cfg.RelayBridge {
			a.bridge = relay.NewBridge(a.rc, logger)
			if err := a.bridge.Start(ctx, hub); err != nil {
				a.close()
				return nil, fmt.Errorf("failed to start relay bridge: %w", err)
			}
			hub.SetBridge(a.bridge)
		}
		a.hub = hub
	}

	ctrlCfg := controller.Config{Secret: cfg.Secret}
	// a nil *relay.Hub must not reach the controller as a non-nil interface
	if hub != nil {
		a.handler = controller.NewController(a.scopes, hub, ctrlCfg, logger).GetMux()
	} else {
		a.handler = controller.NewController(a.scopes, nil, ctrlCfg, logger).GetMux()
	}

	return a, nil
}

// identity resolves the acting user and the token presented to the relay.
func (a *App) identity() (*identity.Static, string, error) {
	if a.cfg.IdentityToken != "" {
		id, err := identity.FromToken(a.cfg.IdentityToken, a.cfg.Secret)
		if err != nil {
			return nil, "", fmt.Errorf("failed to load identity token: %w", err)
		}
		return id, a.cfg.IdentityToken, nil
	}

	id, err := identity.NewStatic(a.cfg.UserID, a.cfg.DisplayName)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create identity: %w", err)
	}
	if a.cfg.Secret == "" {
		return id, "", nil
	}

	current, _ := id.Identity(context.Background())
	token, err := identity.IssueToken(current, a.cfg.Secret, 0)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue relay token: %w", err)
	}
	return id, token, nil
}

func (a *App) transport(token string) (transport.Transport, error) {
	switch a.cfg.Transport {
	case transport.KindWebsocket:
		return wstransport.New(wstransport.Config{RelayURL: a.cfg.RelayURL, Token: token, Logger: a.logger})
	case transport.KindNATS:
		return natstransport.New(natstransport.Config{URL: a.cfg.NATSURL, Timeout: a.cfg.ConnectTimeout, Logger: a.logger})
	case transport.KindRedis:
		return redistransport.New(a.rc, a.logger), nil
	}
	return nil, fmt.Errorf("%w: %q", transport.ErrInvalidKind, a.cfg.Transport)
}

func (a *App) Handler() http.Handler {
	return a.handler
}

// Start opens the configured scopes.
func (a *App) Start(ctx context.Context) error {
	var errs []error
	for _, id := range a.cfg.Scopes {
		if err := a.scopes.Open(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("failed to open scope %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown closes every scope while the relay can still carry farewells,
// then the relay and the connections it depends on.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.scopes.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to close scopes: %w", err))
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to close relay: %w", err))
		}
	}
	if err := a.close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) close() error {
	var errs []error
	if a.bridge != nil {
		if err := a.bridge.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close relay bridge: %w", err))
		}
	}
	if a.rc != nil {
		if err := a.rc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close redis client: %w", err))
		}
	}
	return errors.Join(errs...)
}

func Run(ctx context.Context, cfg *AppConfig) error {
	logger, err := NewLogger(cfg.LogLevel, os.Stdout)
	if err != nil {
		return err
	}

	a, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	server := &http.Server{Addr: fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), Handler: a.Handler()}

	// graceful shutdown
	serverCtx, serverStopCtx := context.WithCancel(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		<-sig

		shutdownCtx, c := context.WithTimeout(serverCtx, 30*time.Second)
		defer c()

		go func() {
			<-shutdownCtx.Done()
			if shutdownCtx.Err() == context.DeadlineExceeded {
				log.Fatal("graceful shutdown timed out.. forcing exit.")
			}
		}()

		if err := a.Shutdown(shutdownCtx); err != nil {
			logger.ErrorContext(shutdownCtx, "failed to shut down app", "error", err)
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Fatal(err)
		}
		serverStopCtx()
	}()

	go func() {
		// scopes dialing the relay of this process retry until the listener is up
		if err := a.Start(serverCtx); err != nil {
			logger.ErrorContext(serverCtx, "failed to open scopes", "error", err)
		}
	}()

	logger.InfoContext(serverCtx, "starting server", "address", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}

	<-serverCtx.Done()

	return nil
}
