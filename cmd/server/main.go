package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/sharetube/teamsync/internal/app"
)

const envPrefix = "TEAMSYNC_"

type configVar[T any] struct {
	envKey       string
	flagKey      string
	defaultValue T
	usage        string
}

func newVar[T any](flagKey string, defaultValue T, usage string) configVar[T] {
	return configVar[T]{
		envKey:       envPrefix + envName(flagKey),
		flagKey:      flagKey,
		defaultValue: defaultValue,
		usage:        usage,
	}
}

func envName(flagKey string) string {
	return strings.ToUpper(strings.ReplaceAll(flagKey, "-", "_"))
}

var (
	secret            = newVar("secret", "", "Shared secret for bearer tokens")
	host              = newVar("host", "0.0.0.0", "Server host")
	port              = newVar("port", 8080, "Server port")
	logLevel          = newVar("log-level", "INFO", "Logging level")
	userID            = newVar("user-id", "", "Acting user id")
	displayName       = newVar("display-name", "", "Acting user display name")
	identityToken     = newVar("identity-token", "", "Signed identity token, overrides user-id")
	role              = newVar("role", "member", "Acting user role (captain|member)")
	transportKind     = newVar("transport", "websocket", "Transport (websocket|nats|redis)")
	relayURL          = newVar("relay-url", "ws://localhost:8080", "Relay base url for the websocket transport")
	natsURL           = newVar("nats-url", "nats://localhost:4222", "NATS url")
	redisHost         = newVar("redis-host", "localhost", "Redis host")
	redisPort         = newVar("redis-port", 6379, "Redis port")
	redisPassword     = newVar("redis-password", "", "Redis password")
	relay             = newVar("relay", true, "Serve the relay endpoint")
	relayBridge       = newVar("relay-bridge", false, "Share relayed scopes with other nodes over Redis")
	scopes            = newVar("scopes", []string{}, "Scopes to open on start")
	activityCapacity  = newVar("activity-capacity", 50, "Activity events kept per scope")
	heartbeatInterval = newVar("heartbeat-interval", 5*time.Second, "Heartbeat interval")
	heartbeatTimeout  = newVar("heartbeat-timeout", 15*time.Second, "Silence after which a connection is considered lost")
	connectTimeout    = newVar("connect-timeout", 10*time.Second, "Connect attempt timeout")
	reconnectCeiling  = newVar("reconnect-ceiling", 10, "Failed reconnects before giving up")
	backoffBase       = newVar("backoff-base", time.Second, "First reconnect delay")
	backoffMax        = newVar("backoff-max", 30*time.Second, "Reconnect delay cap")
	staleThreshold    = newVar("stale-threshold", 60*time.Second, "Silence after which a member is marked offline")
	sweepInterval     = newVar("sweep-interval", 10*time.Second, "Stale sweep and presence refresh interval")
)

func bind[T any](v configVar[T]) {
	viper.BindEnv(v.flagKey, v.envKey)
	viper.SetDefault(v.flagKey, v.defaultValue)
}

func loadAppConfig() *app.AppConfig {
	pflag.String(secret.flagKey, secret.defaultValue, secret.usage)
	pflag.String(host.flagKey, host.defaultValue, host.usage)
	pflag.Int(port.flagKey, port.defaultValue, port.usage)
	pflag.String(logLevel.flagKey, logLevel.defaultValue, logLevel.usage)
	pflag.String(userID.flagKey, userID.defaultValue, userID.usage)
	pflag.String(displayName.flagKey, displayName.defaultValue, displayName.usage)
	pflag.String(identityToken.flagKey, identityToken.defaultValue, identityToken.usage)
	pflag.String(role.flagKey, role.defaultValue, role.usage)
	pflag.String(transportKind.flagKey, transportKind.defaultValue, transportKind.usage)
	pflag.String(relayURL.flagKey, relayURL.defaultValue, relayURL.usage)
	pflag.String(natsURL.flagKey, natsURL.defaultValue, natsURL.usage)
	pflag.String(redisHost.flagKey, redisHost.defaultValue, redisHost.usage)
	pflag.Int(redisPort.flagKey, redisPort.defaultValue, redisPort.usage)
	pflag.String(redisPassword.flagKey, redisPassword.defaultValue, redisPassword.usage)
	pflag.Bool(relay.flagKey, relay.defaultValue, relay.usage)
	pflag.Bool(relayBridge.flagKey, relayBridge.defaultValue, relayBridge.usage)
	pflag.StringSlice(scopes.flagKey, scopes.defaultValue, scopes.usage)
	pflag.Int(activityCapacity.flagKey, activityCapacity.defaultValue, activityCapacity.usage)
	pflag.Duration(heartbeatInterval.flagKey, heartbeatInterval.defaultValue, heartbeatInterval.usage)
	pflag.Duration(heartbeatTimeout.flagKey, heartbeatTimeout.defaultValue, heartbeatTimeout.usage)
	pflag.Duration(connectTimeout.flagKey, connectTimeout.defaultValue, connectTimeout.usage)
	pflag.Int(reconnectCeiling.flagKey, reconnectCeiling.defaultValue, reconnectCeiling.usage)
	pflag.Duration(backoffBase.flagKey, backoffBase.defaultValue, backoffBase.usage)
	pflag.Duration(backoffMax.flagKey, backoffMax.defaultValue, backoffMax.usage)
	pflag.Duration(staleThreshold.flagKey, staleThreshold.defaultValue, staleThreshold.usage)
	pflag.Duration(sweepInterval.flagKey, sweepInterval.defaultValue, sweepInterval.usage)
	pflag.Parse()

	viper.BindPFlags(pflag.CommandLine)

	bind(secret)
	bind(host)
	bind(port)
	bind(logLevel)
	bind(userID)
	bind(displayName)
	bind(identityToken)
	bind(role)
	bind(transportKind)
	bind(relayURL)
	bind(natsURL)
	bind(redisHost)
	bind(redisPort)
	bind(redisPassword)
	bind(relay)
	bind(relayBridge)
	bind(scopes)
	bind(activityCapacity)
	bind(heartbeatInterval)
	bind(heartbeatTimeout)
	bind(connectTimeout)
	bind(reconnectCeiling)
	bind(backoffBase)
	bind(backoffMax)
	bind(staleThreshold)
	bind(sweepInterval)

	return &app.AppConfig{
		Secret:            viper.GetString(secret.flagKey),
		Host:              viper.GetString(host.flagKey),
		Port:              viper.GetInt(port.flagKey),
		LogLevel:          viper.GetString(logLevel.flagKey),
		UserID:            viper.GetString(userID.flagKey),
		DisplayName:       viper.GetString(displayName.flagKey),
		IdentityToken:     viper.GetString(identityToken.flagKey),
		Role:              viper.GetString(role.flagKey),
		Transport:         viper.GetString(transportKind.flagKey),
		RelayURL:          viper.GetString(relayURL.flagKey),
		NATSURL:           viper.GetString(natsURL.flagKey),
		RedisHost:         viper.GetString(redisHost.flagKey),
		RedisPort:         viper.GetInt(redisPort.flagKey),
		RedisPassword:     viper.GetString(redisPassword.flagKey),
		Relay:             viper.GetBool(relay.flagKey),
		RelayBridge:       viper.GetBool(relayBridge.flagKey),
		Scopes:            viper.GetStringSlice(scopes.flagKey),
		ActivityCapacity:  viper.GetInt(activityCapacity.flagKey),
		HeartbeatInterval: viper.GetDuration(heartbeatInterval.flagKey),
		HeartbeatTimeout:  viper.GetDuration(heartbeatTimeout.flagKey),
		ConnectTimeout:    viper.GetDuration(connectTimeout.flagKey),
		ReconnectCeiling:  viper.GetInt(reconnectCeiling.flagKey),
		BackoffBase:       viper.GetDuration(backoffBase.flagKey),
		BackoffMax:        viper.GetDuration(backoffMax.flagKey),
		StaleThreshold:    viper.GetDuration(staleThreshold.flagKey),
		SweepInterval:     viper.GetDuration(sweepInterval.flagKey),
	}
}

func main() {
	ctx := context.Background()

	appConfig := loadAppConfig()

	jsonConfig, _ := json.MarshalIndent(appConfig, "", "  ")
	fmt.Printf("starting app with config: %s\n", jsonConfig)

	log.Fatal(app.Run(ctx, appConfig))
}
