package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEnvKeys(t *testing.T) {
	assert.Equal(t, "TEAMSYNC_HEARTBEAT_INTERVAL", heartbeatInterval.envKey)
	assert.Equal(t, "TEAMSYNC_PORT", port.envKey)
	assert.Equal(t, "relay-bridge", relayBridge.flagKey)
}

func TestPresenceDefaults(t *testing.T) {
	assert.Equal(t, 60*time.Second, staleThreshold.defaultValue)
	assert.Greater(t, staleThreshold.defaultValue, sweepInterval.defaultValue)
}
