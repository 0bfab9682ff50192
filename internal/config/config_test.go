// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/muster/internal/errors"
)

const sampleHCL = `
server {
  log_level              = "debug"
  api_listen             = "127.0.0.1:9090"
  heartbeat_poll_seconds = 2
}

listener "tcp" "tcp-main" {
  bind = "0.0.0.0"
  port = 7443
}

listener "websocket" "ws-fallback" {
  port = 8443
  path = "/updates"
}

listener "dns" "dns-covert" {
  domain = "tunnel.example.org"
}
`

func TestParse(t *testing.T) {
	cfg, err := Parse("muster.hcl", []byte(sampleHCL))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "127.0.0.1:9090", cfg.Server.APIListen)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatPoll())
	// Defaulted values
	assert.Equal(t, 5*time.Second, cfg.TaskPoll())
	assert.Equal(t, 30, cfg.Server.HeartbeatIntervalSeconds)

	require.Len(t, cfg.Listeners, 3)
	assert.Equal(t, "tcp", cfg.Listeners[0].Type)
	assert.Equal(t, uint16(7443), cfg.Listeners[0].Port)
	assert.Equal(t, "/updates", cfg.Listeners[1].Path)
	// DNS port defaults
	assert.Equal(t, uint16(53), cfg.Listeners[2].Port)
}

func TestValidateRejectsBadListeners(t *testing.T) {
	tests := []struct {
		name string
		lc   ListenerConfig
	}{
		{"tcp without port", ListenerConfig{Type: "tcp", Name: "a"}},
		{"udp without port", ListenerConfig{Type: "udp", Name: "b"}},
		{"dns without domain", ListenerConfig{Type: "dns", Name: "c", Port: 53}},
		{"icmp without device", ListenerConfig{Type: "icmp", Name: "d"}},
		{"unknown type", ListenerConfig{Type: "smoke-signal", Name: "e"}},
		{"missing name", ListenerConfig{Type: "tcp", Port: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Listeners: []ListenerConfig{tt.lc}}
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, errors.KindValidation, errors.GetKind(err))
		})
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	cfg := &Config{Listeners: []ListenerConfig{
		{Type: "tcp", Name: "main", Port: 1},
		{Type: "udp", Name: "main", Port: 2},
	}}
	require.Error(t, cfg.Validate())
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Len(t, cfg.Listeners, 1)
	assert.Equal(t, "tcp", cfg.Listeners[0].Type)
}

func TestListenerTimeout(t *testing.T) {
	lc := ListenerConfig{TimeoutMS: 250}
	assert.Equal(t, 250*time.Millisecond, lc.Timeout())
	lc.TimeoutMS = 0
	assert.Equal(t, 5*time.Second, lc.Timeout())
}
