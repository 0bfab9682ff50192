// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads and validates the muster daemon configuration
// from HCL.
package config

import (
	"time"

	"grimm.is/muster/internal/errors"
	"grimm.is/muster/internal/logging"
)

// Config is the root of the daemon configuration.
type Config struct {
	Server    ServerConfig     `hcl:"server,block"`
	Listeners []ListenerConfig `hcl:"listener,block"`
}

// A config file must carry exactly one server block; listener blocks
// are repeatable and may be absent (listeners can also be created over
// the management API).

// ServerConfig tunes the coordinator, supervisors, and management API.
type ServerConfig struct {
	LogLevel  string `hcl:"log_level,optional"`
	LogFormat string `hcl:"log_format,optional"`

	APIListen string `hcl:"api_listen,optional"`

	// Supervisor polling periods, seconds.
	HeartbeatPollSeconds int `hcl:"heartbeat_poll_seconds,optional"`
	TaskPollSeconds      int `hcl:"task_poll_seconds,optional"`

	// Heartbeat window defaults applied to new sessions.
	HeartbeatIntervalSeconds int `hcl:"heartbeat_interval_seconds,optional"`
	HeartbeatJitterSeconds   int `hcl:"heartbeat_jitter_seconds,optional"`

	// Probe idle sessions with an ICMP echo in addition to the
	// transport-level heartbeat frame.
	ProbeIdleSessions bool `hcl:"probe_idle_sessions,optional"`

	Syslog *logging.SyslogConfig `hcl:"syslog,block"`
}

// ListenerConfig describes one transport listener instance.
type ListenerConfig struct {
	Type string `hcl:"type,label"`
	Name string `hcl:"name,label"`

	Bind      string `hcl:"bind,optional"`
	Port      uint16 `hcl:"port,optional"`
	TimeoutMS int    `hcl:"timeout_ms,optional"`

	// Transport-specific fields.
	Path   string `hcl:"path,optional"`   // websocket endpoint path
	Domain string `hcl:"domain,optional"` // dns served domain
	Device string `hcl:"device,optional"` // icmp capture device

	// Cipher tag applied to sessions on this listener until the client
	// negotiates otherwise. 0 means cleartext.
	Cipher uint8 `hcl:"cipher,optional"`
}

// Timeout returns the configured receive timeout bound.
func (lc *ListenerConfig) Timeout() time.Duration {
	if lc.TimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(lc.TimeoutMS) * time.Millisecond
}

// Default returns the built-in configuration: a TCP listener on the
// standard port and the management API on localhost.
func Default() *Config {
	cfg := &Config{
		Server: ServerConfig{
			LogLevel:  "info",
			APIListen: "127.0.0.1:8180",
		},
		Listeners: []ListenerConfig{
			{Type: "tcp", Name: "tcp-main", Bind: "0.0.0.0", Port: 7443},
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.APIListen == "" {
		c.Server.APIListen = "127.0.0.1:8180"
	}
	if c.Server.HeartbeatPollSeconds <= 0 {
		c.Server.HeartbeatPollSeconds = 5
	}
	if c.Server.TaskPollSeconds <= 0 {
		c.Server.TaskPollSeconds = 5
	}
	if c.Server.HeartbeatIntervalSeconds <= 0 {
		c.Server.HeartbeatIntervalSeconds = 30
	}
	if c.Server.HeartbeatJitterSeconds <= 0 {
		c.Server.HeartbeatJitterSeconds = 10
	}
}

// HeartbeatPoll returns the session supervisor polling period.
func (c *Config) HeartbeatPoll() time.Duration {
	return time.Duration(c.Server.HeartbeatPollSeconds) * time.Second
}

// TaskPoll returns the task supervisor polling period.
func (c *Config) TaskPoll() time.Duration {
	return time.Duration(c.Server.TaskPollSeconds) * time.Second
}

// Validate checks the configuration after defaulting. Listener blocks
// are checked per transport: socket transports need a port, dns needs a
// domain, icmp needs a capture device.
func (c *Config) Validate() error {
	c.applyDefaults()

	seen := make(map[string]bool, len(c.Listeners))
	for i := range c.Listeners {
		lc := &c.Listeners[i]
		if lc.Name == "" {
			return errors.Errorf(errors.KindValidation, "listener %d: name is required", i)
		}
		if seen[lc.Name] {
			return errors.Errorf(errors.KindValidation, "duplicate listener name %q", lc.Name)
		}
		seen[lc.Name] = true

		switch lc.Type {
		case "tcp", "udp", "websocket":
			if lc.Port == 0 {
				return errors.Errorf(errors.KindValidation, "listener %q: port is required for %s", lc.Name, lc.Type)
			}
			if lc.Bind == "" {
				lc.Bind = "0.0.0.0"
			}
			if lc.Type == "websocket" && lc.Path == "" {
				lc.Path = "/ws"
			}
		case "dns":
			if lc.Domain == "" {
				return errors.Errorf(errors.KindValidation, "listener %q: domain is required for dns", lc.Name)
			}
			if lc.Port == 0 {
				lc.Port = 53
			}
			if lc.Bind == "" {
				lc.Bind = "0.0.0.0"
			}
		case "icmp":
			if lc.Device == "" {
				return errors.Errorf(errors.KindValidation, "listener %q: device is required for icmp", lc.Name)
			}
		default:
			return errors.Errorf(errors.KindValidation, "listener %q: unknown type %q", lc.Name, lc.Type)
		}
	}
	return nil
}
