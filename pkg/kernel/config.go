// Package kernel assembles one switchboard node: config, registry, router,
// reactor, and the container engine that starts declared services, mirroring
// how pkg/atlas wires together Atlas's HTTP server out of its config.
package kernel

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config contains the configuration for a kernel node. The env struct tag
// contains the environment variable name and the default value if missing,
// or empty (if not ?=). All string/int list fields are comma-separated.
type Config struct {
	// This node's name, used as the origin node in identities and as the
	// __local__ alias's real value.
	Node string `env:"KERNEL_NODE=default"`

	// The container naming prefix passed to the container engine (spec §6
	// "CE_PROJECT_NAME", renamed to this config's own KERNEL_ prefix).
	Project string `env:"KERNEL_PROJECT=craftengine"`

	// The address to listen on for all incoming connections (REG/SERVICE/
	// NODE sockets alike; role is determined by the first frame).
	Addr string `env:"KERNEL_ADDR=:7337"`

	// The address to dial to reach each configured peer node, as
	// name=host:port pairs (comma-separated).
	Peers []string `env:"KERNEL_PEERS"`

	// The shared token each peer node must present in connect_node.
	PeerToken string `env:"KERNEL_PEER_TOKEN"`

	// Declared services, as name=scale pairs (comma-separated). Scale is the
	// number of instances the service is allowed to register.
	Services []string `env:"KERNEL_SERVICES"`

	// The shared token services must present in connect, as name=token
	// pairs (comma-separated). A service without an entry here gets a
	// random token logged once at startup.
	ServiceTokens []string `env:"KERNEL_SERVICE_TOKENS"`

	// Number of worker-pool goroutines handling non-proxy frames.
	WorkerPoolSize int `env:"KERNEL_WORKER_POOL_SIZE=8"`

	// Redis connection settings backing the registry.
	RedisAddr     string `env:"KERNEL_REDIS_ADDR=127.0.0.1:6379"`
	RedisDB       int    `env:"KERNEL_REDIS_DB=0"`
	RedisPassword string `env:"KERNEL_REDIS_PASSWORD"`

	// Registry key scope prefix (spec §6 "scope").
	RegistryScope string `env:"KERNEL_REGISTRY_SCOPE"`

	// Path to a SQLite database for the registry audit log. When set, New
	// opens the database and migrates its schema; nothing in the kernel
	// writes audit rows to it. Empty skips opening it.
	AuditDB string `env:"KERNEL_AUDIT_DB"`

	// The address to serve /metrics and /healthz on. Empty disables it.
	MetricsAddr string `env:"KERNEL_METRICS_ADDR=:9337"`

	// The minimum log level (e.g., trace, debug, info, warn, error, fatal).
	LogLevel zerolog.Level `env:"KERNEL_LOG_LEVEL=info"`

	// Whether to use pretty (as opposed to JSON) logs on stdout.
	LogStdoutPretty bool `env:"KERNEL_LOG_STDOUT_PRETTY=true"`

	// How long to wait for in-flight frames to drain on shutdown.
	ShutdownTimeout time.Duration `env:"KERNEL_SHUTDOWN_TIMEOUT=10s"`
}

// UnmarshalEnv populates c from environment-style KEY=VALUE pairs, following
// the env struct tags above. If incremental, fields whose key is absent from
// es keep their current value instead of resetting to the tag default.
func (c *Config) UnmarshalEnv(es []string, incremental bool) error {
	em := map[string]string{}
	for _, e := range es {
		if strings.HasPrefix(e, "KERNEL_") {
			if k, v, ok := strings.Cut(e, "="); ok {
				em[k] = v
			}
		}
	}

	cv := reflect.ValueOf(c).Elem()
	for _, ctf := range reflect.VisibleFields(cv.Type()) {
		env, ok := ctf.Tag.Lookup("env")
		if !ok {
			continue
		}

		var unsettable bool
		key, val, _ := strings.Cut(env, "=")
		if strings.HasSuffix(key, "?") {
			key = strings.TrimSuffix(key, "?")
			unsettable = true
		}
		if v, exists := em[key]; exists {
			if unsettable || v != "" {
				val = v
			}
			delete(em, key)
		} else if incremental {
			continue
		}

		switch cvf := cv.FieldByName(ctf.Name); cvf.Interface().(type) {
		case string:
			cvf.SetString(val)
		case int, int8, int16, int32, int64:
			if val == "" {
				cvf.SetInt(0)
			} else if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				cvf.SetInt(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case bool:
			if val == "" {
				cvf.SetBool(false)
			} else if v, err := strconv.ParseBool(val); err == nil {
				cvf.SetBool(v)
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case []string:
			if val == "" {
				cvf.Set(reflect.ValueOf([]string{}))
			} else {
				cvf.Set(reflect.ValueOf(strings.Split(val, ",")))
			}
		case zerolog.Level:
			if v, err := zerolog.ParseLevel(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		case time.Duration:
			if v, err := time.ParseDuration(val); err == nil {
				cvf.Set(reflect.ValueOf(v))
			} else {
				return fmt.Errorf("env %s (%T): parse %q: %w", key, cvf.Interface(), val, err)
			}
		default:
			return fmt.Errorf("unhandled type %T (%s)", cvf.Interface(), env)
		}
	}
	for key, val := range em {
		if val != "" {
			return fmt.Errorf("unknown environment variable %q", key)
		}
	}
	return nil
}

// ParsedPeers splits the KERNEL_PEERS name=host:port pairs.
func (c *Config) ParsedPeers() (map[string]string, error) {
	out := make(map[string]string, len(c.Peers))
	for _, p := range c.Peers {
		if p == "" {
			continue
		}
		name, addr, ok := strings.Cut(p, "=")
		if !ok {
			return nil, fmt.Errorf("invalid KERNEL_PEERS entry %q, expected name=host:port", p)
		}
		out[name] = addr
	}
	return out, nil
}

// ParsedServices splits the KERNEL_SERVICES name=scale pairs.
func (c *Config) ParsedServices() (map[string]int64, error) {
	out := make(map[string]int64, len(c.Services))
	for _, s := range c.Services {
		if s == "" {
			continue
		}
		name, scaleStr, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("invalid KERNEL_SERVICES entry %q, expected name=scale", s)
		}
		scale, err := strconv.ParseInt(scaleStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid KERNEL_SERVICES entry %q: %w", s, err)
		}
		out[name] = scale
	}
	return out, nil
}

// ParsedServiceTokens splits the KERNEL_SERVICE_TOKENS name=token pairs.
func (c *Config) ParsedServiceTokens() (map[string]string, error) {
	out := make(map[string]string, len(c.ServiceTokens))
	for _, s := range c.ServiceTokens {
		if s == "" {
			continue
		}
		name, token, ok := strings.Cut(s, "=")
		if !ok {
			return nil, fmt.Errorf("invalid KERNEL_SERVICE_TOKENS entry %q, expected name=token", s)
		}
		out[name] = token
	}
	return out, nil
}
