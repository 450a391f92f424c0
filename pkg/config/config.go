package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/maps"
	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/qcal/livelink/pkg/connection"
	"github.com/qcal/livelink/pkg/logging"
	"github.com/qcal/livelink/pkg/session"
	"github.com/qcal/livelink/pkg/topic"
)

const (
	// DefaultFile is read from the working directory when --config is not given.
	DefaultFile = "livelink.toml"
	// EnvPrefix prefixes every environment override. "__" separates
	// sections, e.g. LIVELINK_TRANSPORT__URL.
	EnvPrefix = "LIVELINK_"
)

// Transport kinds.
const (
	KindMQTT  = "mqtt"
	KindWS    = "ws"
	KindNATS  = "nats"
	KindRedis = "redis"
)

// Config holds all configuration for the application
type Config struct {
	Transport TransportConfig            `koanf:"transport"`
	Topics    []topic.Subscription       `koanf:"topics"`
	Reconnect connection.ReconnectConfig `koanf:"reconnect"`
	Session   SessionConfig              `koanf:"session"`
	Gateway   GatewayConfig              `koanf:"gateway"`
	API       APIConfig                  `koanf:"api"`
	History   HistoryConfig              `koanf:"history"`
	Log       LogConfig                  `koanf:"log"`

	// Path is the config file that was loaded, empty when none was found.
	Path string `koanf:"-"`
}

type TransportConfig struct {
	Kind           string        `koanf:"kind"`
	URL            string        `koanf:"url"`
	ClientID       string        `koanf:"client_id"`
	Username       string        `koanf:"username"`
	Password       string        `koanf:"password"`
	Token          string        `koanf:"token"`
	JWTSecret      string        `koanf:"jwt_secret"`
	AutoReconnect  bool          `koanf:"auto_reconnect"`
	CleanSession   bool          `koanf:"clean_session"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

type SessionConfig struct {
	session.Config `koanf:",squash"`
	// Scope is followed from startup; empty follows nothing.
	Scope string `koanf:"scope"`
}

type GatewayConfig struct {
	Addr string `koanf:"addr"`
	// JWTSecret, when set, is required from WebSocket bridge clients.
	JWTSecret string `koanf:"jwt_secret"`
}

type APIConfig struct {
	BaseURL    string        `koanf:"base_url"`
	Token      string        `koanf:"token"`
	StatusPath string        `koanf:"status_path"`
	Interval   time.Duration `koanf:"interval"`
	Timeout    time.Duration `koanf:"timeout"`
}

type HistoryConfig struct {
	Driver string `koanf:"driver"` // sqlite, postgres or empty to disable
	DSN    string `koanf:"dsn"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

const defaultHistoryDSN = "livelink.db"

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"transport":   "transport.kind",
	"url":         "transport.url",
	"client-id":   "transport.client_id",
	"scope":       "session.scope",
	"addr":        "gateway.addr",
	"api-url":     "api.base_url",
	"history-dsn": "history.dsn",
	"log-level":   "log.level",
	"log-format":  "log.format",
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"transport.kind":            KindMQTT,
		"transport.url":             "tcp://localhost:1883",
		"transport.auto_reconnect":  false,
		"transport.clean_session":   true,
		"transport.connect_timeout": "10s",
		"topics": []map[string]interface{}{
			{"topic": "job_status_update", "qos": 1},
			{"topic": "status_updates/#", "qos": 1},
		},
		"reconnect.enabled":     true,
		"reconnect.initial":     connection.DefaultBackoffInitial.String(),
		"reconnect.max":         connection.DefaultBackoffMax.String(),
		"reconnect.factor":      connection.DefaultBackoffFactor,
		"reconnect.jitter":      connection.DefaultJitterFraction,
		"reconnect.max_retries": 0,
		"session.marker":        topic.DefaultMarker,
		"session.template":      topic.DefaultTemplate,
		"session.qos":           1,
		"session.scope":         "",
		"gateway.addr":          ":8080",
		"gateway.jwt_secret":    "",
		"api.base_url":          "",
		"api.token":             "",
		"api.status_path":       "/api/jobs/{scope}/status",
		"api.interval":          "15s",
		"api.timeout":           "10s",
		"history.driver":        "",
		"history.dsn":           defaultHistoryDSN,
		"log.level":             "info",
		"log.format":            "compact",
	}
}

// Load loads configuration from defaults, config file, environment variables, and flags.
// Priority: Flags > Env > Config File > Defaults
//
// A .env file in the working directory is loaded into the process
// environment first; variables already set win over it.
func Load(f *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")

	// 1. Defaults
	if err := k.Load(makeMapProvider(defaults()), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// 2. Config File. An explicit --config must exist; the default file is optional.
	path, explicit := DefaultFile, false
	if f != nil {
		if fl := f.Lookup("config"); fl != nil && fl.Changed {
			path, explicit = fl.Value.String(), true
		}
	}
	loadedPath := ""
	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	} else {
		loadedPath = path
	}

	// 3. Environment Variables
	// Prefix: LIVELINK_ (e.g., LIVELINK_TRANSPORT__URL=ws://broker:9001)
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	// 4. Flags
	if f != nil {
		if err := k.Load(posflag.ProviderWithFlag(f, ".", k, flagKey(f)), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	// Unmarshal into struct
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Path = loadedPath

	// A DSN given without a driver selects the default backend.
	if cfg.History.Driver == "" && cfg.History.DSN != defaultHistoryDSN {
		cfg.History.Driver = "sqlite"
	}

	return &cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

// flagKey renames known flags to their config keys and skips the rest.
func flagKey(set *pflag.FlagSet) func(*pflag.Flag) (string, interface{}) {
	return func(fl *pflag.Flag) (string, interface{}) {
		key, ok := flagKeys[fl.Name]
		if !ok {
			return "", nil
		}
		return key, posflag.FlagVal(set, fl)
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport.Kind {
	case KindMQTT, KindWS, KindNATS, KindRedis:
	default:
		errs = append(errs, fmt.Errorf("transport.kind %q is not one of mqtt, ws, nats, redis", c.Transport.Kind))
	}
	if c.Transport.URL == "" {
		errs = append(errs, errors.New("transport.url is required"))
	}
	for i, sub := range c.Topics {
		if err := sub.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("topics[%d]: %w", i, err))
		}
	}
	if c.Session.QoS > 2 {
		errs = append(errs, fmt.Errorf("session.qos %d out of range 0..2", c.Session.QoS))
	}
	if !strings.Contains(c.Session.Template, "{scope}") {
		errs = append(errs, fmt.Errorf("session.template %q has no {scope} placeholder", c.Session.Template))
	}
	if c.API.BaseURL != "" && c.API.Interval <= 0 {
		errs = append(errs, errors.New("api.interval must be positive when api.base_url is set"))
	}
	switch c.History.Driver {
	case "", "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("history.driver %q is not one of sqlite, postgres", c.History.Driver))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "compact", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of compact, json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// Helper to use a flat, dot-delimited map as a provider
type mapProvider struct {
	m map[string]interface{}
}

func makeMapProvider(m map[string]interface{}) *mapProvider {
	return &mapProvider{m: maps.Unflatten(m, ".")}
}

func (p *mapProvider) Read() (map[string]interface{}, error) {
	return p.m, nil
}

func (p *mapProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}
