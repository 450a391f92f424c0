package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/qcal/livelink/pkg/topic"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	f := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.String("config", "", "")
	f.String("url", "", "")
	f.String("scope", "", "")
	f.String("log-level", "", "")
	f.String("history-dsn", "", "")
	f.Bool("unrelated", false, "")
	if err := f.Parse(args); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return f
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transport.Kind != KindMQTT {
		t.Errorf("Transport.Kind = %q, want %q", cfg.Transport.Kind, KindMQTT)
	}
	if cfg.Reconnect.Initial != time.Second || cfg.Reconnect.Max != time.Minute {
		t.Errorf("Reconnect = %+v, want 1s..1m", cfg.Reconnect)
	}
	if !cfg.Reconnect.Enabled {
		t.Error("Reconnect.Enabled = false, want true")
	}
	want := []topic.Subscription{{Topic: "job_status_update", QoS: 1}, {Topic: "status_updates/#", QoS: 1}}
	if len(cfg.Topics) != 2 || cfg.Topics[0] != want[0] || cfg.Topics[1] != want[1] {
		t.Errorf("Topics = %v, want %v", cfg.Topics, want)
	}
	if cfg.Session.Marker != topic.DefaultMarker || cfg.Session.Template != topic.DefaultTemplate {
		t.Errorf("Session = %+v", cfg.Session)
	}
	if cfg.API.Interval != 15*time.Second {
		t.Errorf("API.Interval = %v, want 15s", cfg.API.Interval)
	}
	if cfg.Path != "" {
		t.Errorf("Path = %q, want empty without a config file", cfg.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestLoadPriority(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	toml := `
[transport]
kind = "ws"
url = "ws://file:9001"

[session]
scope = "proj/j1/run"

[log]
level = "debug"

[[topics]]
topic = "job_status_update"
qos = 2
`
	if err := os.WriteFile(filepath.Join(dir, DefaultFile), []byte(toml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("LIVELINK_TRANSPORT__URL", "ws://env:9001")
	t.Setenv("LIVELINK_RECONNECT__MAX_RETRIES", "5")
	t.Setenv("LIVELINK_SESSION__SCOPE", "proj/j2/run")

	cfg, err := Load(newFlags(t, "--scope", "proj/j3/run", "--unrelated"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"file beats default", cfg.Transport.Kind, KindWS},
		{"env beats file", cfg.Transport.URL, "ws://env:9001"},
		{"flag beats env", cfg.Session.Scope, "proj/j3/run"},
		{"env number", cfg.Reconnect.MaxRetries, 5},
		{"file level", cfg.Log.Level, "debug"},
		{"unset flag keeps lower layer", cfg.Log.Format, "compact"},
		{"file topics replace defaults", len(cfg.Topics), 1},
		{"file path recorded", cfg.Path, DefaultFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %v, want %v", tt.got, tt.want)
			}
		})
	}
}

func TestLoadHistoryDSNImpliesSQLite(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(newFlags(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.History.Driver != "" {
		t.Errorf("default history driver = %q, want disabled", cfg.History.Driver)
	}

	cfg, err = Load(newFlags(t, "--history-dsn", "jobs.db"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.History.Driver != "sqlite" || cfg.History.DSN != "jobs.db" {
		t.Errorf("history = %+v, want sqlite on jobs.db", cfg.History)
	}

	t.Setenv("LIVELINK_HISTORY__DRIVER", "postgres")
	cfg, err = Load(newFlags(t, "--history-dsn", "postgres://db/livelink"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.History.Driver != "postgres" {
		t.Errorf("explicit driver overridden: %q", cfg.History.Driver)
	}
}

func TestLoadExplicitConfigMustExist(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(newFlags(t, "--config", "missing.toml"))
	if err == nil {
		t.Fatal("Load() with missing --config file succeeded")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("LIVELINK_GATEWAY__ADDR=:9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("LIVELINK_GATEWAY__ADDR") })

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Gateway.Addr != ":9999" {
		t.Errorf("Gateway.Addr = %q, want :9999 from .env", cfg.Gateway.Addr)
	}
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	base, err := Load(nil)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"unknown transport", func(c *Config) { c.Transport.Kind = "carrier-pigeon" }, "transport.kind"},
		{"empty url", func(c *Config) { c.Transport.URL = "" }, "transport.url"},
		{"bad qos", func(c *Config) { c.Topics = []topic.Subscription{{Topic: "a", QoS: 3}} }, "topics[0]"},
		{"template without scope", func(c *Config) { c.Session.Template = "nodes/#" }, "session.template"},
		{"poll without interval", func(c *Config) { c.API.BaseURL = "http://api"; c.API.Interval = 0 }, "api.interval"},
		{"unknown history driver", func(c *Config) { c.History.Driver = "mysql" }, "history.driver"},
		{"bad log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := *base
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
