package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_defaults(t *testing.T) {
	path := writeConfig(t, `
servers:
  - id: primary
    host: news.example.com
    tls: true
    username: user
    password: pass
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	s := cfg.Servers[0]
	if s.Port != 563 || s.MaxConnection != 10 || s.Priority != 1 {
		t.Errorf("server defaults = port %d conns %d prio %d", s.Port, s.MaxConnection, s.Priority)
	}
	if cfg.Pool.FetchTimeout != 60*time.Second || cfg.Pool.CheckoutTimeout != 30*time.Second {
		t.Errorf("pool timeouts = %s / %s", cfg.Pool.FetchTimeout, cfg.Pool.CheckoutTimeout)
	}
	if cfg.Pool.MaxAttempts != 3 {
		t.Errorf("max attempts = %d", cfg.Pool.MaxAttempts)
	}
	if cfg.Cache.CapacityBytes != 512<<20 {
		t.Errorf("cache capacity = %d", cfg.Cache.CapacityBytes)
	}
	if cfg.Prefetch.InitialWindowBytes != 4<<20 || cfg.Prefetch.MaxWindowBytes != 64<<20 {
		t.Errorf("prefetch windows = %d / %d", cfg.Prefetch.InitialWindowBytes, cfg.Prefetch.MaxWindowBytes)
	}
	if cfg.Stream.MismatchPolicy != MismatchReject {
		t.Errorf("mismatch policy = %q", cfg.Stream.MismatchPolicy)
	}
	if cfg.Port != "8080" {
		t.Errorf("port = %q", cfg.Port)
	}
}

func TestLoad_overrides(t *testing.T) {
	path := writeConfig(t, `
servers:
  - id: backup
    host: plain.example.com
    port: 119
    max_connections: 4
    priority: 2
pool:
  fetch_timeout: 5s
cache:
  capacity: 10MB
prefetch:
  initial_window: 1MiB
  max_window: 8MiB
stream:
  mismatch_policy: serve
`)
	t.Setenv("NZBSTREAM_PORT", "9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Servers[0].TLS || cfg.Servers[0].Port != 119 || cfg.Servers[0].MaxConnection != 4 {
		t.Errorf("server = %+v", cfg.Servers[0])
	}
	if cfg.Pool.FetchTimeout != 5*time.Second {
		t.Errorf("fetch timeout = %s", cfg.Pool.FetchTimeout)
	}
	if cfg.Cache.CapacityBytes != 10_000_000 {
		t.Errorf("cache capacity = %d", cfg.Cache.CapacityBytes)
	}
	if cfg.Stream.MismatchPolicy != MismatchServe {
		t.Errorf("mismatch policy = %q", cfg.Stream.MismatchPolicy)
	}
	if cfg.Port != "9090" {
		t.Errorf("env override port = %q", cfg.Port)
	}
}

func TestLoad_validation(t *testing.T) {
	cases := map[string]struct {
		body string
		want string
	}{
		"no servers": {
			body: "port: \"8080\"\n",
			want: "at least one server",
		},
		"missing host": {
			body: "servers:\n  - id: a\n",
			want: "host is required",
		},
		"duplicate id": {
			body: "servers:\n  - id: a\n    host: x\n  - id: a\n    host: y\n",
			want: "used twice",
		},
		"bad policy": {
			body: "servers:\n  - id: a\n    host: x\nstream:\n  mismatch_policy: maybe\n",
			want: "mismatch_policy",
		},
		"window order": {
			body: "servers:\n  - id: a\n    host: x\nprefetch:\n  initial_window: 8MiB\n  max_window: 1MiB\n",
			want: "max_window",
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
}

func TestLoad_missingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
