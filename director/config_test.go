// ABOUTME: Config loading tests: YAML parsing, defaulting, env overrides, and validation failures.
package director

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "director.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, "database: /tmp/test.db\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MediatorListen != ":26511" || cfg.GatewayListen != ":26512" {
		t.Errorf("listen defaults = %s / %s", cfg.MediatorListen, cfg.GatewayListen)
	}
	if cfg.Database != "/tmp/test.db" {
		t.Errorf("database = %s", cfg.Database)
	}
}

func TestLoadConfigFull(t *testing.T) {
	path := writeConfig(t, `
mediator_listen: "127.0.0.1:9001"
gateway_listen: "127.0.0.1:9002"
database: state.db
compiler:
  registry: registry.example.com/unicorn
  executor_binary: /opt/unicorn/unicorn-executor
  push: true
  max_concurrent: 4
  poll_seconds: 5
processor:
  tick_seconds: 10
  heartbeat_seconds: 60
  start_wait_minutes: 120
connectors:
  lab:
    driver: dummy
    options:
      nodes:
        - name: node-1
users:
  - username: admin
    password: hunter2
    sudo: true
  - username: alice
    password: alicepw
    access_tags: [wifi]
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Compiler.Registry != "registry.example.com/unicorn" || !cfg.Compiler.Push {
		t.Errorf("compiler = %+v", cfg.Compiler)
	}
	if got := cfg.Processor.TickInterval(); got != 10*time.Second {
		t.Errorf("tick = %s", got)
	}
	if got := cfg.Processor.StartWaitTimeout(); got != 2*time.Hour {
		t.Errorf("start wait = %s", got)
	}
	if got := cfg.Compiler.PollInterval(); got != 5*time.Second {
		t.Errorf("poll = %s", got)
	}
	if cfg.Connectors["lab"].Driver != "dummy" {
		t.Errorf("connectors = %+v", cfg.Connectors)
	}
	if len(cfg.Users) != 2 || !cfg.Users[0].Sudo || cfg.Users[1].AccessTags[0] != "wifi" {
		t.Errorf("users = %+v", cfg.Users)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(EnvMediatorAddr, "127.0.0.1:7001")
	t.Setenv(EnvDatabase, "/var/lib/unicorn/override.db")
	t.Setenv(EnvRegistry, "env.example.com")

	path := writeConfig(t, "database: from-file.db\ncompiler:\n  registry: file.example.com\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MediatorListen != "127.0.0.1:7001" {
		t.Errorf("mediator listen = %s", cfg.MediatorListen)
	}
	if cfg.Database != "/var/lib/unicorn/override.db" {
		t.Errorf("database = %s", cfg.Database)
	}
	if cfg.Compiler.Registry != "env.example.com" {
		t.Errorf("registry = %s", cfg.Compiler.Registry)
	}
}

func TestLoadConfigRejections(t *testing.T) {
	cases := []struct {
		name, content, want string
	}{
		{
			"shared listen address",
			"mediator_listen: ':9000'\ngateway_listen: ':9000'\n",
			"share listen address",
		},
		{
			"user without password",
			"users:\n  - username: bob\n",
			"no password",
		},
		{
			"connector without driver",
			"connectors:\n  lab: {}\n",
			"no driver",
		},
	}
	for _, tc := range cases {
		path := writeConfig(t, tc.content)
		_, err := LoadConfig(path)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("%s: err = %v, want containing %q", tc.name, err, tc.want)
		}
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Database != "unicorn.db" || cfg.MediatorListen != ":26511" {
		t.Fatalf("defaults = %+v", cfg)
	}
}
