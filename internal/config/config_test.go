package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"PLAYWRIGHT_DRIVER_PATH", "DRIVEWIRE_ENDPOINT", "DRIVEWIRE_EXPOSE_NETWORK", "DRIVEWIRE_TRACE"} {
		t.Setenv(k, "")
	}
}

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

// ---------------------------------------------------------------------------
// LoadConfig
// ---------------------------------------------------------------------------

func TestLoadConfigMissingFile(t *testing.T) {
	clearEnv(t)
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Remote.Endpoint != "" || cfg.Driver.Path != "" || cfg.Trace.Path != nil {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, `
[driver]
path = "/opt/pw"

[remote]
endpoint = "ws://127.0.0.1:3000/ws"
timeout = "5s"
slow_mo = "100ms"
expose_network = "<loopback>"

[remote.headers]
Authorization = "Bearer secret"

[trace]
path = "/var/tmp/trace.db"
`)

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Driver.Path != "/opt/pw" {
		t.Errorf("driver.path = %q", cfg.Driver.Path)
	}
	if cfg.Remote.Endpoint != "ws://127.0.0.1:3000/ws" {
		t.Errorf("remote.endpoint = %q", cfg.Remote.Endpoint)
	}
	if cfg.Remote.Headers["Authorization"] != "Bearer secret" {
		t.Errorf("remote.headers = %v", cfg.Remote.Headers)
	}
	if got := cfg.TracePath(dir); got != "/var/tmp/trace.db" {
		t.Errorf("TracePath = %q", got)
	}

	opts, err := cfg.Remote.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	if opts.Timeout != 5*time.Second || opts.SlowMo != 100*time.Millisecond {
		t.Errorf("durations = %v / %v", opts.Timeout, opts.SlowMo)
	}
	if opts.ExposeNetwork != "<loopback>" || opts.Endpoint != cfg.Remote.Endpoint {
		t.Errorf("options = %+v", opts)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, `
[driver]
path = "/opt/pw"

[remote]
endpoint = "ws://from-file/ws"
`)
	t.Setenv("PLAYWRIGHT_DRIVER_PATH", "/env/pw")
	t.Setenv("DRIVEWIRE_ENDPOINT", "ws://from-env/ws")
	t.Setenv("DRIVEWIRE_EXPOSE_NETWORK", "*")
	t.Setenv("DRIVEWIRE_TRACE", "/env/trace.db")

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Driver.Path != "/env/pw" {
		t.Errorf("driver.path = %q, want env value", cfg.Driver.Path)
	}
	if cfg.Remote.Endpoint != "ws://from-env/ws" {
		t.Errorf("remote.endpoint = %q, want env value", cfg.Remote.Endpoint)
	}
	if cfg.Remote.ExposeNetwork != "*" {
		t.Errorf("remote.expose_network = %q", cfg.Remote.ExposeNetwork)
	}
	if cfg.TracePath(dir) != "/env/trace.db" {
		t.Errorf("TracePath = %q", cfg.TracePath(dir))
	}
}

func TestLoadConfigBadDuration(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, `
[remote]
timeout = "soon"
`)
	_, err := LoadConfig(dir)
	if err == nil || !strings.Contains(err.Error(), "remote.timeout") {
		t.Fatalf("LoadConfig = %v, want remote.timeout error", err)
	}
}

func TestLoadConfigInvalidTOML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	writeConfig(t, dir, "[remote\n")
	if _, err := LoadConfig(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestOptionsRejectsNegativeDuration(t *testing.T) {
	if _, err := (RemoteConfig{SlowMo: "-1s"}).Options(); err == nil {
		t.Fatal("expected error for negative slow_mo")
	}
}

func TestTracePathDefault(t *testing.T) {
	cfg := &Config{}
	if got := cfg.TracePath("/data"); got != filepath.Join("/data", "trace.db") {
		t.Errorf("TracePath = %q", got)
	}
}

func TestDataDir(t *testing.T) {
	t.Setenv("DRIVEWIRE_HOME", "/custom/home")
	if got := DataDir(); got != "/custom/home" {
		t.Errorf("DataDir = %q", got)
	}

	t.Setenv("DRIVEWIRE_HOME", "")
	if got := DataDir(); filepath.Base(got) != ".drivewire" {
		t.Errorf("DataDir = %q, want a .drivewire dir", got)
	}
}

// ---------------------------------------------------------------------------
// Saved endpoints
// ---------------------------------------------------------------------------

func TestEndpointsSaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")

	ec, err := LoadEndpointsConfig(dir)
	if err != nil {
		t.Fatalf("LoadEndpointsConfig on missing file: %v", err)
	}
	if len(ec.Endpoints) != 0 {
		t.Fatalf("expected empty endpoints, got %v", ec.Endpoints)
	}

	ec.Endpoints["grid"] = EndpointEntry{
		URL:     "wss://grid.example.com/playwright",
		Headers: map[string]string{"x-api-key": "k1"},
	}
	if err := ec.Save(dir); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := LoadEndpointsConfig(dir)
	if err != nil {
		t.Fatalf("LoadEndpointsConfig: %v", err)
	}
	got := loaded.Endpoints["grid"]
	if got.URL != "wss://grid.example.com/playwright" || got.Headers["x-api-key"] != "k1" {
		t.Fatalf("loaded entry = %+v", got)
	}
}

func TestEndpointsResolve(t *testing.T) {
	ec := &EndpointsConfig{Endpoints: map[string]EndpointEntry{
		"grid": {URL: "wss://grid/ws", Headers: map[string]string{"a": "saved", "b": "saved"}},
	}}

	r := ec.Resolve(RemoteConfig{Endpoint: "grid", Headers: map[string]string{"b": "flag"}, SlowMo: "1s"})
	if r.Endpoint != "wss://grid/ws" {
		t.Errorf("endpoint = %q", r.Endpoint)
	}
	if r.Headers["a"] != "saved" || r.Headers["b"] != "flag" {
		t.Errorf("headers = %v, want configured headers to win", r.Headers)
	}
	if r.SlowMo != "1s" {
		t.Errorf("slow_mo lost: %q", r.SlowMo)
	}

	direct := ec.Resolve(RemoteConfig{Endpoint: "ws://other/ws"})
	if direct.Endpoint != "ws://other/ws" {
		t.Errorf("unknown name rewritten to %q", direct.Endpoint)
	}
}

func TestValidateEndpointName(t *testing.T) {
	for _, name := range []string{"grid", "ci_runner-2"} {
		if err := ValidateEndpointName(name); err != nil {
			t.Errorf("ValidateEndpointName(%q) = %v", name, err)
		}
	}
	for _, name := range []string{"", "ws://x", "a.b", "has space"} {
		if err := ValidateEndpointName(name); err == nil {
			t.Errorf("ValidateEndpointName(%q) should fail", name)
		}
	}
}
