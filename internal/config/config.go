package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/codewiresh/drivewire/internal/driver"
	"github.com/codewiresh/drivewire/internal/transport"
)

// Config is the top-level configuration loaded from config.toml.
type Config struct {
	Driver DriverConfig `toml:"driver"`
	Remote RemoteConfig `toml:"remote"`
	Trace  TraceConfig  `toml:"trace"`
}

// DriverConfig locates the local driver installation.
type DriverConfig struct {
	// Directory holding node and package/cli.js. Empty means
	// $PLAYWRIGHT_DRIVER_PATH or the user cache dir.
	Path string `toml:"path,omitempty"`
}

// RemoteConfig describes the driver endpoint a socket pipe connects to.
type RemoteConfig struct {
	// ws://, wss:// or unix:// URL, or the name of an entry in endpoints.toml.
	Endpoint string `toml:"endpoint,omitempty"`
	// Go duration strings ("30s", "250ms").
	Timeout       string            `toml:"timeout,omitempty"`
	SlowMo        string            `toml:"slow_mo,omitempty"`
	ExposeNetwork string            `toml:"expose_network,omitempty"`
	Headers       map[string]string `toml:"headers,omitempty"`
}

// TraceConfig controls the sqlite trace journal. Nil Path means tracing is
// off unless requested on the command line.
type TraceConfig struct {
	Path *string `toml:"path,omitempty"`
}

// EndpointEntry is a saved remote driver endpoint.
type EndpointEntry struct {
	URL     string            `toml:"url"`
	Headers map[string]string `toml:"headers,omitempty"`
}

// EndpointsConfig is the saved endpoint list (~/.drivewire/endpoints.toml).
type EndpointsConfig struct {
	Endpoints map[string]EndpointEntry `toml:"endpoints"`
}

var validEndpointName = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateEndpointName checks that name is non-empty and contains only
// alphanumeric characters, hyphens, or underscores, so it can never be
// mistaken for a URL.
func ValidateEndpointName(name string) error {
	if name == "" || !validEndpointName.MatchString(name) {
		return fmt.Errorf("endpoint name must be non-empty and alphanumeric (with - or _), got: %q", name)
	}
	return nil
}

// DataDir returns $DRIVEWIRE_HOME, or ~/.drivewire.
func DataDir() string {
	if dir := os.Getenv("DRIVEWIRE_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(os.TempDir(), ".drivewire")
	}
	return filepath.Join(home, ".drivewire")
}

// LoadConfig reads config.toml from dataDir, applies environment variable
// overrides, and validates the durations before returning.
func LoadConfig(dataDir string) (*Config, error) {
	path := filepath.Join(dataDir, "config.toml")

	cfg := &Config{}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if p := os.Getenv(driver.EnvDriverPath); p != "" {
		cfg.Driver.Path = p
	}
	if ep := os.Getenv("DRIVEWIRE_ENDPOINT"); ep != "" {
		cfg.Remote.Endpoint = ep
	}
	if expose := os.Getenv("DRIVEWIRE_EXPOSE_NETWORK"); expose != "" {
		cfg.Remote.ExposeNetwork = expose
	}
	if cfg.Trace.Path == nil {
		if p := os.Getenv("DRIVEWIRE_TRACE"); p != "" {
			cfg.Trace.Path = &p
		}
	}

	if _, err := cfg.Remote.Options(); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	return cfg, nil
}

// Options converts the remote settings into socket pipe options. Dial and
// Recorder are left for the caller.
func (r RemoteConfig) Options() (transport.SocketPipeOptions, error) {
	opts := transport.SocketPipeOptions{
		Endpoint:      r.Endpoint,
		ExposeNetwork: r.ExposeNetwork,
	}
	if len(r.Headers) > 0 {
		opts.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			opts.Headers[k] = v
		}
	}

	var err error
	if opts.Timeout, err = parseDuration("remote.timeout", r.Timeout); err != nil {
		return transport.SocketPipeOptions{}, err
	}
	if opts.SlowMo, err = parseDuration("remote.slow_mo", r.SlowMo); err != nil {
		return transport.SocketPipeOptions{}, err
	}
	return opts, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", key, s)
	}
	return d, nil
}

// TracePath returns the configured trace database path, or the default
// trace.db inside dataDir.
func (c *Config) TracePath(dataDir string) string {
	if c.Trace.Path != nil && *c.Trace.Path != "" {
		return *c.Trace.Path
	}
	return filepath.Join(dataDir, "trace.db")
}

// LoadEndpointsConfig reads endpoints.toml from dataDir. If the file does
// not exist an empty EndpointsConfig is returned.
func LoadEndpointsConfig(dataDir string) (*EndpointsConfig, error) {
	path := filepath.Join(dataDir, "endpoints.toml")

	ec := &EndpointsConfig{
		Endpoints: make(map[string]EndpointEntry),
	}

	if _, err := os.Stat(path); err != nil {
		return ec, nil
	}

	if _, err := toml.DecodeFile(path, ec); err != nil {
		return nil, fmt.Errorf("parsing endpoints.toml: %w", err)
	}
	if ec.Endpoints == nil {
		ec.Endpoints = make(map[string]EndpointEntry)
	}

	return ec, nil
}

// Save writes the EndpointsConfig to endpoints.toml inside dataDir, creating
// the directory if necessary.
func (e *EndpointsConfig) Save(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	path := filepath.Join(dataDir, "endpoints.toml")
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(e); err != nil {
		return fmt.Errorf("encoding endpoints.toml: %w", err)
	}

	return nil
}

// Resolve applies a saved endpoint to r when r.Endpoint names one. Saved
// headers are merged under the configured ones.
func (e *EndpointsConfig) Resolve(r RemoteConfig) RemoteConfig {
	entry, ok := e.Endpoints[r.Endpoint]
	if !ok {
		return r
	}
	r.Endpoint = entry.URL
	if len(entry.Headers) > 0 {
		merged := make(map[string]string, len(entry.Headers)+len(r.Headers))
		for k, v := range entry.Headers {
			merged[k] = v
		}
		for k, v := range r.Headers {
			merged[k] = v
		}
		r.Headers = merged
	}
	return r
}
