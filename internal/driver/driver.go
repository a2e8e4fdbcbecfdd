// Package driver locates the driver installation and prepares the
// environment it runs in.
package driver

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Version is the driver release this client speaks to.
const Version = "1.52.0"

// EnvDriverPath overrides the driver directory.
const EnvDriverPath = "PLAYWRIGHT_DRIVER_PATH"

// Locator returns the candidate paths that make up the driver executable,
// in the order they must be checked.
type Locator interface {
	Executable() []string
}

// DirLocator locates a driver unpacked into Dir: a node binary next to the
// package/cli.js entry point.
type DirLocator struct {
	Dir string
}

// Executable returns the node binary and the CLI script under Dir.
func (l DirLocator) Executable() []string {
	node := "node"
	if runtime.GOOS == "windows" {
		node = "node.exe"
	}
	return []string{
		filepath.Join(l.Dir, node),
		filepath.Join(l.Dir, "package", "cli.js"),
	}
}

// DefaultDir resolves the driver directory: configured if non-empty, else
// $PLAYWRIGHT_DRIVER_PATH, else a versioned folder in the user cache dir.
func DefaultDir(configured string) string {
	if configured != "" {
		return configured
	}
	if dir := os.Getenv(EnvDriverPath); dir != "" {
		return dir
	}
	cache, err := os.UserCacheDir()
	if err != nil {
		cache = os.TempDir()
	}
	return filepath.Join(cache, "ms-playwright-go", Version)
}

// DefaultLocator is DirLocator over DefaultDir.
func DefaultLocator(configured string) DirLocator {
	return DirLocator{Dir: DefaultDir(configured)}
}

// Env returns the environment a driver process runs with: the current
// process environment plus the variables identifying this client. A
// transport that spawns the driver passes it as the child's environment.
func Env() []string {
	env := os.Environ()
	return append(env,
		"PW_LANG_NAME=go",
		"PW_LANG_NAME_VERSION="+strings.TrimPrefix(runtime.Version(), "go"),
		"PW_CLI_DISPLAY_VERSION="+Version,
	)
}
