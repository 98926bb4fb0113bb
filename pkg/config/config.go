package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// A route from a command name to the module that implements it.
type CommandRoute struct {
	Module string `yaml:"module"`
	// Interactive commands take over the terminal and start executing
	// immediately instead of waiting for stdin to be flushed.
	Interactive bool `yaml:"interactive"`
}

// A config file that can be passed to lazyproc to configure module loading
// and guest execution.
type Config struct {
	// The directory module files resolve from. Entries ending in .wasm,
	// .wasm.gz and .wasm.zst are recognised.
	ModulesDir string `yaml:"modules_dir"`
	// The directory used to cache modules fetched from module_source.
	CacheDir string `yaml:"cache_dir"`
	// An optional http(s) base URL modules are fetched from when they are
	// not present in modules_dir.
	ModuleSource string `yaml:"module_source"`
	// The execution strategy (options: [auto, coop, bridge], default: auto).
	Strategy string `yaml:"strategy"`
	// How long a shared-channel handshake may go unanswered before the
	// waiter reports a readiness failure.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// Run commands with no module route as native host processes.
	NativeFallback bool `yaml:"native_fallback"`
	// Additional command routes merged over the built-in ones.
	Commands map[string]CommandRoute `yaml:"commands"`
}

func Default() Config {
	return Config{
		ModulesDir:       "modules",
		CacheDir:         defaultCacheDir(),
		Strategy:         "auto",
		HandshakeTimeout: 30 * time.Second,
	}
}

func defaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "lazyproc")
	}
	return filepath.Join(base, "lazyproc")
}

func Load(filename string) (Config, error) {
	cfg := Default()

	f, err := os.Open(filename)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)

	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", filename, err)
	}

	return cfg, nil
}
