package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const maxConfigFileSize = 1024 * 1024 // 1MB

// defaultsYAML is the lowest-precedence configuration layer. Loading it
// through koanf like any other source means a value explicitly set to its
// type's zero (a 0.0 threshold, say) overrides the default instead of
// being mistaken for unset.
const defaultsYAML = `
server:
  host: 127.0.0.1
  port: 8380
  shutdown_timeout: 10s
logging:
  level: info
  format: json
store:
  driver: sqlite
  path: ~/.config/regressd/regressd.db
vector:
  collection: regressd_tests
  vector_size: 384
pipeline:
  approval_timeout: 24h
  sweep_interval: 1m
agent:
  base_url: http://localhost:8280
  catalog_path: ~/.config/regressd/catalog.json
  call_timeout: 5m
  max_tries: 3
  initial_interval: 500ms
embeddings:
  base_url: http://localhost:8080
  model: BAAI/bge-small-en-v1.5
scoring:
  ac_match_threshold: 0.75
  generation_score_threshold: 0.7
  weights:
    similarity: 0.3
    coverage: 0.3
    defect_density: 0.2
    criticality: 0.1
    recurrence: 0.1
`

// Load loads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (SERVER_PORT, SCORING_AC_MATCH_THRESHOLD, ...)
//  2. YAML config file
//  3. Hardcoded defaults
//
// If configPath is empty the default path ~/.config/regressd/config.yaml
// is used. The file must live under ~/.config/regressd/ or /etc/regressd/
// and carry 0600 or 0400 permissions.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "regressd", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	var content []byte
	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate through the descriptor to avoid a
		// check-then-open race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err = io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := parse(content, true)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// parse layers the defaults, the optional YAML content, and (when withEnv)
// the process environment, then unmarshals the merged tree.
func parse(content []byte, withEnv bool) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider([]byte(defaultsYAML)), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}
	if len(content) > 0 {
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Environment variables map section-first: SERVER_PORT -> server.port,
	// PIPELINE_APPROVAL_TIMEOUT -> pipeline.approval_timeout.
	if withEnv {
		if err := k.Load(env.Provider("", ".", func(s string) string {
			lower := strings.ToLower(s)
			parts := strings.SplitN(lower, "_", 2)
			if len(parts) == 1 {
				return lower
			}
			return parts[0] + "." + parts[1]
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load environment variables: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns the built-in defaults without touching the filesystem or
// environment.
func Default() *Config {
	cfg, err := parse(nil, false)
	if err != nil {
		panic(fmt.Sprintf("built-in defaults failed to parse: %v", err))
	}
	return cfg
}

// EnsureConfigDir creates ~/.config/regressd with owner-only permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	configDir := filepath.Join(home, ".config", "regressd")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks that path is in an allowed directory. Runs even
// when the file does not exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "regressd"),
		"/etc/regressd",
	}
	for _, dir := range allowedDirs {
		if strings.HasPrefix(resolvedPath, dir) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/regressd/ or /etc/regressd/")
}

// validateConfigFileProperties checks permissions and size on an existing
// file's FileInfo.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
