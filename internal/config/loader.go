package config

import (
	"errors"
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

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment variables before mapping.
	EnvPrefix = "TRAINLOOP_"
)

// Section decodes the config key Key into Target, which should already hold
// its defaults. Used for sections owned by other packages.
type Section struct {
	Key    string
	Target any
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (TRAINLOOP_SERVER_HTTP_PORT, ...)
//  2. YAML config file (~/.config/trainloop/config.yaml)
//  3. Defaults
//
// The file must live in ~/.config/trainloop/ or /etc/trainloop/, have 0600
// or 0400 permissions and be at most 1MB. A missing file is not an error.
//
// Environment variables split on the first underscore after the prefix:
//
//	TRAINLOOP_SERVER_HTTP_PORT      -> server.http_port
//	TRAINLOOP_STORE_DRIVER          -> store.driver
//	TRAINLOOP_LOGGING_LEVEL         -> logging.level
//
// Nested keys use a double underscore:
//
//	TRAINLOOP_STORE_POSTGRES__URL   -> store.postgres.url
func LoadWithFile(configPath string, sections ...Section) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		configPath = p
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}
	if err := loadFile(k, configPath); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal leaves fields without a key untouched, so defaults survive.
	cfg := Default()
	for _, key := range []string{"server", "orchestrator", "store", "datasets", "collaborators", "events", "lease", "production"} {
		if !k.Exists(key) {
			continue
		}
		if err := k.Unmarshal(key, sectionTarget(cfg, key)); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s config: %w", key, err)
		}
	}
	for _, s := range sections {
		if s.Target == nil || !k.Exists(s.Key) {
			continue
		}
		if err := k.Unmarshal(s.Key, s.Target); err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s config: %w", s.Key, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func sectionTarget(cfg *Config, key string) any {
	switch key {
	case "server":
		return &cfg.Server
	case "orchestrator":
		return &cfg.Orchestrator
	case "store":
		return &cfg.Store
	case "datasets":
		return &cfg.Datasets
	case "collaborators":
		return &cfg.Collaborators
	case "events":
		return &cfg.Events
	case "lease":
		return &cfg.Lease
	default:
		return &cfg.Production
	}
}

func loadFile(k *koanf.Koanf, path string) error {
	// Open once and validate through the descriptor to avoid a TOCTOU race.
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}
	return nil
}

// envKey maps TRAINLOOP_SECTION_FIELD_NAME to section.field_name and
// TRAINLOOP_SECTION_SUB__FIELD to section.sub.field.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	section, rest, ok := strings.Cut(lower, "_")
	if !ok {
		return lower
	}
	return section + "." + strings.ReplaceAll(rest, "__", ".")
}

// DefaultPath returns ~/.config/trainloop/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".config", "trainloop", "config.yaml"), nil
}

// EnsureConfigDir creates ~/.config/trainloop with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	dir := filepath.Join(home, ".config", "trainloop")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}
	return nil
}

// validateConfigPath checks that path is inside an allowed directory. It
// runs even when the file does not exist.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	// Follow symlinks so they cannot escape the allowed directories.
	resolved, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolved = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	for _, dir := range []string{filepath.Join(home, ".config", "trainloop"), "/etc/trainloop"} {
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/trainloop/ or /etc/trainloop/")
}

// validateConfigFileProperties checks permissions and size of an opened file.
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
