package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stokerhq/stoker/pkg/log"
)

// Defaults for the configuration surface.
const (
	DefaultMaxKernels    = 10
	DefaultTimeout       = 300 * time.Second
	DefaultAssetMaxAge   = 24 * time.Hour
	DefaultOrphanRing    = 1000
	DefaultQueueCap      = 256
	DefaultListenAddr    = "127.0.0.1:8787"
	DefaultKernelCommand = "python3 -u -m stoker_kernel"
	DefaultLivenessGrace = 30 * time.Second
	DefaultBroadcastWait = 5 * time.Second
	DefaultShutdownGrace = 5 * time.Second
)

// Config holds the broker configuration. Values come from the environment
// first, then an optional YAML file named by STOKER_CONFIG_FILE, then the
// defaults above.
type Config struct {
	DataDir string `yaml:"data_dir"`

	ListenAddr string `yaml:"listen_addr"`

	MaxKernels                int   `yaml:"max_kernels"`
	MemoryLimitBytesPerKernel int64 `yaml:"memory_limit_bytes_per_kernel"` // advisory

	DefaultTimeout time.Duration `yaml:"default_timeout"`
	LivenessGrace  time.Duration `yaml:"liveness_grace"`
	BroadcastWait  time.Duration `yaml:"broadcast_wait"`
	ShutdownGrace  time.Duration `yaml:"shutdown_grace"`

	AssetMaxAge time.Duration `yaml:"asset_max_age"`
	OrphanRing  int           `yaml:"orphan_ring"`
	QueueCap    int           `yaml:"queue_cap"`

	// KernelCommand is the fully resolved interpreter command line.
	// Environment discovery happens outside the broker.
	KernelCommand string `yaml:"kernel_command"`

	// Enforced at the edges, not by the core.
	PackageAllowlist string `yaml:"package_allowlist"`
	AllowedRoot      string `yaml:"allowed_root"`

	SessionToken string `yaml:"session_token"`
}

// Load builds the configuration from the environment with defaults.
func Load() (*Config, error) {
	dataDir := getEnv("DATA_DIR", "")
	if dataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			base = os.TempDir()
		}
		dataDir = filepath.Join(base, "stoker")
	}

	cfg := &Config{
		DataDir:                   dataDir,
		ListenAddr:                getEnv("LISTEN_ADDR", DefaultListenAddr),
		MaxKernels:                getEnvInt("MAX_KERNELS", DefaultMaxKernels),
		MemoryLimitBytesPerKernel: int64(getEnvInt("MEMORY_LIMIT_BYTES_PER_KERNEL", 0)),
		DefaultTimeout:            time.Duration(getEnvInt("DEFAULT_TIMEOUT", int(DefaultTimeout/time.Second))) * time.Second,
		LivenessGrace:             DefaultLivenessGrace,
		BroadcastWait:             DefaultBroadcastWait,
		ShutdownGrace:             DefaultShutdownGrace,
		AssetMaxAge:               time.Duration(getEnvInt("ASSET_MAX_AGE_HOURS", int(DefaultAssetMaxAge/time.Hour))) * time.Hour,
		OrphanRing:                getEnvInt("ORPHAN_RING", DefaultOrphanRing),
		QueueCap:                  getEnvInt("QUEUE_CAP", DefaultQueueCap),
		KernelCommand:             getEnv("KERNEL_COMMAND", DefaultKernelCommand),
		PackageAllowlist:          getEnv("PACKAGE_ALLOWLIST", ""),
		AllowedRoot:               getEnv("ALLOWED_ROOT", ""),
		SessionToken:              getEnv("SESSION_TOKEN", ""),
	}

	if path := os.Getenv("STOKER_CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if cfg.SessionToken == "" {
		token, err := generateToken()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session token: %w", err)
		}
		cfg.SessionToken = token
		logger := log.WithComponent("config")
		logger.Info().Msg("SESSION_TOKEN not set, generated a new one")
	}

	if cfg.OrphanRing <= 0 {
		cfg.OrphanRing = DefaultOrphanRing
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = DefaultQueueCap
	}
	if cfg.MaxKernels <= 0 {
		cfg.MaxKernels = DefaultMaxKernels
	}

	return cfg, nil
}

// mergeFile fills fields the environment left at their zero value from a
// YAML file. Environment always wins.
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return err
	}

	if os.Getenv("DATA_DIR") == "" && file.DataDir != "" {
		c.DataDir = file.DataDir
	}
	if os.Getenv("LISTEN_ADDR") == "" && file.ListenAddr != "" {
		c.ListenAddr = file.ListenAddr
	}
	if os.Getenv("KERNEL_COMMAND") == "" && file.KernelCommand != "" {
		c.KernelCommand = file.KernelCommand
	}
	if os.Getenv("SESSION_TOKEN") == "" && file.SessionToken != "" {
		c.SessionToken = file.SessionToken
	}
	if os.Getenv("MAX_KERNELS") == "" && file.MaxKernels > 0 {
		c.MaxKernels = file.MaxKernels
	}
	if os.Getenv("DEFAULT_TIMEOUT") == "" && file.DefaultTimeout > 0 {
		c.DefaultTimeout = file.DefaultTimeout
	}
	if os.Getenv("ASSET_MAX_AGE_HOURS") == "" && file.AssetMaxAge > 0 {
		c.AssetMaxAge = file.AssetMaxAge
	}
	if os.Getenv("ORPHAN_RING") == "" && file.OrphanRing > 0 {
		c.OrphanRing = file.OrphanRing
	}
	if os.Getenv("QUEUE_CAP") == "" && file.QueueCap > 0 {
		c.QueueCap = file.QueueCap
	}

	return nil
}

// StorePath returns the path of the single-file journal store.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "stoker.db")
}

// AssetsDir returns the directory holding offloaded output blobs.
func (c *Config) AssetsDir() string {
	return filepath.Join(c.DataDir, "assets")
}

func generateToken() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
