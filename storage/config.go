package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds storage engine configuration.
type Config struct {
	// Buffer Pool Configuration
	BufferPoolSize uint32 `json:"buffer_pool_size"` // Number of frames in the buffer pool
	LRUKValue      uint32 `json:"lru_k_value"`      // K for the LRU-K replacer

	// Disk Configuration
	DataDirectory string `json:"data_directory"` // Directory for data files
	PageSize      uint32 `json:"page_size"`      // Page size in bytes (default: 4096)
	UseMmap       bool   `json:"use_mmap"`       // Use mmap-backed disk I/O instead of ReadAt/WriteAt

	// WAL Configuration
	WALDirectory      string `json:"wal_directory"`       // Directory for WAL files
	WALEnabled        bool   `json:"wal_enabled"`         // Whether WAL is enabled
	WALCompression    bool   `json:"wal_compression"`     // Enable WAL segment compression
	WALCompressionAlg string `json:"wal_compression_alg"` // Compression algorithm (lz4, snappy, auto, none)

	// Performance Configuration
	EnableMetrics bool   `json:"enable_metrics"` // Whether to collect performance metrics
	LogLevel      string `json:"log_level"`      // Log level (debug, info, warn, error)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BufferPoolSize:    100,
		LRUKValue:         2,
		DataDirectory:     "./data",
		PageSize:          PageSize,
		UseMmap:           false,
		WALDirectory:      "./wal",
		WALEnabled:        true,
		WALCompression:    false,
		WALCompressionAlg: "none",
		EnableMetrics:     true,
		LogLevel:          "info",
	}
}

// LoadConfigFromFile loads configuration from a JSON file.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// LoadConfigFromEnv loads configuration from environment variables, falling
// back to default values if unset.
func LoadConfigFromEnv() *Config {
	config := DefaultConfig()

	if val := os.Getenv("HEXPOOL_BUFFER_POOL_SIZE"); val != "" {
		if size, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.BufferPoolSize = uint32(size)
		}
	}

	if val := os.Getenv("HEXPOOL_LRU_K_VALUE"); val != "" {
		if k, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.LRUKValue = uint32(k)
		}
	}

	if val := os.Getenv("HEXPOOL_DATA_DIRECTORY"); val != "" {
		config.DataDirectory = val
	}

	if val := os.Getenv("HEXPOOL_PAGE_SIZE"); val != "" {
		if size, err := strconv.ParseUint(val, 10, 32); err == nil {
			config.PageSize = uint32(size)
		}
	}

	if val := os.Getenv("HEXPOOL_USE_MMAP"); val != "" {
		config.UseMmap = val == "true" || val == "1"
	}

	if val := os.Getenv("HEXPOOL_WAL_DIRECTORY"); val != "" {
		config.WALDirectory = val
	}

	if val := os.Getenv("HEXPOOL_WAL_ENABLED"); val != "" {
		config.WALEnabled = val == "true" || val == "1"
	}

	if val := os.Getenv("HEXPOOL_WAL_COMPRESSION"); val != "" {
		config.WALCompression = val == "true" || val == "1"
	}

	if val := os.Getenv("HEXPOOL_WAL_COMPRESSION_ALG"); val != "" {
		config.WALCompressionAlg = val
	}

	if val := os.Getenv("HEXPOOL_ENABLE_METRICS"); val != "" {
		config.EnableMetrics = val == "true" || val == "1"
	}

	if val := os.Getenv("HEXPOOL_LOG_LEVEL"); val != "" {
		config.LogLevel = val
	}

	return config
}

// SaveToFile saves the configuration to a JSON file.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", " ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.BufferPoolSize == 0 {
		return fmt.Errorf("buffer pool size must be greater than 0")
	}
	if c.LRUKValue == 0 {
		return fmt.Errorf("lru-k value must be greater than 0")
	}
	if c.PageSize == 0 {
		return fmt.Errorf("page size must be greater than 0")
	}
	if c.PageSize%512 != 0 {
		return fmt.Errorf("page size must be a multiple of 512")
	}
	if c.DataDirectory == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if c.WALEnabled && c.WALDirectory == "" {
		return fmt.Errorf("WAL directory cannot be empty when WAL is enabled")
	}

	validCompressionAlgs := map[string]bool{"lz4": true, "snappy": true, "auto": true, "none": true}
	if !validCompressionAlgs[c.WALCompressionAlg] {
		return fmt.Errorf("invalid WAL compression algorithm: %s (must be lz4, snappy, auto, or none)", c.WALCompressionAlg)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
