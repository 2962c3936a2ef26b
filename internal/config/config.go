// Package config holds the run configuration: defaults, an optional YAML file
// and bounds validation. Everything here is checked before any input is
// opened.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"github.com/Voornaamenachternaam/keysift/internal/aeskey"
	"github.com/Voornaamenachternaam/keysift/internal/entropy"
	"github.com/Voornaamenachternaam/keysift/internal/export"
	"github.com/Voornaamenachternaam/keysift/internal/scan"
)

const (
	minChunkSize = 4096
	maxChunkSize = 1 << 30
	maxWorkers   = 256

	// floor for the sealing KDF; the key is derived once per run
	minArgonTime   = 3
	minArgonMemory = 128 * 1024
)

type Config struct {
	ChunkSize        int      `yaml:"chunkSize"`
	Sizes            []string `yaml:"sizes"`
	Reconstruct      bool     `yaml:"reconstruct"`
	MaxCorrections   int      `yaml:"maxCorrections"`
	MaxAnchors       int      `yaml:"maxAnchors"`
	EntropyThreshold int      `yaml:"entropyThreshold"`
	Workers          int      `yaml:"workers"`
	Decompress       bool     `yaml:"decompress"`
	ExportDir        string   `yaml:"exportDir"`
	Seal             bool     `yaml:"seal"`
	ArgonTime        int      `yaml:"argonTime"`
	ArgonMemory      int      `yaml:"argonMemory"`
	ArgonThreads     int      `yaml:"argonThreads"`
	LogLevel         string   `yaml:"logLevel"`
}

func Default() Config {
	return Config{
		ChunkSize:        scan.DefaultChunkSize,
		Sizes:            []string{"128", "192", "256"},
		Reconstruct:      true,
		MaxCorrections:   scan.DefaultMaxCorrections,
		EntropyThreshold: entropy.DefaultThreshold,
		Workers:          1,
		ArgonTime:        export.DefaultArgonTime,
		ArgonMemory:      export.DefaultArgonMemory,
		ArgonThreads:     export.DefaultArgonThreads,
		LogLevel:         "info",
	}
}

// Load reads a YAML file on top of Default. Keys missing from the file keep
// their default; unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config file: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate bounds-checks every field.
func (c Config) Validate() error {
	if c.ChunkSize < minChunkSize || c.ChunkSize > maxChunkSize {
		return fmt.Errorf("chunk-size out of bounds (%d-%d bytes): %d", minChunkSize, maxChunkSize, c.ChunkSize)
	}
	if _, err := c.KeySizes(); err != nil {
		return err
	}
	if c.MaxCorrections < 0 || c.MaxCorrections > aeskey.MaxCorrectionsLimit {
		return fmt.Errorf("max-corrections out of bounds (0-%d): %d", aeskey.MaxCorrectionsLimit, c.MaxCorrections)
	}
	if c.MaxAnchors < 0 {
		return fmt.Errorf("max-anchors out of bounds (0 for all): %d", c.MaxAnchors)
	}
	if c.EntropyThreshold < 1 || c.EntropyThreshold > aeskey.MaxScheduleLen {
		return fmt.Errorf("entropy-threshold out of bounds (1-%d): %d", aeskey.MaxScheduleLen, c.EntropyThreshold)
	}
	if c.Workers < 1 || c.Workers > maxWorkers {
		return fmt.Errorf("workers out of bounds (1-%d): %d", maxWorkers, c.Workers)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log-level: %w", err)
	}
	if c.Seal && c.ExportDir == "" {
		return fmt.Errorf("seal requires an export directory")
	}
	if c.ExportDir != "" {
		if err := export.CheckDir(c.ExportDir); err != nil {
			return err
		}
	}
	if c.Seal {
		if c.ArgonTime < minArgonTime || c.ArgonTime > export.MaxArgonTime {
			return fmt.Errorf("argon-time out of bounds (%d-%d): %d", minArgonTime, export.MaxArgonTime, c.ArgonTime)
		}
		if c.ArgonMemory < minArgonMemory || c.ArgonMemory > export.MaxArgonMemory {
			return fmt.Errorf("argon-mem out of bounds (%d-%d KiB): %d", minArgonMemory, export.MaxArgonMemory, c.ArgonMemory)
		}
		if c.ArgonThreads < 1 || c.ArgonThreads > runtime.NumCPU() || c.ArgonThreads > 255 {
			return fmt.Errorf("argon-threads out of bounds (1-%d): %d", min(runtime.NumCPU(), 255), c.ArgonThreads)
		}
	}
	return nil
}

// KeySizes parses Sizes.
func (c Config) KeySizes() ([]aeskey.KeySize, error) {
	if len(c.Sizes) == 0 {
		return nil, fmt.Errorf("sizes: at least one key size required")
	}
	out := make([]aeskey.KeySize, 0, len(c.Sizes))
	for _, s := range c.Sizes {
		size, err := aeskey.ParseKeySize(s)
		if err != nil {
			return nil, fmt.Errorf("sizes: %w", err)
		}
		out = append(out, size)
	}
	return out, nil
}

// SetSizes replaces Sizes with the comma separated list in s.
func (c *Config) SetSizes(s string) {
	c.Sizes = nil
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			c.Sizes = append(c.Sizes, part)
		}
	}
}

// ScanOptions converts the configuration into scanner options.
func (c Config) ScanOptions(log *logrus.Logger) (scan.Options, error) {
	sizes, err := c.KeySizes()
	if err != nil {
		return scan.Options{}, err
	}
	return scan.Options{
		ChunkSize:        c.ChunkSize,
		Sizes:            sizes,
		Reconstruct:      c.Reconstruct,
		MaxCorrections:   c.MaxCorrections,
		MaxAnchors:       c.MaxAnchors,
		EntropyThreshold: c.EntropyThreshold,
		Logger:           log,
	}, nil
}

// KDFParams returns the Argon2id parameters for sealing.
func (c Config) KDFParams() export.KDFParams {
	return export.KDFParams{
		Time:    uint32(c.ArgonTime),
		Memory:  uint32(c.ArgonMemory),
		Threads: uint8(c.ArgonThreads),
	}
}

// NewLogger builds the run logger at the configured level.
func (c Config) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log-level: %w", err)
	}
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(level)
	return log, nil
}
