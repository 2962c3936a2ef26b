package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Voornaamenachternaam/keysift/internal/aeskey"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	sizes, err := cfg.KeySizes()
	require.NoError(t, err)
	assert.Equal(t, aeskey.KeySizes, sizes)
	assert.True(t, cfg.Reconstruct)
	assert.Equal(t, 4, cfg.MaxCorrections)
	assert.Equal(t, 10*1024*1024, cfg.ChunkSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keysift.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
chunkSize: 65536
sizes: ["aes256"]
reconstruct: false
workers: 4
logLevel: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 65536, cfg.ChunkSize)
	assert.Equal(t, []string{"aes256"}, cfg.Sizes)
	assert.False(t, cfg.Reconstruct)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 4, cfg.MaxCorrections, "default kept")
	require.NoError(t, cfg.Validate())

	log, err := cfg.NewLogger()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("chunksize: 1\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidateBounds(t *testing.T) {
	for name, tc := range map[string]struct {
		mutate func(*Config)
		msg    string
	}{
		"chunk":       {func(c *Config) { c.ChunkSize = 12 }, "chunk-size out of bounds (4096-1073741824 bytes): 12"},
		"sizes":       {func(c *Config) { c.Sizes = []string{"512"} }, "sizes"},
		"no sizes":    {func(c *Config) { c.Sizes = nil }, "at least one"},
		"corrections": {func(c *Config) { c.MaxCorrections = 17 }, "max-corrections"},
		"anchors":     {func(c *Config) { c.MaxAnchors = -1 }, "max-anchors"},
		"entropy":     {func(c *Config) { c.EntropyThreshold = 0 }, "entropy-threshold"},
		"workers":     {func(c *Config) { c.Workers = 0 }, "workers"},
		"log":         {func(c *Config) { c.LogLevel = "loud" }, "log-level"},
		"seal":        {func(c *Config) { c.Seal = true }, "seal requires"},
		"export":      {func(c *Config) { c.ExportDir = "/definitely/not/here" }, "export directory"},
		"argon": {func(c *Config) {
			c.Seal = true
			c.ExportDir = os.TempDir()
			c.ArgonTime = 1
		}, "argon-time"},
	} {
		cfg := Default()
		tc.mutate(&cfg)
		err := cfg.Validate()
		require.Error(t, err, name)
		assert.Contains(t, err.Error(), tc.msg, name)
	}
}

func TestSetSizes(t *testing.T) {
	cfg := Default()
	cfg.SetSizes("128, 256,")
	assert.Equal(t, []string{"128", "256"}, cfg.Sizes)
	opts, err := cfg.ScanOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, []aeskey.KeySize{aeskey.AES128, aeskey.AES256}, opts.Sizes)
	assert.True(t, opts.Reconstruct)
}

func TestKDFParams(t *testing.T) {
	p := Default().KDFParams()
	assert.Equal(t, uint32(6), p.Time)
	assert.Equal(t, uint32(256*1024), p.Memory)
	assert.Equal(t, uint8(2), p.Threads)
}
