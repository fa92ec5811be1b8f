package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e2b-dev/infra/packages/memshare/internal/cfg"
)

func TestWords(t *testing.T) {
	t.Parallel()

	data := generateWords(4)
	assert.Equal(t, []byte{0, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 3, 0, 0, 0}, data)
	assert.Equal(t, uint32(6), sumWords(data))

	assert.Equal(t, uint32(6), sumWords(append(data, 0xFF, 0xFF)))
	assert.Equal(t, uint32(0), sumWords(nil))

	// Wraps like the guest does.
	assert.Equal(t, uint32(0), sumWords([]byte{0xFF, 0xFF, 0xFF, 0xFF, 1, 0, 0, 0}))
}

func testConfig(backend cfg.Backend) cfg.Config {
	return cfg.Config{
		Backend:          backend,
		InitialPages:     1,
		MemoryLimitPages: 256,
		PageSize:         4096,
		PaddingPages:     2,
	}
}

func TestRun(t *testing.T) { //nolint:paralleltest // run replaces the global logger
	for _, backend := range []cfg.Backend{cfg.BackendWasm, cfg.BackendNative} {
		t.Run(string(backend)+"/generated", func(t *testing.T) {
			assert.True(t, run(testConfig(backend), "", 10_000))
		})

		t.Run(string(backend)+"/data file", func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "words.bin")
			require.NoError(t, os.WriteFile(path, append(generateWords(100), 7), 0o644))

			config := testConfig(backend)
			config.SegmentDir = t.TempDir()

			assert.True(t, run(config, path, 0))

			entries, err := os.ReadDir(config.SegmentDir)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}

	t.Run("missing data file", func(t *testing.T) {
		assert.False(t, run(testConfig(cfg.BackendNative), filepath.Join(t.TempDir(), "missing"), 0))
	})

	t.Run("reservation over the memory limit", func(t *testing.T) {
		config := testConfig(cfg.BackendNative)
		config.MemoryLimitPages = 1

		assert.False(t, run(config, "", 1<<15))
	})
}
