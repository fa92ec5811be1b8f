package cfg

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Backend selects how the guest is executed.
type Backend string

const (
	BackendWasm   Backend = "wasm"
	BackendNative Backend = "native"
)

type Config struct {
	Backend          Backend `env:"MEMSHARE_BACKEND"            envDefault:"wasm"`
	InitialPages     uint32  `env:"MEMSHARE_INITIAL_PAGES"      envDefault:"1"`
	LogDebug         bool    `env:"LOG_DEBUG"`
	MemoryLimitPages uint32  `env:"MEMSHARE_MEMORY_LIMIT_PAGES" envDefault:"256"`
	PaddingPages     int64   `env:"MEMSHARE_PADDING_PAGES"      envDefault:"2"`
	PageSize         int64   `env:"MEMSHARE_PAGE_SIZE"          envDefault:"4096"`
	SegmentDir       string  `env:"MEMSHARE_SEGMENT_DIR"`
	StrictBounds     bool    `env:"MEMSHARE_STRICT_BOUNDS"`
}

func Parse() (Config, error) {
	config, err := env.ParseAs[Config]()
	if err != nil {
		return config, err
	}

	return config, config.Validate()
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendWasm, BackendNative:
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	// Sizes are reported as uint32, so a full 4 GiB memory cannot be described.
	if c.MemoryLimitPages == 0 || c.MemoryLimitPages > 65535 {
		return fmt.Errorf("memory limit must be between 1 and 65535 pages, got %d", c.MemoryLimitPages)
	}

	if c.InitialPages == 0 || c.InitialPages > c.MemoryLimitPages {
		return fmt.Errorf("initial pages %d must be between 1 and the memory limit %d", c.InitialPages, c.MemoryLimitPages)
	}

	if c.PageSize <= 0 || c.PageSize&(c.PageSize-1) != 0 {
		return fmt.Errorf("page size %d is not a power of 2", c.PageSize)
	}

	if c.PaddingPages < 1 {
		return fmt.Errorf("padding must be at least one page, got %d", c.PaddingPages)
	}

	return nil
}
