package lsm

import (
	"os"

	"github.com/goccy/go-yaml"
)

// Engine-wide defaults, overridable per instance via Config.
const (
	Levels           = 7
	MemtableMax      = 4 * 1 << 20 // 4 MiB
	LevelSizeRatio   = 10
	L0MaxTables      = 4
	CacheSize        = 1024
	BloomBitsPerItem = 10
	BloomHashes      = 7
)

// FsyncPolicy controls when the WAL flushes to the kernel.
type FsyncPolicy string

const (
	// FsyncAlways flushes and syncs on every append, giving Set/Del a
	// durability guarantee; other policies trade that guarantee away for
	// throughput and are opt-in.
	FsyncAlways FsyncPolicy = "always"
	// FsyncEverySecond does not fsync on append. The WAL runs no
	// background timer for it, so it behaves like FsyncNone: only Sync()
	// (and a WAL rotation) forces the file to disk.
	FsyncEverySecond FsyncPolicy = "every_sec"
	// FsyncNone never syncs proactively, relying on OS buffering; only
	// Sync() forces durability.
	FsyncNone FsyncPolicy = "none"
)

// Config tunes the engine away from its built-in defaults. The zero
// value is not directly usable; call DefaultConfig and override fields,
// or load one from YAML with LoadConfig.
type Config struct {
	Dir string `yaml:"dir"`

	Levels           int         `yaml:"levels"`
	MemtableMax      int64       `yaml:"memtable_max_bytes"`
	LevelSizeRatio   int         `yaml:"level_size_ratio"`
	L0MaxTables      int         `yaml:"l0_max_tables"`
	CacheSize        int         `yaml:"cache_size"`
	BloomBitsPerItem uint        `yaml:"bloom_bits_per_item"`
	BloomHashes      uint        `yaml:"bloom_hashes"`
	FsyncPolicy      FsyncPolicy `yaml:"fsync_policy"`

	// CompactionInterval overrides the compactor wake cadence, in
	// milliseconds. Zero uses the default of 2000ms.
	CompactionIntervalMS int `yaml:"compaction_interval_ms"`
}

// DefaultConfig returns the engine's built-in default settings.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:                  dir,
		Levels:               Levels,
		MemtableMax:          MemtableMax,
		LevelSizeRatio:       LevelSizeRatio,
		L0MaxTables:          L0MaxTables,
		CacheSize:            CacheSize,
		BloomBitsPerItem:     BloomBitsPerItem,
		BloomHashes:          BloomHashes,
		FsyncPolicy:          FsyncAlways,
		CompactionIntervalMS: 2000,
	}
}

// LoadConfig reads a YAML config file and overlays it onto DefaultConfig
// for the given directory. A missing or empty path is not an error — the
// engine runs fully configured from defaults alone.
func LoadConfig(dir, path string) (Config, error) {
	cfg := DefaultConfig(dir)
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Dir == "" {
		cfg.Dir = dir
	}
	return cfg, nil
}

func (c Config) compactionInterval() int64 {
	if c.CompactionIntervalMS <= 0 {
		return 2000
	}
	return int64(c.CompactionIntervalMS)
}
