package proximum

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/replikativ/proximum/internal/kvstore"
	"github.com/replikativ/proximum/internal/obs"
	"github.com/replikativ/proximum/internal/util"
)

// Config collects create_index's config keys plus the runtime knobs
// (KV backend, mmap location, logger, metrics) every operation needs.
// Most fields map straight onto commit.Config; a handful (Branch,
// MmapDir, KV, Logger, Metrics, EfSearch) are index-runtime-only and
// never persisted.
type Config struct {
	Type       string
	Dim        int
	M          int
	MaxLevels  int
	ChunkSize  int
	CacheSize  int
	Distance   util.DistanceMetric
	Capacity   int64
	CryptoHash bool
	Addressing util.AddressingMode

	Branch string

	EfSearch int

	// KV is the backing store. If nil, CreateIndex opens a bbolt database
	// under MmapDir/<StoreID>.db (store_config's mandatory id names the file).
	KV kvstore.KV

	// MmapDir is where vector-store mmap files and (absent an explicit KV)
	// the bbolt database live.
	MmapDir string
	// MmapPath overrides the vector-store mmap file path; defaults to
	// MmapDir/vectors-<branch>.bin.
	MmapPath string

	// StoreID is store_config's mandatory id, naming the on-disk bbolt
	// file when KV is not supplied directly.
	StoreID string

	Logger  *slog.Logger
	Metrics *obs.Metrics
}

// Option configures a Config, the functional-options idiom every
// create_index/load/load_commit call is built on.
type Option func(*Config) error

// defaultConfig mirrors spec's create_index defaults.
func defaultConfig() *Config {
	return &Config{
		Type:      "hnsw",
		M:         16,
		MaxLevels: 16,
		ChunkSize: 1000,
		CacheSize: 10_000,
		Distance:  util.Euclidean,
		Capacity:  10_000_000,
		Branch:    "main",
		EfSearch:  64,
	}
}

func applyOptions(cfg *Config, opts []Option) error {
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return err
		}
	}
	return nil
}

// WithType selects the registered index type (only "hnsw" ships built in).
func WithType(t string) Option {
	return func(c *Config) error {
		if t == "" {
			return fmt.Errorf("proximum: type cannot be empty")
		}
		c.Type = t
		return nil
	}
}

// WithDim sets the fixed vector dimensionality. Required.
func WithDim(dim int) Option {
	return func(c *Config) error {
		if dim <= 0 {
			return fmt.Errorf("proximum: dim must be positive, got %d", dim)
		}
		c.Dim = dim
		return nil
	}
}

// WithM sets HNSW's M (max neighbors per node above layer 0).
func WithM(m int) Option {
	return func(c *Config) error {
		if m <= 0 {
			return fmt.Errorf("proximum: M must be positive, got %d", m)
		}
		c.M = m
		return nil
	}
}

// WithEfSearch sets the default beam width used when a call omits an
// explicit ef.
func WithEfSearch(ef int) Option {
	return func(c *Config) error {
		if ef <= 0 {
			return fmt.Errorf("proximum: ef_search must be positive, got %d", ef)
		}
		c.EfSearch = ef
		return nil
	}
}

// WithDistance sets the distance metric.
func WithDistance(metric util.DistanceMetric) Option {
	return func(c *Config) error {
		c.Distance = metric
		return nil
	}
}

// WithCapacity sets the fixed maximum vector count the mmap file is sized
// for.
func WithCapacity(capacity int64) Option {
	return func(c *Config) error {
		if capacity <= 0 {
			return fmt.Errorf("proximum: capacity must be positive, got %d", capacity)
		}
		c.Capacity = capacity
		return nil
	}
}

// WithMaxLevels caps HNSW's level sampler.
func WithMaxLevels(maxLevels int) Option {
	return func(c *Config) error {
		if maxLevels <= 0 {
			return fmt.Errorf("proximum: max_levels must be positive, got %d", maxLevels)
		}
		c.MaxLevels = maxLevels
		return nil
	}
}

// WithChunkSize sets how many vectors/edge-rows each persisted chunk holds.
func WithChunkSize(size int) Option {
	return func(c *Config) error {
		if size <= 0 {
			return fmt.Errorf("proximum: chunk_size must be positive, got %d", size)
		}
		c.ChunkSize = size
		return nil
	}
}

// WithCacheSize sets the caller-visible cache-size hint (carried through
// for parity with create_index's config keys; the mmap cache itself is
// sized by Capacity, not this).
func WithCacheSize(size int) Option {
	return func(c *Config) error {
		c.CacheSize = size
		return nil
	}
}

// WithBranch selects the branch an index operates on. Defaults to "main".
func WithBranch(name string) Option {
	return func(c *Config) error {
		if name == "" {
			return fmt.Errorf("proximum: branch cannot be empty")
		}
		c.Branch = name
		return nil
	}
}

// WithCryptoHash enables content-derived commit-ids (spec's crypto_hash?).
func WithCryptoHash(enabled bool) Option {
	return func(c *Config) error {
		c.CryptoHash = enabled
		if enabled {
			c.Addressing = util.ContentAddressing
		} else {
			c.Addressing = util.RandomAddressing
		}
		return nil
	}
}

// WithStoreID names the bbolt database file CreateIndex opens when KV is
// not supplied directly (store_config's mandatory id).
func WithStoreID(id string) Option {
	return func(c *Config) error {
		if id == "" {
			return fmt.Errorf("proximum: store id cannot be empty")
		}
		c.StoreID = id
		return nil
	}
}

// WithKV supplies an already-open KV store, bypassing StoreID/MmapDir's
// default bbolt-file resolution entirely.
func WithKV(kv kvstore.KV) Option {
	return func(c *Config) error {
		c.KV = kv
		return nil
	}
}

// WithMmapDir sets the directory vector-store mmap files (and, absent an
// explicit KV, the bbolt database) live under.
func WithMmapDir(dir string) Option {
	return func(c *Config) error {
		if dir == "" {
			return fmt.Errorf("proximum: mmap_dir cannot be empty")
		}
		c.MmapDir = dir
		return nil
	}
}

// WithMmapPath overrides the vector-store mmap file's exact path.
func WithMmapPath(path string) Option {
	return func(c *Config) error {
		c.MmapPath = path
		return nil
	}
}

// WithLogger injects a structured logger; nil-safe callers should use
// Config's logger() accessor rather than this field directly.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) error {
		c.Logger = l
		return nil
	}
}

// WithMetrics injects a shared Metrics instance, so multiple forks/branches
// of one lineage report to the same Prometheus counters.
func WithMetrics(m *obs.Metrics) Option {
	return func(c *Config) error {
		c.Metrics = m
		return nil
	}
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *obs.Metrics
)

// metrics returns c.Metrics, or else one process-wide default set:
// obs.NewMetrics registers on the default Prometheus registry, which
// rejects a second registration of the same names.
func (c *Config) metrics() *obs.Metrics {
	if c.Metrics != nil {
		return c.Metrics
	}
	defaultMetricsOnce.Do(func() { defaultMetrics = obs.NewMetrics() })
	return defaultMetrics
}

func (c *Config) mmapPath(branch string) string {
	if c.MmapPath != "" {
		return c.MmapPath
	}
	return filepath.Join(c.MmapDir, fmt.Sprintf("vectors-%s.bin", branch))
}

func (c *Config) boltPath() string {
	return filepath.Join(c.MmapDir, c.StoreID+".db")
}

func (c *Config) validate() error {
	if c.Dim <= 0 {
		return fmt.Errorf("proximum: dim must be set and positive")
	}
	if c.MmapDir == "" && c.MmapPath == "" {
		return fmt.Errorf("proximum: mmap_dir or mmap_path must be set")
	}
	if c.KV == nil && c.StoreID == "" {
		return fmt.Errorf("proximum: store id must be set when no KV is supplied")
	}
	return nil
}
