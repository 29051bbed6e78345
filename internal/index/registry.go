package index

import (
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"
)

// DefaultCapacity is the number of indices a Registry keeps when
// RegistryConfig.Capacity is zero.
const DefaultCapacity = 8

// Key identifies a registry entry. The same file pair opened in two modes
// yields two distinct instances.
type Key struct {
	// VectorPath is the binary vector file.
	VectorPath string
	// MetadataPath is the JSON metadata file.
	MetadataPath string
	// Mode is the access mode.
	Mode Mode
}

// String renders the key for logs and singleflight.
func (k Key) String() string {
	return k.Mode.String() + "|" + k.VectorPath + "|" + k.MetadataPath
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	// Capacity bounds the number of cached indices. Defaults to
	// DefaultCapacity if zero.
	Capacity int

	// Logger receives load and eviction events. Defaults to slog.Default.
	Logger *slog.Logger

	// Metrics is optional.
	Metrics *Metrics
}

// Registry hands out shared EmbeddingIndex instances. Concurrent Gets for
// the same key load the index once and all receive the same pointer. The
// least recently used entry is dropped when Capacity is exceeded; an evicted
// mapped index is unmapped, and an evicted writable index with unsaved
// entries is reported because those entries are lost unless a holder still
// saves them.
type Registry struct {
	// cache maps keys to loaded indices.
	cache *lru.Cache[Key, *EmbeddingIndex]

	// group collapses concurrent loads of the same key.
	group singleflight.Group

	// log receives registry events.
	log *slog.Logger

	// metrics may be nil.
	metrics *Metrics
}

// NewRegistry constructs a Registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := &Registry{
		log:     cfg.Logger,
		metrics: cfg.Metrics,
	}
	cache, err := lru.NewWithEvict(cfg.Capacity, r.onEvict)
	if err != nil {
		return nil, fmt.Errorf("index: create registry cache: %w", err)
	}
	r.cache = cache
	return r, nil
}

// Get returns the cached index for key, loading it with dimension on first
// use. A failed load is not cached; the next Get retries.
func (r *Registry) Get(key Key, dimension int) (*EmbeddingIndex, error) {
	if x, ok := r.cache.Get(key); ok {
		r.metrics.hit()
		return x, nil
	}

	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		// A concurrent flight may have finished between the miss and Do.
		if x, ok := r.cache.Get(key); ok {
			r.metrics.hit()
			return x, nil
		}
		r.metrics.miss()

		x, err := Open(Config{
			VectorPath:   key.VectorPath,
			MetadataPath: key.MetadataPath,
			Dimension:    dimension,
			Mode:         key.Mode,
		}, r.log)
		if err != nil {
			r.metrics.loadFailed()
			return nil, err
		}

		r.cache.Add(key, x)
		r.metrics.loaded(key.Mode, r.cache.Len())
		r.log.Info("index: loaded into registry",
			slog.String("key", key.String()),
			slog.Int("entries", x.VectorCount()),
		)
		return x, nil
	})
	if err != nil {
		return nil, fmt.Errorf("index: registry get %s: %w", key.VectorPath, err)
	}
	return v.(*EmbeddingIndex), nil
}

// Len returns the number of cached indices.
func (r *Registry) Len() int {
	return r.cache.Len()
}

// Purge drops every cached index, applying the eviction rules to each.
func (r *Registry) Purge() {
	r.cache.Purge()
}

// onEvict is the LRU eviction callback.
func (r *Registry) onEvict(key Key, x *EmbeddingIndex) {
	r.metrics.evicted(r.cache.Len())

	if n := x.Unsaved(); n > 0 {
		r.log.Warn("index: evicting writable index with unsaved entries",
			slog.String("key", key.String()),
			slog.Int("unsaved", n),
		)
	}
	if key.Mode == ModeMapped {
		if err := x.Close(); err != nil {
			r.log.Warn("index: unmap on eviction failed",
				slog.String("key", key.String()),
				slog.Any("error", err),
			)
		}
	}
	r.log.Debug("index: evicted from registry", slog.String("key", key.String()))
}
