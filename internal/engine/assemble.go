package engine

import (
	"github.com/hyperengineering/tether/internal/cache"
	"github.com/hyperengineering/tether/internal/conflict"
	"github.com/hyperengineering/tether/internal/outbox"
	"github.com/hyperengineering/tether/internal/schema"
	"github.com/hyperengineering/tether/internal/store"
)

// NewForStore wires the queue, resolver, schema registry, applier and cache
// over one SQLite store and returns an engine that owns them.
func NewForStore(st *store.SQLiteStore, remote Remote, cfg Config, opts ...Option) *Engine {
	o := buildOptions(opts)
	cfg.applyDefaults()

	cacheOpts := []cache.Option{cache.WithClock(o.clock), cache.WithLogger(o.logger)}
	if r, ok := o.recorder.(cache.Recorder); ok {
		cacheOpts = append(cacheOpts, cache.WithRecorder(r))
	}
	registry := schema.NewRegistry(st)

	c := Components{
		Store:    st,
		Queue:    outbox.New(st, cfg.Retry, outbox.WithClock(o.clock), outbox.WithLogger(o.logger)),
		Resolver: conflict.NewResolver(st, conflict.WithClock(o.clock), conflict.WithLogger(o.logger)),
		Registry: registry,
		Applier:  schema.NewApplier(registry, st, o.logger),
		Cache:    cache.New(st, cfg.Cache, cacheOpts...),
		Remote:   remote,
	}
	return New(c, cfg, opts...)
}
