package engine

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"
	"github.com/tetratelabs/wazero"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-fvm/metrics"
)

// ModuleRecord is an immutable compiled module. Size is the byte size of
// the module before instrumentation.
type ModuleRecord struct {
	Code     cid.Cid
	Compiled wazero.CompiledModule
	Size     int

	once sync.Once
	err  error
}

// ModuleCache holds compiled modules for the process lifetime, keyed by
// redirect-resolved code cid.
type ModuleCache struct {
	mx      sync.Mutex
	modules map[cid.Cid]*ModuleRecord
}

func newModuleCache() *ModuleCache {
	return &ModuleCache{
		modules: make(map[cid.Cid]*ModuleRecord),
	}
}

// load returns the record for key, compiling at most once per cid. Losers
// of the insertion race share the winner's record, so concurrent loads of
// the same cid block on one compilation instead of repeating it.
func (c *ModuleCache) load(ctx context.Context, key cid.Cid, compile func() (wazero.CompiledModule, int, error)) (*ModuleRecord, error) {
	c.mx.Lock()
	rec, ok := c.modules[key]
	if !ok {
		rec = &ModuleRecord{Code: key}
		c.modules[key] = rec
	}
	c.mx.Unlock()

	if ok {
		stats.Record(ctx, metrics.ModuleCacheHits.M(1))
	}

	rec.once.Do(func() {
		compiled, size, err := compile()
		if err != nil {
			rec.err = xerrors.Errorf("compiling module %s: %w", key, err)
			return
		}
		rec.Compiled = compiled
		rec.Size = size
		stats.Record(ctx, metrics.ModuleCacheCompiles.M(1))
	})

	if rec.err != nil {
		return nil, rec.err
	}
	return rec, nil
}

// Len reports the number of cached records, including failed ones.
func (c *ModuleCache) Len() int {
	c.mx.Lock()
	defer c.mx.Unlock()
	return len(c.modules)
}
