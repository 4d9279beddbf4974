// Package engine executes instrumented WASM actor modules on wazero, with
// bounded concurrency, a process-lifetime module cache, and a boosted
// instance pool.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"
	logging "github.com/ipfs/go-log/v2"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.opencensus.io/stats"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-fvm/aerrors"
	"github.com/filecoin-project/go-fvm/gas"
	"github.com/filecoin-project/go-fvm/metrics"
)

var log = logging.Logger("engine")

// exit codes below this value are reserved for the system; an actor
// returning one is misbehaving.
const firstActorExitCode = 16

// EnginePool hands out execution slots on a shared engine, bounding how
// many messages execute at once.
type EnginePool struct {
	mx   sync.Mutex
	cond sync.Cond

	available int
	engine    *Engine
}

func NewEnginePool(ctx context.Context, cfg Config) (*EnginePool, error) {
	if cfg.Concurrency < 1 {
		return nil, xerrors.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}

	eng, err := newEngine(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p := &EnginePool{
		available: cfg.Concurrency,
		engine:    eng,
	}
	p.cond.L = &p.mx
	return p, nil
}

// Acquire blocks until an execution slot is free.
func (p *EnginePool) Acquire(ctx context.Context) *EngineToken {
	stats.Record(ctx, metrics.EnginePoolWaiting.M(1))
	defer stats.Record(ctx, metrics.EnginePoolWaiting.M(-1))

	p.mx.Lock()
	for p.available == 0 {
		p.cond.Wait()
	}
	p.available--
	p.mx.Unlock()

	stats.Record(ctx, metrics.EnginePoolRunning.M(1))
	return &EngineToken{Engine: p.engine, pool: p}
}

// TryAcquire returns a token without blocking, or nil.
func (p *EnginePool) TryAcquire(ctx context.Context) *EngineToken {
	p.mx.Lock()
	defer p.mx.Unlock()
	if p.available == 0 {
		return nil
	}
	p.available--
	stats.Record(ctx, metrics.EnginePoolRunning.M(1))
	return &EngineToken{Engine: p.engine, pool: p}
}

// EngineToken is an acquired execution slot. Done returns it.
type EngineToken struct {
	*Engine
	pool *EnginePool
	done bool
}

func (t *EngineToken) Done() {
	if t.done {
		return
	}
	t.done = true

	t.pool.mx.Lock()
	t.pool.available++
	// Broadcast instead of Signal, the relevant comment in the instance
	// pool applies here too.
	t.pool.cond.Broadcast()
	t.pool.mx.Unlock()

	stats.Record(context.Background(), metrics.EnginePoolRunning.M(-1))
}

// Engine compiles and runs actor modules. It is shared by every token the
// pool hands out.
type Engine struct {
	cfg Config

	rt        wazero.Runtime
	cache     *ModuleCache
	instances *InstancePool

	ownerSeq atomic.Int64
}

func newEngine(ctx context.Context, cfg Config) (*Engine, error) {
	rc := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cfg.MaxMemoryPages > 0 {
		rc = rc.WithMemoryLimitPages(cfg.MaxMemoryPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rc)
	if err := instantiateHostModule(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, xerrors.Errorf("instantiating host module: %w", err)
	}

	capacity := cfg.MaxCallDepth + cfg.ExpectedMaxRecursion*cfg.Concurrency

	return &Engine{
		cfg:       cfg,
		rt:        rt,
		cache:     newModuleCache(),
		instances: newInstancePool(capacity, cfg.MaxCallDepth),
	}, nil
}

// NewOwner allocates an identity for one top-level message's instance pool
// usage. Owners are never reused.
func (e *Engine) NewOwner() int64 {
	return e.ownerSeq.Add(1)
}

// Cache exposes the module cache for inspection.
func (e *Engine) Cache() *ModuleCache {
	return e.cache
}

// InstancePool exposes the instance pool for inspection.
func (e *Engine) InstancePool() *InstancePool {
	return e.instances
}

func (e *Engine) resolveRedirect(code cid.Cid) cid.Cid {
	if r, ok := e.cfg.Redirects[code]; ok {
		return r
	}
	return code
}

// Load returns the compiled module for code, fetching and instrumenting it
// on first use. fetch receives the redirect-resolved cid.
func (e *Engine) Load(ctx context.Context, code cid.Cid, fetch func(cid.Cid) ([]byte, error)) (*ModuleRecord, error) {
	key := e.resolveRedirect(code)

	return e.cache.load(ctx, key, func() (wazero.CompiledModule, int, error) {
		raw, err := fetch(key)
		if err != nil {
			return nil, 0, xerrors.Errorf("fetching module bytes: %w", err)
		}

		instrumented, err := instrument(raw, e.cfg.MaxWasmStack)
		if err != nil {
			return nil, 0, err
		}

		compiled, err := e.rt.CompileModule(ctx, instrumented)
		if err != nil {
			return nil, 0, xerrors.Errorf("wazero compile: %w", err)
		}

		return compiled, len(raw), nil
	})
}

// Instance is one live instantiation of a compiled module, good for a
// single invocation.
type Instance struct {
	eng   *Engine
	mod   api.Module
	owner int64
}

// Instantiate takes an instance slot (blocking on the pool) and builds a
// fresh module instance for owner.
func (e *Engine) Instantiate(ctx context.Context, rec *ModuleRecord, owner int64) (*Instance, error) {
	e.instances.Take(owner)
	stats.Record(ctx, metrics.InstancePoolAvailable.M(int64(e.instances.Available())))

	mod, err := e.rt.InstantiateModule(ctx, rec.Compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		e.instances.Put(owner)
		return nil, xerrors.Errorf("instantiating module %s: %w", rec.Code, err)
	}

	return &Instance{eng: e, mod: mod, owner: owner}, nil
}

func (in *Instance) Close(ctx context.Context) {
	if err := in.mod.Close(ctx); err != nil {
		log.Warnw("closing instance", "error", err)
	}
	in.eng.instances.Put(in.owner)
}

func (in *Instance) mutableGlobal(name string) (api.MutableGlobal, error) {
	g := in.mod.ExportedGlobal(name)
	if g == nil {
		return nil, xerrors.Errorf("instance is missing the %s global", name)
	}
	mg, ok := g.(api.MutableGlobal)
	if !ok {
		return nil, xerrors.Errorf("global %s is not mutable", name)
	}
	return mg, nil
}

// gasMeter converts the instrumentation's instruction units into tracker
// gas. settle charges whatever was burned since the last checkpoint; reseed
// pushes the tracker's remaining budget back into the gas global. Settling
// on entry to every host call keeps the tracker exact mid-invocation, so a
// syscall can never spend gas the guest has already burned.
type gasMeter struct {
	gasGlobal api.MutableGlobal
	tracker   *gas.GasTracker
	pl        gas.PriceList
	perUnit   int64
	seedUnits int64
}

func (m *gasMeter) settle() aerrors.ActorError {
	rem := int64(m.gasGlobal.Get())
	if rem < 0 || rem > m.seedUnits {
		return aerrors.Fatalf("gas global out of range: %d of %d", rem, m.seedUnits)
	}
	used := m.seedUnits - rem
	m.seedUnits = rem
	if used > 0 {
		if aerr := m.tracker.Charge(m.pl.OnWasmExec(used)); aerr != nil {
			return aerr
		}
	}
	return nil
}

func (m *gasMeter) reseed() {
	m.seedUnits = m.tracker.Remaining() / m.perUnit
	m.gasGlobal.Set(uint64(m.seedUnits))
}

// Invoke runs the module's exported invoke(method) entrypoint against
// kernel k. Instruction metering is settled against the tracker; the
// outcome is classified into a return value or an ActorError.
func (in *Instance) Invoke(ctx context.Context, k Kernel, method abi.MethodNum, tracker *gas.GasTracker, pl gas.PriceList) ([]byte, aerrors.ActorError) {
	perUnit := pl.WasmInstruction
	if perUnit <= 0 {
		perUnit = 1
	}

	gasGlobal, err := in.mutableGlobal(GasGlobalName)
	if err != nil {
		return nil, aerrors.Escalate(err, "broken instrumentation")
	}
	trapGlobal := in.mod.ExportedGlobal(TrapGlobalName)
	if trapGlobal == nil {
		return nil, aerrors.Fatal("instance is missing the trap code global")
	}

	fn := in.mod.ExportedFunction("invoke")
	if fn == nil {
		return nil, aerrors.Newf(exitcode.SysErrorIllegalActor, "module %s has no invoke export", in.mod.Name())
	}

	meter := &gasMeter{gasGlobal: gasGlobal, tracker: tracker, pl: pl, perUnit: perUnit}
	meter.reseed()

	inv := &invocation{kernel: k, meter: meter}
	results, callErr := fn.Call(withInvocation(ctx, inv), uint64(method))

	// settle whatever ran since the last host call
	if aerr := meter.settle(); aerr != nil {
		return nil, aerr
	}

	if callErr != nil {
		if inv.trapped != nil {
			return nil, inv.trapped
		}

		switch int32(trapGlobal.Get()) {
		case trapOutOfGas:
			// the remainder below one metering seed is forfeited
			tracker.TryCharge(gas.NewGasCharge("OnWasmExec", tracker.Remaining(), 0))
			return nil, aerrors.Newf(exitcode.SysErrOutOfGas, "wasm execution ran out of gas")
		case trapCallDepth:
			return nil, aerrors.Newf(exitcode.SysErrIllegalInstruction, "wasm call depth limit exceeded")
		default:
			if ctx.Err() != nil {
				return nil, aerrors.Escalate(callErr, "execution interrupted")
			}
			return nil, aerrors.Newf(exitcode.SysErrIllegalInstruction, "wasm trap: %s", callErr)
		}
	}

	if len(results) != 1 {
		return nil, aerrors.Newf(exitcode.SysErrorIllegalActor, "invoke returned %d results", len(results))
	}

	code := exitcode.ExitCode(api.DecodeI32(results[0]))
	if code == exitcode.Ok {
		return k.Output(), nil
	}
	if code < firstActorExitCode {
		return nil, aerrors.Newf(exitcode.SysErrorIllegalActor, "actor returned reserved exit code %d", code)
	}
	return nil, aerrors.Newf(code, "actor exited with code %d", code)
}
