package engine

import (
	"github.com/ipfs/go-cid"
)

type Config struct {
	// Concurrency bounds the number of messages executing at once.
	Concurrency int

	// MaxCallDepth is the host-side call stack limit. The instance pool
	// reserves this many slots so one call stack can always reach it.
	MaxCallDepth int

	// ExpectedMaxRecursion is the per-message instance budget used to size
	// the instance pool. Pool capacity is
	// MaxCallDepth + ExpectedMaxRecursion*Concurrency.
	ExpectedMaxRecursion int

	// MaxWasmStack is the guest-side recursion limit enforced by the
	// instrumented call depth counter.
	MaxWasmStack uint32

	// MaxMemoryPages caps each instance's linear memory (64KiB pages).
	MaxMemoryPages uint32

	// Redirects substitutes module code cids before cache lookup, for
	// patched builtins.
	Redirects map[cid.Cid]cid.Cid
}

func DefaultConfig() Config {
	return Config{
		Concurrency:          4,
		MaxCallDepth:         1024,
		ExpectedMaxRecursion: 256,
		MaxWasmStack:         2048,
		MaxMemoryPages:       4096, // 256MiB
	}
}
