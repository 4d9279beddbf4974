package vm

import (
	"context"

	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/go-fvm/types"
)

// Interface is what callers drive: apply messages, then flush.
type Interface interface {
	// Execute applies a message to the state held by the VM. Anything an
	// actor did wrong comes back in the receipt; the error is reserved for
	// system-level failures.
	Execute(ctx context.Context, msg *types.Message) (*ApplyRet, error)

	// Flush persists the dirty state to the backing store and returns the
	// new state root. Legal only between messages.
	Flush(ctx context.Context) (cid.Cid, error)
}

var _ Interface = (*VM)(nil)
