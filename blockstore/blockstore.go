// Package blockstore provides the block storage used by the VM: a plain
// interface, in-memory and synchronized implementations, and a two-tier
// buffered store that isolates a VM run from its backing store until flush.
package blockstore

import (
	"context"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"
)

var ErrNotFound = xerrors.New("blockstore: block not found")

// Blockstore is the common interface for raw block storage.
type Blockstore interface {
	DeleteBlock(ctx context.Context, c cid.Cid) error
	Has(ctx context.Context, c cid.Cid) (bool, error)
	Get(ctx context.Context, c cid.Cid) (blocks.Block, error)
	GetSize(ctx context.Context, c cid.Cid) (int, error)
	Put(ctx context.Context, blk blocks.Block) error
	PutMany(ctx context.Context, blks []blocks.Block) error
	AllKeysChan(ctx context.Context) (<-chan cid.Cid, error)
	HashOnRead(enabled bool)
	View(ctx context.Context, c cid.Cid, callback func([]byte) error) error
}

// every Blockstore can back a cbor IpldStore directly
var _ cbor.IpldBlockstore = (Blockstore)(nil)
