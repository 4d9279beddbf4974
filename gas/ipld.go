package gas

import (
	"context"

	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"

	"github.com/filecoin-project/go-fvm/blockstore"
)

// ChargingBlockstore charges for every read and write passing through it.
// It fronts the store actor state goes through during an invocation.
type ChargingBlockstore struct {
	pricelist PriceList
	tracker   *GasTracker
	under     blockstore.Blockstore
}

func NewChargingBlockstore(pl PriceList, t *GasTracker, under blockstore.Blockstore) *ChargingBlockstore {
	return &ChargingBlockstore{
		pricelist: pl,
		tracker:   t,
		under:     under,
	}
}

var _ cbor.IpldBlockstore = (*ChargingBlockstore)(nil)

func (bs *ChargingBlockstore) Get(ctx context.Context, c cid.Cid) (block.Block, error) {
	if err := bs.tracker.Charge(bs.pricelist.OnIpldGet()); err != nil {
		return nil, err
	}

	return bs.under.Get(ctx, c)
}

func (bs *ChargingBlockstore) Put(ctx context.Context, blk block.Block) error {
	if err := bs.tracker.Charge(bs.pricelist.OnIpldPut(len(blk.RawData()))); err != nil {
		return err
	}

	return bs.under.Put(ctx, blk)
}
