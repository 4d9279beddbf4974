package blockstore

import (
	"bytes"
	"context"

	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	cbg "github.com/whyrusleeping/cbor-gen"
	"golang.org/x/xerrors"
)

// Copy moves every block reachable from root out of `from` into `to`,
// recursing through dag-cbor links. Raw-codec leaves are copied but not
// scanned. Blocks already present in `to` prune the walk.
func Copy(ctx context.Context, from, to Blockstore, root cid.Cid) error {
	var batch []block.Block
	batchCp := func(blk block.Block) error {
		batch = append(batch, blk)
		if len(batch) > 100 {
			if err := to.PutMany(ctx, batch); err != nil {
				return xerrors.Errorf("batch put in copy: %w", err)
			}
			batch = batch[:0]
		}
		return nil
	}

	if err := copyRec(ctx, from, to, root, batchCp); err != nil {
		return err
	}

	if len(batch) > 0 {
		if err := to.PutMany(ctx, batch); err != nil {
			return xerrors.Errorf("batch put in copy: %w", err)
		}
	}

	return nil
}

func copyRec(ctx context.Context, from, to Blockstore, root cid.Cid, cp func(block.Block) error) error {
	if root.Prefix().MhType == mh.IDENTITY {
		// identity cid, skip
		return nil
	}

	blk, err := from.Get(ctx, root)
	if err != nil {
		return xerrors.Errorf("get %s failed: %w", root, err)
	}

	if root.Prefix().Codec == cid.DagCBOR {
		var links []cid.Cid
		err := cbg.ScanForLinks(bytes.NewReader(blk.RawData()), func(c cid.Cid) {
			links = append(links, c)
		})
		if err != nil {
			return xerrors.Errorf("scanning links of %s: %w", root, err)
		}

		for _, link := range links {
			if link.Prefix().MhType == mh.IDENTITY {
				continue
			}

			has, err := to.Has(ctx, link)
			if err != nil {
				return err
			}
			if has {
				continue
			}

			if err := copyRec(ctx, from, to, link, cp); err != nil {
				return err
			}
		}
	}

	return cp(blk)
}
