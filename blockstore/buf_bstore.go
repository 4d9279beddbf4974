package blockstore

import (
	"context"

	block "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// BufferedBS accumulates writes in a memory tier while reading through to
// a backing tier. The VM writes here during execution; flush copies the
// reachable subset of the write tier into the read tier.
type BufferedBS struct {
	read  Blockstore
	write Blockstore
}

func NewBufferedBstore(base Blockstore) *BufferedBS {
	return &BufferedBS{
		read:  base,
		write: NewMemorySync(),
	}
}

func NewTieredBstore(r Blockstore, w Blockstore) *BufferedBS {
	return &BufferedBS{
		read:  r,
		write: w,
	}
}

var _ Blockstore = &BufferedBS{}

func (bs *BufferedBS) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	a, err := bs.read.AllKeysChan(ctx)
	if err != nil {
		return nil, err
	}

	b, err := bs.write.AllKeysChan(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan cid.Cid)
	go func() {
		defer close(out)
		for a != nil || b != nil {
			select {
			case val, ok := <-a:
				if !ok {
					a = nil
				} else {
					select {
					case out <- val:
					case <-ctx.Done():
						return
					}
				}
			case val, ok := <-b:
				if !ok {
					b = nil
				} else {
					select {
					case out <- val:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

func (bs *BufferedBS) DeleteBlock(ctx context.Context, c cid.Cid) error {
	if err := bs.read.DeleteBlock(ctx, c); err != nil && err != ErrNotFound {
		return err
	}

	return bs.write.DeleteBlock(ctx, c)
}

func (bs *BufferedBS) View(ctx context.Context, c cid.Cid, callback func([]byte) error) error {
	err := bs.write.View(ctx, c, callback)
	if err != ErrNotFound {
		return err
	}

	return bs.read.View(ctx, c, callback)
}

func (bs *BufferedBS) Get(ctx context.Context, c cid.Cid) (block.Block, error) {
	if out, err := bs.write.Get(ctx, c); err != nil {
		if err != ErrNotFound {
			return nil, err
		}
	} else {
		return out, nil
	}

	return bs.read.Get(ctx, c)
}

func (bs *BufferedBS) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	s, err := bs.write.GetSize(ctx, c)
	if err == ErrNotFound || s == 0 {
		return bs.read.GetSize(ctx, c)
	}

	return s, err
}

func (bs *BufferedBS) Put(ctx context.Context, blk block.Block) error {
	has, err := bs.read.Has(ctx, blk.Cid())
	if err != nil {
		return err
	}

	if has {
		return nil
	}

	return bs.write.Put(ctx, blk)
}

func (bs *BufferedBS) Has(ctx context.Context, c cid.Cid) (bool, error) {
	has, err := bs.write.Has(ctx, c)
	if err != nil {
		return false, err
	}
	if has {
		return true, nil
	}

	return bs.read.Has(ctx, c)
}

func (bs *BufferedBS) HashOnRead(hor bool) {
	bs.read.HashOnRead(hor)
	bs.write.HashOnRead(hor)
}

func (bs *BufferedBS) PutMany(ctx context.Context, blks []block.Block) error {
	return bs.write.PutMany(ctx, blks)
}

func (bs *BufferedBS) Read() Blockstore {
	return bs.read
}

func (bs *BufferedBS) Write() Blockstore {
	return bs.write
}
