package actors

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	hamt "github.com/ipfs/go-hamt-ipld"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"
)

func init() {
	cbor.RegisterCborType(InitActorState{})
}

// InitActorState is the Init actor's state: the stable-address to ID-address
// map and the next ID to assign.
type InitActorState struct {
	AddressMap  cid.Cid
	NextID      uint64
	NetworkName string
}

// NewInitActorState writes an empty init state and returns its cid.
func NewInitActorState(ctx context.Context, cst cbor.IpldStore, networkName string) (cid.Cid, error) {
	amap := hamt.NewNode(cst)
	if err := amap.Flush(ctx); err != nil {
		return cid.Undef, xerrors.Errorf("flushing empty address map: %w", err)
	}
	amcid, err := cst.Put(ctx, amap)
	if err != nil {
		return cid.Undef, xerrors.Errorf("storing empty address map: %w", err)
	}

	return cst.Put(ctx, &InitActorState{
		AddressMap:  amcid,
		NextID:      FirstNonSingletonActorID,
		NetworkName: networkName,
	})
}

// ResolveAddress looks up addr in the address map. The second return is
// false when the address is unknown, with no error.
func (s *InitActorState) ResolveAddress(ctx context.Context, cst cbor.IpldStore, addr address.Address) (abi.ActorID, bool, error) {
	if addr.Protocol() == address.ID {
		id, err := address.IDFromAddress(addr)
		if err != nil {
			return 0, false, xerrors.Errorf("invalid id address: %w", err)
		}
		return abi.ActorID(id), true, nil
	}

	amap, err := hamt.LoadNode(ctx, cst, s.AddressMap)
	if err != nil {
		return 0, false, xerrors.Errorf("loading address map: %w", err)
	}

	var id uint64
	err = amap.Find(ctx, string(addr.Bytes()), &id)
	if err == hamt.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, xerrors.Errorf("resolving %s: %w", addr, err)
	}

	return abi.ActorID(id), true, nil
}

// MapAddressToNewID assigns the next ID to addr, records the mapping, and
// mutates s with the new map root and counter. The caller persists s.
func (s *InitActorState) MapAddressToNewID(ctx context.Context, cst cbor.IpldStore, addr address.Address) (abi.ActorID, error) {
	amap, err := hamt.LoadNode(ctx, cst, s.AddressMap)
	if err != nil {
		return 0, xerrors.Errorf("loading address map: %w", err)
	}

	id := s.NextID
	s.NextID++

	if err := amap.Set(ctx, string(addr.Bytes()), id); err != nil {
		return 0, xerrors.Errorf("setting address map entry: %w", err)
	}

	if err := amap.Flush(ctx); err != nil {
		return 0, xerrors.Errorf("flushing address map: %w", err)
	}

	amcid, err := cst.Put(ctx, amap)
	if err != nil {
		return 0, xerrors.Errorf("storing address map: %w", err)
	}
	s.AddressMap = amcid

	return abi.ActorID(id), nil
}
