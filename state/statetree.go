package state

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	hamt "github.com/ipfs/go-hamt-ipld"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/trace"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-fvm/actors"
	"github.com/filecoin-project/go-fvm/types"
)

var log = logging.Logger("statetree")

// ErrReadOnly is returned for any mutation attempted inside a read-only
// transaction.
var ErrReadOnly = xerrors.New("state tree is read-only")

// StateTree stores actor state by ID, with a stack of uncommitted write
// layers on top of the persisted HAMT.
type StateTree struct {
	root  *hamt.Node
	Store cbor.IpldStore

	version types.StateTreeVersion
	info    cid.Cid

	snaps *stateSnaps

	// readCache holds actors read from the backing HAMT. It lives outside
	// the layer stack so a revert cannot resurrect anything through it,
	// and is dropped on flush.
	readCache map[abi.ActorID]types.Actor
}

type stateSnaps struct {
	layers []*stateSnapLayer

	// readOnly counts nested read-only transactions. While positive, new
	// transactions do not push layers and all writes fail.
	readOnly int
}

type stateSnapLayer struct {
	actors map[abi.ActorID]streeOp

	// resolved caches successful address resolutions made while this
	// layer was on top; dropped with the layer, merged down with it.
	resolved map[address.Address]abi.ActorID
}

type streeOp struct {
	Act    types.Actor
	Delete bool
}

func newStateSnapLayer() *stateSnapLayer {
	return &stateSnapLayer{
		actors:   make(map[abi.ActorID]streeOp),
		resolved: make(map[address.Address]abi.ActorID),
	}
}

func newStateSnaps() *stateSnaps {
	return &stateSnaps{
		layers: []*stateSnapLayer{newStateSnapLayer()},
	}
}

func (ss *stateSnaps) addLayer() {
	ss.layers = append(ss.layers, newStateSnapLayer())
}

func (ss *stateSnaps) dropLayer() {
	ss.layers[len(ss.layers)-1] = nil // allow it to be GCed
	ss.layers = ss.layers[:len(ss.layers)-1]
}

func (ss *stateSnaps) mergeLastLayer() {
	last := ss.layers[len(ss.layers)-1]
	nextLast := ss.layers[len(ss.layers)-2]

	for k, v := range last.actors {
		nextLast.actors[k] = v
	}
	for k, v := range last.resolved {
		nextLast.resolved[k] = v
	}

	ss.dropLayer()
}

func (ss *stateSnaps) getActor(id abi.ActorID) (*types.Actor, error) {
	for i := len(ss.layers) - 1; i >= 0; i-- {
		act, ok := ss.layers[i].actors[id]
		if ok {
			if act.Delete {
				return nil, types.ErrActorNotFound
			}

			return &act.Act, nil
		}
	}
	return nil, nil
}

func (ss *stateSnaps) setActor(id abi.ActorID, act *types.Actor) {
	ss.layers[len(ss.layers)-1].actors[id] = streeOp{Act: *act}
}

func (ss *stateSnaps) deleteActor(id abi.ActorID) {
	ss.layers[len(ss.layers)-1].actors[id] = streeOp{Delete: true}
}

func (ss *stateSnaps) getResolved(addr address.Address) (abi.ActorID, bool) {
	for i := len(ss.layers) - 1; i >= 0; i-- {
		if id, ok := ss.layers[i].resolved[addr]; ok {
			return id, true
		}
	}
	return 0, false
}

func (ss *stateSnaps) setResolved(addr address.Address, id abi.ActorID) {
	ss.layers[len(ss.layers)-1].resolved[addr] = id
}

func NewStateTree(cst cbor.IpldStore) (*StateTree, error) {
	return &StateTree{
		root:      hamt.NewNode(cst, hamt.UseTreeBitWidth(5)),
		Store:     cst,
		version:   types.StateTreeVersion0,
		snaps:     newStateSnaps(),
		readCache: make(map[abi.ActorID]types.Actor),
	}, nil
}

func LoadStateTree(cst cbor.IpldStore, c cid.Cid) (*StateTree, error) {
	var root types.StateRoot
	if err := cst.Get(context.Background(), c, &root); err != nil {
		return nil, xerrors.Errorf("loading state root %s: %w", c, err)
	}

	if root.Version != types.StateTreeVersion0 {
		return nil, xerrors.Errorf("unsupported state tree version %d", root.Version)
	}

	nd, err := hamt.LoadNode(context.Background(), cst, root.Actors, hamt.UseTreeBitWidth(5))
	if err != nil {
		log.Errorf("loading hamt node %s failed: %s", root.Actors, err)
		return nil, err
	}

	return &StateTree{
		root:      nd,
		Store:     cst,
		version:   root.Version,
		info:      root.Info,
		snaps:     newStateSnaps(),
		readCache: make(map[abi.ActorID]types.Actor),
	}, nil
}

// BeginTransaction opens a nested transaction. A read-only transaction, or
// any transaction opened inside one, only bumps the read-only depth and
// pushes no layer.
func (st *StateTree) BeginTransaction(readOnly bool) {
	if readOnly || st.snaps.readOnly > 0 {
		st.snaps.readOnly++
		return
	}
	st.snaps.addLayer()
}

// EndTransaction closes the innermost transaction, merging its writes into
// the parent layer, or discarding them when revert is set.
func (st *StateTree) EndTransaction(revert bool) error {
	if st.snaps.readOnly > 0 {
		st.snaps.readOnly--
		return nil
	}
	if len(st.snaps.layers) <= 1 {
		return xerrors.New("end transaction with no open transaction")
	}
	if revert {
		st.snaps.dropLayer()
	} else {
		st.snaps.mergeLastLayer()
	}
	return nil
}

// ReadOnly reports whether mutations are currently forbidden.
func (st *StateTree) ReadOnly() bool {
	return st.snaps.readOnly > 0
}

func idKey(id abi.ActorID) string {
	a, err := address.NewIDAddress(uint64(id))
	if err != nil {
		// only reachable for IDs wider than 63 bits
		panic(err)
	}
	return string(a.Bytes())
}

// GetActorByID returns the actor identified by id, or types.ErrActorNotFound.
// The returned actor is a copy; mutations require SetActorByID.
func (st *StateTree) GetActorByID(id abi.ActorID) (*types.Actor, error) {
	snapAct, err := st.snaps.getActor(id)
	if err != nil {
		return nil, err
	}
	if snapAct != nil {
		cp := *snapAct
		return &cp, nil
	}

	if act, ok := st.readCache[id]; ok {
		cp := act
		return &cp, nil
	}

	var act types.Actor
	err = st.root.Find(context.TODO(), idKey(id), &act)
	if err != nil {
		if err == hamt.ErrNotFound {
			return nil, types.ErrActorNotFound
		}
		return nil, xerrors.Errorf("hamt find failed: %w", err)
	}

	st.readCache[id] = act

	return &act, nil
}

// GetActor returns the actor for any type of addr.
func (st *StateTree) GetActor(addr address.Address) (*types.Actor, error) {
	if addr == address.Undef {
		return nil, xerrors.New("GetActor called on undefined address")
	}

	id, err := st.LookupID(addr)
	if err != nil {
		return nil, err
	}

	return st.GetActorByID(id)
}

func (st *StateTree) SetActorByID(id abi.ActorID, act *types.Actor) error {
	if st.snaps.readOnly > 0 {
		return ErrReadOnly
	}

	st.snaps.setActor(id, act)
	return nil
}

func (st *StateTree) SetActor(addr address.Address, act *types.Actor) error {
	id, err := st.LookupID(addr)
	if err != nil {
		return xerrors.Errorf("ID lookup failed: %w", err)
	}

	return st.SetActorByID(id, act)
}

// LookupID resolves addr to its ID through the init actor's address map.
// Unknown addresses return types.ErrActorNotFound.
func (st *StateTree) LookupID(addr address.Address) (abi.ActorID, error) {
	if addr.Protocol() == address.ID {
		id, err := address.IDFromAddress(addr)
		if err != nil {
			return 0, xerrors.Errorf("invalid id address: %w", err)
		}
		return abi.ActorID(id), nil
	}

	if id, ok := st.snaps.getResolved(addr); ok {
		return id, nil
	}

	act, err := st.GetActor(actors.InitActorAddr)
	if err != nil {
		return 0, xerrors.Errorf("getting init actor: %w", err)
	}

	var ias actors.InitActorState
	if err := st.Store.Get(context.TODO(), act.Head, &ias); err != nil {
		return 0, xerrors.Errorf("loading init actor state: %w", err)
	}

	id, found, err := ias.ResolveAddress(context.TODO(), st.Store, addr)
	if err != nil {
		return 0, xerrors.Errorf("resolve address %s: %w", addr, err)
	}
	if !found {
		return 0, xerrors.Errorf("resolution lookup failed (%s): %w", addr, types.ErrActorNotFound)
	}

	st.snaps.setResolved(addr, id)
	return id, nil
}

// RegisterNewAddress assigns a fresh ID to addr in the init actor's address
// map and returns it.
func (st *StateTree) RegisterNewAddress(addr address.Address) (abi.ActorID, error) {
	if st.snaps.readOnly > 0 {
		return 0, ErrReadOnly
	}

	var out abi.ActorID
	err := st.MutateActor(actors.InitActorAddr, func(initact *types.Actor) error {
		var ias actors.InitActorState
		if err := st.Store.Get(context.TODO(), initact.Head, &ias); err != nil {
			return err
		}

		id, err := ias.MapAddressToNewID(context.TODO(), st.Store, addr)
		if err != nil {
			return err
		}
		out = id

		ncid, err := st.Store.Put(context.TODO(), &ias)
		if err != nil {
			return err
		}

		initact.Head = ncid
		return nil
	})
	if err != nil {
		return 0, err
	}

	st.snaps.setResolved(addr, out)
	return out, nil
}

func (st *StateTree) DeleteActor(id abi.ActorID) error {
	if st.snaps.readOnly > 0 {
		return ErrReadOnly
	}

	if _, err := st.GetActorByID(id); err != nil {
		return err
	}

	st.snaps.deleteActor(id)
	return nil
}

// Flush commits the base layer to the HAMT and returns the cid of a new
// StateRoot. Calling with open transactions is an error.
func (st *StateTree) Flush(ctx context.Context) (cid.Cid, error) {
	ctx, span := trace.StartSpan(ctx, "stateTree.Flush")
	defer span.End()

	if len(st.snaps.layers) != 1 {
		return cid.Undef, xerrors.New("tried to flush state tree with transactions on the stack")
	}
	if st.snaps.readOnly > 0 {
		return cid.Undef, xerrors.New("tried to flush state tree in read-only mode")
	}

	for id, sto := range st.snaps.layers[0].actors {
		if sto.Delete {
			if err := st.root.Delete(ctx, idKey(id)); err != nil {
				return cid.Undef, err
			}
		} else {
			act := sto.Act
			if err := st.root.Set(ctx, idKey(id), &act); err != nil {
				return cid.Undef, err
			}
		}
	}

	if err := st.root.Flush(ctx); err != nil {
		return cid.Undef, err
	}

	actorsCid, err := st.Store.Put(ctx, st.root)
	if err != nil {
		return cid.Undef, err
	}

	if st.info == cid.Undef {
		infoCid, err := st.Store.Put(ctx, &types.StateInfo{})
		if err != nil {
			return cid.Undef, err
		}
		st.info = infoCid
	}

	st.readCache = make(map[abi.ActorID]types.Actor)

	return st.Store.Put(ctx, &types.StateRoot{
		Version: st.version,
		Actors:  actorsCid,
		Info:    st.info,
	})
}

func (st *StateTree) MutateActor(addr address.Address, f func(*types.Actor) error) error {
	act, err := st.GetActor(addr)
	if err != nil {
		return err
	}

	if err := f(act); err != nil {
		return err
	}

	return st.SetActor(addr, act)
}
