package state

import (
	"context"
	"testing"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-fvm/actors"
	"github.com/filecoin-project/go-fvm/blockstore"
	"github.com/filecoin-project/go-fvm/types"
)

func setupStateTree(t *testing.T) (*StateTree, cbor.IpldStore) {
	t.Helper()
	ctx := context.Background()

	cst := cbor.NewCborStore(blockstore.NewMemory())
	st, err := NewStateTree(cst)
	require.NoError(t, err)

	iasCid, err := actors.NewInitActorState(ctx, cst, "testnet")
	require.NoError(t, err)

	codeCid, err := cst.Put(ctx, &types.StateInfo{})
	require.NoError(t, err)

	require.NoError(t, st.SetActor(actors.InitActorAddr, &types.Actor{
		Code:    codeCid,
		Head:    iasCid,
		Balance: types.NewInt(0),
	}))

	return st, cst
}

func mkActor(t *testing.T, cst cbor.IpldStore, balance uint64) *types.Actor {
	t.Helper()
	c, err := cst.Put(context.Background(), &types.StateInfo{})
	require.NoError(t, err)
	return &types.Actor{
		Code:    c,
		Head:    c,
		Balance: types.NewInt(balance),
	}
}

func TestSetGetFlushReload(t *testing.T) {
	ctx := context.Background()
	st, cst := setupStateTree(t)

	act := mkActor(t, cst, 1000)
	require.NoError(t, st.SetActorByID(100, act))

	got, err := st.GetActorByID(100)
	require.NoError(t, err)
	require.Equal(t, types.NewInt(1000), got.Balance)

	root, err := st.Flush(ctx)
	require.NoError(t, err)

	st2, err := LoadStateTree(cst, root)
	require.NoError(t, err)

	got, err = st2.GetActorByID(100)
	require.NoError(t, err)
	require.Equal(t, act.Code, got.Code)
	require.Equal(t, types.NewInt(1000), got.Balance)

	_, err = st2.GetActorByID(101)
	require.True(t, xerrors.Is(err, types.ErrActorNotFound))
}

func TestTransactionRevert(t *testing.T) {
	st, cst := setupStateTree(t)

	require.NoError(t, st.SetActorByID(100, mkActor(t, cst, 1000)))

	st.BeginTransaction(false)
	act, err := st.GetActorByID(100)
	require.NoError(t, err)
	act.Balance = types.NewInt(1)
	require.NoError(t, st.SetActorByID(100, act))
	require.NoError(t, st.EndTransaction(true))

	got, err := st.GetActorByID(100)
	require.NoError(t, err)
	require.Equal(t, types.NewInt(1000), got.Balance)
}

func TestNestedTransactionCommitThenOuterRevert(t *testing.T) {
	st, cst := setupStateTree(t)
	require.NoError(t, st.SetActorByID(100, mkActor(t, cst, 1000)))

	st.BeginTransaction(false)
	st.BeginTransaction(false)
	require.NoError(t, st.SetActorByID(101, mkActor(t, cst, 5)))
	require.NoError(t, st.EndTransaction(false)) // inner commit merges up

	got, err := st.GetActorByID(101)
	require.NoError(t, err)
	require.Equal(t, types.NewInt(5), got.Balance)

	require.NoError(t, st.EndTransaction(true)) // outer revert discards it

	_, err = st.GetActorByID(101)
	require.True(t, xerrors.Is(err, types.ErrActorNotFound))
}

func TestDeleteTombstone(t *testing.T) {
	ctx := context.Background()
	st, cst := setupStateTree(t)

	require.NoError(t, st.SetActorByID(100, mkActor(t, cst, 7)))
	root, err := st.Flush(ctx)
	require.NoError(t, err)

	st2, err := LoadStateTree(cst, root)
	require.NoError(t, err)

	st2.BeginTransaction(false)
	require.NoError(t, st2.DeleteActor(100))

	_, err = st2.GetActorByID(100)
	require.True(t, xerrors.Is(err, types.ErrActorNotFound))

	require.NoError(t, st2.EndTransaction(true))

	got, err := st2.GetActorByID(100)
	require.NoError(t, err)
	require.Equal(t, types.NewInt(7), got.Balance)
}

func TestReadOnlyNesting(t *testing.T) {
	st, cst := setupStateTree(t)
	require.NoError(t, st.SetActorByID(100, mkActor(t, cst, 10)))

	st.BeginTransaction(true)
	require.True(t, st.ReadOnly())

	err := st.SetActorByID(100, mkActor(t, cst, 11))
	require.True(t, xerrors.Is(err, ErrReadOnly))

	// a write transaction opened inside a read-only one stays read-only
	st.BeginTransaction(false)
	require.True(t, st.ReadOnly())
	err = st.SetActorByID(100, mkActor(t, cst, 12))
	require.True(t, xerrors.Is(err, ErrReadOnly))
	require.NoError(t, st.EndTransaction(false))

	require.True(t, st.ReadOnly())
	require.NoError(t, st.EndTransaction(false))
	require.False(t, st.ReadOnly())

	// writes work again
	require.NoError(t, st.SetActorByID(100, mkActor(t, cst, 13)))
}

func TestFlushWithOpenTransactionFails(t *testing.T) {
	ctx := context.Background()
	st, _ := setupStateTree(t)

	st.BeginTransaction(false)
	_, err := st.Flush(ctx)
	require.Error(t, err)
	require.NoError(t, st.EndTransaction(false))

	st.BeginTransaction(true)
	_, err = st.Flush(ctx)
	require.Error(t, err)
	require.NoError(t, st.EndTransaction(false))

	_, err = st.Flush(ctx)
	require.NoError(t, err)
}

func TestEndTransactionUnderflow(t *testing.T) {
	st, _ := setupStateTree(t)
	require.Error(t, st.EndTransaction(false))
}

func TestLookupIDAndRegister(t *testing.T) {
	st, _ := setupStateTree(t)

	keyAddr, err := address.NewSecp256k1Address([]byte("sekrit pubkey"))
	require.NoError(t, err)

	_, err = st.LookupID(keyAddr)
	require.True(t, xerrors.Is(err, types.ErrActorNotFound))

	id, err := st.RegisterNewAddress(keyAddr)
	require.NoError(t, err)
	require.Equal(t, abi.ActorID(actors.FirstNonSingletonActorID), id)

	got, err := st.LookupID(keyAddr)
	require.NoError(t, err)
	require.Equal(t, id, got)

	// a second registration hands out a fresh, never reused ID
	keyAddr2, err := address.NewSecp256k1Address([]byte("other pubkey"))
	require.NoError(t, err)
	id2, err := st.RegisterNewAddress(keyAddr2)
	require.NoError(t, err)
	require.Equal(t, id+1, id2)
}

func TestRegistrationRevertsWithTransaction(t *testing.T) {
	st, _ := setupStateTree(t)

	keyAddr, err := address.NewSecp256k1Address([]byte("ephemeral"))
	require.NoError(t, err)

	st.BeginTransaction(false)
	_, err = st.RegisterNewAddress(keyAddr)
	require.NoError(t, err)
	require.NoError(t, st.EndTransaction(true))

	_, err = st.LookupID(keyAddr)
	require.True(t, xerrors.Is(err, types.ErrActorNotFound))
}

func TestFlushedRootIsStateRoot(t *testing.T) {
	ctx := context.Background()
	st, cst := setupStateTree(t)

	root, err := st.Flush(ctx)
	require.NoError(t, err)
	require.NotEqual(t, cid.Undef, root)

	var sr types.StateRoot
	require.NoError(t, cst.Get(ctx, root, &sr))
	require.Equal(t, types.StateTreeVersion0, sr.Version)
	require.NotEqual(t, cid.Undef, sr.Actors)
}

func BenchmarkStateTreeSet(b *testing.B) {
	cst := cbor.NewCborStore(blockstore.NewMemory())
	st, err := NewStateTree(cst)
	if err != nil {
		b.Fatal(err)
	}

	c, err := cst.Put(context.Background(), &types.StateInfo{})
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		err = st.SetActorByID(abi.ActorID(i), &types.Actor{
			Balance: types.NewInt(1258812523),
			Code:    c,
			Head:    c,
			Nonce:   uint64(i),
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}
