package types

import (
	"github.com/filecoin-project/go-address"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"golang.org/x/xerrors"
)

var ErrActorNotFound = xerrors.New("actor not found")

func init() {
	cbor.RegisterCborType(Actor{})
}

// Actor is the on-chain record for a single actor. Head points at the
// actor's private state; Code at its WASM module.
type Actor struct {
	Code    cid.Cid
	Head    cid.Cid
	Nonce   uint64
	Balance BigInt

	// DelegatedAddress is set for actors created through key or delegated
	// addresses, nil for everything else.
	DelegatedAddress *address.Address
}

func (a *Actor) IsAccountActor(accountCode cid.Cid) bool {
	return a.Code == accountCode
}
