package actors

import (
	"github.com/filecoin-project/go-address"
	cbor "github.com/ipfs/go-ipld-cbor"
)

func init() {
	cbor.RegisterCborType(AccountActorState{})
}

// AccountActorState records the public key address an account actor was
// created for.
type AccountActorState struct {
	Address address.Address
}
