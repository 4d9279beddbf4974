package types

import (
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
)

type StateTreeVersion uint64

const (
	// StateTreeVersion0 is the only version currently written.
	StateTreeVersion0 StateTreeVersion = iota
)

func init() {
	cbor.RegisterCborType(StateRoot{})
	cbor.RegisterCborType(StateInfo{})
}

// StateRoot wraps the bare actors HAMT root so persisted roots carry
// version metadata.
type StateRoot struct {
	Version StateTreeVersion
	Actors  cid.Cid
	Info    cid.Cid
}

type StateInfo struct{}
