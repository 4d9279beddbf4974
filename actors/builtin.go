// Package actors holds the builtin addresses and the minimal actor state
// the engine itself must understand: the Init actor's address map and the
// Account actor's key address record.
package actors

import (
	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/abi"
)

var (
	SystemActorAddr     = mustIDAddress(0)
	InitActorAddr       = mustIDAddress(1)
	BurntFundsActorAddr = mustIDAddress(99)
)

const (
	MethodSend        abi.MethodNum = 0
	MethodConstructor abi.MethodNum = 1
)

// FirstNonSingletonActorID is where the Init actor starts assigning IDs.
const FirstNonSingletonActorID uint64 = 100

func mustIDAddress(id uint64) address.Address {
	a, err := address.NewIDAddress(id)
	if err != nil {
		panic(err)
	}
	return a
}
