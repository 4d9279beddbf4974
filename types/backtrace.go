package types

import (
	"fmt"
	"strings"

	"github.com/filecoin-project/go-state-types/abi"
	"github.com/filecoin-project/go-state-types/exitcode"
)

// Frame records one failing call in a message's execution, innermost first.
type Frame struct {
	// Actor is the resolved ID of the receiver, or 0 if resolution itself
	// failed.
	Actor  abi.ActorID
	Method abi.MethodNum
	Code   exitcode.ExitCode
	Msg    string
}

func (f Frame) String() string {
	return fmt.Sprintf("f0%d (method %d) -- %s (%d)", f.Actor, f.Method, f.Msg, f.Code)
}

// Backtrace is diagnostic data accompanying a failed receipt. It never
// affects state.
type Backtrace []Frame

func (bt Backtrace) String() string {
	if len(bt) == 0 {
		return "(empty backtrace)"
	}
	var b strings.Builder
	for i, f := range bt {
		fmt.Fprintf(&b, "%02d: %s\n", i, f.String())
	}
	return b.String()
}
