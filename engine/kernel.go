package engine

import (
	"context"

	"github.com/filecoin-project/go-address"
	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/ipfs/go-cid"

	"github.com/filecoin-project/go-fvm/aerrors"
)

// Kernel is the syscall surface an executing actor sees. The VM provides an
// implementation per invocation; the engine only brokers calls between WASM
// and it. Errors returned from Kernel methods are ActorErrors underneath;
// the host traps the instance and the engine recovers them after the call.
type Kernel interface {
	// Input returns the invocation's parameter blob.
	Input() []byte
	// SetOutput records the invocation's return blob.
	SetOutput([]byte)
	// Output returns whatever SetOutput recorded.
	Output() []byte

	// ChargeGas charges extra named gas on top of instruction metering.
	ChargeGas(name string, amount int64) error

	// Send performs a nested call. params is a serialized types.SendParams.
	// A non-Ok exit code from the callee is not an error here; fatal
	// failures are.
	Send(params []byte) ([]byte, exitcode.ExitCode, error)

	// CreateActor creates a new actor with the given code, assigning addr
	// a fresh ID.
	CreateActor(code cid.Cid, addr address.Address) error

	// DeleteActor deletes the executing actor, sending its balance to
	// beneficiary.
	DeleteActor(beneficiary address.Address) error

	// StateRead returns the executing actor's state blob.
	StateRead() ([]byte, error)
	// StateWrite replaces the executing actor's state blob.
	StateWrite(data []byte) error

	// Abort returns the actor-signaled failure to trap with.
	Abort(code exitcode.ExitCode, msg string) error
}

// invocation is the per-call state threaded to host functions through the
// context, the way ctx-carried runtime handles work elsewhere in the stack.
type invocation struct {
	kernel Kernel

	// lastSendReturn buffers the return blob of the most recent nested
	// send until the guest copies it out.
	lastSendReturn []byte

	// trapped is the error a host function recorded before trapping the
	// instance; read back after the call unwinds.
	trapped aerrors.ActorError

	// meter settles metered instruction units into the gas tracker around
	// host calls; nil when the invocation carries no metering.
	meter *gasMeter
}

// settleGas charges instruction units burned since the last checkpoint into
// the tracker. Called on entry to every host function so syscalls and
// nested sends see an up-to-date tracker; exhaustion traps here, at the
// exact point it happened.
func (inv *invocation) settleGas() {
	if inv.meter == nil {
		return
	}
	if aerr := inv.meter.settle(); aerr != nil {
		inv.fail(aerr)
	}
}

// refillGas pushes the tracker's remaining budget back into the gas global
// after a host call, which may itself have charged gas.
func (inv *invocation) refillGas() {
	if inv.meter != nil {
		inv.meter.reseed()
	}
}

// fail records err and traps the instance. The panic unwinds through the
// wazero call and surfaces as the call error.
func (inv *invocation) fail(err aerrors.ActorError) {
	inv.trapped = err
	panic(err)
}

// failOn converts a kernel error and traps. Kernel errors are ActorErrors
// underneath; anything else is escalated to fatal.
func (inv *invocation) failOn(err error, what string) {
	if err == nil {
		return
	}
	if aerr, ok := aerrors.Unwrap(err); ok {
		inv.fail(aerr)
	}
	inv.fail(aerrors.Escalate(err, what))
}

type invocationKey struct{}

func withInvocation(ctx context.Context, inv *invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

func invocationFrom(ctx context.Context) *invocation {
	inv, _ := ctx.Value(invocationKey{}).(*invocation)
	return inv
}
