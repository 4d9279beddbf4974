package aerrors

import (
	"testing"

	"github.com/filecoin-project/go-state-types/exitcode"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
)

func TestFatalError(t *testing.T) {
	e1 := xerrors.New("out of disk")
	e2 := xerrors.Errorf("could not put state: %w", e1)
	ae := Escalate(e2, "failed to store actor head")

	require.True(t, IsFatal(ae))
	aw1 := Wrap(ae, "invoking actor")
	require.True(t, IsFatal(aw1))
	require.True(t, xerrors.Is(aw1, e1))
}

func TestAbsorb(t *testing.T) {
	e := xerrors.New("missing key")
	ae := Absorb(e, exitcode.ErrNotFound, "resolving address")

	require.False(t, IsFatal(ae))
	require.Equal(t, exitcode.ErrNotFound, RetCode(ae))

	// absorbing a fatal error must not demote it
	f := Absorb(Fatal("broken invariant"), exitcode.ErrIllegalState, "nope")
	require.True(t, IsFatal(f))
}

func TestNilSafety(t *testing.T) {
	require.False(t, IsFatal(nil))
	require.Equal(t, exitcode.Ok, RetCode(nil))
	require.Nil(t, Wrap(nil, "nothing"))
	require.Nil(t, Absorb(nil, exitcode.ErrForbidden, "nothing"))
	require.Nil(t, Escalate(nil, "nothing"))
}

func TestOkIsIllegal(t *testing.T) {
	require.True(t, IsFatal(New(exitcode.Ok, "not allowed")))
}
