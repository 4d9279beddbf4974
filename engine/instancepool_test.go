package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInstancePoolBasicTakePut(t *testing.T) {
	p := newInstancePool(10, 2)

	p.Take(1)
	p.Take(1)
	require.Equal(t, 8, p.Available())

	p.Put(1)
	p.Put(1)
	require.Equal(t, 10, p.Available())
	require.Equal(t, int64(0), p.Boosted())
}

func TestInstancePoolBoostClaim(t *testing.T) {
	// capacity 5, reserve 3: two free slots before the reserve zone
	p := newInstancePool(5, 3)

	p.Take(1)
	p.Take(1)
	require.Equal(t, int64(0), p.Boosted())

	// next take dips into the reserve and claims the boost
	p.Take(1)
	require.Equal(t, int64(1), p.Boosted())

	// the boosted owner can keep going down to zero
	p.Take(1)
	p.Take(1)
	require.Equal(t, 0, p.Available())

	// releases drop the boost only once everything is returned
	p.Put(1)
	p.Put(1)
	p.Put(1)
	p.Put(1)
	require.Equal(t, int64(1), p.Boosted())
	p.Put(1)
	require.Equal(t, int64(0), p.Boosted())
}

func TestInstancePoolNonBoostedWaits(t *testing.T) {
	p := newInstancePool(3, 2)

	p.Take(1) // above reserve
	p.Take(1) // enters reserve, owner 1 boosted
	require.Equal(t, int64(1), p.Boosted())

	acquired := make(chan struct{})
	go func() {
		p.Take(2) // must wait: reserve belongs to owner 1
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("owner 2 acquired from the reserve while owner 1 was boosted")
	case <-time.After(50 * time.Millisecond):
	}

	// owner 1 returning everything releases the boost and wakes owner 2
	p.Put(1)
	p.Put(1)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("owner 2 never acquired after the boost was released")
	}
	p.Put(2)
}

func TestInstancePoolBoostedOwnerNotBlockedBySelf(t *testing.T) {
	p := newInstancePool(4, 3)

	// one owner recursing: every take past the floor must succeed
	// without another owner's help
	for i := 0; i < 4; i++ {
		p.Take(7)
	}
	require.Equal(t, 0, p.Available())
	for i := 0; i < 4; i++ {
		p.Put(7)
	}
	require.Equal(t, int64(0), p.Boosted())
}
