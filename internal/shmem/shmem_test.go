package shmem

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rshmem/internal/bootstrap"
	"github.com/yuuki/rshmem/internal/rdma"
	"github.com/yuuki/rshmem/internal/team"
)

func testOptions(n int) Options {
	opts := DefaultOptions(n)
	opts.HeapSize = 1 << 20
	opts.ScratchSize = 256 << 10
	opts.QueueOrder = 6
	return opts
}

func newTestWorld(t *testing.T, opts Options) *World {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w, err := NewWorld(ctx, bootstrap.NewMemStore(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, w.Close()) })
	return w
}

func pattern(rank, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(rank*31 + i)
	}
	return b
}

func TestReachability(t *testing.T) {
	opts := testOptions(4)
	opts.PEsPerNode = 2
	w := newTestWorld(t, opts)

	pe := w.PE(1)
	assert.Equal(t, ReachP2P, pe.Reach(0))
	assert.Equal(t, ReachSelf, pe.Reach(1))
	assert.Equal(t, ReachRDMA, pe.Reach(2))
	assert.Equal(t, ReachRDMA, pe.Reach(3))
	assert.Nil(t, pe.QueuePairs(0))
	assert.Len(t, pe.QueuePairs(3), opts.QueuesPerPeer)
}

func TestPutGetRing(t *testing.T) {
	for _, tc := range []struct {
		name       string
		pesPerNode int
		queues     int
		doorbell   rdma.DoorbellMode
	}{
		{"rdma", 1, 1, rdma.DoorbellSoftware},
		{"rdma hardware doorbell", 1, 3, rdma.DoorbellHardware},
		{"mixed", 2, 2, rdma.DoorbellSoftware},
		{"single node", 4, 1, rdma.DoorbellSoftware},
	} {
		t.Run(tc.name, func(t *testing.T) {
			const n, size = 4, 10000
			opts := testOptions(n)
			opts.PEsPerNode = tc.pesPerNode
			opts.QueuesPerPeer = tc.queues
			opts.Doorbell = tc.doorbell
			w := newTestWorld(t, opts)

			err := w.Run(func(pe *Context) error {
				addr, err := pe.Malloc(size)
				if err != nil {
					return err
				}
				right := (pe.Rank() + 1) % n
				if err := pe.Put(right, addr, pattern(pe.Rank(), size)); err != nil {
					return err
				}
				pe.BarrierAll()

				left := (pe.Rank() + n - 1) % n
				local, err := pe.Local(addr, size)
				if err != nil {
					return err
				}
				if !bytes.Equal(pattern(left, size), local) {
					return errors.New("put from left neighbour not visible after barrier")
				}

				got := make([]byte, size)
				if err := pe.Get(right, got, addr); err != nil {
					return err
				}
				if !bytes.Equal(pattern(pe.Rank(), size), got) {
					return errors.New("get from right neighbour returned wrong bytes")
				}
				pe.BarrierAll()
				return pe.Free(addr)
			})
			require.NoError(t, err)
		})
	}
}

func TestLargeTransfersAreChunked(t *testing.T) {
	opts := testOptions(2)
	opts.ScratchSize = 16 << 10
	opts.QueueOrder = 2
	w := newTestWorld(t, opts)

	const size = 200 << 10
	err := w.Run(func(pe *Context) error {
		addr, err := pe.Malloc(size)
		if err != nil {
			return err
		}
		peer := 1 - pe.Rank()
		if err := pe.Put(peer, addr, pattern(pe.Rank(), size)); err != nil {
			return err
		}
		pe.BarrierAll()

		got := make([]byte, size)
		if err := pe.Get(peer, got, addr); err != nil {
			return err
		}
		if !bytes.Equal(pattern(pe.Rank(), size), got) {
			return errors.New("round trip through peer heap corrupted data")
		}
		return nil
	})
	require.NoError(t, err)

	for r := 0; r < 2; r++ {
		assert.Equal(t, opts.ScratchSize, w.PE(r).scratch.Free(), "every staging range is released")
	}
}

func TestWordAccessors(t *testing.T) {
	w := newTestWorld(t, testOptions(3))
	err := w.Run(func(pe *Context) error {
		addr, err := pe.Calloc(3, 8)
		if err != nil {
			return err
		}
		for peer := 0; peer < 3; peer++ {
			if err := pe.PutUint64(peer, addr+SymAddr(8*pe.Rank()), uint64(100+pe.Rank())); err != nil {
				return err
			}
		}
		pe.BarrierAll()
		for slot := 0; slot < 3; slot++ {
			v, err := pe.GetUint64((pe.Rank()+1)%3, addr+SymAddr(8*slot))
			if err != nil {
				return err
			}
			if v != uint64(100+slot) {
				return errors.New("unexpected word")
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestMallocIsSymmetric(t *testing.T) {
	opts := testOptions(3)
	w := newTestWorld(t, opts)

	addrs := make([][]SymAddr, 3)
	err := w.Run(func(pe *Context) error {
		var mine []SymAddr
		for _, size := range []uint64{100, 8192, 1, 4096} {
			addr, err := pe.Malloc(size)
			if err != nil {
				return err
			}
			mine = append(mine, addr)
		}
		if err := pe.Free(mine[1]); err != nil {
			return err
		}
		addr, err := pe.Malloc(5000)
		if err != nil {
			return err
		}
		addrs[pe.Rank()] = append(mine, addr)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, addrs[0], addrs[1])
	assert.Equal(t, addrs[0], addrs[2])
	assert.Equal(t, addrs[0][1], addrs[0][4], "freed block is reused")
}

func TestMallocExhaustionIsCollective(t *testing.T) {
	opts := testOptions(2)
	w := newTestWorld(t, opts)

	err := w.Run(func(pe *Context) error {
		if _, err := pe.Malloc(opts.HeapSize + 1); !errors.Is(err, ErrHeapExhausted) {
			return errors.New("oversized malloc did not report exhaustion")
		}
		if _, err := pe.Malloc(0); !errors.Is(err, ErrZeroSize) {
			return errors.New("empty malloc accepted")
		}
		if _, err := pe.Calloc(opts.HeapSize, 2); !errors.Is(err, ErrHeapExhausted) {
			return errors.New("overflowing calloc accepted")
		}
		if err := pe.Free(12345); !errors.Is(err, ErrInvalidAddress) {
			return errors.New("unknown address freed")
		}
		addr, err := pe.Malloc(opts.HeapSize)
		if err != nil {
			return err
		}
		return pe.Free(addr)
	})
	require.NoError(t, err)
}

func TestCallocZeroes(t *testing.T) {
	w := newTestWorld(t, testOptions(2))
	err := w.Run(func(pe *Context) error {
		addr, err := pe.Malloc(4096)
		if err != nil {
			return err
		}
		local, _ := pe.Local(addr, 4096)
		for i := range local {
			local[i] = 0xff
		}
		if err := pe.Free(addr); err != nil {
			return err
		}
		addr, err = pe.Calloc(512, 8)
		if err != nil {
			return err
		}
		local, _ = pe.Local(addr, 4096)
		if !bytes.Equal(make([]byte, 4096), local) {
			return errors.New("calloc block not zeroed")
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRejectsBadArguments(t *testing.T) {
	opts := testOptions(2)
	w := newTestWorld(t, opts)
	pe := w.PE(0)

	assert.ErrorIs(t, pe.Put(2, 0, []byte{1}), ErrInvalidPeer)
	assert.ErrorIs(t, pe.Put(-1, 0, []byte{1}), ErrInvalidPeer)
	assert.ErrorIs(t, pe.Put(1, SymAddr(opts.HeapSize-1), []byte{1, 2}), ErrInvalidAddress)
	assert.ErrorIs(t, pe.Get(1, make([]byte, 4), SymAddr(opts.HeapSize)), ErrInvalidAddress)
	_, err := pe.Local(SymAddr(opts.HeapSize), 1)
	assert.ErrorIs(t, err, ErrInvalidAddress)
	assert.NoError(t, pe.Put(1, 0, nil))
}

func TestQuietReportsEveryFault(t *testing.T) {
	w := newTestWorld(t, testOptions(3))
	pe := w.PE(0)
	pe.Device().SetLinkDown(1, true)

	for i := 0; i < 3; i++ {
		require.NoError(t, pe.Put(1, SymAddr(i*8), []byte("payload!")))
	}
	require.NoError(t, pe.Put(2, 0, []byte("fine")))

	err := pe.Quiet()
	require.Error(t, err)
	var cerr *rdma.CompletionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, 1, cerr.Peer)
	assert.Equal(t, rdma.StatusLinkDown, cerr.Status)
	assert.Contains(t, err.Error(), "3 errors")

	qp := pe.QueuePairs(1)[0]
	assert.Equal(t, qp.Head(), qp.Tail(), "faulted requests are retired")
	assert.Equal(t, pe.opts.ScratchSize, pe.scratch.Free())

	got := make([]byte, 4)
	require.NoError(t, w.PE(2).Get(2, got, 0))
	assert.Equal(t, []byte("fine"), got)

	pe.Device().SetLinkDown(1, false)
	assert.NoError(t, pe.Quiet())
}

func TestTeamsOverTransport(t *testing.T) {
	const n = 6
	opts := testOptions(n)
	opts.PEsPerNode = 2
	w := newTestWorld(t, opts)

	err := w.Run(func(pe *Context) error {
		world := pe.TeamWorld()
		evens, err := pe.TeamSplitStrided(world, 0, 2, n/2)
		switch {
		case pe.Rank()%2 == 1:
			if !errors.Is(err, team.ErrNotMember) {
				return errors.New("odd rank joined the even team")
			}
		case err != nil:
			return err
		default:
			for i := 0; i < 20; i++ {
				pe.Barrier(evens)
			}
			if r, ok := pe.TeamTranslate(evens, 2, world); !ok || r != 4 {
				return errors.New("translate to world failed")
			}
		}

		x, y, xErr, yErr := pe.TeamSplit2D(world, 3)
		if xErr != nil || yErr != nil {
			return errors.Join(xErr, yErr)
		}
		if x.Size != 3 || y.Size != 2 {
			return errors.New("unexpected 2D team sizes")
		}
		pe.Barrier(x)
		pe.Barrier(y)
		pe.PartialBarrier(world, []int{0, 3, 5})
		pe.BarrierAll()

		if err := pe.TeamDestroy(x); err != nil {
			return err
		}
		if err := pe.TeamDestroy(y); err != nil {
			return err
		}
		if pe.Rank()%2 == 0 {
			return pe.TeamDestroy(evens)
		}
		return nil
	})
	require.NoError(t, err)

	for r := 0; r < n; r++ {
		assert.Equal(t, uint64(1), w.PE(r).TeamsInUse(), "only the world team survives")
		assert.Zero(t, w.PE(r).BarrierStats().SignalFaults)
	}
}

func TestPartialBarrierWrapsAcrossRanks(t *testing.T) {
	const n = 4
	opts := testOptions(n)
	opts.SlotPoolSize = 2
	w := newTestWorld(t, opts)

	err := w.Run(func(pe *Context) error {
		for i := 0; i < 9; i++ {
			pe.PartialBarrier(pe.TeamWorld(), []int{0, 1, 2, 3})
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), w.PE(0).BarrierStats().Wraps)
}

func TestNewContextValidation(t *testing.T) {
	opts := testOptions(2)
	_, err := NewContext(context.Background(), 2, rdma.NewFabric(), bootstrap.NewMemStore(), opts)
	assert.ErrorIs(t, err, ErrInvalidPeer)

	opts.QueuesPerPeer = 0
	_, err = NewWorld(context.Background(), bootstrap.NewMemStore(), opts)
	assert.Error(t, err)
}
