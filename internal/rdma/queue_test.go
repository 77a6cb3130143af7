package rdma

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testLink struct {
	fabric *Fabric
	dev    *Device
	qp     *QueuePair
	local  *MemoryRegion
	remote *MemoryRegion
}

func newTestLink(t *testing.T, cfg QueueConfig) *testLink {
	t.Helper()
	f := NewFabric()
	dev, err := f.OpenDevice(0, DefaultDeviceOptions())
	require.NoError(t, err)
	t.Cleanup(dev.Close)

	qp, err := dev.CreateQueuePair(1, 0, cfg)
	require.NoError(t, err)
	return &testLink{
		fabric: f,
		dev:    dev,
		qp:     qp,
		local:  f.RegisterMemory(0, make([]byte, 4096)),
		remote: f.RegisterMemory(1, make([]byte, 4096)),
	}
}

func (l *testLink) write(t *testing.T, off uint64, v uint64) {
	t.Helper()
	binary.LittleEndian.PutUint64(l.local.Bytes()[off:], v)
	_, err := l.qp.PostWrite(Segment{Key: l.remote.Key, Offset: off}, Segment{Key: l.local.Key, Offset: off}, 8)
	require.NoError(t, err)
}

func TestPostAndPollReachesHead(t *testing.T) {
	l := newTestLink(t, QueueConfig{Order: 4})
	const k = 10
	for i := 0; i < k; i++ {
		l.write(t, uint64(i*8), uint64(i+1))
	}
	assert.Equal(t, StateAwaitingCompletion, l.qp.State())
	require.NoError(t, l.qp.PollCompletionQueue(k))

	assert.Equal(t, uint32(k), l.qp.Head())
	assert.Equal(t, uint32(k), l.qp.Tail())
	assert.Equal(t, uint32(k), l.qp.CompletionTail())
	assert.Equal(t, StateCompleted, l.qp.State())
	for i := 0; i < k; i++ {
		assert.Equal(t, uint64(i+1), binary.LittleEndian.Uint64(l.remote.Bytes()[i*8:]))
	}

	// Further posts proceed without an internal drain.
	l.write(t, 0, 99)
	require.NoError(t, l.qp.Quiet())
	assert.Zero(t, l.qp.Drains())
}

func TestPollBeyondHeadIsRejected(t *testing.T) {
	l := newTestLink(t, QueueConfig{Order: 4})
	assert.ErrorIs(t, l.qp.PollCompletionQueue(1), ErrInvalidTail)
	_, err := l.qp.PostNop()
	require.NoError(t, err)
	assert.ErrorIs(t, l.qp.PollCompletionQueue(2), ErrInvalidTail)
	assert.NoError(t, l.qp.PollCompletionQueue(1))
}

func TestBackpressureDrainsBeforeReuse(t *testing.T) {
	l := newTestLink(t, QueueConfig{Order: 2})
	limit := l.qp.Depth() - SafetyMargin

	for i := uint32(0); i < limit; i++ {
		l.write(t, uint64(i*8), uint64(i))
	}
	assert.Zero(t, l.qp.Drains())

	// The next post finds the ring at its safety margin and drains first.
	l.write(t, 64, 64)
	assert.Equal(t, uint64(1), l.qp.Drains())
	assert.Equal(t, limit, l.qp.Tail())
	assert.Equal(t, limit+1, l.qp.Head())

	for i := 0; i < 200; i++ {
		off := uint64(128 + (i%64)*8)
		l.write(t, off, uint64(i))
		assert.LessOrEqual(t, l.qp.Outstanding(), limit)
	}
	require.NoError(t, l.qp.Quiet())
	assert.Equal(t, l.qp.Head(), l.qp.Tail())
	assert.Greater(t, l.qp.Drains(), uint64(1))

	// Each offset holds the last value written to it.
	for j := 0; j < 64; j++ {
		last := 192 + j
		if last >= 200 {
			last -= 64
		}
		assert.Equal(t, uint64(last), binary.LittleEndian.Uint64(l.remote.Bytes()[128+j*8:]), "offset %d", j)
	}
}

func TestFaultAdvancesTail(t *testing.T) {
	l := newTestLink(t, QueueConfig{Order: 3})

	l.write(t, 0, 1)
	_, err := l.qp.PostWrite(Segment{Key: l.remote.Key, Offset: 4090}, Segment{Key: l.local.Key}, 8)
	require.NoError(t, err)
	l.write(t, 8, 2)

	err = l.qp.Quiet()
	var ce *CompletionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, StatusRemoteAccess, ce.Status)
	assert.Equal(t, uint32(1), ce.WRID)
	assert.Equal(t, 1, ce.Peer)
	assert.Equal(t, StateFaulted, l.qp.State())
	assert.Equal(t, uint32(2), l.qp.Tail(), "faulted entry must still be retired")

	require.NoError(t, l.qp.Quiet())
	assert.Equal(t, l.qp.Head(), l.qp.Tail())
	assert.Equal(t, uint64(2), binary.LittleEndian.Uint64(l.remote.Bytes()[8:]))
}

func TestUnknownKeysFault(t *testing.T) {
	l := newTestLink(t, QueueConfig{Order: 3})

	_, err := l.qp.PostWrite(Segment{Key: 999}, Segment{Key: l.local.Key}, 8)
	require.NoError(t, err)
	var ce *CompletionError
	require.ErrorAs(t, l.qp.Quiet(), &ce)
	assert.Equal(t, StatusRemoteAccess, ce.Status)

	_, err = l.qp.PostRead(Segment{Key: l.remote.Key}, Segment{Key: 999}, 8)
	require.NoError(t, err)
	require.ErrorAs(t, l.qp.Quiet(), &ce)
	assert.Equal(t, StatusLocalAccess, ce.Status)
}

func TestLinkDown(t *testing.T) {
	l := newTestLink(t, QueueConfig{Order: 3})
	l.dev.SetLinkDown(1, true)
	l.write(t, 0, 1)

	var ce *CompletionError
	require.ErrorAs(t, l.qp.Quiet(), &ce)
	assert.Equal(t, StatusLinkDown, ce.Status)

	l.dev.SetLinkDown(1, false)
	l.write(t, 0, 1)
	assert.NoError(t, l.qp.Quiet())
}

func TestReadAndAtomicStore(t *testing.T) {
	l := newTestLink(t, QueueConfig{Order: 3})
	copy(l.remote.Bytes()[100:], "remote bytes")

	_, err := l.qp.PostRead(Segment{Key: l.remote.Key, Offset: 100}, Segment{Key: l.local.Key, Offset: 0}, 12)
	require.NoError(t, err)
	require.NoError(t, l.qp.Quiet())
	assert.Equal(t, "remote bytes", string(l.local.Bytes()[:12]))

	sig := l.fabric.RegisterSignals(1, 4)
	_, err = l.qp.PostAtomicStore(Segment{Key: sig.Key, Offset: 2}, 7)
	require.NoError(t, err)
	require.NoError(t, l.qp.Quiet())
	assert.Equal(t, uint64(7), sig.Load(2))

	_, err = l.qp.PostAtomicStore(Segment{Key: sig.Key, Offset: 4}, 7)
	require.NoError(t, err)
	assert.Error(t, l.qp.Quiet())
}

func TestHardwareDoorbellTracksConsumer(t *testing.T) {
	l := newTestLink(t, QueueConfig{Order: 2, Doorbell: DoorbellHardware})
	for i := 0; i < 37; i++ {
		_, err := l.qp.PostNop()
		require.NoError(t, err)
	}
	require.NoError(t, l.qp.Quiet())

	db := DecodeHardwareDoorbell(l.qp.CompletionDoorbell())
	assert.Equal(t, uint32(37), db.Index)
	assert.Equal(t, uint8(CQCmdUpdateCI), db.Command)
	assert.Equal(t, OwnerBit(37, 2), db.Sequence)
	assert.Equal(t, uint32(0), db.QueueID)
}

func TestQueueOrders(t *testing.T) {
	f := NewFabric()
	dev, err := f.OpenDevice(0, DefaultDeviceOptions())
	require.NoError(t, err)
	defer dev.Close()

	for _, order := range []uint{DefaultQueueOrder, AltQueueOrder} {
		qp, err := dev.CreateQueuePair(1, int(order), QueueConfig{Order: order})
		require.NoError(t, err)
		assert.Equal(t, uint32(1)<<order, qp.Depth())
		_, err = qp.PostNop()
		require.NoError(t, err)
		assert.NoError(t, qp.Quiet())
	}
	assert.Equal(t, uint(13), DefaultQueueConfig().Order)

	_, err = dev.CreateQueuePair(1, 0, QueueConfig{Order: MaxQueueOrder + 1})
	assert.Error(t, err)
	_, err = dev.CreateQueuePair(1, 0, QueueConfig{Order: 1})
	assert.Error(t, err)

	_, err = f.OpenDevice(0, DefaultDeviceOptions())
	assert.Error(t, err, "one device per rank")
}

func TestIndependentQueuePairsConcurrently(t *testing.T) {
	f := NewFabric()
	dev, err := f.OpenDevice(0, DefaultDeviceOptions())
	require.NoError(t, err)
	defer dev.Close()

	var wg sync.WaitGroup
	for q := 0; q < 4; q++ {
		qp, err := dev.CreateQueuePair(1, q, QueueConfig{Order: 3})
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				if _, err := qp.PostNop(); err != nil {
					t.Error(err)
					return
				}
			}
			assert.NoError(t, qp.Quiet())
			assert.Equal(t, uint32(500), qp.Tail())
		}()
	}
	wg.Wait()
}
