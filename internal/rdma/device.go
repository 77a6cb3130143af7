package rdma

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/rs/zerolog/log"
)

// DeviceOptions configures a device.
type DeviceOptions struct {
	// CPU pins the device goroutine to one core when non-negative.
	CPU int
}

// DefaultDeviceOptions returns options with pinning disabled.
func DefaultDeviceOptions() DeviceOptions {
	return DeviceOptions{CPU: -1}
}

// Device is the consumer side of every queue pair opened on one rank. It
// executes posted descriptors against the fabric and produces completions.
// It is woken by doorbells and never raises interrupts: software learns
// about completions only by polling the completion ring.
type Device struct {
	fabric *Fabric
	rank   int
	opts   DeviceOptions

	mu       sync.Mutex
	qps      []*QueuePair
	linkDown map[int]bool
	nextQID  uint32

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newDevice(f *Fabric, rank int, opts DeviceOptions) *Device {
	return &Device{
		fabric:   f,
		rank:     rank,
		opts:     opts,
		linkDown: make(map[int]bool),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Rank returns the rank that owns the device.
func (d *Device) Rank() int { return d.rank }

func (d *Device) start() {
	go d.run()
}

func (d *Device) run() {
	defer close(d.done)

	if d.opts.CPU >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := pinThread(d.opts.CPU); err != nil {
			log.Warn().Err(err).Int("rank", d.rank).Msg("Failed to pin device thread, continuing unpinned")
		} else {
			log.Debug().Int("rank", d.rank).Int("cpu", d.opts.CPU).Msg("Pinned device thread")
		}
	}

	for {
		select {
		case <-d.stop:
			return
		case <-d.wake:
		}
		for d.serviceAll() {
		}
	}
}

// notify wakes the device. Multiple doorbells collapse into one wakeup.
func (d *Device) notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops the device. Queue pairs must not be used afterwards.
func (d *Device) Close() {
	d.stopOnce.Do(func() {
		close(d.stop)
		<-d.done
		d.fabric.closeDevice(d.rank)
		log.Debug().Int("rank", d.rank).Msg("Device closed")
	})
}

// SetLinkDown makes every request to peer complete with StatusLinkDown.
func (d *Device) SetLinkDown(peer int, down bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if down {
		d.linkDown[peer] = true
	} else {
		delete(d.linkDown, peer)
	}
	log.Info().Int("rank", d.rank).Int("peer", peer).Bool("down", down).Msg("Link state changed")
}

func (d *Device) isLinkDown(peer int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.linkDown[peer]
}

// CreateQueuePair allocates a send/completion ring pair toward peer.
func (d *Device) CreateQueuePair(peer, index int, cfg QueueConfig) (*QueuePair, error) {
	if cfg.Order < MinQueueOrder || cfg.Order > MaxQueueOrder {
		return nil, fmt.Errorf("queue order %d out of range [%d, %d]", cfg.Order, MinQueueOrder, MaxQueueOrder)
	}

	d.mu.Lock()
	qid := d.nextQID
	d.nextQID++
	d.mu.Unlock()

	qp := newQueuePair(d, peer, index, qid, cfg)

	d.mu.Lock()
	d.qps = append(d.qps, qp)
	d.mu.Unlock()

	log.Debug().
		Int("rank", d.rank).
		Int("peer", peer).
		Int("queue", index).
		Uint32("qid", qid).
		Uint32("depth", qp.sq.depth).
		Str("doorbell", cfg.Doorbell.String()).
		Msg("Created queue pair")
	return qp, nil
}

func (d *Device) snapshot() []*QueuePair {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*QueuePair(nil), d.qps...)
}

func (d *Device) serviceAll() bool {
	progressed := false
	for _, qp := range d.snapshot() {
		if d.service(qp) {
			progressed = true
		}
	}
	return progressed
}

// service consumes descriptors up to the send doorbell. It stalls instead
// of overwriting a completion slot the consumer has not retired yet.
func (d *Device) service(qp *QueuePair) bool {
	sq, cq := &qp.sq, &qp.cq
	posted := uint32(sq.doorbell.Load())
	consumed := consumerIndex(cq.mode, cq.doorbell.Load(), qp.devProduced)

	progressed := false
	for qp.devConsumed != posted {
		if qp.devProduced-consumed >= cq.depth {
			log.Trace().Int("rank", d.rank).Int("peer", qp.Peer).Msg("Completion ring full, device stalled")
			break
		}

		idx := qp.devConsumed
		wr := sq.entries[idx&sq.mask]

		var status Status
		if uint32(wr.Owner) != OwnerBit(idx, sq.order) {
			status = StatusBadDescriptor
		} else {
			status = d.execute(qp.Peer, wr)
		}

		cq.entries[qp.devProduced&cq.mask].Store(packCompletion(Completion{
			WRID:   wr.WRID,
			Status: status,
			Opcode: wr.Opcode,
			Owner:  OwnerBit(qp.devProduced, cq.order),
		}))
		qp.devConsumed++
		qp.devProduced++
		progressed = true
	}
	return progressed
}

func (d *Device) execute(peer int, wr WorkRequest) Status {
	if d.isLinkDown(peer) {
		return StatusLinkDown
	}

	switch wr.Opcode {
	case OpNop:
		return StatusSuccess

	case OpWrite, OpRead:
		local, ok := d.fabric.Memory(d.rank, wr.LocalKey)
		if !ok {
			return StatusLocalAccess
		}
		lbuf, ok := local.span(wr.LocalOffset, wr.Length)
		if !ok {
			return StatusLocalAccess
		}
		remote, ok := d.fabric.Memory(peer, wr.RemoteKey)
		if !ok {
			return StatusRemoteAccess
		}
		rbuf, ok := remote.span(wr.RemoteOffset, wr.Length)
		if !ok {
			return StatusRemoteAccess
		}
		if wr.Opcode == OpWrite {
			copy(rbuf, lbuf)
		} else {
			copy(lbuf, rbuf)
		}
		return StatusSuccess

	case OpAtomicStore:
		sr, ok := d.fabric.Signals(peer, wr.RemoteKey)
		if !ok || wr.RemoteOffset >= uint64(sr.Len()) {
			return StatusRemoteAccess
		}
		sr.Store(int(wr.RemoteOffset), wr.Value)
		return StatusSuccess

	default:
		return StatusBadDescriptor
	}
}
