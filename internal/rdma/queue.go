package rdma

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rshmem/internal/spin"
)

// State is the lifecycle position of a queue pair.
type State int32

const (
	StateIdle State = iota
	StatePosting
	StateAwaitingCompletion
	StateCompleted
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePosting:
		return "posting"
	case StateAwaitingCompletion:
		return "awaiting_completion"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Hooks receives transport events. telemetry.Recorder satisfies it.
type Hooks interface {
	QueueDrained(peer int)
	CompletionFault(peer int, status string)
}

type nopHooks struct{}

func (nopHooks) QueueDrained(int)            {}
func (nopHooks) CompletionFault(int, string) {}

// QueueConfig configures one queue pair.
type QueueConfig struct {
	Order    uint
	Doorbell DoorbellMode
	Policy   spin.Policy
	Hooks    Hooks
}

// DefaultQueueConfig returns a software-doorbell queue of DefaultQueueOrder.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{Order: DefaultQueueOrder, Doorbell: DoorbellSoftware}
}

// Segment addresses bytes (or, for signal regions, a cell index) inside a
// registered region.
type Segment struct {
	Key    uint32
	Offset uint64
}

// SendQueue is the software-produced descriptor ring.
type SendQueue struct {
	order uint
	depth uint32
	mask  uint32

	// head is only touched by the posting goroutine.
	head uint32
	// tail is the retired-descriptor index, written back by completion polling.
	tail     atomic.Uint32
	entries  []WorkRequest
	doorbell atomic.Uint64
}

// CompletionQueue is the device-produced completion ring.
type CompletionQueue struct {
	order   uint
	depth   uint32
	mask    uint32
	queueID uint32
	mode    DoorbellMode

	tail       uint32
	tailRecord atomic.Uint32
	entries    []atomic.Uint64
	doorbell   atomic.Uint64
}

// QueuePair is one logical connection to (Peer, Index). Posting and
// polling must be serialized by the caller: one producer per queue pair.
type QueuePair struct {
	Peer  int
	Index int

	dev    *Device
	sq     SendQueue
	cq     CompletionQueue
	policy spin.Policy
	hooks  Hooks

	state  atomic.Int32
	drains atomic.Uint64

	// Device-owned consumer/producer indices.
	devConsumed uint32
	devProduced uint32
}

func newQueuePair(dev *Device, peer, index int, qid uint32, cfg QueueConfig) *QueuePair {
	depth := uint32(1) << cfg.Order
	qp := &QueuePair{
		Peer:   peer,
		Index:  index,
		dev:    dev,
		policy: cfg.Policy,
		hooks:  cfg.Hooks,
		sq: SendQueue{
			order:   cfg.Order,
			depth:   depth,
			mask:    depth - 1,
			entries: make([]WorkRequest, depth),
		},
		cq: CompletionQueue{
			order:   cfg.Order,
			depth:   depth,
			mask:    depth - 1,
			queueID: qid,
			mode:    cfg.Doorbell,
			entries: make([]atomic.Uint64, depth),
		},
	}
	if qp.policy == nil {
		qp.policy = spin.Default()
	}
	if qp.hooks == nil {
		qp.hooks = nopHooks{}
	}
	for i := range qp.cq.entries {
		qp.cq.entries[i].Store(invalidCQE)
	}
	qp.cq.doorbell.Store(EncodeCQDoorbell(cfg.Doorbell, qid, 0, cfg.Order))
	return qp
}

// Depth returns the ring depth.
func (qp *QueuePair) Depth() uint32 { return qp.sq.depth }

// Order returns log2 of the ring depth.
func (qp *QueuePair) Order() uint { return qp.sq.order }

// Head returns the send-queue producer index.
func (qp *QueuePair) Head() uint32 { return qp.sq.head }

// Tail returns the retired send-queue index.
func (qp *QueuePair) Tail() uint32 { return qp.sq.tail.Load() }

// CompletionTail returns the completion-queue consumer index as last
// written to the tail record.
func (qp *QueuePair) CompletionTail() uint32 { return qp.cq.tailRecord.Load() }

// CompletionDoorbell returns the last value rung on the completion doorbell.
func (qp *QueuePair) CompletionDoorbell() uint64 { return qp.cq.doorbell.Load() }

// Outstanding returns the number of posted but unretired requests.
func (qp *QueuePair) Outstanding() uint32 { return qp.sq.head - qp.sq.tail.Load() }

// State returns the current lifecycle state.
func (qp *QueuePair) State() State { return State(qp.state.Load()) }

// Drains counts how many posts had to drain the ring first.
func (qp *QueuePair) Drains() uint64 { return qp.drains.Load() }

func (qp *QueuePair) full() bool {
	return qp.sq.head-qp.sq.tail.Load() >= qp.sq.depth-SafetyMargin
}

// PostWrite copies length bytes from the local segment into the peer's
// segment. It returns the work request id.
func (qp *QueuePair) PostWrite(remote, local Segment, length uint32) (uint32, error) {
	return qp.post(WorkRequest{
		Opcode:       OpWrite,
		Length:       length,
		RemoteKey:    remote.Key,
		RemoteOffset: remote.Offset,
		LocalKey:     local.Key,
		LocalOffset:  local.Offset,
	})
}

// PostRead copies length bytes from the peer's segment into the local one.
func (qp *QueuePair) PostRead(remote, local Segment, length uint32) (uint32, error) {
	return qp.post(WorkRequest{
		Opcode:       OpRead,
		Length:       length,
		RemoteKey:    remote.Key,
		RemoteOffset: remote.Offset,
		LocalKey:     local.Key,
		LocalOffset:  local.Offset,
	})
}

// PostAtomicStore writes value into signal cell cell.Offset of the peer's
// signal region cell.Key.
func (qp *QueuePair) PostAtomicStore(cell Segment, value uint64) (uint32, error) {
	return qp.post(WorkRequest{
		Opcode:       OpAtomicStore,
		Length:       8,
		RemoteKey:    cell.Key,
		RemoteOffset: cell.Offset,
		Value:        value,
	})
}

// PostNop posts a descriptor that only produces a completion.
func (qp *QueuePair) PostNop() (uint32, error) {
	return qp.post(WorkRequest{Opcode: OpNop})
}

func (qp *QueuePair) post(wr WorkRequest) (uint32, error) {
	sq := &qp.sq

	// Backpressure: never reuse a slot whose completion is unobserved.
	for qp.full() {
		qp.drains.Add(1)
		qp.hooks.QueueDrained(qp.Peer)
		log.Debug().
			Int("peer", qp.Peer).
			Int("queue", qp.Index).
			Uint32("head", sq.head).
			Uint32("tail", sq.tail.Load()).
			Msg("Send queue at safety margin, draining completions")
		if err := qp.PollCompletionQueue(sq.head); err != nil {
			return 0, err
		}
	}

	qp.state.Store(int32(StatePosting))
	idx := sq.head
	wr.WRID = idx
	wr.Owner = uint8(OwnerBit(idx, sq.order))
	sq.entries[idx&sq.mask] = wr
	sq.head = idx + 1

	// The doorbell store publishes the descriptor to the device.
	sq.doorbell.Store(uint64(sq.head))
	qp.state.Store(int32(StateAwaitingCompletion))
	qp.dev.notify()

	log.Trace().
		Int("peer", qp.Peer).
		Int("queue", qp.Index).
		Uint32("wrid", idx).
		Str("opcode", wr.Opcode.String()).
		Uint32("len", wr.Length).
		Msg("Posted work request")
	return idx, nil
}

// PollCompletionQueue consumes completions until the consumer index reaches
// expected. The first non-success completion is returned as a
// *CompletionError after its slot has been retired.
func (qp *QueuePair) PollCompletionQueue(expected uint32) error {
	cq := &qp.cq
	if expected-cq.tail > qp.sq.head-cq.tail {
		return ErrInvalidTail
	}

	for cq.tail != expected {
		slot := &cq.entries[cq.tail&cq.mask]
		parity := OwnerBit(cq.tail, cq.order)
		var c Completion
		spin.Until(qp.policy, func() bool {
			c = unpackCompletion(slot.Load())
			return c.Owner == parity
		})

		qp.retire(cq.tail + 1)

		if c.Status != StatusSuccess {
			qp.state.Store(int32(StateFaulted))
			qp.hooks.CompletionFault(qp.Peer, c.Status.String())
			err := &CompletionError{
				Peer:   qp.Peer,
				Queue:  qp.Index,
				WRID:   c.WRID,
				Opcode: c.Opcode,
				Status: c.Status,
			}
			log.Warn().Err(err).Msg("Completion fault")
			return err
		}
	}

	if cq.tail == qp.sq.head {
		qp.state.Store(int32(StateCompleted))
	}
	return nil
}

// retire advances the completion consumer index and mirrors it to the tail
// record, the completion doorbell and the send queue.
func (qp *QueuePair) retire(tail uint32) {
	cq := &qp.cq
	cq.tail = tail
	cq.tailRecord.Store(tail)
	cq.doorbell.Store(EncodeCQDoorbell(cq.mode, cq.queueID, tail, cq.order))
	qp.sq.tail.Store(tail)
	qp.dev.notify()
}

// Quiet waits until everything posted so far has completed.
func (qp *QueuePair) Quiet() error {
	return qp.PollCompletionQueue(qp.sq.head)
}
