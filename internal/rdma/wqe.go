package rdma

import (
	"errors"
	"fmt"
)

const (
	// DefaultQueueOrder is log2 of the default send/completion queue depth.
	DefaultQueueOrder = 13
	// AltQueueOrder is the deeper queue order used by bulk staging paths.
	AltQueueOrder = 15
	// MinQueueOrder and MaxQueueOrder bound configurable queue orders. The
	// hardware doorbell carries a 24-bit consumer index.
	MinQueueOrder = 2
	MaxQueueOrder = 20

	// SafetyMargin is how many free send-queue slots are kept in reserve;
	// the queue counts as full once fewer than this many remain.
	SafetyMargin = 2
)

// Opcode selects the operation a work request performs.
type Opcode uint8

const (
	OpNop Opcode = iota
	OpWrite
	OpRead
	OpAtomicStore
)

func (o Opcode) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpRead:
		return "read"
	case OpAtomicStore:
		return "atomic_store"
	default:
		return "nop"
	}
}

// Status is the completion status reported by the device.
type Status uint8

const (
	StatusSuccess Status = iota
	StatusLocalAccess
	StatusRemoteAccess
	StatusBadDescriptor
	StatusLinkDown
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusLocalAccess:
		return "local_access_error"
	case StatusRemoteAccess:
		return "remote_access_error"
	case StatusBadDescriptor:
		return "bad_descriptor"
	case StatusLinkDown:
		return "link_down"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// ErrInvalidTail is returned when a poll is asked to wait for completions
// that were never posted.
var ErrInvalidTail = errors.New("rdma: expected tail is beyond the send queue head")

// CompletionError reports a non-zero completion status for one posted request.
type CompletionError struct {
	Peer   int
	Queue  int
	WRID   uint32
	Opcode Opcode
	Status Status
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("rdma: %s to peer %d queue %d (wrid %d) completed with %s",
		e.Opcode, e.Peer, e.Queue, e.WRID, e.Status)
}

// OwnerBit is the ownership parity expected for ring index idx in a ring of
// depth 1<<order. It flips every time the ring wraps.
func OwnerBit(idx uint32, order uint) uint32 {
	return (idx >> order) & 1
}

// WorkRequest is one send-queue descriptor.
type WorkRequest struct {
	WRID   uint32
	Opcode Opcode
	Owner  uint8
	Length uint32

	RemoteKey    uint32
	RemoteOffset uint64

	// Local scatter-gather entry.
	LocalKey    uint32
	LocalOffset uint64

	// Value is the payload of an atomic store.
	Value uint64
}

// Completion is one decoded completion-queue entry.
type Completion struct {
	WRID   uint32
	Status Status
	Opcode Opcode
	Owner  uint32
}

// CQE layout: [31:0] wrid, [39:32] status, [47:40] opcode, [63] owner.
const cqeOwnerShift = 63

func packCompletion(c Completion) uint64 {
	return uint64(c.WRID) |
		uint64(c.Status)<<32 |
		uint64(c.Opcode)<<40 |
		uint64(c.Owner&1)<<cqeOwnerShift
}

func unpackCompletion(v uint64) Completion {
	return Completion{
		WRID:   uint32(v),
		Status: Status(v >> 32),
		Opcode: Opcode(v >> 40),
		Owner:  uint32(v >> cqeOwnerShift),
	}
}

// invalidCQE is the initial content of every CQ slot: owner bit set, so
// the first pass (expected parity 0) never mistakes it for a completion.
var invalidCQE = packCompletion(Completion{Owner: 1})
