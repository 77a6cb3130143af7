package rdma

import (
	"fmt"
	"strings"
)

// DoorbellMode selects how the completion-queue consumer index is reported
// to the device.
type DoorbellMode int

const (
	// DoorbellSoftware writes the raw consumer index.
	DoorbellSoftware DoorbellMode = iota
	// DoorbellHardware packs queue id, command, sequence bit and a 24-bit
	// consumer index into one word.
	DoorbellHardware
)

func (m DoorbellMode) String() string {
	if m == DoorbellHardware {
		return "hw"
	}
	return "sw"
}

// ParseDoorbellMode accepts "sw"/"software" and "hw"/"hardware".
func ParseDoorbellMode(s string) (DoorbellMode, error) {
	switch strings.ToLower(s) {
	case "", "sw", "software":
		return DoorbellSoftware, nil
	case "hw", "hardware":
		return DoorbellHardware, nil
	default:
		return DoorbellSoftware, fmt.Errorf("unknown doorbell mode %q", s)
	}
}

// Hardware doorbell layout:
//
//	[63:40] queue id  [39:32] command  [31] sequence  [23:0] consumer index
const (
	dbIndexMask   = 0xffffff
	dbSeqShift    = 31
	dbCmdShift    = 32
	dbQueueShift  = 40
	dbQueueIDMask = 0xffffff

	// CQCmdUpdateCI tells the device the consumer index moved.
	CQCmdUpdateCI = 0x1
)

// EncodeCQDoorbell builds the doorbell value for a consumer index.
func EncodeCQDoorbell(mode DoorbellMode, queueID uint32, tail uint32, order uint) uint64 {
	if mode == DoorbellSoftware {
		return uint64(tail)
	}
	return uint64(queueID&dbQueueIDMask)<<dbQueueShift |
		uint64(CQCmdUpdateCI)<<dbCmdShift |
		uint64(OwnerBit(tail, order))<<dbSeqShift |
		uint64(tail&dbIndexMask)
}

// HardwareDoorbell is a decoded hardware doorbell word.
type HardwareDoorbell struct {
	QueueID  uint32
	Command  uint8
	Sequence uint32
	Index    uint32
}

// DecodeHardwareDoorbell splits a hardware doorbell word into its fields.
func DecodeHardwareDoorbell(v uint64) HardwareDoorbell {
	return HardwareDoorbell{
		QueueID:  uint32(v>>dbQueueShift) & dbQueueIDMask,
		Command:  uint8(v >> dbCmdShift),
		Sequence: uint32(v>>dbSeqShift) & 1,
		Index:    uint32(v) & dbIndexMask,
	}
}

// consumerIndex recovers the full 32-bit consumer index from a doorbell
// value. For hardware doorbells only 24 bits travel, so the index is
// rebuilt relative to the producer, which is never more than one ring
// ahead of the consumer.
func consumerIndex(mode DoorbellMode, v uint64, producer uint32) uint32 {
	if mode == DoorbellSoftware {
		return uint32(v)
	}
	idx := uint32(v) & dbIndexMask
	return producer - ((producer - idx) & dbIndexMask)
}
