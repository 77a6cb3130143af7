package rdma

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// MemoryRegion is a registered byte region owned by one rank. Remote ranks
// reach it only through a device, by (rank, key).
type MemoryRegion struct {
	Rank int
	Key  uint32
	buf  []byte
}

// Len returns the registered length.
func (m *MemoryRegion) Len() int { return len(m.buf) }

// Bytes exposes the region to its owner and to peers mapped peer-to-peer.
func (m *MemoryRegion) Bytes() []byte { return m.buf }

func (m *MemoryRegion) span(off uint64, n uint32) ([]byte, bool) {
	end := off + uint64(n)
	if end < off || end > uint64(len(m.buf)) {
		return nil, false
	}
	return m.buf[off:end], true
}

// SignalRegion is a registered array of 64-bit cells written by remote
// signals and polled by the owner.
type SignalRegion struct {
	Rank  int
	Key   uint32
	cells []atomic.Uint64
}

// Len returns the number of cells.
func (s *SignalRegion) Len() int { return len(s.cells) }

// Load reads cell i.
func (s *SignalRegion) Load(i int) uint64 { return s.cells[i].Load() }

// Store writes cell i.
func (s *SignalRegion) Store(i int, v uint64) { s.cells[i].Store(v) }

// Clear zeroes n cells starting at from.
func (s *SignalRegion) Clear(from, n int) {
	for i := from; i < from+n; i++ {
		s.cells[i].Store(0)
	}
}

type regionKey struct {
	rank int
	key  uint32
}

// Fabric is the in-process interconnect: it resolves (rank, key) pairs to
// registered regions and owns one device per rank.
type Fabric struct {
	mu      sync.RWMutex
	memory  map[regionKey]*MemoryRegion
	signals map[regionKey]*SignalRegion
	devices map[int]*Device
	nextKey map[int]uint32
}

// NewFabric returns an empty fabric.
func NewFabric() *Fabric {
	return &Fabric{
		memory:  make(map[regionKey]*MemoryRegion),
		signals: make(map[regionKey]*SignalRegion),
		devices: make(map[int]*Device),
		nextKey: make(map[int]uint32),
	}
}

func (f *Fabric) allocKey(rank int) uint32 {
	f.nextKey[rank]++
	return f.nextKey[rank]
}

// RegisterMemory registers buf on behalf of rank.
func (f *Fabric) RegisterMemory(rank int, buf []byte) *MemoryRegion {
	f.mu.Lock()
	defer f.mu.Unlock()

	mr := &MemoryRegion{Rank: rank, Key: f.allocKey(rank), buf: buf}
	f.memory[regionKey{rank, mr.Key}] = mr
	log.Debug().Int("rank", rank).Uint32("key", mr.Key).Int("len", len(buf)).Msg("Registered memory region")
	return mr
}

// RegisterSignals registers a signal region of n cells on behalf of rank.
func (f *Fabric) RegisterSignals(rank int, n int) *SignalRegion {
	f.mu.Lock()
	defer f.mu.Unlock()

	sr := &SignalRegion{Rank: rank, Key: f.allocKey(rank), cells: make([]atomic.Uint64, n)}
	f.signals[regionKey{rank, sr.Key}] = sr
	log.Debug().Int("rank", rank).Uint32("key", sr.Key).Int("cells", n).Msg("Registered signal region")
	return sr
}

// Deregister removes every region registered with key on rank.
func (f *Fabric) Deregister(rank int, key uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.memory, regionKey{rank, key})
	delete(f.signals, regionKey{rank, key})
}

// Memory looks up a registered memory region.
func (f *Fabric) Memory(rank int, key uint32) (*MemoryRegion, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	mr, ok := f.memory[regionKey{rank, key}]
	return mr, ok
}

// Signals looks up a registered signal region.
func (f *Fabric) Signals(rank int, key uint32) (*SignalRegion, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	sr, ok := f.signals[regionKey{rank, key}]
	return sr, ok
}

// OpenDevice creates and starts the device for rank.
func (f *Fabric) OpenDevice(rank int, opts DeviceOptions) (*Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.devices[rank]; ok {
		return nil, fmt.Errorf("device for rank %d is already open", rank)
	}
	d := newDevice(f, rank, opts)
	f.devices[rank] = d
	d.start()
	return d, nil
}

func (f *Fabric) closeDevice(rank int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, rank)
}
