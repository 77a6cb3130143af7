// Package shmem is the per-PE runtime: symmetric heap, one-sided put/get,
// teams and barriers over the simulated RDMA fabric.
package shmem

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/rshmem/internal/allocator"
	"github.com/yuuki/rshmem/internal/barrier"
	"github.com/yuuki/rshmem/internal/bootstrap"
	"github.com/yuuki/rshmem/internal/rdma"
	"github.com/yuuki/rshmem/internal/spin"
	"github.com/yuuki/rshmem/internal/team"
	"github.com/yuuki/rshmem/internal/telemetry"
)

var (
	// ErrHeapExhausted is returned by Malloc when no symmetric range fits.
	ErrHeapExhausted = errors.New("shmem: symmetric heap exhausted")
	// ErrScratchExhausted is returned when staging space stays unavailable
	// after draining every queue.
	ErrScratchExhausted = errors.New("shmem: scratch space exhausted")
	// ErrInvalidAddress reports a symmetric address outside the heap or
	// not returned by Malloc.
	ErrInvalidAddress = errors.New("shmem: invalid symmetric address")
	// ErrInvalidPeer reports a rank outside the world.
	ErrInvalidPeer = errors.New("shmem: invalid peer")
)

// SymAddr is an offset into the symmetric heap, valid on every PE.
type SymAddr uint64

// Reachability is how a PE reaches a peer.
type Reachability int

const (
	ReachSelf Reachability = iota
	// ReachP2P peers share a node; their regions are mapped directly.
	ReachP2P
	// ReachRDMA peers are reached through queue pairs.
	ReachRDMA
)

func (r Reachability) String() string {
	switch r {
	case ReachSelf:
		return "self"
	case ReachP2P:
		return "p2p"
	default:
		return "rdma"
	}
}

// Options sizes a PE.
type Options struct {
	WorldSize     int
	PEsPerNode    int
	HeapSize      uint64
	ScratchSize   uint64
	QueueOrder    uint
	QueuesPerPeer int
	Doorbell      rdma.DoorbellMode
	MaxTeams      int
	SlotPoolSize  int
	// DeviceCPU pins the device of rank r to DeviceCPU+r when non-negative.
	DeviceCPU int
	Policy    spin.Policy
	Recorder  telemetry.Recorder
}

// DefaultOptions returns options for a world of n PEs, one per node.
func DefaultOptions(n int) Options {
	return Options{
		WorldSize:     n,
		PEsPerNode:    1,
		HeapSize:      16 << 20,
		ScratchSize:   4 << 20,
		QueueOrder:    rdma.DefaultQueueOrder,
		QueuesPerPeer: 1,
		Doorbell:      rdma.DoorbellSoftware,
		MaxTeams:      team.DefaultMaxTeams,
		SlotPoolSize:  barrier.DefaultPoolSize,
		DeviceCPU:     -1,
	}
}

type staged struct {
	wrid uint32
	rng  allocator.Range
}

type peerState struct {
	info  bootstrap.PeerInfo
	reach Reachability

	// Directly mapped regions of self and P2P peers.
	heap    *rdma.MemoryRegion
	signals *rdma.SignalRegion

	qps       []*rdma.QueuePair
	pending   [][]staged
	nextQueue int
}

// Context is one PE. It is driven by a single goroutine; none of its
// methods may be called concurrently.
type Context struct {
	rank   int
	opts   Options
	fabric *rdma.Fabric
	dev    *rdma.Device
	rec    telemetry.Recorder

	heapMR    *rdma.MemoryRegion
	scratchMR *rdma.MemoryRegion
	signals   *rdma.SignalRegion

	peers []peerState

	registry *team.Registry
	engine   *barrier.Engine

	heap        *allocator.Allocator
	allocations map[SymAddr]allocator.Range
	scratch     *allocator.Allocator
}

func (o Options) validate() error {
	switch {
	case o.WorldSize <= 0:
		return fmt.Errorf("world size %d must be positive", o.WorldSize)
	case o.PEsPerNode <= 0:
		return fmt.Errorf("pes per node %d must be positive", o.PEsPerNode)
	case o.QueuesPerPeer <= 0:
		return fmt.Errorf("queues per peer %d must be positive", o.QueuesPerPeer)
	case o.ScratchSize > 1<<32-1:
		return fmt.Errorf("scratch size %d exceeds a single transfer", o.ScratchSize)
	}
	return nil
}

// NewContext brings up PE rank: registers its regions on fabric, exchanges
// keys through store and connects to every peer. All PEs of the world must
// call it concurrently.
func NewContext(ctx context.Context, rank int, fabric *rdma.Fabric, store bootstrap.Store, opts Options) (*Context, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if rank < 0 || rank >= opts.WorldSize {
		return nil, fmt.Errorf("rank %d: %w", rank, ErrInvalidPeer)
	}
	if opts.Recorder == nil {
		opts.Recorder = telemetry.Nop{}
	}

	heap, err := allocator.New(opts.HeapSize)
	if err != nil {
		return nil, fmt.Errorf("heap allocator: %w", err)
	}
	scratch, err := allocator.New(opts.ScratchSize)
	if err != nil {
		return nil, fmt.Errorf("scratch allocator: %w", err)
	}
	registry, err := team.NewRegistry(rank, opts.WorldSize, opts.MaxTeams)
	if err != nil {
		return nil, err
	}

	c := &Context{
		rank:        rank,
		opts:        opts,
		fabric:      fabric,
		rec:         opts.Recorder,
		peers:       make([]peerState, opts.WorldSize),
		registry:    registry,
		heap:        heap,
		allocations: make(map[SymAddr]allocator.Range),
		scratch:     scratch,
	}

	c.engine = barrier.NewEngine(barrier.Config{
		Rank:      rank,
		WorldSize: opts.WorldSize,
		MaxTeams:  registry.MaxTeams(),
		PoolSize:  opts.SlotPoolSize,
		Policy:    opts.Policy,
		Hooks:     opts.Recorder,
	}, c, c)

	c.heapMR = fabric.RegisterMemory(rank, make([]byte, opts.HeapSize))
	c.scratchMR = fabric.RegisterMemory(rank, make([]byte, opts.ScratchSize))
	c.signals = fabric.RegisterSignals(rank, c.engine.Layout().Cells())

	devOpts := rdma.DefaultDeviceOptions()
	if opts.DeviceCPU >= 0 {
		devOpts.CPU = (opts.DeviceCPU + rank) % runtime.NumCPU()
	}
	if c.dev, err = fabric.OpenDevice(rank, devOpts); err != nil {
		c.deregister()
		return nil, err
	}

	self := bootstrap.PeerInfo{
		Rank:      rank,
		Node:      rank / opts.PEsPerNode,
		HeapKey:   c.heapMR.Key,
		SignalKey: c.signals.Key,
		HeapSize:  opts.HeapSize,
	}
	infos, err := bootstrap.Exchange(ctx, store, self, opts.WorldSize)
	if err != nil {
		c.dev.Close()
		c.deregister()
		return nil, fmt.Errorf("peer exchange: %w", err)
	}

	if err := c.connect(infos); err != nil {
		c.dev.Close()
		c.deregister()
		return nil, err
	}

	registry.AddObserver(c.engine)
	registry.SetNegotiator(c.engine)

	log.Info().
		Int("rank", rank).
		Int("worldSize", opts.WorldSize).
		Int("node", self.Node).
		Uint64("heapSize", opts.HeapSize).
		Msg("PE initialized")
	return c, nil
}

func (c *Context) connect(infos []bootstrap.PeerInfo) error {
	me := infos[c.rank]
	qcfg := rdma.QueueConfig{
		Order:    c.opts.QueueOrder,
		Doorbell: c.opts.Doorbell,
		Policy:   c.opts.Policy,
		Hooks:    c.rec,
	}

	for r, info := range infos {
		p := &c.peers[r]
		p.info = info
		switch {
		case r == c.rank:
			p.reach = ReachSelf
		case info.Node == me.Node:
			p.reach = ReachP2P
		default:
			p.reach = ReachRDMA
		}

		if p.reach != ReachRDMA {
			heap, ok := c.fabric.Memory(r, info.HeapKey)
			if !ok {
				return fmt.Errorf("map heap of rank %d: key %d not registered", r, info.HeapKey)
			}
			signals, ok := c.fabric.Signals(r, info.SignalKey)
			if !ok {
				return fmt.Errorf("map signals of rank %d: key %d not registered", r, info.SignalKey)
			}
			p.heap, p.signals = heap, signals
			continue
		}

		p.qps = make([]*rdma.QueuePair, c.opts.QueuesPerPeer)
		p.pending = make([][]staged, c.opts.QueuesPerPeer)
		for q := range p.qps {
			qp, err := c.dev.CreateQueuePair(r, q, qcfg)
			if err != nil {
				return fmt.Errorf("queue pair to rank %d: %w", r, err)
			}
			p.qps[q] = qp
		}
	}
	return nil
}

func (c *Context) deregister() {
	for _, key := range []uint32{c.heapMR.Key, c.scratchMR.Key, c.signals.Key} {
		c.fabric.Deregister(c.rank, key)
	}
}

// Rank returns the world rank of the PE.
func (c *Context) Rank() int { return c.rank }

// WorldSize returns the number of PEs.
func (c *Context) WorldSize() int { return c.opts.WorldSize }

// Reach reports how peer is reached.
func (c *Context) Reach(peer int) Reachability { return c.peers[peer].reach }

// QueuePairs returns the queue pairs toward an RDMA peer.
func (c *Context) QueuePairs(peer int) []*rdma.QueuePair { return c.peers[peer].qps }

// Device returns the PE's device.
func (c *Context) Device() *rdma.Device { return c.dev }

// BarrierStats returns the barrier engine counters.
func (c *Context) BarrierStats() barrier.Stats { return c.engine.Stats() }

// Close drains outstanding operations and releases the device and regions.
// Peers must have stopped addressing this PE.
func (c *Context) Close() error {
	var result *multierror.Error
	if err := c.Quiet(); err != nil {
		result = multierror.Append(result, err)
	}
	c.dev.Close()
	c.deregister()
	log.Debug().Int("rank", c.rank).Msg("PE closed")
	return result.ErrorOrNil()
}
