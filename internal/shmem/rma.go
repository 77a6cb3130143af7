package shmem

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/rshmem/internal/allocator"
	"github.com/yuuki/rshmem/internal/rdma"
)

func (c *Context) checkPeer(peer int) error {
	if peer < 0 || peer >= c.opts.WorldSize {
		return fmt.Errorf("rank %d: %w", peer, ErrInvalidPeer)
	}
	return nil
}

func (c *Context) checkRange(addr SymAddr, n int) error {
	if uint64(addr) > c.opts.HeapSize || uint64(n) > c.opts.HeapSize-uint64(addr) {
		return fmt.Errorf("[%d, %d) outside heap of %d bytes: %w", addr, uint64(addr)+uint64(n), c.opts.HeapSize, ErrInvalidAddress)
	}
	return nil
}

// Local returns the n bytes of this PE's heap at addr.
func (c *Context) Local(addr SymAddr, n int) ([]byte, error) {
	if err := c.checkRange(addr, n); err != nil {
		return nil, err
	}
	return c.heapMR.Bytes()[addr : uint64(addr)+uint64(n)], nil
}

// chunk bounds a single staged transfer.
func (c *Context) chunk() int {
	n := c.opts.ScratchSize / 4
	if n < allocator.Alignment {
		n = allocator.Alignment
	}
	return int(n)
}

// pickQueue spreads transfers toward peer round-robin over its queues.
func (p *peerState) pickQueue() int {
	q := p.nextQueue
	p.nextQueue = (p.nextQueue + 1) % len(p.qps)
	return q
}

// reclaim releases staging ranges whose work requests have retired.
func (c *Context) reclaim(peer, q int) {
	p := &c.peers[peer]
	tail := p.qps[q].Tail()
	pending := p.pending[q]
	i := 0
	for ; i < len(pending); i++ {
		if int32(tail-pending[i].wrid) <= 0 {
			break
		}
		if err := c.scratch.Release(pending[i].rng); err != nil {
			log.Error().Err(err).Int("rank", c.rank).Str("range", pending[i].rng.String()).Msg("Failed to release staging range")
		}
	}
	p.pending[q] = pending[i:]
}

// stage reserves n bytes of scratch. On exhaustion every queue is drained
// and the attempt repeated once.
func (c *Context) stage(n int) (allocator.Range, error) {
	if !c.scratch.CanAllocate(uint64(n)) {
		// Staging ranges may be held by queues toward any peer.
		log.Debug().Int("rank", c.rank).Int("size", n).Msg("Scratch exhausted, draining queues")
		if err := c.Quiet(); err != nil {
			return allocator.Range{}, err
		}
	}
	if rng, ok := c.scratch.Allocate(uint64(n)); ok {
		return rng, nil
	}
	c.rec.AllocFailed("scratch")
	return allocator.Range{}, fmt.Errorf("stage %d bytes: %w", n, ErrScratchExhausted)
}

// Put copies src into the heap of peer at dst. Remote completion is only
// guaranteed after Quiet, QuietPeer or a barrier.
func (c *Context) Put(peer int, dst SymAddr, src []byte) error {
	if err := c.checkPeer(peer); err != nil {
		return err
	}
	if err := c.checkRange(dst, len(src)); err != nil {
		return err
	}
	if len(src) == 0 {
		return nil
	}

	p := &c.peers[peer]
	if p.reach != ReachRDMA {
		copy(p.heap.Bytes()[dst:], src)
		return nil
	}

	for off := 0; off < len(src); off += c.chunk() {
		n := min(c.chunk(), len(src)-off)
		rng, err := c.stage(n)
		if err != nil {
			return err
		}
		copy(c.scratchMR.Bytes()[rng.Offset:], src[off:off+n])

		q := p.pickQueue()
		wrid, err := p.qps[q].PostWrite(
			rdma.Segment{Key: p.info.HeapKey, Offset: uint64(dst) + uint64(off)},
			rdma.Segment{Key: c.scratchMR.Key, Offset: rng.Offset},
			uint32(n),
		)
		if err != nil {
			c.releaseStaging(rng)
			c.reclaim(peer, q)
			return fmt.Errorf("put to rank %d: %w", peer, err)
		}
		p.pending[q] = append(p.pending[q], staged{wrid: wrid, rng: rng})
	}
	return nil
}

func (c *Context) releaseStaging(rng allocator.Range) {
	if err := c.scratch.Release(rng); err != nil {
		log.Error().Err(err).Int("rank", c.rank).Str("range", rng.String()).Msg("Failed to release staging range")
	}
}

// Get copies len(dst) bytes from the heap of peer at src into dst and
// returns once they have arrived.
func (c *Context) Get(peer int, dst []byte, src SymAddr) error {
	if err := c.checkPeer(peer); err != nil {
		return err
	}
	if err := c.checkRange(src, len(dst)); err != nil {
		return err
	}
	if len(dst) == 0 {
		return nil
	}

	p := &c.peers[peer]
	if p.reach != ReachRDMA {
		copy(dst, p.heap.Bytes()[src:])
		return nil
	}

	for off := 0; off < len(dst); off += c.chunk() {
		n := min(c.chunk(), len(dst)-off)
		rng, err := c.stage(n)
		if err != nil {
			return err
		}

		q := p.pickQueue()
		qp := p.qps[q]
		_, err = qp.PostRead(
			rdma.Segment{Key: p.info.HeapKey, Offset: uint64(src) + uint64(off)},
			rdma.Segment{Key: c.scratchMR.Key, Offset: rng.Offset},
			uint32(n),
		)
		if err == nil {
			err = qp.Quiet()
		}
		if err == nil {
			copy(dst[off:off+n], c.scratchMR.Bytes()[rng.Offset:])
		}
		c.releaseStaging(rng)
		c.reclaim(peer, q)
		if err != nil {
			return fmt.Errorf("get from rank %d: %w", peer, err)
		}
	}
	return nil
}

// PutUint64 stores v into the heap of peer at dst.
func (c *Context) PutUint64(peer int, dst SymAddr, v uint64) error {
	var buf [8]byte
	byteOrder.PutUint64(buf[:], v)
	return c.Put(peer, dst, buf[:])
}

// GetUint64 loads a word from the heap of peer at src.
func (c *Context) GetUint64(peer int, src SymAddr) (uint64, error) {
	var buf [8]byte
	if err := c.Get(peer, buf[:], src); err != nil {
		return 0, err
	}
	return byteOrder.Uint64(buf[:]), nil
}

// QuietPeer completes every operation this PE issued toward peer. All
// outstanding work requests are drained even when some fault; the faults
// are returned together.
func (c *Context) QuietPeer(peer int) error {
	if err := c.checkPeer(peer); err != nil {
		return err
	}
	p := &c.peers[peer]
	if p.reach != ReachRDMA {
		return nil
	}

	start := time.Now()
	var result *multierror.Error
	for q, qp := range p.qps {
		for qp.Tail() != qp.Head() {
			if err := qp.Quiet(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		c.reclaim(peer, q)
	}
	c.rec.QuietCompleted(peer, time.Since(start))
	return result.ErrorOrNil()
}

// Quiet completes every operation this PE issued.
func (c *Context) Quiet() error {
	var result *multierror.Error
	for peer := range c.peers {
		if err := c.QuietPeer(peer); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
