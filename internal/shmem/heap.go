package shmem

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
)

var byteOrder = binary.LittleEndian

// ErrZeroSize is returned for an empty allocation.
var ErrZeroSize = errors.New("shmem: zero-size allocation")

// Malloc reserves size bytes of the symmetric heap. It is collective over
// the world: every PE must issue the same sequence of Malloc and Free
// calls, which yields the same address everywhere.
func (c *Context) Malloc(size uint64) (SymAddr, error) {
	return c.malloc(size, false)
}

// Calloc is Malloc of n*size zeroed bytes.
func (c *Context) Calloc(n, size uint64) (SymAddr, error) {
	if size != 0 && n > c.opts.HeapSize/size {
		c.BarrierAll()
		c.rec.AllocFailed("heap")
		return 0, fmt.Errorf("calloc %d x %d: %w", n, size, ErrHeapExhausted)
	}
	return c.malloc(n*size, true)
}

func (c *Context) malloc(size uint64, zero bool) (SymAddr, error) {
	if size == 0 {
		c.BarrierAll()
		return 0, ErrZeroSize
	}
	rng, ok := c.heap.Allocate(size)
	if ok {
		c.allocations[SymAddr(rng.Offset)] = rng
		if zero {
			clear(c.heapMR.Bytes()[rng.Offset:rng.End()])
		}
	}

	// Nobody may address the block before every PE owns it.
	c.BarrierAll()

	if !ok {
		c.rec.AllocFailed("heap")
		log.Warn().Int("rank", c.rank).Uint64("size", size).Uint64("free", c.heap.Free()).Msg("Symmetric heap exhausted")
		return 0, fmt.Errorf("malloc %d: %w", size, ErrHeapExhausted)
	}
	return SymAddr(rng.Offset), nil
}

// Free releases a block returned by Malloc or Calloc. It is collective
// over the world.
func (c *Context) Free(addr SymAddr) error {
	// Outstanding operations on the block complete first.
	c.BarrierAll()

	rng, ok := c.allocations[addr]
	if !ok {
		return fmt.Errorf("free %d: %w", addr, ErrInvalidAddress)
	}
	delete(c.allocations, addr)
	if err := c.heap.Release(rng); err != nil {
		return fmt.Errorf("free %d: %w", addr, err)
	}
	return nil
}

// HeapFree returns the unallocated bytes of the symmetric heap.
func (c *Context) HeapFree() uint64 { return c.heap.Free() }
