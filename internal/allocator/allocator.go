// Package allocator carves fixed-alignment ranges out of one flat byte
// range. It backs both the symmetric heap and the pinned scratch area used
// to stage RDMA payloads.
//
// Free ranges are indexed twice: by offset, for coalescing on release, and
// by (size, offset), for best-fit allocation. Both indices always hold the
// same set of ranges.
package allocator

import (
	"errors"
	"fmt"

	"github.com/google/btree"
	"github.com/rs/zerolog/log"
)

const (
	// Alignment is the granularity every allocation is rounded up to.
	Alignment = 4096

	btreeDegree = 16
)

var (
	// ErrInvalidRange is returned when a released range overlaps free space
	// or lies outside the managed area.
	ErrInvalidRange = errors.New("allocator: invalid range")
	// ErrUnaligned is returned by New for a total that is not a multiple of Alignment.
	ErrUnaligned = errors.New("allocator: total size must be a non-zero multiple of alignment")
)

// Range is a span of the managed area, relative to its base.
type Range struct {
	Offset uint64
	Size   uint64
}

// End returns the first offset past the range.
func (r Range) End() uint64 { return r.Offset + r.Size }

func (r Range) String() string {
	return fmt.Sprintf("[%#x,%#x)", r.Offset, r.End())
}

func byAddr(a, b Range) bool { return a.Offset < b.Offset }

func bySize(a, b Range) bool {
	if a.Size != b.Size {
		return a.Size < b.Size
	}
	return a.Offset < b.Offset
}

// Allocator is a best-fit free-list allocator with address coalescing.
// All methods are safe for concurrent use.
type Allocator struct {
	lock   spinLock
	total  uint64
	free   uint64
	byAddr *btree.BTreeG[Range]
	bySize *btree.BTreeG[Range]
}

// New returns an allocator managing [0, total).
func New(total uint64) (*Allocator, error) {
	if total == 0 || total%Alignment != 0 {
		return nil, fmt.Errorf("%w: %d", ErrUnaligned, total)
	}
	a := &Allocator{
		total:  total,
		byAddr: btree.NewG(btreeDegree, byAddr),
		bySize: btree.NewG(btreeDegree, bySize),
	}
	a.insert(Range{Offset: 0, Size: total})
	return a, nil
}

// AlignUp rounds size up to Alignment.
func AlignUp(size uint64) uint64 {
	return (size + Alignment - 1) &^ (Alignment - 1)
}

// Total returns the size of the managed area.
func (a *Allocator) Total() uint64 { return a.total }

// Allocate returns the smallest free range that fits size rounded up to
// Alignment. The second result is false when nothing fits; that is an
// expected outcome, not an error.
func (a *Allocator) Allocate(size uint64) (Range, bool) {
	if size == 0 || size > a.total {
		return Range{}, false
	}
	aligned := AlignUp(size)

	a.lock.Lock()
	defer a.lock.Unlock()

	fit, ok := a.bestFit(aligned)
	if !ok {
		return Range{}, false
	}
	a.remove(fit)
	if fit.Size > aligned {
		a.insert(Range{Offset: fit.Offset + aligned, Size: fit.Size - aligned})
	}
	return Range{Offset: fit.Offset, Size: aligned}, true
}

// CanAllocate reports whether Allocate(size) would currently succeed.
func (a *Allocator) CanAllocate(size uint64) bool {
	if size == 0 || size > a.total {
		return false
	}
	aligned := AlignUp(size)

	a.lock.Lock()
	defer a.lock.Unlock()

	_, ok := a.bestFit(aligned)
	return ok
}

// Release returns r to the free set, merging it with exactly adjacent free
// neighbours.
func (a *Allocator) Release(r Range) error {
	if r.Size == 0 || r.End() > a.total || r.End() < r.Offset {
		return fmt.Errorf("%w: %s outside [0,%#x)", ErrInvalidRange, r, a.total)
	}

	a.lock.Lock()
	defer a.lock.Unlock()

	merged := r
	prev, hasPrev := a.prevOf(r.Offset)
	next, hasNext := a.nextOf(r.Offset)

	if hasPrev && prev.End() > r.Offset {
		return fmt.Errorf("%w: %s overlaps free %s", ErrInvalidRange, r, prev)
	}
	if hasNext && next.Offset < r.End() {
		return fmt.Errorf("%w: %s overlaps free %s", ErrInvalidRange, r, next)
	}

	if hasPrev && prev.End() == r.Offset {
		a.remove(prev)
		merged.Offset = prev.Offset
		merged.Size += prev.Size
	}
	if hasNext && next.Offset == r.End() {
		a.remove(next)
		merged.Size += next.Size
	}
	a.insert(merged)
	return nil
}

// Free returns the number of free bytes.
func (a *Allocator) Free() uint64 {
	a.lock.Lock()
	defer a.lock.Unlock()
	return a.free
}

// FreeRanges returns the free ranges in address order.
func (a *Allocator) FreeRanges() []Range {
	a.lock.Lock()
	defer a.lock.Unlock()

	out := make([]Range, 0, a.byAddr.Len())
	a.byAddr.Ascend(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

func (a *Allocator) bestFit(size uint64) (Range, bool) {
	var fit Range
	found := false
	a.bySize.AscendGreaterOrEqual(Range{Size: size}, func(r Range) bool {
		fit, found = r, true
		return false
	})
	return fit, found
}

// prevOf returns the free range with the greatest offset below off.
func (a *Allocator) prevOf(off uint64) (Range, bool) {
	var prev Range
	found := false
	a.byAddr.DescendLessOrEqual(Range{Offset: off}, func(r Range) bool {
		if r.Offset == off {
			return true
		}
		prev, found = r, true
		return false
	})
	return prev, found
}

// nextOf returns the free range with the lowest offset at or above off.
func (a *Allocator) nextOf(off uint64) (Range, bool) {
	var next Range
	found := false
	a.byAddr.AscendGreaterOrEqual(Range{Offset: off}, func(r Range) bool {
		next, found = r, true
		return false
	})
	return next, found
}

func (a *Allocator) insert(r Range) {
	a.byAddr.ReplaceOrInsert(r)
	a.bySize.ReplaceOrInsert(r)
	a.free += r.Size
}

func (a *Allocator) remove(r Range) {
	if _, ok := a.byAddr.Delete(r); !ok {
		log.Error().Stringer("range", r).Msg("Free range missing from address index")
	}
	if _, ok := a.bySize.Delete(r); !ok {
		log.Error().Stringer("range", r).Msg("Free range missing from size index")
	}
	a.free -= r.Size
}
