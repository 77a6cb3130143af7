package allocator

import (
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTotal = 64 * Alignment

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New(testTotal)
	require.NoError(t, err)
	return a
}

// checkCoverage asserts that free and allocated ranges tile [0,total) exactly.
func checkCoverage(t *testing.T, a *Allocator, allocated []Range) {
	t.Helper()
	all := append(a.FreeRanges(), allocated...)
	sort.Slice(all, func(i, j int) bool { return all[i].Offset < all[j].Offset })

	var cursor uint64
	for _, r := range all {
		require.Equal(t, cursor, r.Offset, "gap or overlap at %s", r)
		cursor = r.End()
	}
	require.Equal(t, a.Total(), cursor)

	var allocatedBytes uint64
	for _, r := range allocated {
		allocatedBytes += r.Size
	}
	assert.Equal(t, a.Total()-allocatedBytes, a.Free())
	assert.Equal(t, a.byAddr.Len(), a.bySize.Len(), "indices diverged")
}

func TestNewRejectsUnaligned(t *testing.T) {
	_, err := New(0)
	assert.ErrorIs(t, err, ErrUnaligned)
	_, err = New(Alignment + 1)
	assert.ErrorIs(t, err, ErrUnaligned)
}

func TestAllocateRoundsUp(t *testing.T) {
	a := newTestAllocator(t)
	r, ok := a.Allocate(1)
	require.True(t, ok)
	assert.Equal(t, Range{Offset: 0, Size: Alignment}, r)

	r, ok = a.Allocate(Alignment + 1)
	require.True(t, ok)
	assert.Equal(t, Range{Offset: Alignment, Size: 2 * Alignment}, r)
	checkCoverage(t, a, []Range{{0, Alignment}, {Alignment, 2 * Alignment}})
}

func TestAllocateWholeAreaRoundTrip(t *testing.T) {
	a := newTestAllocator(t)

	_, ok := a.Allocate(testTotal + 1)
	assert.False(t, ok, "allocating more than the area must fail")
	assert.False(t, a.CanAllocate(testTotal+1))

	r, ok := a.Allocate(testTotal)
	require.True(t, ok)
	assert.Equal(t, Range{Offset: 0, Size: testTotal}, r)
	assert.Empty(t, a.FreeRanges())

	_, ok = a.Allocate(1)
	assert.False(t, ok)

	require.NoError(t, a.Release(r))
	assert.Equal(t, []Range{{0, testTotal}}, a.FreeRanges())
}

func TestAllocateZero(t *testing.T) {
	a := newTestAllocator(t)
	_, ok := a.Allocate(0)
	assert.False(t, ok)
	assert.False(t, a.CanAllocate(0))
}

func TestBestFitPicksSmallestHole(t *testing.T) {
	a := newTestAllocator(t)
	var rs []Range
	for _, pages := range []uint64{4, 1, 2, 1, 8} {
		r, ok := a.Allocate(pages * Alignment)
		require.True(t, ok)
		rs = append(rs, r)
	}
	// Free a 4-page hole and a 2-page hole separated by live ranges.
	require.NoError(t, a.Release(rs[0]))
	require.NoError(t, a.Release(rs[2]))

	r, ok := a.Allocate(2 * Alignment)
	require.True(t, ok)
	assert.Equal(t, rs[2], r, "best fit should reuse the 2-page hole")

	r, ok = a.Allocate(Alignment)
	require.True(t, ok)
	assert.Equal(t, rs[0].Offset, r.Offset, "next smallest fit is the 4-page hole")
}

func TestReleaseThenAllocateReusesRegion(t *testing.T) {
	a := newTestAllocator(t)
	first, _ := a.Allocate(3 * Alignment)
	second, _ := a.Allocate(5 * Alignment)
	_, _ = a.Allocate(Alignment)

	require.NoError(t, a.Release(second))
	again, ok := a.Allocate(5 * Alignment)
	require.True(t, ok)
	assert.Equal(t, second, again)
	_ = first
}

func TestAdjacentReleasesCoalesce(t *testing.T) {
	a := newTestAllocator(t)
	left, _ := a.Allocate(2 * Alignment)
	mid, _ := a.Allocate(3 * Alignment)
	right, _ := a.Allocate(4 * Alignment)
	rest, _ := a.Allocate(testTotal - 9*Alignment)
	assert.Empty(t, a.FreeRanges())

	require.NoError(t, a.Release(left))
	require.NoError(t, a.Release(right))
	assert.Len(t, a.FreeRanges(), 2)

	// Releasing the middle merges with both neighbours.
	require.NoError(t, a.Release(mid))
	assert.Equal(t, []Range{{0, 9 * Alignment}}, a.FreeRanges())

	r, ok := a.Allocate(9 * Alignment)
	require.True(t, ok)
	assert.Equal(t, Range{0, 9 * Alignment}, r)
	checkCoverage(t, a, []Range{r, rest})
}

func TestReleaseRejectsOverlap(t *testing.T) {
	a := newTestAllocator(t)
	r, _ := a.Allocate(2 * Alignment)
	require.NoError(t, a.Release(r))

	err := a.Release(r)
	assert.ErrorIs(t, err, ErrInvalidRange, "double release must be detected")

	err = a.Release(Range{Offset: testTotal - Alignment, Size: 2 * Alignment})
	assert.ErrorIs(t, err, ErrInvalidRange)
}

func TestRandomSequencesKeepCoverage(t *testing.T) {
	a := newTestAllocator(t)
	rng := rand.New(rand.NewSource(7))
	var live []Range

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			idx := rng.Intn(len(live))
			require.NoError(t, a.Release(live[idx]))
			live = append(live[:idx], live[idx+1:]...)
		} else {
			size := uint64(rng.Intn(6*Alignment) + 1)
			can := a.CanAllocate(size)
			r, ok := a.Allocate(size)
			require.Equal(t, can, ok, "CanAllocate disagrees with Allocate")
			if ok {
				live = append(live, r)
			}
		}
		if i%50 == 0 {
			checkCoverage(t, a, live)
		}
	}
	for _, r := range live {
		require.NoError(t, a.Release(r))
	}
	assert.Equal(t, []Range{{0, testTotal}}, a.FreeRanges())
}

func TestConcurrentAllocateRelease(t *testing.T) {
	a := newTestAllocator(t)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				r, ok := a.Allocate(Alignment)
				if !ok {
					continue
				}
				assert.NoError(t, a.Release(r))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, []Range{{0, testTotal}}, a.FreeRanges())
}
