package runner

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"go.uber.org/ratelimit"

	"github.com/yuuki/rshmem/internal/shmem"
	"github.com/yuuki/rshmem/internal/team"
)

// Workload names.
const (
	WorkloadBarrier = "barrier"
	WorkloadPartial = "partial"
	WorkloadPutGet  = "putget"
	WorkloadTeams   = "teams"
	WorkloadAll     = "all"
)

// putGetWords is the number of 8-byte words each putget iteration moves.
const putGetWords = 512

// Report summarizes one workload on one PE.
type Report struct {
	Workload   string
	Rank       int
	Iterations int
	Elapsed    time.Duration
}

// PerIteration returns the mean time of one iteration.
func (r Report) PerIteration() time.Duration {
	if r.Iterations == 0 {
		return 0
	}
	return r.Elapsed / time.Duration(r.Iterations)
}

type workloadFunc func(pe *shmem.Context, limiter ratelimit.Limiter, iterations int) error

var workloads = map[string]workloadFunc{
	WorkloadBarrier: runBarrier,
	WorkloadPartial: runPartial,
	WorkloadPutGet:  runPutGet,
	WorkloadTeams:   runTeams,
}

// sequence expands "all" into its parts in a fixed order every PE follows.
func sequence(name string) ([]string, error) {
	if name == WorkloadAll {
		return []string{WorkloadBarrier, WorkloadPartial, WorkloadPutGet, WorkloadTeams}, nil
	}
	if _, ok := workloads[name]; !ok {
		return nil, fmt.Errorf("unknown workload %q", name)
	}
	return []string{name}, nil
}

func newLimiter(rate int) ratelimit.Limiter {
	if rate <= 0 {
		return ratelimit.NewUnlimited()
	}
	return ratelimit.New(rate)
}

// RunWorkload drives the named workload on pe. Every PE of the world must
// call it with the same arguments.
func RunWorkload(pe *shmem.Context, name string, iterations, rate int) ([]Report, error) {
	names, err := sequence(name)
	if err != nil {
		return nil, err
	}

	var reports []Report
	for _, n := range names {
		limiter := newLimiter(rate)
		pe.BarrierAll()
		start := time.Now()
		if err := workloads[n](pe, limiter, iterations); err != nil {
			return reports, fmt.Errorf("%s workload: %w", n, err)
		}
		report := Report{Workload: n, Rank: pe.Rank(), Iterations: iterations, Elapsed: time.Since(start)}
		reports = append(reports, report)

		log.Debug().
			Int("rank", pe.Rank()).
			Str("workload", n).
			Int("iterations", iterations).
			Dur("perIteration", report.PerIteration()).
			Msg("Workload finished")
	}
	return reports, nil
}

func runBarrier(pe *shmem.Context, limiter ratelimit.Limiter, iterations int) error {
	for i := 0; i < iterations; i++ {
		limiter.Take()
		pe.BarrierAll()
	}
	return nil
}

// runPartial synchronizes the even and the odd world ranks separately.
func runPartial(pe *shmem.Context, limiter ratelimit.Limiter, iterations int) error {
	var listed []int
	for r := pe.Rank() % 2; r < pe.WorldSize(); r += 2 {
		listed = append(listed, r)
	}
	world := pe.TeamWorld()
	for i := 0; i < iterations; i++ {
		limiter.Take()
		pe.PartialBarrier(world, listed)
	}
	pe.BarrierAll()
	return nil
}

// runPutGet writes an iteration-stamped block into the right neighbour and
// checks the one arriving from the left, then reads the block back.
func runPutGet(pe *shmem.Context, limiter ratelimit.Limiter, iterations int) error {
	n := pe.WorldSize()
	addr, err := pe.Calloc(putGetWords, 8)
	if err != nil {
		return err
	}
	right := (pe.Rank() + 1) % n
	left := (pe.Rank() + n - 1) % n
	block := make([]byte, putGetWords*8)

	// Every PE keeps joining the barriers after a failure so the others
	// are not left waiting.
	var result error
	for i := 0; i < iterations; i++ {
		limiter.Take()
		fill(block, pe.Rank(), i)
		if err := pe.Put(right, addr, block); err != nil && result == nil {
			result = err
		}
		pe.BarrierAll()

		if result == nil {
			local, err := pe.Local(addr, len(block))
			if err != nil {
				result = err
			} else if !verify(local, left, i) {
				result = fmt.Errorf("iteration %d: block from rank %d corrupted", i, left)
			}
		}
		if result == nil && i%16 == 0 {
			if err := pe.Get(right, block, addr); err != nil {
				result = err
			} else if !verify(block, pe.Rank(), i) {
				result = fmt.Errorf("iteration %d: read back from rank %d corrupted", i, right)
			}
		}
		// Nobody overwrites a block before its owner has checked it.
		pe.BarrierAll()
	}

	return errors.Join(result, pe.Free(addr))
}

func stamp(rank, iteration, word int) uint64 {
	return uint64(rank)<<48 | uint64(iteration)<<16 | uint64(word)
}

func fill(block []byte, rank, iteration int) {
	for w := 0; w < len(block)/8; w++ {
		v := stamp(rank, iteration, w)
		for b := 0; b < 8; b++ {
			block[w*8+b] = byte(v >> (8 * b))
		}
	}
}

func verify(block []byte, rank, iteration int) bool {
	for w := 0; w < len(block)/8; w++ {
		var v uint64
		for b := 0; b < 8; b++ {
			v |= uint64(block[w*8+b]) << (8 * b)
		}
		if v != stamp(rank, iteration, w) {
			return false
		}
	}
	return true
}

// runTeams lays the world out as a near-square grid and alternates
// barriers over the row and column teams.
func runTeams(pe *shmem.Context, limiter ratelimit.Limiter, iterations int) error {
	world := pe.TeamWorld()
	xExtent := int(math.Ceil(math.Sqrt(float64(world.Size))))
	row, col, rowErr, colErr := pe.TeamSplit2D(world, xExtent)
	if rowErr != nil || colErr != nil {
		return errors.Join(rowErr, colErr)
	}

	for i := 0; i < iterations; i++ {
		limiter.Take()
		pe.Barrier(row)
		pe.Barrier(col)
	}

	if r, ok := pe.TeamTranslate(row, row.LocalRank, world); !ok || r != pe.Rank() {
		return fmt.Errorf("row rank %d does not translate back to world rank %d", row.LocalRank, pe.Rank())
	}

	pe.BarrierAll()
	return errors.Join(destroy(pe, row), destroy(pe, col))
}

func destroy(pe *shmem.Context, t team.Team) error {
	if err := pe.TeamDestroy(t); err != nil {
		return fmt.Errorf("destroy %s: %w", t, err)
	}
	return nil
}
