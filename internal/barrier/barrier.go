// Package barrier implements the full-team dissemination barrier and the
// subset partial barrier on top of remote signal cells.
package barrier

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog/log"

	"github.com/yuuki/rshmem/internal/spin"
	"github.com/yuuki/rshmem/internal/team"
)

// DefaultPoolSize is the number of partial-barrier slots per team.
const DefaultPoolSize = 8

const (
	KindFull    = "full"
	KindPartial = "partial"
)

// Signaler writes remote signal cells and reads the local ones.
type Signaler interface {
	// Signal stores value into cell of world rank peer.
	Signal(peer, cell int, value uint64) error
	// Load reads a local cell.
	Load(cell int) uint64
	// Clear zeroes n local cells starting at from.
	Clear(from, n int)
}

// Quieter completes every one-sided operation issued toward a peer.
type Quieter interface {
	QuietPeer(peer int) error
}

// Hooks receives barrier timings. telemetry.Recorder satisfies it.
type Hooks interface {
	BarrierCompleted(kind string, d time.Duration)
}

type nopHooks struct{}

func (nopHooks) BarrierCompleted(string, time.Duration) {}

// Config sizes an engine.
type Config struct {
	Rank      int
	WorldSize int
	MaxTeams  int
	PoolSize  int
	Policy    spin.Policy
	Hooks     Hooks
}

// Stats is a snapshot of engine counters.
type Stats struct {
	FullBarriers    uint64
	LastRounds      int
	PartialBarriers uint64
	Wraps           uint64
	QuietFaults     uint64
	SignalFaults    uint64
}

// Engine runs barriers for one PE. Barriers on one engine must not run
// concurrently; every member of a team calls the same sequence of
// barriers on it.
type Engine struct {
	cfg    Config
	layout Layout
	sig    Signaler
	quiet  Quieter
	policy spin.Policy
	hooks  Hooks

	// fence guards the per-team generation counters and slot pools.
	fence sync.Mutex
	gen   []uint64
	pools []SlotPool

	fullBarriers    atomic.Uint64
	lastRounds      atomic.Int64
	partialBarriers atomic.Uint64
	wraps           atomic.Uint64
	quietFaults     atomic.Uint64
	signalFaults    atomic.Uint64
}

// NewEngine creates an engine over sig and quiet.
func NewEngine(cfg Config, sig Signaler, quiet Quieter) *Engine {
	if cfg.MaxTeams <= 0 {
		cfg.MaxTeams = team.DefaultMaxTeams
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	e := &Engine{
		cfg:    cfg,
		layout: Layout{World: cfg.WorldSize, MaxTeams: cfg.MaxTeams, PoolSize: cfg.PoolSize},
		sig:    sig,
		quiet:  quiet,
		policy: cfg.Policy,
		hooks:  cfg.Hooks,
		gen:    make([]uint64, cfg.MaxTeams),
		pools:  make([]SlotPool, cfg.MaxTeams),
	}
	if e.policy == nil {
		e.policy = spin.Default()
	}
	if e.hooks == nil {
		e.hooks = nopHooks{}
	}
	for i := range e.pools {
		e.pools[i] = NewSlotPool(cfg.PoolSize)
	}
	return e
}

// Layout returns the signal cell layout the engine expects.
func (e *Engine) Layout() Layout { return e.layout }

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	return Stats{
		FullBarriers:    e.fullBarriers.Load(),
		LastRounds:      int(e.lastRounds.Load()),
		PartialBarriers: e.partialBarriers.Load(),
		Wraps:           e.wraps.Load(),
		QuietFaults:     e.quietFaults.Load(),
		SignalFaults:    e.signalFaults.Load(),
	}
}

func (e *Engine) quietPeer(peer int) {
	if err := e.quiet.QuietPeer(peer); err != nil {
		e.quietFaults.Add(1)
		log.Warn().Err(err).Int("rank", e.cfg.Rank).Int("peer", peer).Msg("Quiet failed before barrier")
	}
}

func (e *Engine) signal(peer, cell int, value uint64) {
	if err := e.sig.Signal(peer, cell, value); err != nil {
		e.signalFaults.Add(1)
		log.Error().Err(err).Int("rank", e.cfg.Rank).Int("peer", peer).Int("cell", cell).Msg("Barrier signal failed")
	}
}

func (e *Engine) waitAtLeast(cell int, value uint64) {
	spin.Until(e.policy, func() bool { return e.sig.Load(cell) >= value })
}

// Barrier blocks until every member of t has called it, after completing
// every one-sided operation this PE issued toward the other members.
func (e *Engine) Barrier(t team.Team) {
	start := time.Now()
	me, n := t.LocalRank, t.Size

	for l := 0; l < n; l++ {
		if l != me {
			e.quietPeer(t.GlobalRank(l))
		}
	}

	e.fence.Lock()
	gen := e.gen[t.Index] + 1
	e.fence.Unlock()

	rounds := 0
	for shift := 1; shift < n; shift <<= 1 {
		to := (me + shift) % n
		from := (me - shift + n) % n
		e.signal(t.GlobalRank(to), e.layout.Full(t.Index, me), gen)
		e.waitAtLeast(e.layout.Full(t.Index, from), gen)
		rounds++
	}

	e.fence.Lock()
	e.gen[t.Index] = gen
	e.fence.Unlock()

	e.fullBarriers.Add(1)
	e.lastRounds.Store(int64(rounds))
	e.hooks.BarrierCompleted(KindFull, time.Since(start))
	log.Trace().Int("rank", e.cfg.Rank).Int("team", t.Index).Uint64("gen", gen).Int("rounds", rounds).Msg("Barrier complete")
}

// PartialBarrier synchronizes the members of t whose local ranks appear in
// peers. Every member of t must call it, listed or not, so the slot pool
// advances identically everywhere.
func (e *Engine) PartialBarrier(t team.Team, peers []int) {
	start := time.Now()

	e.fence.Lock()
	slot, wrapped := e.pools[t.Index].Take()
	e.fence.Unlock()

	if wrapped {
		from, n := e.layout.PoolRange(t.Index)
		e.sig.Clear(from, n)
		e.wraps.Add(1)
		log.Debug().Int("rank", e.cfg.Rank).Int("team", t.Index).Msg("Partial barrier pool wrapped, falling back to full barrier")
		e.Barrier(t)
	}

	listed := e.members(t, peers)
	me := t.LocalRank
	if _, ok := listed[me]; ok {
		for p := range listed {
			if p != me {
				e.quietPeer(t.GlobalRank(p))
			}
		}
		for p := range listed {
			if p != me {
				e.signal(t.GlobalRank(p), e.layout.Partial(t.Index, slot, me), 1)
			}
		}
		for p := range listed {
			if p != me {
				e.waitAtLeast(e.layout.Partial(t.Index, slot, p), 1)
			}
		}
	}

	e.partialBarriers.Add(1)
	e.hooks.BarrierCompleted(KindPartial, time.Since(start))
}

func (e *Engine) members(t team.Team, peers []int) map[int]struct{} {
	out := make(map[int]struct{}, len(peers))
	for _, p := range peers {
		if p < 0 || p >= t.Size {
			log.Warn().Int("rank", e.cfg.Rank).Int("team", t.Index).Int("peer", p).Msg("Ignoring partial barrier peer outside team")
			continue
		}
		out[p] = struct{}{}
	}
	return out
}

// TeamCreated resets the state of a (re)published team index.
func (e *Engine) TeamCreated(t team.Team) {
	e.fence.Lock()
	e.gen[t.Index] = 0
	e.pools[t.Index].Reset()
	e.fence.Unlock()

	from, n := e.layout.FullRange(t.Index)
	e.sig.Clear(from, n)
	from, n = e.layout.PoolRange(t.Index)
	e.sig.Clear(from, n)
}

// TeamDestroyed implements team.Observer.
func (e *Engine) TeamDestroyed(team.Team) {}

// Negotiate AND-reduces available over the members of parent.
func (e *Engine) Negotiate(parent team.Team, available uint64) (uint64, error) {
	var result *multierror.Error
	me := parent.LocalRank
	cell := e.layout.Negotiation(e.cfg.Rank)
	for l := 0; l < parent.Size; l++ {
		if l == me {
			continue
		}
		peer := parent.GlobalRank(l)
		if err := e.sig.Signal(peer, cell, available); err != nil {
			result = multierror.Append(result, fmt.Errorf("publish slot mask to %d: %w", peer, err))
		}
	}

	// Masks are visible once every member has passed the barrier, and
	// nobody overwrites them before the second one.
	e.Barrier(parent)
	agreed := available
	for l := 0; l < parent.Size; l++ {
		if l != me {
			agreed &= e.sig.Load(e.layout.Negotiation(parent.GlobalRank(l)))
		}
	}
	e.Barrier(parent)

	if err := result.ErrorOrNil(); err != nil {
		return 0, err
	}
	return agreed, nil
}
