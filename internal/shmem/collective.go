package shmem

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rshmem/internal/rdma"
	"github.com/yuuki/rshmem/internal/team"
)

// signalQueue carries barrier signals toward RDMA peers.
const signalQueue = 0

// Signal stores value into a signal cell of peer. It satisfies
// barrier.Signaler.
func (c *Context) Signal(peer, cell int, value uint64) error {
	if err := c.checkPeer(peer); err != nil {
		return err
	}
	p := &c.peers[peer]
	if p.reach != ReachRDMA {
		p.signals.Store(cell, value)
		return nil
	}
	_, err := p.qps[signalQueue].PostAtomicStore(rdma.Segment{Key: p.info.SignalKey, Offset: uint64(cell)}, value)
	if err != nil {
		c.reclaim(peer, signalQueue)
		return fmt.Errorf("signal rank %d: %w", peer, err)
	}
	return nil
}

// Load reads a local signal cell.
func (c *Context) Load(cell int) uint64 { return c.signals.Load(cell) }

// Clear zeroes local signal cells.
func (c *Context) Clear(from, n int) { c.signals.Clear(from, n) }

// TeamWorld returns the world team.
func (c *Context) TeamWorld() team.Team { return c.registry.World() }

// Team looks up a team this PE belongs to by index.
func (c *Context) Team(index int) (team.Team, bool) { return c.registry.Get(index) }

// TeamsInUse returns the bitmask of team slots in use on this PE.
func (c *Context) TeamsInUse() uint64 { return c.registry.InUse() }

// mustSync reports whether a failed split still went through negotiation,
// so the trailing barrier is owed to the other members.
func mustSync(err error) bool {
	return err == nil || !(errors.Is(err, team.ErrInvalidTeamParams) || errors.Is(err, team.ErrUnknownTeam))
}

// TeamSplitStrided creates the team {start + i*stride | i < size} of
// parent. Every member of parent must call it with the same arguments.
// Non-members receive team.ErrNotMember.
func (c *Context) TeamSplitStrided(parent team.Team, start, stride, size int) (team.Team, error) {
	t, err := c.registry.SplitStrided(parent, start, stride, size)
	if mustSync(err) {
		// New signal cells were cleared; nobody may signal them before
		// every member has done so.
		c.engine.Barrier(parent)
	}
	if err != nil && !errors.Is(err, team.ErrNotMember) {
		log.Warn().Err(err).Int("rank", c.rank).Str("parent", parent.String()).Msg("Team split failed")
	}
	return t, err
}

// TeamSplit2D splits parent into a row team of xExtent consecutive members
// and a column team of the members sharing this PE's column.
func (c *Context) TeamSplit2D(parent team.Team, xExtent int) (x, y team.Team, xErr, yErr error) {
	x, y, xErr, yErr = c.registry.Split2D(parent, xExtent)
	if mustSync(xErr) || mustSync(yErr) {
		c.engine.Barrier(parent)
	}
	return x, y, xErr, yErr
}

// TeamTranslate maps local rank srcLocal of src to its rank in dest.
func (c *Context) TeamTranslate(src team.Team, srcLocal int, dest team.Team) (int, bool) {
	return team.TranslateRank(src, srcLocal, dest)
}

// TeamDestroy releases t on this PE. Members must have finished every
// barrier on t.
func (c *Context) TeamDestroy(t team.Team) error {
	return c.registry.Destroy(t)
}

// Barrier completes outstanding operations toward the members of t and
// waits for all of them.
func (c *Context) Barrier(t team.Team) { c.engine.Barrier(t) }

// BarrierAll is Barrier over the world.
func (c *Context) BarrierAll() { c.engine.Barrier(c.registry.World()) }

// PartialBarrier synchronizes the members of t listed in peers (world
// ranks). Every listed member must pass the same list.
func (c *Context) PartialBarrier(t team.Team, peers []int) { c.engine.PartialBarrier(t, peers) }
