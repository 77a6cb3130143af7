// Package team keeps the per-process table of live teams: ordered subsets
// of the world described by (start, stride, size) over global ranks.
package team

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/rs/zerolog/log"
)

const (
	// WorldIndex is the registry slot of the world team.
	WorldIndex = 0
	// DefaultMaxTeams is the registry capacity used when none is configured.
	DefaultMaxTeams = 32
	// MaxTeamsLimit is the widest registry the slot bitmask can describe.
	MaxTeamsLimit = 64
)

var (
	// ErrNotMember is returned by splits to PEs outside the new team. It is
	// an expected outcome, not a fault.
	ErrNotMember = errors.New("team: calling PE is not a member")
	// ErrInvalidTeamParams reports split arguments that violate the parent.
	ErrInvalidTeamParams = errors.New("team: invalid team parameters")
	// ErrNoTeamSlots is returned when every registry slot is in use.
	ErrNoTeamSlots = errors.New("team: no free team slots")
	// ErrWorldTeam is returned when destroying the world team.
	ErrWorldTeam = errors.New("team: the world team cannot be destroyed")
	// ErrUnknownTeam is returned for indices that are not live.
	ErrUnknownTeam = errors.New("team: unknown team")
)

// Team is one PE's view of a team. LocalRank is this PE's position.
type Team struct {
	Index     int
	Start     int
	Stride    int
	Size      int
	LocalRank int
}

// GlobalRank maps a local rank of t to its world rank.
func (t Team) GlobalRank(local int) int {
	return t.Start + local*t.Stride
}

// LocalRankOf maps a world rank to its local rank in t.
func (t Team) LocalRankOf(global int) (int, bool) {
	d := global - t.Start
	if d < 0 || d%t.Stride != 0 {
		return 0, false
	}
	local := d / t.Stride
	if local >= t.Size {
		return 0, false
	}
	return local, true
}

// Members lists the world ranks of t in local-rank order.
func (t Team) Members() []int {
	out := make([]int, t.Size)
	for i := range out {
		out[i] = t.GlobalRank(i)
	}
	return out
}

func (t Team) String() string {
	return fmt.Sprintf("team[%d](start=%d stride=%d size=%d local=%d)", t.Index, t.Start, t.Stride, t.Size, t.LocalRank)
}

// Observer mirrors team metadata into other layers.
type Observer interface {
	TeamCreated(t Team)
	TeamDestroyed(t Team)
}

// IndexNegotiator agrees on registry slots across a parent team. Every
// member of parent calls Negotiate with its locally free slots and every
// caller receives the same mask of slots free everywhere.
type IndexNegotiator interface {
	Negotiate(parent Team, available uint64) (uint64, error)
}

// Registry is the team table of one PE. It is not safe for concurrent
// mutation; one control goroutine per PE owns it.
type Registry struct {
	rank      int
	worldSize int
	maxTeams  int

	inUse     uint64
	teams     []Team
	observers []Observer
	negotiate IndexNegotiator
}

// NewRegistry creates a registry whose world team holds worldSize PEs.
func NewRegistry(rank, worldSize, maxTeams int) (*Registry, error) {
	if maxTeams <= 0 {
		maxTeams = DefaultMaxTeams
	}
	if maxTeams > MaxTeamsLimit {
		return nil, fmt.Errorf("max teams %d exceeds %d: %w", maxTeams, MaxTeamsLimit, ErrInvalidTeamParams)
	}
	if worldSize <= 0 || rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("rank %d of world %d: %w", rank, worldSize, ErrInvalidTeamParams)
	}

	r := &Registry{
		rank:      rank,
		worldSize: worldSize,
		maxTeams:  maxTeams,
		teams:     make([]Team, maxTeams),
	}
	r.teams[WorldIndex] = Team{Index: WorldIndex, Start: 0, Stride: 1, Size: worldSize, LocalRank: rank}
	r.inUse = 1 << WorldIndex
	return r, nil
}

// SetNegotiator installs the slot negotiator used by splits.
func (r *Registry) SetNegotiator(n IndexNegotiator) { r.negotiate = n }

// AddObserver registers o and replays the teams that already exist.
func (r *Registry) AddObserver(o Observer) {
	r.observers = append(r.observers, o)
	for i := 0; i < r.maxTeams; i++ {
		if r.inUse&(1<<i) != 0 {
			o.TeamCreated(r.teams[i])
		}
	}
}

// Rank returns the world rank of the owning PE.
func (r *Registry) Rank() int { return r.rank }

// MaxTeams returns the registry capacity.
func (r *Registry) MaxTeams() int { return r.maxTeams }

// InUse returns the slot bitmask.
func (r *Registry) InUse() uint64 { return r.inUse }

// World returns the world team.
func (r *Registry) World() Team { return r.teams[WorldIndex] }

// Get returns the live team at index.
func (r *Registry) Get(index int) (Team, bool) {
	if index < 0 || index >= r.maxTeams || r.inUse&(1<<index) == 0 {
		return Team{}, false
	}
	return r.teams[index], true
}

func (r *Registry) capacityMask() uint64 {
	if r.maxTeams == 64 {
		return ^uint64(0)
	}
	return (uint64(1) << r.maxTeams) - 1
}

// freeMask returns the slots this PE can hand out.
func (r *Registry) freeMask() uint64 {
	return ^r.inUse & r.capacityMask()
}

// SplitStrided derives a team from parent's local ranks start,
// start+stride, ... (size members). Every member of parent must call it
// with the same arguments. PEs outside the result get ErrNotMember.
func (r *Registry) SplitStrided(parent Team, start, stride, size int) (Team, error) {
	if _, ok := r.Get(parent.Index); !ok {
		return Team{}, fmt.Errorf("parent %d: %w", parent.Index, ErrUnknownTeam)
	}
	if start < 0 || start >= parent.Size || stride < 1 || size < 1 || size > parent.Size ||
		start+(size-1)*stride >= parent.Size {
		return Team{}, fmt.Errorf("split(start=%d stride=%d size=%d) of %s: %w",
			start, stride, size, parent, ErrInvalidTeamParams)
	}

	gStart := parent.GlobalRank(start)
	gStride := parent.Stride * stride
	if gStart < 0 || gStart+(size-1)*gStride >= r.worldSize {
		return Team{}, fmt.Errorf("split leaves world of %d: %w", r.worldSize, ErrInvalidTeamParams)
	}

	candidate := Team{Start: gStart, Stride: gStride, Size: size}
	local, member := candidate.LocalRankOf(r.rank)

	// Non-members take part in the agreement but leave their slots alone.
	available := r.freeMask()
	if !member {
		available = r.capacityMask()
	}
	if r.negotiate != nil {
		agreed, err := r.negotiate.Negotiate(parent, available)
		if err != nil {
			return Team{}, fmt.Errorf("negotiate team index: %w", err)
		}
		available = agreed
	}

	if available == 0 {
		return Team{}, ErrNoTeamSlots
	}
	index := bits.TrailingZeros64(available)

	if !member {
		log.Debug().Int("rank", r.rank).Str("parent", parent.String()).Msg("Not a member of split team")
		return Team{}, ErrNotMember
	}
	if r.inUse&(1<<index) != 0 {
		// Only reachable without a negotiator when the members disagree.
		return Team{}, fmt.Errorf("slot %d already in use: %w", index, ErrNoTeamSlots)
	}

	candidate.Index = index
	candidate.LocalRank = local
	r.teams[index] = candidate
	r.inUse |= 1 << index

	log.Debug().Int("rank", r.rank).Str("team", candidate.String()).Msg("Created team")
	for _, o := range r.observers {
		o.TeamCreated(candidate)
	}
	return candidate, nil
}

// Split2D lays parent out as a grid with xExtent columns and returns this
// PE's row team (x) and column team (y). A short last row is allowed.
func (r *Registry) Split2D(parent Team, xExtent int) (x, y Team, xErr, yErr error) {
	if xExtent < 1 {
		err := fmt.Errorf("x extent %d: %w", xExtent, ErrInvalidTeamParams)
		return Team{}, Team{}, err, err
	}
	if xExtent > parent.Size {
		xExtent = parent.Size
	}
	rows := (parent.Size + xExtent - 1) / xExtent

	xErr, yErr = ErrNotMember, ErrNotMember
	for row := 0; row < rows; row++ {
		start := row * xExtent
		size := min(xExtent, parent.Size-start)
		t, err := r.SplitStrided(parent, start, 1, size)
		switch {
		case err == nil:
			x, xErr = t, nil
		case !errors.Is(err, ErrNotMember):
			return Team{}, Team{}, err, err
		}
	}
	for col := 0; col < xExtent; col++ {
		size := (parent.Size - col + xExtent - 1) / xExtent
		t, err := r.SplitStrided(parent, col, xExtent, size)
		switch {
		case err == nil:
			y, yErr = t, nil
		case !errors.Is(err, ErrNotMember):
			return x, Team{}, xErr, err
		}
	}
	return x, y, xErr, yErr
}

// TranslateRank converts srcLocal in src to the matching local rank in dest.
func TranslateRank(src Team, srcLocal int, dest Team) (int, bool) {
	if srcLocal < 0 || srcLocal >= src.Size {
		return 0, false
	}
	return dest.LocalRankOf(src.GlobalRank(srcLocal))
}

// Destroy releases t's slot. No barrier on t may be outstanding.
func (r *Registry) Destroy(t Team) error {
	if t.Index == WorldIndex {
		return ErrWorldTeam
	}
	live, ok := r.Get(t.Index)
	if !ok {
		return fmt.Errorf("destroy %d: %w", t.Index, ErrUnknownTeam)
	}
	r.inUse &^= 1 << t.Index
	r.teams[t.Index] = Team{}

	log.Debug().Int("rank", r.rank).Str("team", live.String()).Msg("Destroyed team")
	for _, o := range r.observers {
		o.TeamDestroyed(live)
	}
	return nil
}
