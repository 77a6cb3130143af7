package barrier

// Layout maps barrier state onto one PE's signal region. Cells are grouped
// as:
//
//	[full]        MaxTeams * World      team*World + srcLocal
//	[negotiation] World                 srcWorld
//	[partial]     MaxTeams * Pool * World
type Layout struct {
	World    int
	MaxTeams int
	PoolSize int
}

// Cells returns the number of signal cells a PE must register.
func (l Layout) Cells() int {
	return l.MaxTeams*l.World + l.World + l.MaxTeams*l.PoolSize*l.World
}

// Full is the dissemination cell written by srcLocal on team.
func (l Layout) Full(team, srcLocal int) int {
	return team*l.World + srcLocal
}

// FullRange returns the dissemination cells of team.
func (l Layout) FullRange(team int) (from, n int) {
	return team * l.World, l.World
}

// Negotiation is the slot-mask cell written by world rank src.
func (l Layout) Negotiation(src int) int {
	return l.MaxTeams*l.World + src
}

func (l Layout) partialBase() int {
	return l.MaxTeams*l.World + l.World
}

// Partial is the cell written by srcLocal on a pool slot of team.
func (l Layout) Partial(team, slot, srcLocal int) int {
	return l.partialBase() + (team*l.PoolSize+slot)*l.World + srcLocal
}

// PoolRange returns every partial-barrier cell of team.
func (l Layout) PoolRange(team int) (from, n int) {
	return l.partialBase() + team*l.PoolSize*l.World, l.PoolSize * l.World
}
