package barrier

// SlotPool hands out partial-barrier slots of one team in rotation. Every
// member of the team advances its own pool identically, so all members
// agree on the slot of each call and observe the wrap on the same call.
type SlotPool struct {
	size  int
	next  int
	wraps int
}

// NewSlotPool returns a pool of size slots.
func NewSlotPool(size int) SlotPool {
	return SlotPool{size: size}
}

// Take returns the slot for the next call. wrapped reports that every slot
// has been used since the last wrap and the pool memory must be cleared
// before the returned slot is signalled.
func (p *SlotPool) Take() (slot int, wrapped bool) {
	if p.next == p.size {
		p.next = 0
		p.wraps++
		wrapped = true
	}
	slot = p.next
	p.next++
	return slot, wrapped
}

// Wraps counts observed wraps.
func (p *SlotPool) Wraps() int { return p.wraps }

// Reset rewinds the pool for a newly published team.
func (p *SlotPool) Reset() {
	p.next = 0
	p.wraps = 0
}
