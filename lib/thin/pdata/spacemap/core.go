package spacemap

// Core is an in-memory SpaceMap backed by a flat slice of counts. The
// restorer builds one of these while replaying an XML dump (spec §4.10)
// — every block it allocates for a new node bumps a count here — and
// only serializes it to the on-disk bitmap+overflow representation once
// the whole tree shape is known and nothing will allocate further.
type Core struct {
	counts    []uint32
	allocated uint64
}

var _ SpaceMap = (*Core)(nil)

// NewCore returns a Core sized for nrBlocks blocks, all initially free.
func NewCore(nrBlocks uint64) *Core {
	return &Core{counts: make([]uint32, nrBlocks)}
}

func (m *Core) GetNrBlocks() uint64 { return uint64(len(m.counts)) }

func (m *Core) GetNrAllocated() uint64 { return m.allocated }

func (m *Core) GetCount(block uint64) (uint32, error) {
	if block >= uint64(len(m.counts)) {
		return 0, &ErrOutOfRange{Block: block, NrBlocks: uint64(len(m.counts))}
	}
	return m.counts[block], nil
}

func (m *Core) SetCount(block uint64, count uint32) error {
	if block >= uint64(len(m.counts)) {
		return &ErrOutOfRange{Block: block, NrBlocks: uint64(len(m.counts))}
	}
	old := m.counts[block]
	m.counts[block] = count
	switch {
	case old == 0 && count > 0:
		m.allocated++
	case old > 0 && count == 0:
		m.allocated--
	}
	return nil
}

func (m *Core) IncCount(block uint64) error {
	c, err := m.GetCount(block)
	if err != nil {
		return err
	}
	return m.SetCount(block, c+1)
}

func (m *Core) DecCount(block uint64) error {
	c, err := m.GetCount(block)
	if err != nil {
		return err
	}
	if c == 0 {
		return &ErrCountUnderflow{Block: block}
	}
	return m.SetCount(block, c-1)
}

func (m *Core) FindFree(begin uint64) (uint64, bool) {
	for b := begin; b < uint64(len(m.counts)); b++ {
		if m.counts[b] == 0 {
			return b, true
		}
	}
	return 0, false
}
