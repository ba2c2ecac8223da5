package prediction

import "github.com/yohamta/donburi"

// Pair links a confirmed entity with its locally predicted counterpart.
type Pair struct {
	Confirmed donburi.Entity
	Predicted donburi.Entity
}

// EntityMapper resolves confirmed entities to predicted ones. The replication
// layer owns the mapping; EntityMap is the in-memory implementation.
type EntityMapper interface {
	Predicted(confirmed donburi.Entity) (donburi.Entity, bool)
	Pairs() []Pair
}

// EntityMap is an insertion-ordered confirmed -> predicted mapping.
type EntityMap struct {
	index map[donburi.Entity]int
	pairs []Pair
}

// NewEntityMap creates an empty mapping.
func NewEntityMap() *EntityMap {
	return &EntityMap{index: make(map[donburi.Entity]int)}
}

// Link records that predicted shadows confirmed, replacing any previous link.
func (m *EntityMap) Link(confirmed, predicted donburi.Entity) {
	if i, ok := m.index[confirmed]; ok {
		m.pairs[i].Predicted = predicted
		return
	}
	m.index[confirmed] = len(m.pairs)
	m.pairs = append(m.pairs, Pair{Confirmed: confirmed, Predicted: predicted})
}

// Unlink forgets confirmed and returns its predicted counterpart.
func (m *EntityMap) Unlink(confirmed donburi.Entity) (donburi.Entity, bool) {
	i, ok := m.index[confirmed]
	if !ok {
		return 0, false
	}
	predicted := m.pairs[i].Predicted
	m.pairs = append(m.pairs[:i], m.pairs[i+1:]...)
	delete(m.index, confirmed)
	for j := i; j < len(m.pairs); j++ {
		m.index[m.pairs[j].Confirmed] = j
	}
	return predicted, true
}

// Predicted implements EntityMapper.
func (m *EntityMap) Predicted(confirmed donburi.Entity) (donburi.Entity, bool) {
	i, ok := m.index[confirmed]
	if !ok {
		return 0, false
	}
	return m.pairs[i].Predicted, true
}

// Pairs implements EntityMapper. The slice must not be modified.
func (m *EntityMap) Pairs() []Pair { return m.pairs }

// Len reports the number of linked entities.
func (m *EntityMap) Len() int { return len(m.pairs) }
