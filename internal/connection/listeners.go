package connection

// listenerSet holds callbacks keyed by registration ID. It is not
// synchronized; the owning Manager guards it with its mutex.
type listenerSet[F any] struct {
	nextID  uint64
	entries []listenerEntry[F]
}

type listenerEntry[F any] struct {
	id uint64
	fn F
}

func (s *listenerSet[F]) add(fn F) uint64 {
	s.nextID++
	s.entries = append(s.entries, listenerEntry[F]{id: s.nextID, fn: fn})
	return s.nextID
}

// remove is a no-op for unknown IDs.
func (s *listenerSet[F]) remove(id uint64) {
	for i, e := range s.entries {
		if e.id == id {
			s.entries = append(s.entries[:i:i], s.entries[i+1:]...)
			return
		}
	}
}

// snapshot copies the current callbacks in registration order.
func (s *listenerSet[F]) snapshot() []F {
	if len(s.entries) == 0 {
		return nil
	}
	out := make([]F, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.fn
	}
	return out
}

func (s *listenerSet[F]) len() int {
	return len(s.entries)
}
