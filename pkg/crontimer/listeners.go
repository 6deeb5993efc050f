package crontimer

// listenerList keeps callbacks in registration order. Callers guard it.
type listenerList[F any] struct {
	seq   uint64
	items []listenerEntry[F]
}

type listenerEntry[F any] struct {
	id uint64
	fn F
}

func (l *listenerList[F]) add(fn F) uint64 {
	l.seq++
	l.items = append(l.items, listenerEntry[F]{id: l.seq, fn: fn})
	return l.seq
}

func (l *listenerList[F]) remove(id uint64) {
	for i := range l.items {
		if l.items[i].id == id {
			l.items = append(l.items[:i:i], l.items[i+1:]...)
			return
		}
	}
}

func (l *listenerList[F]) snapshot() []F {
	if len(l.items) == 0 {
		return nil
	}
	out := make([]F, len(l.items))
	for i := range l.items {
		out[i] = l.items[i].fn
	}
	return out
}

func (l *listenerList[F]) reset() { l.items = nil }
