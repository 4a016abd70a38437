package swarm

import "sync"

// feed fans values out to in-process subscribers. Slow subscribers drop
// frames rather than stall the manager; the dashboard hub prefers fresh
// data over complete data.
type feed[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func newFeed[T any]() *feed[T] {
	return &feed[T]{subs: make(map[int]chan T)}
}

// subscribe returns a receive channel and its cancel function. The
// channel closes on cancel.
func (f *feed[T]) subscribe(buf int) (<-chan T, func()) {
	if buf < 1 {
		buf = 1
	}
	ch := make(chan T, buf)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// publish delivers v to every subscriber with room.
func (f *feed[T]) publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// len reports the subscriber count, for metrics.
func (f *feed[T]) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}
