package image

import "sync"

// Broadcaster fans published images out to any number of subscribers
// without ever blocking the publisher, the bounded single-producer/
// multi-consumer broadcast option named in spec.md §5 alongside
// Guarded's locked-snapshot option. Each subscriber gets its own
// bounded channel; adapted from the shape of catrate's ring-buffer
// accounting (fixed capacity, oldest entry yields to the newest) to
// plain buffered channels, since Image isn't a constraints.Ordered
// type catrate's generic ring can hold directly.
type Broadcaster struct {
	mu   sync.Mutex
	subs map[int]chan Image
	next int
}

// NewBroadcaster constructs an empty Broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Image)}
}

// Subscribe registers a new subscriber with the given channel capacity
// and returns its receive channel plus an unsubscribe function. The
// caller must call unsubscribe when done, or the channel leaks.
func (b *Broadcaster) Subscribe(capacity int) (<-chan Image, func()) {
	if capacity <= 0 {
		capacity = 1
	}
	ch := make(chan Image, capacity)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Publish fans img out to every current subscriber. A subscriber whose
// channel is already full has its oldest pending image dropped to make
// room for the new one, so a slow consumer never backs up the cycle
// thread; it only ever sees a gap in its stream.
func (b *Broadcaster) Publish(img *Image) {
	b.mu.Lock()
	defer b.mu.Unlock()

	v := img.Clone()
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- v:
			default:
			}
		}
	}
}

// Subscribers reports the current subscriber count, for diagnostics.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
