package jobevents

import (
	"slices"
	"sync"
)

// Bus fans events out to subscribers synchronously, in publish order.
type Bus struct {
	mu       sync.RWMutex
	next     int
	events   map[int]func(Event)
	finished map[int]func(Finished)
}

func NewBus() *Bus {
	return &Bus{events: map[int]func(Event){}, finished: map[int]func(Finished){}}
}

// OnEvent subscribes fn to every raw transition. The returned func unsubscribes.
func (b *Bus) OnEvent(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.events[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.events, id)
		b.mu.Unlock()
	}
}

// OnFinished subscribes fn to derived finished events. The returned func unsubscribes.
func (b *Bus) OnFinished(fn func(Finished)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	b.finished[id] = fn
	return func() {
		b.mu.Lock()
		delete(b.finished, id)
		b.mu.Unlock()
	}
}

func (b *Bus) PublishEvent(e Event) {
	for _, fn := range b.snapshotEvents() {
		fn(e)
	}
}

func (b *Bus) PublishFinished(f Finished) {
	for _, fn := range b.snapshotFinished() {
		fn(f)
	}
}

func (b *Bus) snapshotEvents() []func(Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return orderedValues(b.events)
}

func (b *Bus) snapshotFinished() []func(Finished) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return orderedValues(b.finished)
}

// orderedValues returns the subscribers in subscription order.
func orderedValues[F any](m map[int]F) []F {
	ids := make([]int, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]F, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id])
	}
	return out
}
