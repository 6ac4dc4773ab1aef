// Package eventbus fans lifecycle signals out to in-process listeners.
//
// Publish never blocks. Subscribers own a buffered channel and drop events
// when they fall behind.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeJobTransition = "job.transition"
	TypeRunFinished   = "run.finished"
)

type Event struct {
	Type string
	Time time.Time
	Data any
}

// JobTransition is the Data of a TypeJobTransition event.
type JobTransition struct {
	JobID     string
	ChannelID string
	IsAuto    bool
	From      string
	To        string
	Title     string
	Message   string
}

// RunFinished is the Data of a TypeRunFinished event.
type RunFinished struct {
	RunID       string
	Trigger     string
	Status      string
	JobsCreated int
	Errors      int
	Duration    time.Duration
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]chan Event
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch between snapshot and send.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Dropped reports how many deliveries were skipped because a subscriber
// was full. Buses not created by New report 0.
func Dropped(b Bus) uint64 {
	if m, ok := b.(*memBus); ok {
		return m.dropped.Load()
	}
	return 0
}
