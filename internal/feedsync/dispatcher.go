package feedsync

import (
	"context"
	"sync"
	"time"
)

// ChangeKind names the slice of engine state that changed.
type ChangeKind string

const (
	ChangePosts    ChangeKind = "posts"
	ChangeLikes    ChangeKind = "likes"
	ChangeComments ChangeKind = "comments"
	ChangeOutbox   ChangeKind = "outbox"
	ChangeSession  ChangeKind = "session"
)

const defaultSubscriberBuffer = 16

// ChangeEvent notifies the view layer that it should re-read engine state.
type ChangeEvent struct {
	Kind      ChangeKind `json:"kind"`
	PostIDs   []string   `json:"postIds,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ChangeDispatcher fans change events out to subscribers. Slow subscribers
// miss events rather than block the engine.
type ChangeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*changeSubscriber
	nextID      int64
	bufferSize  int
}

type changeSubscriber struct {
	id     int64
	kinds  map[ChangeKind]struct{}
	stream chan ChangeEvent
}

// NewChangeDispatcher constructs an empty dispatcher.
func NewChangeDispatcher() *ChangeDispatcher {
	return &ChangeDispatcher{
		subscribers: make(map[int64]*changeSubscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers for events of the given kinds (all kinds when none are
// given). The subscription ends when ctx is done or the cleanup is called;
// the stream is closed at that point.
func (d *ChangeDispatcher) Subscribe(ctx context.Context, kinds ...ChangeKind) (<-chan ChangeEvent, func()) {
	subscriber := &changeSubscriber{
		stream: make(chan ChangeEvent, d.bufferSize),
	}
	if len(kinds) > 0 {
		subscriber.kinds = make(map[ChangeKind]struct{}, len(kinds))
		for _, kind := range kinds {
			subscriber.kinds[kind] = struct{}{}
		}
	}
	d.registerSubscriber(subscriber)

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers event to every interested subscriber without blocking.
func (d *ChangeDispatcher) Publish(event ChangeEvent) {
	if event.Kind == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers {
		if subscriber.kinds != nil {
			if _, wanted := subscriber.kinds[event.Kind]; !wanted {
				continue
			}
		}
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

// SubscriberCount reports the number of live subscriptions.
func (d *ChangeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *ChangeDispatcher) registerSubscriber(subscriber *changeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
}

func (d *ChangeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscriber, ok := d.subscribers[subscriberID]
	if !ok {
		return
	}
	delete(d.subscribers, subscriberID)
	close(subscriber.stream)
}
