package server

import (
	"context"
	"sync"
	"time"

	"github.com/JasonPaff/head-shakers/backend/internal/trending"
)

const (
	RealtimeEventTrendingUpdated = "trending-updated"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "headshakers-backend"
	realtimeAllKeys              = "*"
)

// RealtimeMessage announces that a cached trending list was rewritten.
type RealtimeMessage struct {
	EventType string             `json:"type"`
	Key       string             `json:"key"`
	Timeframe trending.Timeframe `json:"timeframe"`
	ItemCount int                `json:"itemCount"`
	Timestamp time.Time          `json:"timestamp"`
	Source    string             `json:"source"`
}

// RealtimeDispatcher fans trending updates out to stream subscribers. Slow subscribers drop
// messages instead of blocking the publisher.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
		clock:       time.Now,
	}
}

// Subscribe registers a stream for key, or for every key when key is empty. The subscription
// ends when ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, key string) (<-chan RealtimeMessage, func()) {
	if key == "" {
		key = realtimeAllKeys
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(key, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(key, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to the subscribers of its key and to wildcard subscribers.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.Key == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0)
	for _, key := range []string{message.Key, realtimeAllKeys} {
		for _, subscriber := range d.subscribers[key] {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// TrendingUpdated publishes a trending update notification.
func (d *RealtimeDispatcher) TrendingUpdated(_ context.Context, key string, timeframe trending.Timeframe, itemCount int) {
	d.Publish(RealtimeMessage{
		EventType: RealtimeEventTrendingUpdated,
		Key:       key,
		Timeframe: timeframe,
		ItemCount: itemCount,
		Timestamp: d.clock().UTC(),
		Source:    realtimeSourceBackend,
	})
}

func (d *RealtimeDispatcher) subscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, subscribers := range d.subscribers {
		total += len(subscribers)
	}
	return total
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(key string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[key]; !ok {
		d.subscribers[key] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[key][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(key string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[key]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, key)
		}
	}
	d.mu.Unlock()
}
