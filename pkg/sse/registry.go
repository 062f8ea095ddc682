// Package sse implements the per-owner SSE fan-out and event proxy from
// spec §4.9: a subscriber registry for broadcast_to_owner, and an upstream
// proxy that multiplexes a sandbox's own event stream onto the same
// connection.
package sse

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// frameBuffer is the per-subscriber outbound queue size. A slow client that
// can't keep up is disconnected rather than let the queue grow unbounded.
const frameBuffer = 64

// Subscriber is one open SSE connection registered for an owner.
type Subscriber struct {
	owner string
	frames chan []byte
}

// Registry holds the live subscriber set, keyed by owner id (spec §4.9:
// "a mapping owner → set(subscriber)"), styled on the teacher's
// map+mutex+register/get registry shape (formerly pkg/messaging.Registry).
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]struct{}
	logger      *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{subscribers: make(map[string]map[*Subscriber]struct{}), logger: logger}
}

// Register adds a new subscriber for owner and returns it.
func (r *Registry) Register(owner string) *Subscriber {
	sub := &Subscriber{owner: owner, frames: make(chan []byte, frameBuffer)}

	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscribers[owner]
	if !ok {
		set = make(map[*Subscriber]struct{})
		r.subscribers[owner] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unregister removes sub from the registry, closing its channel.
func (r *Registry) Unregister(sub *Subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subscribers[sub.owner]
	if !ok {
		return
	}
	if _, present := set[sub]; present {
		delete(set, sub)
		close(sub.frames)
	}
	if len(set) == 0 {
		delete(r.subscribers, sub.owner)
	}
}

// BroadcastToOwner writes a framed SSE record ("event: {name}\ndata:
// {json}\n\n") to every subscriber registered for owner. A subscriber whose
// queue is full is ejected — a write failure or back-pressure is treated
// identically (spec §4.9: "write failures eject the subscriber").
func (r *Registry) BroadcastToOwner(owner, eventName string, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("sse: marshaling broadcast payload", "error", err, "owner", owner)
		}
		return
	}
	record := encodeFrame(eventName, body)

	r.mu.RLock()
	subs := make([]*Subscriber, 0, len(r.subscribers[owner]))
	for sub := range r.subscribers[owner] {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.frames <- record:
		default:
			r.Unregister(sub)
		}
	}
}

// encodeFrame builds one SSE record per spec §4.9's exact wire format.
func encodeFrame(eventName string, data []byte) []byte {
	buf := make([]byte, 0, len(eventName)+len(data)+16)
	buf = append(buf, "event: "...)
	buf = append(buf, eventName...)
	buf = append(buf, "\ndata: "...)
	buf = append(buf, data...)
	buf = append(buf, "\n\n"...)
	return buf
}
