// Package broadcast is a non-blocking publish/subscribe bus. It defines the
// alarm_state and entity_sync message kinds; the daemon publishes only
// rule_fired messages on it, and nothing in the repo subscribes to it or
// streams its messages to clients. It generalizes the teacher's
// internal/events.Bus (same buffered-channel, drop-on-full subscriber
// model) with a strictly monotonic per-broadcaster sequence number so
// clients can detect gaps.
package broadcast

import (
	"sync"
	"time"
)

const (
	KindAlarmState = "alarm_state"
	KindEntitySync = "entity_sync"
)

// Message is one broadcast frame. Sequence is assigned at publish time and
// is strictly increasing for the lifetime of a Broadcaster; a client that
// observes a gap knows it missed a message (the delivery itself is
// best-effort, never blocking on a slow subscriber).
type Message struct {
	Sequence  int64          `json:"sequence"`
	Kind      string         `json:"kind"`
	Timestamp time.Time      `json:"ts"`
	Data      map[string]any `json:"data,omitempty"`
}

// Broadcaster is a non-blocking broadcast bus. Safe to call on a nil
// receiver for Publish/SubscriberCount so components that haven't been
// wired a broadcaster yet don't need guard checks.
type Broadcaster struct {
	mu         sync.RWMutex
	seq        int64
	subs       map[chan Message]struct{}
	recvToSend map[<-chan Message]chan Message
}

// New creates a broadcaster ready for use.
func New() *Broadcaster {
	return &Broadcaster{
		subs:       make(map[chan Message]struct{}),
		recvToSend: make(map[<-chan Message]chan Message),
	}
}

// Publish assigns the next sequence number and fans the message out to
// every subscriber. If a subscriber's channel is full the message is
// dropped for that subscriber rather than blocking the publisher.
func (b *Broadcaster) Publish(kind string, now time.Time, data map[string]any) Message {
	if b == nil {
		return Message{}
	}
	b.mu.Lock()
	b.seq++
	msg := Message{Sequence: b.seq, Kind: kind, Timestamp: now, Data: data}
	b.mu.Unlock()

	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- msg:
		default:
		}
	}
	return msg
}

// Subscribe returns a channel that receives every published Message from
// this point forward. The caller must eventually call Unsubscribe.
func (b *Broadcaster) Subscribe(bufSize int) <-chan Message {
	ch := make(chan Message, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Safe to call
// on an already-removed channel.
func (b *Broadcaster) Unsubscribe(ch <-chan Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
