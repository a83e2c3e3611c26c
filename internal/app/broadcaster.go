/**
 * @description
 * The notification broadcaster owns the live subscription table and fans
 * lifecycle events out to every push-channel subscriber of a QR (plus
 * wildcard subscribers watching all QRs). It is deliberately decoupled from
 * the transport: the API layer drains a Subscription's channel into SSE,
 * but any server-push mechanism can sit on top.
 *
 * Delivery is never allowed to block a publisher: a subscriber whose
 * outbound buffer is full simply misses that event (the status query
 * endpoint remains the ground truth). Liveness is tracked at the transport:
 * the drain loop calls Ack after each frame it actually writes, and a
 * subscription with no acknowledgment for the dead interval is closed and
 * removed even if its buffer still has room.
 */

package app

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linuxer41/pagui-sub001/internal/domain"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultDeadAfter         = 60 * time.Second
	defaultSubscriberBuffer  = 16
)

// Subscription is the handle returned to a subscriber. The caller drains
// Events until it is closed by the broadcaster (terminal QR state, dead
// subscriber eviction, shutdown), calls Ack for each event it actually
// writes to the client, and must call Unsubscribe when its transport ends.
type Subscription struct {
	ConnectionID string
	QRID         string // empty for the wildcard all-QRs feed
	OpenedAt     time.Time
	Events       <-chan domain.QREvent
}

type subscriber struct {
	id        string
	qrID      string
	ch        chan domain.QREvent
	openedAt  time.Time
	lastAckAt time.Time
	closed    bool
}

// Broadcaster maintains the subscription registry. It exclusively owns the
// collection; no other component touches it.
type Broadcaster struct {
	heartbeatInterval time.Duration
	deadAfter         time.Duration
	bufferSize        int

	mu       sync.Mutex
	subs     map[string]*subscriber            // by connection id
	byQR     map[string]map[string]*subscriber // qr id -> connection id -> sub
	wildcard map[string]*subscriber            // connection id -> sub

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBroadcaster creates a broadcaster and starts its heartbeat loop.
// Non-positive arguments fall back to the defaults (30s heartbeat, 60s dead
// interval, buffer of 16 events).
func NewBroadcaster(heartbeatInterval, deadAfter time.Duration, bufferSize int) *Broadcaster {
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}
	if deadAfter <= 0 {
		deadAfter = defaultDeadAfter
	}
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}

	b := &Broadcaster{
		heartbeatInterval: heartbeatInterval,
		deadAfter:         deadAfter,
		bufferSize:        bufferSize,
		subs:              make(map[string]*subscriber),
		byQR:              make(map[string]map[string]*subscriber),
		wildcard:          make(map[string]*subscriber),
		done:              make(chan struct{}),
	}

	b.wg.Add(1)
	go b.heartbeatLoop()
	return b
}

// Subscribe registers a live subscription bound to one QR id. The first
// event on the channel is the `connection` handshake carrying the
// connection id; the caller is expected to follow it with the synthetic
// current-status event (see Service.SubscribeQR).
func (b *Broadcaster) Subscribe(qrID string) *Subscription {
	return b.register(qrID)
}

// SubscribeAll registers a wildcard subscription receiving events for every QR.
func (b *Broadcaster) SubscribeAll() *Subscription {
	return b.register("")
}

func (b *Broadcaster) register(qrID string) *Subscription {
	now := time.Now().UTC()
	sub := &subscriber{
		id:        uuid.New().String(),
		qrID:      qrID,
		ch:        make(chan domain.QREvent, b.bufferSize),
		openedAt:  now,
		lastAckAt: now,
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	if qrID == "" {
		b.wildcard[sub.id] = sub
	} else {
		if b.byQR[qrID] == nil {
			b.byQR[qrID] = make(map[string]*subscriber)
		}
		b.byQR[qrID][sub.id] = sub
	}
	b.deliverLocked(sub, domain.QREvent{
		Type:         domain.EventConnection,
		QRID:         qrID,
		ConnectionID: sub.id,
		Timestamp:    now,
	})
	b.mu.Unlock()

	return &Subscription{
		ConnectionID: sub.id,
		QRID:         qrID,
		OpenedAt:     now,
		Events:       sub.ch,
	}
}

// Ack records that the subscriber's transport actually wrote traffic to the
// client. The drain loop calls it per frame; a subscription that stops
// acknowledging is evicted by the heartbeat loop after the dead interval.
func (b *Broadcaster) Ack(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[connectionID]; ok {
		sub.lastAckAt = time.Now().UTC()
	}
}

// SendTo delivers an event to a single connection. Returns false when the
// connection is gone or its buffer is full.
func (b *Broadcaster) SendTo(connectionID string, event domain.QREvent) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[connectionID]
	if !ok {
		return false
	}
	return b.deliverLocked(sub, event)
}

// Publish fans an event out to every live subscription bound to the QR and
// to all wildcard subscriptions. Slow consumers lose the event; the
// publisher never blocks.
func (b *Broadcaster) Publish(qrID string, event domain.QREvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.byQR[qrID] {
		if !b.deliverLocked(sub, event) {
			log.Printf("level=warn component=broadcaster msg=\"subscriber buffer full; event dropped\" connection_id=%s qr_id=%s event_type=%s",
				sub.id, qrID, event.Type)
		}
	}
	for _, sub := range b.wildcard {
		if !b.deliverLocked(sub, event) {
			log.Printf("level=warn component=broadcaster msg=\"subscriber buffer full; event dropped\" connection_id=%s qr_id=%s event_type=%s",
				sub.id, qrID, event.Type)
		}
	}
}

// CloseQR delivers a final event to every subscription bound to the QR and
// closes them. Wildcard subscriptions receive the final event but stay open.
func (b *Broadcaster) CloseQR(qrID string, final domain.QREvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.wildcard {
		b.deliverLocked(sub, final)
	}
	for id, sub := range b.byQR[qrID] {
		b.deliverLocked(sub, final)
		b.closeLocked(sub)
		delete(b.byQR[qrID], id)
	}
	delete(b.byQR, qrID)
}

// Unsubscribe releases a subscription's slot immediately. Safe to call for
// connections the broadcaster already closed.
func (b *Broadcaster) Unsubscribe(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[connectionID]
	if !ok {
		return
	}
	b.closeLocked(sub)
}

// SubscriberCount reports the number of live subscriptions bound to a QR.
func (b *Broadcaster) SubscriberCount(qrID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byQR[qrID])
}

// Close tears down every subscription and stops the heartbeat loop.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	for _, sub := range b.subs {
		b.closeLocked(sub)
	}
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

// deliverLocked attempts a non-blocking send. Caller holds b.mu.
func (b *Broadcaster) deliverLocked(sub *subscriber, event domain.QREvent) bool {
	if sub.closed {
		return false
	}
	select {
	case sub.ch <- event:
		return true
	default:
		return false
	}
}

// closeLocked closes a subscriber's channel and removes it from every
// index. Caller holds b.mu.
func (b *Broadcaster) closeLocked(sub *subscriber) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
	delete(b.subs, sub.id)
	delete(b.wildcard, sub.id)
	if peers, ok := b.byQR[sub.qrID]; ok {
		delete(peers, sub.id)
		if len(peers) == 0 {
			delete(b.byQR, sub.qrID)
		}
	}
}

// heartbeatLoop pushes periodic keep-alives and evicts subscriptions whose
// transport has not acknowledged any traffic for the dead interval. Eviction
// is independent of buffer occupancy: a stalled client with a half-empty
// buffer still loses its slot once the dead interval elapses.
func (b *Broadcaster) heartbeatLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for _, sub := range b.subs {
				if idle := now.UTC().Sub(sub.lastAckAt); idle > b.deadAfter {
					log.Printf("level=info component=broadcaster msg=\"closing dead subscription\" connection_id=%s qr_id=%s idle=%s",
						sub.id, sub.qrID, idle)
					b.closeLocked(sub)
					continue
				}
				b.deliverLocked(sub, domain.QREvent{
					Type:         domain.EventHeartbeat,
					QRID:         sub.qrID,
					ConnectionID: sub.id,
					Timestamp:    now.UTC(),
				})
			}
			b.mu.Unlock()
		}
	}
}
