package services

import (
	"context"
	"sync"

	"castwave/internal/core/domain"

	"go.uber.org/zap"
)

type EntityKind string

const (
	EntityTransport EntityKind = "transport"
	EntityProducer  EntityKind = "producer"
	EntityConsumer  EntityKind = "consumer"
)

// CloseEvent is posted by engine close observers. It names the exact handle
// that closed, so a late event never removes a replacement registered under
// the same key.
type CloseEvent struct {
	Kind        EntityKind
	PeerID      domain.PeerID
	TransportID domain.TransportID
	ProducerID  domain.ProducerID
	ConsumerID  domain.ConsumerID
	Reason      domain.CloseReason
}

// eventQueue is an unbounded FIFO; Post never blocks so observers may fire
// from inside engine Close calls made by the coordinator itself.
type eventQueue struct {
	mu     sync.Mutex
	events []CloseEvent
	signal chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{signal: make(chan struct{}, 1)}
}

func (q *eventQueue) push(ev CloseEvent) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *eventQueue) drain() []CloseEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.events
	q.events = nil
	return events
}

// CleanupCoordinator unwinds peer state on disconnect and reacts to engine
// close notifications. Every removal is idempotent.
type CleanupCoordinator struct {
	reg         *registry
	broadcaster *BroadcasterCoordinator
	viewers     *ViewerAccounting
	queue       *eventQueue
	logger      *zap.SugaredLogger
}

func NewCleanupCoordinator(reg *registry, broadcaster *BroadcasterCoordinator, viewers *ViewerAccounting, logger *zap.SugaredLogger) *CleanupCoordinator {
	return &CleanupCoordinator{
		reg:         reg,
		broadcaster: broadcaster,
		viewers:     viewers,
		queue:       newEventQueue(),
		logger:      logger,
	}
}

// Post enqueues a close notification for Run.
func (c *CleanupCoordinator) Post(ev CloseEvent) {
	c.queue.push(ev)
}

// Run processes close notifications until ctx is done.
func (c *CleanupCoordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.queue.signal:
			for _, ev := range c.queue.drain() {
				c.handle(ev)
			}
		}
	}
}

// OnDisconnect removes everything the peer owns.
func (c *CleanupCoordinator) OnDisconnect(peerID domain.PeerID) {
	var d detached

	c.reg.mu.Lock()
	entry, ok := c.reg.peerLocked(peerID)
	if ok {
		c.reg.detachPeerLocked(&d, entry)
	}
	wasBroadcaster := c.reg.clearBroadcasterLocked(peerID)
	c.reg.mu.Unlock()

	d.closeAll(c.logger)
	c.reg.notifyConsumersClosed(d.consumers)

	if wasBroadcaster {
		c.logger.Infow("broadcaster disconnected, cleared broadcaster data", "peer_id", peerID)
		c.broadcaster.notify(peerID, "")
	}

	c.logger.Infow("peer state removed",
		"peer_id", peerID,
		"transports", len(d.transports),
		"producers", len(d.producers),
		"consumers", len(d.consumers),
	)

	c.viewers.Recompute()
}

func (c *CleanupCoordinator) handle(ev CloseEvent) {
	var d detached

	c.reg.mu.Lock()
	entry, ok := c.reg.peerLocked(ev.PeerID)
	if !ok {
		c.reg.mu.Unlock()
		return
	}
	switch ev.Kind {
	case EntityTransport:
		c.reg.detachTransportLocked(&d, entry, ev.TransportID)
	case EntityProducer:
		for key, p := range entry.producers {
			if p.producer.ID() == ev.ProducerID {
				c.reg.detachProducerLocked(&d, entry, key)
				break
			}
		}
	case EntityConsumer:
		if cons, held := entry.consumers[ev.ProducerID]; held && cons.consumer.ID() == ev.ConsumerID {
			c.reg.detachConsumerLocked(&d, entry, ev.ProducerID, ev.Reason == domain.CloseReasonProducerClosed)
		}
	}
	c.reg.mu.Unlock()

	if d.empty() {
		return
	}

	c.logger.Infow("engine reported close",
		"kind", ev.Kind,
		"peer_id", ev.PeerID,
		"transport_id", ev.TransportID,
		"producer_id", ev.ProducerID,
		"consumer_id", ev.ConsumerID,
		"reason", ev.Reason,
	)

	c.reg.release(&d, c.viewers, c.logger)
}
