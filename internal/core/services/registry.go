package services

import (
	"sort"
	"sync"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"

	"go.uber.org/zap"
)

type producerKey struct {
	kind  domain.MediaKind
	label string
}

type producerEntry struct {
	producer    ports.Producer
	transportID domain.TransportID
	label       string
}

type consumerEntry struct {
	consumer    ports.Consumer
	transportID domain.TransportID
	label       string
}

type peerEntry struct {
	id         domain.PeerID
	transports map[domain.TransportRole]ports.Transport
	producers  map[producerKey]producerEntry
	consumers  map[domain.ProducerID]consumerEntry
	// gone is set once the peer is removed so in-flight engine calls holding
	// this entry can tell their result must be discarded.
	gone bool
}

func newPeerEntry(id domain.PeerID) *peerEntry {
	return &peerEntry{
		id:         id,
		transports: make(map[domain.TransportRole]ports.Transport),
		producers:  make(map[producerKey]producerEntry),
		consumers:  make(map[domain.ProducerID]consumerEntry),
	}
}

// registry holds every per-peer table plus the broadcaster state. All fields
// are guarded by mu, which is never held across a media engine call.
type registry struct {
	mu          sync.Mutex
	peers       map[domain.PeerID]*peerEntry
	broadcaster domain.PeerID
	active      map[domain.ProducerID]struct{}

	hooksMu        sync.RWMutex
	consumerClosed []func(viewerID domain.PeerID, producerID domain.ProducerID)
}

func newRegistry() *registry {
	return &registry{
		peers:  make(map[domain.PeerID]*peerEntry),
		active: make(map[domain.ProducerID]struct{}),
	}
}

func (r *registry) peerLocked(id domain.PeerID) (*peerEntry, bool) {
	entry, ok := r.peers[id]
	return entry, ok
}

// transportLocked resolves the transport registered under role and checks
// that its id matches transportID.
func (r *registry) transportLocked(peerID domain.PeerID, role domain.TransportRole, transportID domain.TransportID) (*peerEntry, ports.Transport, error) {
	entry, ok := r.peers[peerID]
	if !ok {
		return nil, nil, domain.ErrTransportNotFound
	}
	t, ok := entry.transports[role]
	if !ok || t.ID() != transportID {
		return nil, nil, domain.ErrTransportNotFound
	}
	return entry, t, nil
}

func (r *registry) viewerCountLocked() int {
	count := 0
	for _, entry := range r.peers {
		if len(entry.consumers) > 0 {
			count++
		}
	}
	return count
}

// findProducerLocked scans every peer for the producer with the given id.
func (r *registry) findProducerLocked(id domain.ProducerID) (*peerEntry, producerKey, producerEntry, bool) {
	for _, entry := range r.peers {
		for key, p := range entry.producers {
			if p.producer.ID() == id {
				return entry, key, p, true
			}
		}
	}
	return nil, producerKey{}, producerEntry{}, false
}

func (r *registry) activeProducersLocked() []domain.ProducerInfo {
	if r.broadcaster == "" {
		return nil
	}
	entry, ok := r.peers[r.broadcaster]
	if !ok {
		return nil
	}
	var infos []domain.ProducerInfo
	for key, p := range entry.producers {
		if _, active := r.active[p.producer.ID()]; !active {
			continue
		}
		infos = append(infos, domain.ProducerInfo{
			ProducerID: p.producer.ID(),
			PeerID:     entry.id,
			Kind:       key.kind,
			Label:      p.label,
		})
	}
	sortProducerInfos(infos)
	return infos
}

func (r *registry) allProducersExcludingLocked(exclude domain.PeerID) []domain.ProducerInfo {
	var infos []domain.ProducerInfo
	for _, entry := range r.peers {
		if entry.id == exclude {
			continue
		}
		for key, p := range entry.producers {
			infos = append(infos, domain.ProducerInfo{
				ProducerID: p.producer.ID(),
				PeerID:     entry.id,
				Kind:       key.kind,
				Label:      p.label,
			})
		}
	}
	sortProducerInfos(infos)
	return infos
}

func sortProducerInfos(infos []domain.ProducerInfo) {
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].PeerID != infos[j].PeerID {
			return infos[i].PeerID < infos[j].PeerID
		}
		if infos[i].Kind != infos[j].Kind {
			return infos[i].Kind < infos[j].Kind
		}
		return infos[i].Label < infos[j].Label
	})
}

// clearBroadcasterLocked drops the broadcaster identity and its active set if
// peerID holds the role.
func (r *registry) clearBroadcasterLocked(peerID domain.PeerID) bool {
	if r.broadcaster == "" || r.broadcaster != peerID {
		return false
	}
	r.broadcaster = ""
	r.active = make(map[domain.ProducerID]struct{})
	return true
}

func (r *registry) addConsumerClosedHook(fn func(domain.PeerID, domain.ProducerID)) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.consumerClosed = append(r.consumerClosed, fn)
}

func (r *registry) notifyConsumersClosed(closed []detachedConsumer) {
	r.hooksMu.RLock()
	hooks := append([]func(domain.PeerID, domain.ProducerID){}, r.consumerClosed...)
	r.hooksMu.RUnlock()

	for _, c := range closed {
		if !c.notify {
			continue
		}
		for _, fn := range hooks {
			fn(c.viewerID, c.producerID)
		}
	}
}

type detachedConsumer struct {
	viewerID   domain.PeerID
	producerID domain.ProducerID
	consumer   ports.Consumer
	// notify is false when the viewer itself initiated the removal.
	notify bool
}

// detached collects handles removed from the registry under the lock so they
// can be closed once the lock is released.
type detached struct {
	transports []ports.Transport
	producers  []ports.Producer
	consumers  []detachedConsumer
}

func (d *detached) empty() bool {
	return len(d.transports) == 0 && len(d.producers) == 0 && len(d.consumers) == 0
}

func (d *detached) consumersChanged() bool {
	return len(d.consumers) > 0
}

// detachConsumerLocked removes one consumer of the viewer entry.
func (r *registry) detachConsumerLocked(d *detached, entry *peerEntry, producerID domain.ProducerID, notify bool) {
	c, ok := entry.consumers[producerID]
	if !ok {
		return
	}
	delete(entry.consumers, producerID)
	d.consumers = append(d.consumers, detachedConsumer{
		viewerID:   entry.id,
		producerID: producerID,
		consumer:   c.consumer,
		notify:     notify,
	})
}

// detachProducerLocked removes a producer, drops it from the active set and
// unwinds every consumer any viewer holds on it.
func (r *registry) detachProducerLocked(d *detached, entry *peerEntry, key producerKey) {
	p, ok := entry.producers[key]
	if !ok {
		return
	}
	delete(entry.producers, key)
	delete(r.active, p.producer.ID())
	d.producers = append(d.producers, p.producer)

	for _, viewer := range r.peers {
		if _, holds := viewer.consumers[p.producer.ID()]; holds {
			r.detachConsumerLocked(d, viewer, p.producer.ID(), viewer.id != entry.id)
		}
	}
}

// detachTransportLocked removes the transport with the given id and every
// producer or consumer that was created on it. The owner is not told about
// consumers lost with its own transport; their sources are still live.
func (r *registry) detachTransportLocked(d *detached, entry *peerEntry, id domain.TransportID) bool {
	var role domain.TransportRole
	found := false
	for rl, t := range entry.transports {
		if t.ID() == id {
			role, found = rl, true
			break
		}
	}
	if !found {
		return false
	}
	d.transports = append(d.transports, entry.transports[role])
	delete(entry.transports, role)

	for key, p := range entry.producers {
		if p.transportID == id {
			r.detachProducerLocked(d, entry, key)
		}
	}
	for producerID, c := range entry.consumers {
		if c.transportID == id {
			r.detachConsumerLocked(d, entry, producerID, false)
		}
	}
	return true
}

// detachPeerLocked removes the whole peer entry.
func (r *registry) detachPeerLocked(d *detached, entry *peerEntry) {
	entry.gone = true
	delete(r.peers, entry.id)

	for _, t := range entry.transports {
		d.transports = append(d.transports, t)
	}
	entry.transports = make(map[domain.TransportRole]ports.Transport)

	for key := range entry.producers {
		r.detachProducerLocked(d, entry, key)
	}
	for producerID := range entry.consumers {
		r.detachConsumerLocked(d, entry, producerID, false)
	}
}

// closeAll closes the collected handles. Consumers go first, then producers,
// then transports; each Close is idempotent on the engine side.
func (d *detached) closeAll(logger *zap.SugaredLogger) {
	for _, c := range d.consumers {
		if err := c.consumer.Close(); err != nil {
			logger.Debugw("consumer close failed",
				"peer_id", c.viewerID,
				"producer_id", c.producerID,
				"error", err,
			)
		}
	}
	for _, p := range d.producers {
		if err := p.Close(); err != nil {
			logger.Debugw("producer close failed", "producer_id", p.ID(), "error", err)
		}
	}
	for _, t := range d.transports {
		if err := t.Close(); err != nil {
			logger.Debugw("transport close failed", "transport_id", t.ID(), "error", err)
		}
	}
}

// release closes the handles collected in d, tells consumer-closed hooks about
// viewers that lost a stream and recomputes the viewer count if needed.
func (r *registry) release(d *detached, viewers *ViewerAccounting, logger *zap.SugaredLogger) {
	if d.empty() {
		return
	}
	d.closeAll(logger)
	r.notifyConsumersClosed(d.consumers)
	if d.consumersChanged() && viewers != nil {
		viewers.Recompute()
	}
}
