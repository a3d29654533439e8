package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type harness struct {
	t       *testing.T
	engine  *testutil.FakeEngine
	session *SessionService

	mu     sync.Mutex
	counts []int
	closed []domain.ProducerID
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()

	engine := testutil.NewFakeEngine()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	session := NewSessionService(engine, opts)

	ctx, cancel := context.WithCancel(context.Background())
	go session.Run(ctx)
	t.Cleanup(cancel)

	h := &harness{t: t, engine: engine, session: session}
	session.OnViewerCount(func(count int) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.counts = append(h.counts, count)
	})
	session.OnConsumerClosed(func(_ domain.PeerID, producerID domain.ProducerID) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.closed = append(h.closed, producerID)
	})
	return h
}

func (h *harness) lastCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.counts) == 0 {
		return -1
	}
	return h.counts[len(h.counts)-1]
}

func (h *harness) closedProducers() []domain.ProducerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.ProducerID{}, h.closed...)
}

// startBroadcast makes peerID the broadcaster with one audio and one video
// producer.
func (h *harness) startBroadcast(peerID domain.PeerID) (domain.ProducerID, domain.ProducerID) {
	h.t.Helper()
	ctx := context.Background()

	require.NoError(h.t, h.session.Join(peerID))
	require.NoError(h.t, h.session.SetBroadcaster(peerID))

	params, err := h.session.CreateTransport(ctx, peerID, domain.RoleProducing)
	require.NoError(h.t, err)
	require.NoError(h.t, h.session.ConnectTransport(ctx, peerID, domain.RoleProducing, params.ID, testutil.DtlsParameters(), nil))

	audio, err := h.session.Produce(ctx, peerID, params.ID, domain.MediaKindAudio, "", testutil.AudioParameters())
	require.NoError(h.t, err)
	video, err := h.session.Produce(ctx, peerID, params.ID, domain.MediaKindVideo, "camera", testutil.VideoParameters())
	require.NoError(h.t, err)
	return audio, video
}

// joinViewer connects peerID with a consuming transport.
func (h *harness) joinViewer(peerID domain.PeerID) domain.TransportID {
	h.t.Helper()
	ctx := context.Background()

	require.NoError(h.t, h.session.Join(peerID))
	params, err := h.session.CreateTransport(ctx, peerID, domain.RoleConsuming)
	require.NoError(h.t, err)
	require.NoError(h.t, h.session.ConnectTransport(ctx, peerID, domain.RoleConsuming, params.ID, testutil.DtlsParameters(), nil))
	return params.ID
}

func TestSessionService_BroadcastScenario(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	audio, video := h.startBroadcast("A")
	transportID := h.joinViewer("B")

	consumers, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)
	require.Len(t, consumers, 2)

	byProducer := make(map[domain.ProducerID]domain.ConsumerInfo)
	for _, c := range consumers {
		byProducer[c.ProducerID] = c
	}
	assert.False(t, byProducer[audio].Paused)
	assert.Equal(t, domain.DefaultLabel, byProducer[audio].Label)
	assert.True(t, byProducer[video].Paused)
	assert.Equal(t, "camera", byProducer[video].Label)
	assert.Equal(t, domain.MediaKindVideo, byProducer[video].Kind)

	assert.Equal(t, 1, h.session.ViewerCount())
	assert.Equal(t, 1, h.lastCount())

	h.session.Disconnect("B")

	assert.Equal(t, 0, h.session.ViewerCount())
	assert.Equal(t, 0, h.lastCount())

	stats := h.session.Stats()
	assert.Equal(t, 0, stats.Consumers)
	assert.Equal(t, 2, stats.Producers)
	assert.Equal(t, 1, stats.Peers)
}

func TestSessionService_DisconnectRemovesEverything(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.startBroadcast("A")
	transportID := h.joinViewer("B")
	_, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)

	var changes [][2]domain.PeerID
	h.session.OnBroadcasterChange(func(previous, current domain.PeerID) {
		changes = append(changes, [2]domain.PeerID{previous, current})
	})

	h.session.Disconnect("A")

	stats := h.session.Stats()
	assert.Equal(t, 1, stats.Peers)
	assert.Equal(t, 0, stats.Producers)
	assert.Equal(t, 0, stats.Consumers)
	assert.Equal(t, 1, stats.Transports)
	assert.Equal(t, 0, h.session.ViewerCount())

	_, ok := h.session.Broadcaster()
	assert.False(t, ok)
	assert.Equal(t, [][2]domain.PeerID{{"A", ""}}, changes)
	assert.Len(t, h.closedProducers(), 2, "viewer is told both sources went away")

	// a second disconnect is a no-op
	h.session.Disconnect("A")
	h.session.Disconnect("B")
	assert.Equal(t, domain.SessionStats{}, h.session.Stats())
	assert.Equal(t, 0, h.engine.OpenTransports())
}

func TestSessionService_ProduceInvalidKind(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, h.session.Join("A"))
	params, err := h.session.CreateTransport(ctx, "A", domain.RoleProducing)
	require.NoError(t, err)

	_, err = h.session.Produce(ctx, "A", params.ID, domain.MediaKind("screen"), "", testutil.VideoParameters())
	assert.ErrorIs(t, err, domain.ErrInvalidMediaKind)
	assert.Equal(t, 0, h.session.Stats().Producers)
}

func TestSessionService_ProduceRequiresMatchingTransport(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, h.session.Join("A"))
	_, err := h.session.Produce(ctx, "A", "missing", domain.MediaKindAudio, "", testutil.AudioParameters())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	consuming, err := h.session.CreateTransport(ctx, "A", domain.RoleConsuming)
	require.NoError(t, err)
	_, err = h.session.Produce(ctx, "A", consuming.ID, domain.MediaKindAudio, "", testutil.AudioParameters())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestSessionService_ConnectTransportMismatch(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, h.session.Join("A"))
	_, err := h.session.CreateTransport(ctx, "A", domain.RoleProducing)
	require.NoError(t, err)

	err = h.session.ConnectTransport(ctx, "A", domain.RoleProducing, "bogus", testutil.DtlsParameters(), nil)
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	_, err = h.session.ConnectAnyTransport(ctx, "A", "bogus", testutil.DtlsParameters(), nil)
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	for _, tr := range h.engine.Transports() {
		assert.False(t, tr.Connected())
	}
}

func TestSessionService_ConnectAnyResolvesRole(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, h.session.Join("A"))
	params, err := h.session.CreateTransport(ctx, "A", domain.RoleConsuming)
	require.NoError(t, err)

	role, err := h.session.ConnectAnyTransport(ctx, "A", params.ID, testutil.DtlsParameters(), nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleConsuming, role)
}

func TestSessionService_TransportReplacement(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, h.session.Join("A"))
	first, err := h.session.CreateTransport(ctx, "A", domain.RoleProducing)
	require.NoError(t, err)
	_, err = h.session.Produce(ctx, "A", first.ID, domain.MediaKindAudio, "", testutil.AudioParameters())
	require.NoError(t, err)

	second, err := h.session.CreateTransport(ctx, "A", domain.RoleProducing)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	stats := h.session.Stats()
	assert.Equal(t, 1, stats.Transports)
	assert.Equal(t, 0, stats.Producers, "producers on the replaced transport are closed with it")
	assert.Equal(t, 1, h.engine.OpenTransports())

	err = h.session.ConnectTransport(ctx, "A", domain.RoleProducing, first.ID, testutil.DtlsParameters(), nil)
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)
}

func TestSessionService_ConsumeIncompatibleCapabilities(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.startBroadcast("A")
	transportID := h.joinViewer("B")

	_, err := h.session.Consume(ctx, "B", transportID, testutil.H264Capabilities())
	assert.ErrorIs(t, err, domain.ErrNoConsumableProducers)
	assert.Equal(t, 0, h.session.Stats().Consumers)
	assert.Equal(t, 0, h.session.ViewerCount())
}

func TestSessionService_ConsumePartialCompatibility(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	audio, _ := h.startBroadcast("A")
	transportID := h.joinViewer("B")

	consumers, err := h.session.Consume(ctx, "B", transportID, testutil.AudioOnlyCapabilities())
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	assert.Equal(t, audio, consumers[0].ProducerID)
	assert.Equal(t, 1, h.session.Stats().Consumers)
}

func TestSessionService_ConsumeSkipsFailingProducer(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	audio, video := h.startBroadcast("A")
	h.engine.FailConsume(video, testutil.ErrInjected)
	transportID := h.joinViewer("B")

	consumers, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	assert.Equal(t, audio, consumers[0].ProducerID)
	assert.Equal(t, 1, h.session.Stats().Consumers)
	assert.Equal(t, 1, h.session.ViewerCount())

	h.engine.FailConsume(audio, testutil.ErrInjected)
	other := h.joinViewer("C")
	_, err = h.session.Consume(ctx, "C", other, testutil.DefaultCapabilities())
	assert.ErrorIs(t, err, domain.ErrNoConsumableProducers)
	assert.Equal(t, 1, h.session.ViewerCount())
}

func TestSessionService_ConsumeRequirements(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	transportID := h.joinViewer("B")

	_, err := h.session.Consume(ctx, "B", "wrong", testutil.DefaultCapabilities())
	assert.ErrorIs(t, err, domain.ErrTransportNotFound)

	_, err = h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	assert.ErrorIs(t, err, domain.ErrNoBroadcaster)

	require.NoError(t, h.session.Join("A"))
	require.NoError(t, h.session.SetBroadcaster("A"))
	_, err = h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	assert.ErrorIs(t, err, domain.ErrNoConsumableProducers)
}

func TestSessionService_ConsumeReturnsExistingConsumers(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.startBroadcast("A")
	transportID := h.joinViewer("B")

	first, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)
	second, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)

	assert.ElementsMatch(t, first, second)
	assert.Equal(t, 2, h.session.Stats().Consumers)
}

func TestSessionService_ResumeConsumers(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, video := h.startBroadcast("A")
	transportID := h.joinViewer("B")
	_, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)

	assert.NoError(t, h.session.ResumeConsumers(ctx, "B", []domain.ProducerID{"unknown"}))
	assert.NoError(t, h.session.ResumeConsumers(ctx, "nobody", []domain.ProducerID{video}))

	require.NoError(t, h.session.ResumeConsumers(ctx, "B", []domain.ProducerID{video}))
	consumers, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)
	for _, c := range consumers {
		assert.False(t, c.Paused, "consumer for %s still paused", c.ProducerID)
	}
}

func TestSessionService_ResumeAllWhenListEmpty(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.startBroadcast("A")
	transportID := h.joinViewer("B")
	_, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)

	require.NoError(t, h.session.ResumeConsumers(ctx, "B", nil))
	consumers, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)
	for _, c := range consumers {
		assert.False(t, c.Paused)
	}
}

func TestSessionService_ConsumeOne(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	audio, video := h.startBroadcast("A")
	transportID := h.joinViewer("B")

	info, err := h.session.ConsumeOne(ctx, "B", transportID, video, testutil.DefaultCapabilities())
	require.NoError(t, err)
	assert.Equal(t, video, info.ProducerID)
	assert.True(t, info.Paused)
	assert.Equal(t, 1, h.session.ViewerCount())

	again, err := h.session.ConsumeOne(ctx, "B", transportID, video, testutil.DefaultCapabilities())
	require.NoError(t, err)
	assert.Equal(t, info.ID, again.ID)

	_, err = h.session.ConsumeOne(ctx, "B", transportID, "missing", testutil.DefaultCapabilities())
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	_, err = h.session.ConsumeOne(ctx, "B", transportID, audio, testutil.H264Capabilities())
	assert.ErrorIs(t, err, domain.ErrCapabilityMismatch)
	assert.Equal(t, 1, h.session.Stats().Consumers)
}

func TestSessionService_RemoveUnknownIsNoop(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.session.Join("A"))
	assert.NoError(t, h.session.CloseProducer("A", "missing"))
	assert.NoError(t, h.session.CloseProducer("nobody", "missing"))

	h.session.transports.Remove("A", domain.RoleConsuming)
	h.session.transports.Remove("nobody", domain.RoleProducing)
	h.session.producers.Remove("A", domain.MediaKindAudio, "")
	h.session.Disconnect("nobody")

	assert.Equal(t, domain.SessionStats{Peers: 1}, h.session.Stats())
}

func TestSessionService_CloseProducerClosesViewerConsumers(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	audio, _ := h.startBroadcast("A")
	transportID := h.joinViewer("B")
	_, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)

	require.NoError(t, h.session.CloseProducer("A", audio))

	assert.Equal(t, 1, h.session.Stats().Consumers)
	assert.Equal(t, []domain.ProducerID{audio}, h.closedProducers())
	assert.Equal(t, 1, h.session.ViewerCount())
	assert.Len(t, h.session.GetProducers("B"), 1)
}

func TestSessionService_GetProducers(t *testing.T) {
	h := newHarness(t, Options{})

	audio, video := h.startBroadcast("A")
	h.joinViewer("B")

	producers := h.session.GetProducers("B")
	require.Len(t, producers, 2)
	ids := []domain.ProducerID{producers[0].ProducerID, producers[1].ProducerID}
	assert.ElementsMatch(t, []domain.ProducerID{audio, video}, ids)
	for _, p := range producers {
		assert.Equal(t, domain.PeerID("A"), p.PeerID)
	}

	assert.Empty(t, h.session.GetProducers("A"), "own producers are excluded")
}

func TestSessionService_DiscoveryAll(t *testing.T) {
	h := newHarness(t, Options{DiscoveryMode: DiscoveryAll})
	ctx := context.Background()

	require.NoError(t, h.session.Join("A"))
	params, err := h.session.CreateTransport(ctx, "A", domain.RoleProducing)
	require.NoError(t, err)
	_, err = h.session.Produce(ctx, "A", params.ID, domain.MediaKindVideo, "", testutil.VideoParameters())
	require.NoError(t, err)

	require.NoError(t, h.session.Join("B"))
	producers := h.session.GetProducers("B")
	require.Len(t, producers, 1)
	assert.Equal(t, domain.PeerID("A"), producers[0].PeerID)
	assert.Empty(t, h.session.GetProducers("A"))
}

func TestSessionService_ReplaceBroadcasterHidesPreviousProducers(t *testing.T) {
	h := newHarness(t, Options{})

	h.startBroadcast("A")
	h.joinViewer("B")
	require.Len(t, h.session.GetProducers("B"), 2)

	require.NoError(t, h.session.Join("C"))
	require.NoError(t, h.session.SetBroadcaster("C"))

	assert.Empty(t, h.session.GetProducers("B"))
	current, ok := h.session.Broadcaster()
	require.True(t, ok)
	assert.Equal(t, domain.PeerID("C"), current)
	assert.Equal(t, 2, h.session.Stats().Producers, "previous broadcaster keeps its producers")

	// restoring A makes its producers visible again
	require.NoError(t, h.session.SetBroadcaster("A"))
	assert.Len(t, h.session.GetProducers("B"), 2)
}

func TestSessionService_RejectPolicy(t *testing.T) {
	h := newHarness(t, Options{BroadcasterPolicy: PolicyReject})

	require.NoError(t, h.session.Join("A"))
	require.NoError(t, h.session.Join("B"))
	require.NoError(t, h.session.SetBroadcaster("A"))
	require.NoError(t, h.session.SetBroadcaster("A"))

	assert.ErrorIs(t, h.session.SetBroadcaster("B"), domain.ErrBroadcasterExists)

	h.session.Disconnect("A")
	assert.NoError(t, h.session.SetBroadcaster("B"))
}

func TestSessionService_RoleConflict(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.startBroadcast("A")
	transportID := h.joinViewer("B")
	_, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)

	assert.ErrorIs(t, h.session.SetBroadcaster("B"), domain.ErrRoleConflict)

	own, err := h.session.CreateTransport(ctx, "A", domain.RoleConsuming)
	require.NoError(t, err)
	_, err = h.session.Consume(ctx, "A", own.ID, testutil.DefaultCapabilities())
	assert.ErrorIs(t, err, domain.ErrRoleConflict)
}

func TestSessionService_SetBroadcasterUnknownPeer(t *testing.T) {
	h := newHarness(t, Options{})
	assert.ErrorIs(t, h.session.SetBroadcaster("ghost"), domain.ErrPeerGone)
}

func TestSessionService_SetBroadcasterNotifiesViewerCount(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.session.Join("A"))
	require.NoError(t, h.session.SetBroadcaster("A"))
	assert.Equal(t, 0, h.lastCount())
}

func TestSessionService_EngineNotReady(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.SetReady(false)
	ctx := context.Background()

	require.NoError(t, h.session.Join("A"))
	_, err := h.session.RouterRtpCapabilities()
	assert.ErrorIs(t, err, domain.ErrEngineUnavailable)
	_, err = h.session.CreateTransport(ctx, "A", domain.RoleProducing)
	assert.ErrorIs(t, err, domain.ErrEngineUnavailable)

	h.engine.SetReady(true)
	caps, err := h.session.RouterRtpCapabilities()
	require.NoError(t, err)
	assert.Len(t, caps.Codecs, 2)
}

func TestSessionService_EngineCallFailure(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.FailProduce(testutil.ErrInjected)
	ctx := context.Background()

	require.NoError(t, h.session.Join("A"))
	params, err := h.session.CreateTransport(ctx, "A", domain.RoleProducing)
	require.NoError(t, err)

	_, err = h.session.Produce(ctx, "A", params.ID, domain.MediaKindAudio, "", testutil.AudioParameters())
	assert.ErrorIs(t, err, domain.ErrEngineCallFailed)
	assert.ErrorIs(t, err, testutil.ErrInjected)
}

func TestSessionService_EngineTimeout(t *testing.T) {
	h := newHarness(t, Options{CallTimeout: 20 * time.Millisecond})
	h.engine.CreateGate = make(chan struct{})
	defer close(h.engine.CreateGate)

	require.NoError(t, h.session.Join("A"))
	_, err := h.session.CreateTransport(context.Background(), "A", domain.RoleProducing)
	assert.ErrorIs(t, err, domain.ErrEngineTimeout)
	assert.Equal(t, 0, h.session.Stats().Transports)
}

func TestSessionService_DisconnectDuringCreateTransport(t *testing.T) {
	h := newHarness(t, Options{})
	h.engine.CreateGate = make(chan struct{})
	h.engine.Entered = make(chan string, 1)

	require.NoError(t, h.session.Join("A"))

	errCh := make(chan error, 1)
	go func() {
		_, err := h.session.CreateTransport(context.Background(), "A", domain.RoleProducing)
		errCh <- err
	}()

	<-h.engine.Entered
	h.session.Disconnect("A")
	close(h.engine.CreateGate)

	assert.ErrorIs(t, <-errCh, domain.ErrPeerGone)
	assert.Equal(t, 0, h.engine.OpenTransports())
	assert.Equal(t, domain.SessionStats{}, h.session.Stats())
}

func TestSessionService_DisconnectDuringConsume(t *testing.T) {
	h := newHarness(t, Options{})
	h.startBroadcast("A")
	transportID := h.joinViewer("B")

	h.engine.ConsumeGate = make(chan struct{})
	h.engine.Entered = make(chan string, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.session.Consume(context.Background(), "B", transportID, testutil.DefaultCapabilities())
		errCh <- err
	}()

	<-h.engine.Entered
	h.session.Disconnect("B")
	close(h.engine.ConsumeGate)

	assert.ErrorIs(t, <-errCh, domain.ErrPeerGone)
	assert.Equal(t, 0, h.session.Stats().Consumers)
	assert.Equal(t, 0, h.session.ViewerCount())
}

func TestSessionService_EngineReportedProducerClose(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, video := h.startBroadcast("A")
	transportID := h.joinViewer("B")
	_, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)

	producer, ok := h.engine.Producer(video)
	require.True(t, ok)
	producer.SimulateClose()

	assert.Eventually(t, func() bool {
		stats := h.session.Stats()
		return stats.Producers == 1 && stats.Consumers == 1 && len(h.closedProducers()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []domain.ProducerID{video}, h.closedProducers())
	assert.Len(t, h.session.GetProducers("B"), 1)
}

func TestSessionService_DTLSCloseUnwindsTransport(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.startBroadcast("A")
	transportID := h.joinViewer("B")
	_, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)
	require.Equal(t, 1, h.session.ViewerCount())

	for _, tr := range h.engine.Transports() {
		if tr.ID() == transportID {
			tr.SimulateDTLSClose()
		}
	}

	assert.Eventually(t, func() bool {
		return h.session.ViewerCount() == 0 && h.session.Stats().Transports == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return h.lastCount() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.session.Stats().Producers)
	assert.Empty(t, h.closedProducers(), "the sources are still live")
}

func TestSessionService_ViewerTransportReplacementKeepsQuiet(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	h.startBroadcast("A")
	transportID := h.joinViewer("B")
	_, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)
	require.Equal(t, 1, h.session.ViewerCount())

	_, err = h.session.CreateTransport(ctx, "B", domain.RoleConsuming)
	require.NoError(t, err)

	assert.Equal(t, 0, h.session.Stats().Consumers)
	assert.Equal(t, 0, h.session.ViewerCount())
	assert.Empty(t, h.closedProducers())
}

func TestSessionService_ResumeSkipsConsumerClosedByEngine(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	_, video := h.startBroadcast("A")
	transportID := h.joinViewer("B")
	_, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)

	producer, ok := h.engine.Producer(video)
	require.True(t, ok)
	producer.SimulateClose()

	assert.NoError(t, h.session.ResumeConsumers(ctx, "B", []domain.ProducerID{video}))
	assert.NoError(t, h.session.ResumeConsumers(ctx, "B", nil))
}

func TestSessionService_BroadcasterReplacedDuringConsume(t *testing.T) {
	h := newHarness(t, Options{})
	h.startBroadcast("A")
	transportID := h.joinViewer("B")
	require.NoError(t, h.session.Join("C"))

	h.engine.ConsumeGate = make(chan struct{})
	h.engine.Entered = make(chan string, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := h.session.Consume(context.Background(), "B", transportID, testutil.DefaultCapabilities())
		errCh <- err
	}()

	<-h.engine.Entered
	require.NoError(t, h.session.SetBroadcaster("C"))
	close(h.engine.ConsumeGate)

	assert.ErrorIs(t, <-errCh, domain.ErrNoConsumableProducers)
	assert.Equal(t, 0, h.session.Stats().Consumers)
	assert.Equal(t, 0, h.session.ViewerCount())
}

func TestSessionService_ViewerCountTracksConsumers(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	audio, _ := h.startBroadcast("A")
	viewers := []domain.PeerID{"v1", "v2", "v3", "v4"}
	transports := make(map[domain.PeerID]domain.TransportID)
	for _, v := range viewers {
		transports[v] = h.joinViewer(v)
	}

	check := func() {
		t.Helper()
		distinct := 0
		h.session.reg.mu.Lock()
		for _, entry := range h.session.reg.peers {
			if len(entry.consumers) > 0 {
				distinct++
			}
		}
		h.session.reg.mu.Unlock()
		assert.Equal(t, distinct, h.session.ViewerCount())
		assert.Equal(t, distinct, h.lastCount())
	}

	for _, v := range viewers {
		_, err := h.session.Consume(ctx, v, transports[v], testutil.DefaultCapabilities())
		require.NoError(t, err)
		check()
	}
	require.NoError(t, h.session.ResumeConsumers(ctx, "v1", nil))
	h.session.Disconnect("v2")
	check()
	require.NoError(t, h.session.CloseProducer("A", audio))
	check()
	h.session.Disconnect("v3")
	check()
	assert.Equal(t, 2, h.session.ViewerCount())
}

func TestSessionService_Snapshot(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	empty := h.session.Snapshot()
	assert.Empty(t, empty.Broadcaster)
	assert.NotNil(t, empty.Producers)

	h.startBroadcast("A")
	transportID := h.joinViewer("B")
	_, err := h.session.Consume(ctx, "B", transportID, testutil.DefaultCapabilities())
	require.NoError(t, err)

	state := h.session.Snapshot()
	assert.Equal(t, domain.PeerID("A"), state.Broadcaster)
	assert.Equal(t, 1, state.ViewerCount)
	assert.Len(t, state.Producers, 2)
	assert.False(t, state.UpdatedAt.IsZero())
}
