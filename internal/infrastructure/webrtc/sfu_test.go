package webrtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestSFU(t *testing.T) *SFU {
	t.Helper()
	cfg := Config{Codecs: defaultCodecs(), GatherTimeout: 5 * time.Second}
	sfu, err := NewSFU(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sfu.Close() })
	return sfu
}

func TestNewSFU_Capabilities(t *testing.T) {
	sfu := newTestSFU(t)

	assert.True(t, sfu.Ready())
	caps := sfu.RtpCapabilities()
	require.Len(t, caps.Codecs, 2)
	assert.Equal(t, domain.MediaKindAudio, caps.Codecs[0].Kind)
	assert.Equal(t, "video/VP8", caps.Codecs[1].MimeType)

	select {
	case <-sfu.Died():
		t.Fatal("fresh engine must not be dead")
	default:
	}
}

func TestNewSFU_RejectsBadConfig(t *testing.T) {
	_, err := NewSFU(Config{}, zap.NewNop().Sugar())
	assert.Error(t, err)

	cfg := Config{Codecs: defaultCodecs()}
	cfg.PortRange.Min = 3000
	cfg.PortRange.Max = 2000
	_, err = NewSFU(cfg, zap.NewNop().Sugar())
	assert.Error(t, err)
}

func TestSFU_CanConsumeUnknownProducer(t *testing.T) {
	sfu := newTestSFU(t)
	assert.False(t, sfu.CanConsume("missing", sfu.RtpCapabilities()))
}

func TestSFU_RegisterPayloadType(t *testing.T) {
	sfu := newTestSFU(t)
	vp8 := sfu.codecs[1]

	require.NoError(t, sfu.registerPayloadType(vp8, 120))
	require.NoError(t, sfu.registerPayloadType(vp8, 120), "re-registering the same alias is a no-op")
	require.NoError(t, sfu.registerPayloadType(vp8, 97))
	assert.Error(t, sfu.registerPayloadType(vp8, 96), "96 already carries opus")
}

func TestSFU_DiesAfterRepeatedFailures(t *testing.T) {
	sfu := newTestSFU(t)

	for i := 0; i < maxGatherFailures; i++ {
		sfu.recordGatherFailure(errors.New("no ports"))
	}

	select {
	case <-sfu.Died():
	default:
		t.Fatal("engine should be dead")
	}
	assert.False(t, sfu.Ready())
}

func TestSFU_ClosedEngineRejectsTransports(t *testing.T) {
	sfu := newTestSFU(t)
	require.NoError(t, sfu.Close())

	_, err := sfu.CreateTransport(context.Background(), ports.TransportOptions{PeerID: "p1", Role: domain.RoleProducing})
	assert.ErrorIs(t, err, errEngineClosed)
	assert.False(t, sfu.Ready())
}

// Gathering needs at least one usable network interface; environments
// without one skip.
func TestSFU_TransportLifecycle(t *testing.T) {
	sfu := newTestSFU(t)

	tr, err := sfu.CreateTransport(context.Background(), ports.TransportOptions{PeerID: "p1", Role: domain.RoleConsuming})
	if err != nil {
		t.Skipf("candidate gathering unavailable: %v", err)
	}

	params := tr.Params()
	assert.Equal(t, tr.ID(), params.ID)
	assert.NotEmpty(t, params.IceParameters.UsernameFragment)
	assert.NotEmpty(t, params.IceCandidates)
	assert.NotEmpty(t, params.DtlsParameters.Fingerprints)

	err = tr.Connect(context.Background(), domain.DtlsParameters{}, nil)
	assert.ErrorIs(t, err, errRemoteICERequired)

	_, err = tr.Consume(context.Background(), "missing", sfu.RtpCapabilities(), true)
	assert.ErrorIs(t, err, domain.ErrProducerNotFound)

	reasons := make(chan domain.CloseReason, 2)
	tr.OnClose(func(reason domain.CloseReason) { reasons <- reason })
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	assert.Equal(t, domain.CloseReasonLocal, <-reasons)
	tr.OnClose(func(reason domain.CloseReason) { reasons <- reason })
	assert.Equal(t, domain.CloseReasonLocal, <-reasons, "late callbacks run immediately")

	sfu.mu.RLock()
	defer sfu.mu.RUnlock()
	assert.Empty(t, sfu.transports)
}
