package domain

import "errors"

var (
	ErrTransportNotFound     = errors.New("transport not found")
	ErrInvalidPayload        = errors.New("invalid payload")
	ErrInvalidMediaKind      = errors.New("invalid media kind")
	ErrCapabilityMismatch    = errors.New("cannot consume producer with provided rtp capabilities")
	ErrNoBroadcaster         = errors.New("no broadcaster available")
	ErrNoConsumableProducers = errors.New("no consumable producers")
	ErrEngineUnavailable     = errors.New("media engine not ready")
	ErrEngineCallFailed      = errors.New("media engine call failed")
	ErrEngineTimeout         = errors.New("media engine call timed out")
	ErrProducerNotFound      = errors.New("producer not found")
	ErrPeerGone              = errors.New("peer not found")
	ErrBroadcasterExists     = errors.New("broadcaster already assigned")
	ErrRoleConflict          = errors.New("peer cannot be broadcaster and viewer at the same time")
	ErrStateNotFound         = errors.New("broadcast state not published yet")
)
