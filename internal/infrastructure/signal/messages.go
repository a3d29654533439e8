package signal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"castwave/internal/core/domain"
	"castwave/pkg/validation"
)

// Request types. Legacy names are accepted as aliases.
const (
	TypeSetBroadcaster           = "setBroadcaster"
	TypeGetRouterRtpCapabilities = "getRouterRtpCapabilities"
	TypeCreateTransport          = "createTransport"
	TypeConnectTransport         = "connectTransport"
	TypeConnectProducerTransport = "connectProducerTransport"
	TypeConnectConsumerTransport = "connectConsumerTransport"
	TypeProduce                  = "produce"
	TypeCloseProducer            = "closeProducer"
	TypeGetProducers             = "getProducers"
	TypeConsume                  = "consume"
	TypeResumeConsumers          = "resumeConsumers"
)

// Server-initiated events.
const (
	EventConnectionSuccess       = "connection-success"
	EventViewerCount             = "viewerCount"
	EventBroadcasterDisconnected = "broadcasterDisconnected"
	EventProducerClosed          = "producerClosed"
	EventError                   = "error"
)

var aliases = map[string]string{
	"createWebRtcTransport": TypeCreateTransport,
	"transport-connect":     TypeConnectTransport,
	"transport-produce":     TypeProduce,
	"get-producers":         TypeGetProducers,
	"consumer-resume":       TypeResumeConsumers,
}

// canonicalType resolves legacy aliases.
func canonicalType(t string) string {
	if c, ok := aliases[t]; ok {
		return c
	}
	return t
}

// Envelope is the inbound frame.
type Envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the outbound frame. Responses echo the request type and id.
type Response struct {
	Type    string      `json:"type"`
	ID      string      `json:"id,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorBody  `json:"error,omitempty"`
}

type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SuccessPayload struct {
	Success bool `json:"success"`
}

type CreateTransportRequest struct {
	Sender *bool `json:"sender" validate:"required"`
}

type ConnectTransportRequest struct {
	TransportID    string                 `json:"transportId" validate:"required,objectid"`
	DtlsParameters *domain.DtlsParameters `json:"dtlsParameters" validate:"required"`
	IceParameters  *domain.IceParameters  `json:"iceParameters,omitempty"`
}

type ProduceRequest struct {
	TransportID   string                `json:"transportId" validate:"required,objectid"`
	Kind          string                `json:"kind" validate:"required"`
	RtpParameters *domain.RtpParameters `json:"rtpParameters" validate:"required"`
	Label         string                `json:"label,omitempty" validate:"omitempty,label"`
	AppData       json.RawMessage       `json:"appData,omitempty"`
}

type ProduceResponse struct {
	ID domain.ProducerID `json:"id"`
}

type CloseProducerRequest struct {
	ProducerID string `json:"producerId" validate:"required,objectid"`
}

type ProducersResponse struct {
	Producers []domain.ProducerInfo `json:"producers"`
}

type ConsumeRequest struct {
	TransportID      string                  `json:"transportId" validate:"required,objectid"`
	RtpCapabilities  *domain.RtpCapabilities `json:"rtpCapabilities" validate:"required"`
	RemoteProducerID string                  `json:"remoteProducerId,omitempty" validate:"omitempty,objectid"`
}

type ConsumeResponse struct {
	Consumers []domain.ConsumerInfo `json:"consumers"`
}

type ResumeConsumersRequest struct {
	ProducerIDs []string `json:"producerIds,omitempty" validate:"omitempty,dive,objectid"`
}

type ConnectionSuccessPayload struct {
	PeerID domain.PeerID `json:"peerId"`
}

type ViewerCountPayload struct {
	Count int `json:"count"`
}

type ProducerClosedPayload struct {
	ProducerID domain.ProducerID `json:"producerId"`
}

var fieldCache sync.Map // reflect.Type -> map[string]struct{}

// topLevelFields lists the json names a request struct accepts.
func topLevelFields(t reflect.Type) map[string]struct{} {
	if cached, ok := fieldCache.Load(t); ok {
		return cached.(map[string]struct{})
	}
	fields := make(map[string]struct{}, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name := strings.SplitN(t.Field(i).Tag.Get("json"), ",", 2)[0]
		if name != "" && name != "-" {
			fields[name] = struct{}{}
		}
	}
	fieldCache.Store(t, fields)
	return fields
}

// decodePayload strictly decodes a request payload into dst. Unknown
// top-level fields are rejected; nested media parameters are taken as the
// client sends them so newer browser fields do not break signaling.
func decodePayload(raw json.RawMessage, dst interface{}) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		raw = []byte("{}")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("%w: payload must be an object: %v", domain.ErrInvalidPayload, err)
	}
	allowed := topLevelFields(reflect.TypeOf(dst).Elem())
	var unknown []string
	for name := range fields {
		if _, ok := allowed[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return fmt.Errorf("%w: unknown fields %s", domain.ErrInvalidPayload, strings.Join(unknown, ", "))
	}

	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if err := validation.Struct(dst); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}
