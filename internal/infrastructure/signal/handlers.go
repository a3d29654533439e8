package signal

import (
	"context"
	"encoding/json"

	"castwave/internal/core/domain"
)

func (s *WebSocketServer) handleSetBroadcaster(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	if err := s.session.SetBroadcaster(c.peerID); err != nil {
		return nil, err
	}
	s.logger.Infow("broadcaster assigned", "peer_id", c.peerID)
	return SuccessPayload{Success: true}, nil
}

func (s *WebSocketServer) handleGetRouterRtpCapabilities(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	return s.session.RouterRtpCapabilities()
}

func (s *WebSocketServer) handleCreateTransport(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var req CreateTransportRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	params, err := s.session.CreateTransport(ctx, c.peerID, domain.RoleFromSender(*req.Sender))
	if err != nil {
		return nil, err
	}
	return params, nil
}

// handleConnectTransport resolves the transport by id alone.
func (s *WebSocketServer) handleConnectTransport(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var req ConnectTransportRequest
	if err := decodePayload(payload, &req); err != nil {
		return SuccessPayload{Success: false}, err
	}
	_, err := s.session.ConnectAnyTransport(ctx, c.peerID, domain.TransportID(req.TransportID), *req.DtlsParameters, req.IceParameters)
	if err != nil {
		return SuccessPayload{Success: false}, err
	}
	return SuccessPayload{Success: true}, nil
}

func (s *WebSocketServer) connectWithRole(role domain.TransportRole) handlerFunc {
	return func(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
		var req ConnectTransportRequest
		if err := decodePayload(payload, &req); err != nil {
			return SuccessPayload{Success: false}, err
		}
		err := s.session.ConnectTransport(ctx, c.peerID, role, domain.TransportID(req.TransportID), *req.DtlsParameters, req.IceParameters)
		if err != nil {
			return SuccessPayload{Success: false}, err
		}
		return SuccessPayload{Success: true}, nil
	}
}

func (s *WebSocketServer) handleProduce(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var req ProduceRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	kind, err := domain.ParseMediaKind(req.Kind)
	if err != nil {
		return nil, err
	}
	id, err := s.session.Produce(ctx, c.peerID, domain.TransportID(req.TransportID), kind, req.Label, *req.RtpParameters)
	if err != nil {
		return nil, err
	}
	return ProduceResponse{ID: id}, nil
}

func (s *WebSocketServer) handleCloseProducer(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var req CloseProducerRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	if err := s.session.CloseProducer(c.peerID, domain.ProducerID(req.ProducerID)); err != nil {
		return nil, err
	}
	return SuccessPayload{Success: true}, nil
}

func (s *WebSocketServer) handleGetProducers(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	producers := s.session.GetProducers(c.peerID)
	if producers == nil {
		producers = []domain.ProducerInfo{}
	}
	return ProducersResponse{Producers: producers}, nil
}

// handleConsume consumes every active producer, or the single producer
// named by remoteProducerId.
func (s *WebSocketServer) handleConsume(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var req ConsumeRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	transportID := domain.TransportID(req.TransportID)

	if req.RemoteProducerID != "" {
		info, err := s.session.ConsumeOne(ctx, c.peerID, transportID, domain.ProducerID(req.RemoteProducerID), *req.RtpCapabilities)
		if err != nil {
			return nil, err
		}
		return info, nil
	}

	consumers, err := s.session.Consume(ctx, c.peerID, transportID, *req.RtpCapabilities)
	if err != nil {
		return nil, err
	}
	return ConsumeResponse{Consumers: consumers}, nil
}

func (s *WebSocketServer) handleResumeConsumers(ctx context.Context, c *connection, payload json.RawMessage) (interface{}, error) {
	var req ResumeConsumersRequest
	if err := decodePayload(payload, &req); err != nil {
		return nil, err
	}
	var ids []domain.ProducerID
	for _, id := range req.ProducerIDs {
		ids = append(ids, domain.ProducerID(id))
	}
	if err := s.session.ResumeConsumers(ctx, c.peerID, ids); err != nil {
		return nil, err
	}
	return SuccessPayload{Success: true}, nil
}
