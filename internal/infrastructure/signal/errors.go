package signal

import (
	"context"
	"net/http"

	"castwave/internal/core/domain"
	apperrors "castwave/pkg/errors"
)

// errorRules map core errors onto wire codes. Order matters: an engine
// failure that also carries a more specific cause reports the cause.
var errorRules = []apperrors.Rule{
	{Target: domain.ErrInvalidPayload, Code: apperrors.ErrCodeInvalidPayload, HTTPStatus: http.StatusBadRequest},
	{Target: domain.ErrInvalidMediaKind, Code: apperrors.ErrCodeInvalidMediaKind, HTTPStatus: http.StatusBadRequest},
	{Target: domain.ErrTransportNotFound, Code: apperrors.ErrCodeTransportNotFound, HTTPStatus: http.StatusNotFound},
	{Target: domain.ErrProducerNotFound, Code: apperrors.ErrCodeProducerNotFound, HTTPStatus: http.StatusNotFound},
	{Target: domain.ErrCapabilityMismatch, Code: apperrors.ErrCodeCapabilityMismatch, HTTPStatus: http.StatusUnprocessableEntity},
	{Target: domain.ErrNoBroadcaster, Code: apperrors.ErrCodeNoBroadcaster, HTTPStatus: http.StatusNotFound},
	{Target: domain.ErrNoConsumableProducers, Code: apperrors.ErrCodeNoConsumableProducers, HTTPStatus: http.StatusUnprocessableEntity},
	{Target: domain.ErrBroadcasterExists, Code: apperrors.ErrCodeBroadcasterExists, HTTPStatus: http.StatusConflict},
	{Target: domain.ErrRoleConflict, Code: apperrors.ErrCodeRoleConflict, HTTPStatus: http.StatusConflict},
	{Target: domain.ErrPeerGone, Code: apperrors.ErrCodePeerNotFound, HTTPStatus: http.StatusGone},
	{Target: domain.ErrEngineUnavailable, Code: apperrors.ErrCodeEngineUnavailable, HTTPStatus: http.StatusServiceUnavailable},
	{Target: domain.ErrEngineTimeout, Code: apperrors.ErrCodeEngineTimeout, HTTPStatus: http.StatusGatewayTimeout},
	{Target: context.DeadlineExceeded, Code: apperrors.ErrCodeEngineTimeout, HTTPStatus: http.StatusGatewayTimeout},
	{Target: domain.ErrEngineCallFailed, Code: apperrors.ErrCodeEngineCallFailed, HTTPStatus: http.StatusBadGateway},
}

// toErrorBody converts err into the wire error object.
func toErrorBody(err error) *ErrorBody {
	appErr := apperrors.Translate(err, errorRules)
	message := appErr.Message
	if appErr.Code == apperrors.ErrCodeInternal {
		message = "internal error"
	}
	return &ErrorBody{Code: string(appErr.Code), Message: message}
}
