package http

import (
	"errors"
	"net/http"
	"time"

	"castwave/internal/core/domain"
	"castwave/internal/core/ports"
	apperrors "castwave/pkg/errors"

	"github.com/gin-gonic/gin"
)

type BroadcastHandler struct {
	repo    ports.BroadcastStateRepository
	session ports.SessionService
}

func NewBroadcastHandler(repo ports.BroadcastStateRepository, session ports.SessionService) *BroadcastHandler {
	return &BroadcastHandler{
		repo:    repo,
		session: session,
	}
}

func (h *BroadcastHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/broadcast", h.GetBroadcast)
	}
}

type broadcastResponse struct {
	Broadcaster domain.PeerID         `json:"broadcaster"`
	Live        bool                  `json:"live"`
	ViewerCount int                   `json:"viewer_count"`
	Producers   []domain.ProducerInfo `json:"producers"`
	UpdatedAt   string                `json:"updated_at"`
}

// GetBroadcast returns the published broadcast snapshot. Before the first
// publish it answers from the live session instead.
func (h *BroadcastHandler) GetBroadcast(c *gin.Context) {
	state, err := h.repo.Get(c.Request.Context())
	if errors.Is(err, domain.ErrStateNotFound) {
		snapshot := h.session.Snapshot()
		state, err = &snapshot, nil
	}
	if err != nil {
		_ = c.Error(apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, "broadcast state unavailable", http.StatusServiceUnavailable))
		return
	}

	producers := state.Producers
	if producers == nil {
		producers = []domain.ProducerInfo{}
	}
	c.JSON(http.StatusOK, broadcastResponse{
		Broadcaster: state.Broadcaster,
		Live:        state.Broadcaster != "",
		ViewerCount: state.ViewerCount,
		Producers:   producers,
		UpdatedAt:   state.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}
