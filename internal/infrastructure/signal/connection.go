package signal

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"castwave/internal/core/domain"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const outboundQueueSize = 64

var errSlowConsumer = errors.New("outbound queue full")

// connection owns one peer's socket. The handler goroutine reads and
// handles messages in order; writePump is the only writer.
type connection struct {
	peerID   domain.PeerID
	conn     *websocket.Conn
	limiter  *rate.Limiter
	outbound chan []byte

	closeOnce sync.Once
	done      chan struct{}

	logger *zap.SugaredLogger
}

func newConnection(peerID domain.PeerID, conn *websocket.Conn, limiter *rate.Limiter, logger *zap.SugaredLogger) *connection {
	return &connection{
		peerID:   peerID,
		conn:     conn,
		limiter:  limiter,
		outbound: make(chan []byte, outboundQueueSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

// send queues v for delivery. A peer that stops reading is disconnected
// rather than allowed to stall the sender.
func (c *connection) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.outbound <- data:
		return nil
	case <-c.done:
		return websocket.ErrCloseSent
	default:
		c.logger.Warnw("dropping slow peer", "peer_id", c.peerID)
		c.close()
		return errSlowConsumer
	}
}

// close stops writePump, which sends a close frame and closes the socket.
// The pending read then fails and the handler goroutine exits.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// writePump drains the outbound queue and keeps the connection alive with pings.
func (c *connection) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.outbound:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Infow("error writing message", "peer_id", c.peerID, "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Infow("error sending ping", "peer_id", c.peerID, "error", err)
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
