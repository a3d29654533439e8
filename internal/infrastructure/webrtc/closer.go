package webrtc

import (
	"errors"
	"sync"

	"castwave/internal/core/domain"
)

var (
	errClosed            = errors.New("object is closed")
	errAlreadyConnected  = errors.New("transport already connected")
	errRemoteICERequired = errors.New("remote ice parameters are required")
	errEngineClosed      = errors.New("engine is closed")
)

// closer runs OnClose callbacks exactly once. Callbacks registered after the
// object closed run immediately with the recorded reason. done must be set
// at construction.
type closer struct {
	mu        sync.Mutex
	closed    bool
	reason    domain.CloseReason
	callbacks []func(domain.CloseReason)
	done      chan struct{}
}

func (c *closer) OnClose(fn func(reason domain.CloseReason)) {
	c.mu.Lock()
	if c.closed {
		reason := c.reason
		c.mu.Unlock()
		fn(reason)
		return
	}
	c.callbacks = append(c.callbacks, fn)
	c.mu.Unlock()
}

// begin marks the object closed. Only the first caller gets true and must
// call finish once its teardown is done.
func (c *closer) begin(reason domain.CloseReason) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.reason = reason
	close(c.done)
	return true
}

func (c *closer) finish() {
	c.mu.Lock()
	callbacks := c.callbacks
	c.callbacks = nil
	reason := c.reason
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn(reason)
	}
}

func (c *closer) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
