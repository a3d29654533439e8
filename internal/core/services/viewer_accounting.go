package services

import (
	"sync"
)

// ViewerAccounting derives the number of distinct peers holding at least one
// consumer. The count is always recomputed from the registry, never tracked
// incrementally.
type ViewerAccounting struct {
	reg *registry

	// notifyMu serializes recompute+notify so listeners observe counts in
	// the order the registry produced them.
	notifyMu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []func(count int)
}

func NewViewerAccounting(reg *registry) *ViewerAccounting {
	return &ViewerAccounting{reg: reg}
}

func (v *ViewerAccounting) Subscribe(fn func(count int)) {
	v.listenersMu.Lock()
	defer v.listenersMu.Unlock()
	v.listeners = append(v.listeners, fn)
}

// Recompute counts viewers and calls every listener once with the result.
// Listeners must not call Recompute.
func (v *ViewerAccounting) Recompute() int {
	v.notifyMu.Lock()
	defer v.notifyMu.Unlock()

	count := v.Count()

	v.listenersMu.RLock()
	listeners := append([]func(int){}, v.listeners...)
	v.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(count)
	}
	return count
}

func (v *ViewerAccounting) Count() int {
	v.reg.mu.Lock()
	defer v.reg.mu.Unlock()
	return v.reg.viewerCountLocked()
}
