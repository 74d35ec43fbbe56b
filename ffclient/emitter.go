// Package ffclient is a thin reference client pair for FlashForge printers:
// an HTTP JSON client for the modern protocol, a TCP line client for the
// legacy protocol, and the raw event hub both of them publish to.
package ffclient

import (
	"sync"
	"time"

	"github.com/john/flashforge_link/printer"
)

// Emitter fans raw events out to subscribers. Handlers run synchronously on
// the emitting goroutine and must not block.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]func(printer.RawEvent)
}

// NewEmitter creates an empty hub.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[int]func(printer.RawEvent))}
}

// Subscribe registers handler. The returned func removes it and may be
// called more than once.
func (e *Emitter) Subscribe(handler func(printer.RawEvent)) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = handler
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers, id)
			e.mu.Unlock()
		})
	}
}

// Subscribers returns the number of live handlers.
func (e *Emitter) Subscribers() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers)
}

// Emit delivers ev to every handler registered at call time.
func (e *Emitter) Emit(ev printer.RawEvent) {
	if e == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	e.mu.RLock()
	hs := make([]func(printer.RawEvent), 0, len(e.handlers))
	for _, h := range e.handlers {
		hs = append(hs, h)
	}
	e.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
}
