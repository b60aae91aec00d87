// Package event carries session lifecycle notifications to external
// observers. Handlers are registered against a closed set of event kinds
// at construction time; there is no reflective dispatch.
package event

import "sync"

type Kind int

const (
	KindOnline Kind = iota
	KindOffline
	KindCaptchaRequired
)

type Event interface {
	Kind() Kind
}

// Online fires once a login flow succeeds, before status registration
// completes. Observers must tolerate it preceding full registration.
type Online struct{}

func (Online) Kind() Kind { return KindOnline }

// Offline fires after a forced disconnect, carrying the server's
// diagnostic tag and message.
type Offline struct {
	Tag     string
	Message string
}

func (Offline) Kind() Kind { return KindOffline }

// CaptchaRequired fires when the server demands human verification. The
// URL must be visited to obtain a ticket for SubmitCaptcha.
type CaptchaRequired struct {
	URL string
}

func (CaptchaRequired) Kind() Kind { return KindCaptchaRequired }

type Handler func(Event)

// Invoker dispatches lifecycle events synchronously, in registration
// order, on the poster's goroutine. Disposing it silences all further
// posts; the fatal login path disposes the whole pipeline.
type Invoker struct {
	mu       sync.RWMutex
	handlers map[Kind][]Handler
	disposed bool
}

func NewInvoker() *Invoker {
	return &Invoker{handlers: make(map[Kind][]Handler)}
}

func (i *Invoker) On(kind Kind, h Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handlers[kind] = append(i.handlers[kind], h)
}

func (i *Invoker) Post(e Event) {
	i.mu.RLock()
	disposed := i.disposed
	handlers := i.handlers[e.Kind()]
	i.mu.RUnlock()

	if disposed {
		return
	}
	for _, h := range handlers {
		h(e)
	}
}

func (i *Invoker) Dispose() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.disposed = true
}

// Disposed reports whether the invoker has been shut down.
func (i *Invoker) Disposed() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.disposed
}
