// Package bus is the request/response bridge between the login flows and
// the wire. Requests are correlated to replies by packet sequence; an
// empty reply slice uniformly signals failure or timeout, and callers do
// not retry implicitly. Server-initiated pushes dispatch through a
// handler table registered at construction time.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/MuuuShin/lagrange-go/pkg/logger"
	"github.com/MuuuShin/lagrange-go/pkg/protocol"
	"github.com/MuuuShin/lagrange-go/pkg/session"
)

// Codec translates one command between its semantic struct and its wire
// payload. Codecs may read and write credential fields on the session
// store but must not own timers or completions.
type Codec interface {
	Encode(req protocol.Request, st *session.Store) ([]byte, error)
	Decode(payload []byte, st *session.Store) (protocol.Response, error)
}

// FrameSender is the transport surface the bus writes to.
type FrameSender interface {
	Send(data []byte) error
}

const defaultSendTimeout = 15 * time.Second

type ServiceBus struct {
	sender  FrameSender
	store   *session.Store
	timeout time.Duration

	mu      sync.Mutex
	codecs  map[protocol.Command]Codec
	pending map[uint32]chan protocol.Response
	push    map[protocol.Command]func(protocol.Response)
}

type Option func(*ServiceBus)

func WithSendTimeout(d time.Duration) Option {
	return func(b *ServiceBus) { b.timeout = d }
}

func New(sender FrameSender, st *session.Store, opts ...Option) *ServiceBus {
	b := &ServiceBus{
		sender:  sender,
		store:   st,
		timeout: defaultSendTimeout,
		codecs:  make(map[protocol.Command]Codec),
		pending: make(map[uint32]chan protocol.Response),
		push:    make(map[protocol.Command]func(protocol.Response)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RegisterCodec binds the wire codec for one command.
func (b *ServiceBus) RegisterCodec(cmd protocol.Command, c Codec) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.codecs[cmd] = c
}

// OnPush registers the handler for a server-initiated command. Handlers
// are resolved at construction time; there is no dynamic subscription.
func (b *ServiceBus) OnPush(cmd protocol.Command, h func(protocol.Response)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.push[cmd] = h
}

// Send issues one correlated round trip. The reply slice is empty on
// encode failure, transport failure, or timeout; callers treat all three
// identically.
func (b *ServiceBus) Send(ctx context.Context, req protocol.Request) []protocol.Response {
	b.mu.Lock()
	codec, ok := b.codecs[req.Command()]
	b.mu.Unlock()
	if !ok {
		logger.ErrorCF("bus", "no codec registered", map[string]any{"command": string(req.Command())})
		return nil
	}

	payload, err := codec.Encode(req, b.store)
	if err != nil {
		logger.ErrorCF("bus", "encode failed", map[string]any{
			"command": string(req.Command()),
			"error":   err.Error(),
		})
		return nil
	}

	seq := b.store.NextSequence()
	ch := make(chan protocol.Response, 1)
	b.mu.Lock()
	b.pending[seq] = ch
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.pending, seq)
		b.mu.Unlock()
	}()

	if err := b.sender.Send(MarshalFrame(Frame{Seq: seq, Cmd: req.Command(), Payload: payload})); err != nil {
		logger.WarnCF("bus", "send failed", map[string]any{
			"command": string(req.Command()),
			"error":   err.Error(),
		})
		return nil
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return []protocol.Response{resp}
	case <-timer.C:
		logger.WarnCF("bus", "request timed out", map[string]any{
			"command": string(req.Command()),
			"seq":     seq,
		})
		return nil
	case <-ctx.Done():
		return nil
	}
}

// Push sends a fire-and-forget request. Failures are logged and dropped.
func (b *ServiceBus) Push(req protocol.Request) {
	b.mu.Lock()
	codec, ok := b.codecs[req.Command()]
	b.mu.Unlock()
	if !ok {
		logger.ErrorCF("bus", "no codec registered", map[string]any{"command": string(req.Command())})
		return
	}

	payload, err := codec.Encode(req, b.store)
	if err != nil {
		logger.WarnCF("bus", "push encode failed", map[string]any{
			"command": string(req.Command()),
			"error":   err.Error(),
		})
		return
	}

	seq := b.store.NextSequence()
	if err := b.sender.Send(MarshalFrame(Frame{Seq: seq, Cmd: req.Command(), Payload: payload})); err != nil {
		logger.DebugCF("bus", "push dropped", map[string]any{
			"command": string(req.Command()),
			"error":   err.Error(),
		})
	}
}

// HandleRaw decodes one inbound frame and routes it: a correlated reply
// wakes its waiter, a registered push command runs its handler, anything
// else is logged and dropped.
func (b *ServiceBus) HandleRaw(data []byte) {
	frame, err := UnmarshalFrame(data)
	if err != nil {
		logger.WarnCF("bus", "bad inbound frame", map[string]any{"error": err.Error()})
		return
	}

	b.mu.Lock()
	codec, hasCodec := b.codecs[frame.Cmd]
	b.mu.Unlock()
	if !hasCodec {
		logger.DebugCF("bus", "inbound frame without codec", map[string]any{"command": string(frame.Cmd)})
		return
	}

	resp, err := codec.Decode(frame.Payload, b.store)
	if err != nil {
		logger.WarnCF("bus", "decode failed", map[string]any{
			"command": string(frame.Cmd),
			"error":   err.Error(),
		})
		return
	}

	b.mu.Lock()
	waiter, isReply := b.pending[frame.Seq]
	handler, isPush := b.push[frame.Cmd]
	b.mu.Unlock()

	switch {
	case isReply:
		select {
		case waiter <- resp:
		default:
		}
	case isPush:
		handler(resp)
	default:
		logger.DebugCF("bus", "unroutable inbound frame", map[string]any{
			"command": string(frame.Cmd),
			"seq":     frame.Seq,
		})
	}
}
