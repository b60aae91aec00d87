// Package client assembles transport, bus, scheduler, event invoker and
// the login orchestrator into one QQ NT client.
package client

import (
	"context"
	"time"

	"github.com/MuuuShin/lagrange-go/pkg/bus"
	"github.com/MuuuShin/lagrange-go/pkg/config"
	"github.com/MuuuShin/lagrange-go/pkg/event"
	"github.com/MuuuShin/lagrange-go/pkg/login"
	"github.com/MuuuShin/lagrange-go/pkg/logger"
	"github.com/MuuuShin/lagrange-go/pkg/protocol"
	"github.com/MuuuShin/lagrange-go/pkg/scheduler"
	"github.com/MuuuShin/lagrange-go/pkg/session"
	"github.com/MuuuShin/lagrange-go/pkg/store"
	"github.com/MuuuShin/lagrange-go/pkg/transport"
)

type Client struct {
	cfg      *config.Config
	store    *session.Store
	keystore *store.Keystore
	sched    *scheduler.Scheduler
	invoker  *event.Invoker
	tr       *transport.WSTransport
	bus      *bus.ServiceBus
	login    *login.WtExchange
}

// New wires a client from config. The keystore is opened eagerly so a
// cached credential from a previous run can drive fast login.
func New(cfg *config.Config) (*Client, error) {
	ks, err := store.Open(cfg.Keystore)
	if err != nil {
		return nil, err
	}
	st, err := ks.Load(context.Background())
	if err != nil {
		ks.Close()
		return nil, err
	}

	tr := transport.NewWSTransport(transport.Config{URL: cfg.Gateway.URL})
	b := bus.New(tr, st, bus.WithSendTimeout(time.Duration(cfg.Gateway.TimeoutSeconds)*time.Second))
	tr.OnFrame(b.HandleRaw)
	tr.OnDisconnect(func(err error) {
		logger.WarnCF("client", "transport disconnected", map[string]any{"error": err.Error()})
	})

	sched := scheduler.New()
	inv := event.NewInvoker()

	wt := login.NewWtExchange(tr, b, sched, inv, st, login.Options{
		AppID:   cfg.App.AppID,
		FaceURL: cfg.QRFaceURL,
	})
	b.OnPush(protocol.CmdKick, wt.HandleKick)

	return &Client{
		cfg:      cfg,
		store:    st,
		keystore: ks,
		sched:    sched,
		invoker:  inv,
		tr:       tr,
		bus:      b,
		login:    wt,
	}, nil
}

// RegisterCodec binds a wire codec on the underlying bus.
func (c *Client) RegisterCodec(cmd protocol.Command, codec bus.Codec) {
	c.bus.RegisterCodec(cmd, codec)
}

// OnEvent subscribes a lifecycle handler. Registration happens at setup
// time, before any login flow starts.
func (c *Client) OnEvent(kind event.Kind, h event.Handler) {
	c.invoker.On(kind, h)
}

// Session exposes the mutable session state shared with codecs.
func (c *Client) Session() *session.Store {
	return c.store
}

func (c *Client) FetchQRCode(ctx context.Context) (string, []byte, error) {
	return c.login.FetchQRCode(ctx)
}

func (c *Client) LoginByQRCode(ctx context.Context) error {
	if err := c.login.LoginByQRCode(ctx); err != nil {
		return err
	}
	return c.saveKeystore(ctx)
}

func (c *Client) LoginByPassword(ctx context.Context) error {
	if err := c.login.LoginByPassword(ctx); err != nil {
		return err
	}
	return c.saveKeystore(ctx)
}

func (c *Client) SubmitCaptcha(ticket, randStr string) bool {
	return c.login.SubmitCaptcha(ticket, randStr)
}

func (c *Client) saveKeystore(ctx context.Context) error {
	if err := c.keystore.Save(ctx, c.store); err != nil {
		logger.WarnCF("client", "failed to save keystore", map[string]any{"error": err.Error()})
		return err
	}
	return nil
}

// Close releases the connection, timers and keystore.
func (c *Client) Close() error {
	c.sched.Dispose()
	c.tr.Close()
	return c.keystore.Close()
}
