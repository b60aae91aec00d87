package login

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MuuuShin/lagrange-go/pkg/event"
	"github.com/MuuuShin/lagrange-go/pkg/protocol"
	"github.com/MuuuShin/lagrange-go/pkg/scheduler"
	"github.com/MuuuShin/lagrange-go/pkg/session"
)

type fakeTransport struct {
	mu        sync.Mutex
	connectOK bool
	connected bool
	connects  int
}

func (f *fakeTransport) Connect(_ context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if !f.connectOK {
		return false
	}
	f.connected = true
	return true
}

func (f *fakeTransport) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

type fakeBus struct {
	mu      sync.Mutex
	handler func(protocol.Request) []protocol.Response
	sent    []protocol.Request
	pushed  []protocol.Request
}

func (f *fakeBus) Send(_ context.Context, req protocol.Request) []protocol.Response {
	f.mu.Lock()
	f.sent = append(f.sent, req)
	handler := f.handler
	f.mu.Unlock()
	if handler == nil {
		return nil
	}
	return handler(req)
}

func (f *fakeBus) Push(req protocol.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, req)
}

func (f *fakeBus) countSent(cmd protocol.Command) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.sent {
		if req.Command() == cmd {
			n++
		}
	}
	return n
}

func (f *fakeBus) countPushed(cmd protocol.Command) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.pushed {
		if req.Command() == cmd {
			n++
		}
	}
	return n
}

// fakeScheduler records timers without running them; tests drive ticks
// by hand.
type fakeScheduler struct {
	mu       sync.Mutex
	timers   map[scheduler.Key]func()
	canceled []scheduler.Key
	disposed bool
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{timers: make(map[scheduler.Key]func())}
}

func (f *fakeScheduler) Interval(key scheduler.Key, _ time.Duration, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.disposed {
		return
	}
	f.timers[key] = fn
}

func (f *fakeScheduler) Cancel(key scheduler.Key) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.timers, key)
	f.canceled = append(f.canceled, key)
}

func (f *fakeScheduler) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timers = make(map[scheduler.Key]func())
	f.disposed = true
}

func (f *fakeScheduler) active(key scheduler.Key) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.timers[key]
	return ok
}

func (f *fakeScheduler) tick(key scheduler.Key) bool {
	f.mu.Lock()
	fn, ok := f.timers[key]
	f.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

func (f *fakeScheduler) isDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

type eventRecorder struct {
	mu     sync.Mutex
	events []event.Event
}

func (r *eventRecorder) record(e event.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) kinds() []event.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]event.Kind, len(r.events))
	for i, e := range r.events {
		kinds[i] = e.Kind()
	}
	return kinds
}

type fixture struct {
	wt     *WtExchange
	tr     *fakeTransport
	bus    *fakeBus
	sched  *fakeScheduler
	inv    *event.Invoker
	store  *session.Store
	events *eventRecorder
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	tr := &fakeTransport{connectOK: true}
	b := &fakeBus{}
	sched := newFakeScheduler()
	inv := event.NewInvoker()
	st := session.NewStore()

	rec := &eventRecorder{}
	inv.On(event.KindOnline, rec.record)
	inv.On(event.KindOffline, rec.record)
	inv.On(event.KindCaptchaRequired, rec.record)

	return &fixture{
		wt:     NewWtExchange(tr, b, sched, inv, st, opts),
		tr:     tr,
		bus:    b,
		sched:  sched,
		inv:    inv,
		store:  st,
		events: rec,
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal(msg)
}

func qrFetchResponse() []protocol.Response {
	return []protocol.Response{&protocol.TransEmpResponse{
		QrSig:      "qr-token",
		Signature:  []byte{0xaa},
		URL:        "https://qr.example/login",
		Image:      []byte{0x89, 0x50},
		Expiration: 120,
	}}
}

func ntResponse(cmd protocol.Command, code protocol.ResultCode) []protocol.Response {
	return []protocol.Response{&protocol.NTLoginResponse{Cmd: cmd, Code: code}}
}

func TestFetchQRCode(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		if emp, ok := req.(*protocol.TransEmpRequest); ok && emp.Phase == protocol.TransEmpFetch {
			return qrFetchResponse()
		}
		return nil
	}

	url, image, err := f.wt.FetchQRCode(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://qr.example/login", url)
	assert.Equal(t, []byte{0x89, 0x50}, image)

	assert.Equal(t, "qr-token", f.store.QrSig)
	assert.Equal(t, []byte{0xaa}, f.store.QrSign)
	assert.Equal(t, url, f.store.QrURL)

	// The keep-alive heartbeat is armed and pushes on tick.
	require.True(t, f.sched.active(keyAlive))
	f.sched.tick(keyAlive)
	assert.Equal(t, 1, f.bus.countPushed(protocol.CmdAlive))
}

func TestFetchQRCodeConnectFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.connectOK = false

	_, _, err := f.wt.FetchQRCode(context.Background())
	assert.ErrorIs(t, err, ErrConnectFailed)
	assert.Zero(t, f.bus.countSent(protocol.CmdTransEmp))
}

func TestFetchQRCodeEmptyResponseKeepsHeartbeat(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.handler = func(protocol.Request) []protocol.Response { return nil }

	_, _, err := f.wt.FetchQRCode(context.Background())
	assert.ErrorIs(t, err, ErrEmptyResponse)
	// Keep-alive is independent of the fetch outcome.
	assert.True(t, f.sched.active(keyAlive))
}

// Polling without a prior fetch resolves the flow as failed through the
// same completion channel instead of panicking.
func TestQueryBeforeFetchResolvesFalse(t *testing.T) {
	f := newFixture(t, Options{})

	errCh := make(chan error, 1)
	go func() { errCh <- f.wt.LoginByQRCode(context.Background()) }()
	waitFor(t, func() bool { return f.sched.active(keyLoginQuery) }, "query poll never armed")

	f.sched.tick(keyLoginQuery)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLoginFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("login never resolved")
	}
	assert.Zero(t, f.bus.countSent(protocol.CmdTransEmp))
}

func TestQRPollKeepsRunningWhileWaiting(t *testing.T) {
	for _, state := range []protocol.QRState{protocol.QRWaitingForScan, protocol.QRWaitingForConfirm} {
		t.Run(state.String(), func(t *testing.T) {
			f := newFixture(t, Options{})
			f.store.QrSig = "qr-token"
			f.bus.handler = func(req protocol.Request) []protocol.Response {
				return []protocol.Response{&protocol.TransEmpResponse{State: state}}
			}

			go f.wt.LoginByQRCode(context.Background())
			waitFor(t, func() bool { return f.sched.active(keyLoginQuery) }, "query poll never armed")

			f.sched.tick(keyLoginQuery)

			assert.True(t, f.sched.active(keyLoginQuery), "poll must stay armed")
			assert.False(t, f.wt.qrDone.Resolved())
		})
	}
}

func TestQRPollTerminalFailureStates(t *testing.T) {
	for _, state := range []protocol.QRState{protocol.QRCodeExpired, protocol.QRCanceled} {
		t.Run(state.String(), func(t *testing.T) {
			f := newFixture(t, Options{})
			f.store.QrSig = "qr-token"
			f.bus.handler = func(req protocol.Request) []protocol.Response {
				return []protocol.Response{&protocol.TransEmpResponse{State: state}}
			}

			errCh := make(chan error, 1)
			go func() { errCh <- f.wt.LoginByQRCode(context.Background()) }()
			waitFor(t, func() bool { return f.sched.active(keyLoginQuery) }, "query poll never armed")

			f.sched.tick(keyLoginQuery)

			select {
			case err := <-errCh:
				assert.ErrorIs(t, err, ErrLoginFailed)
			case <-time.After(2 * time.Second):
				t.Fatal("login never resolved")
			}
			assert.False(t, f.sched.active(keyLoginQuery))
			assert.True(t, f.sched.isDisposed(), "scheduler must be fully disposed")
		})
	}
}

func TestQRLoginConfirmed(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		switch r := req.(type) {
		case *protocol.TransEmpRequest:
			if r.Phase == protocol.TransEmpFetch {
				return qrFetchResponse()
			}
			return []protocol.Response{&protocol.TransEmpResponse{
				State:        protocol.QRConfirmed,
				TgtgtKey:     []byte("tgtgt"),
				TempPassword: []byte("temp"),
				NoPicSig:     []byte("nopic"),
			}}
		case *protocol.WtLoginRequest:
			return []protocol.Response{&protocol.WtLoginResponse{Name: "user", Sex: 1, Age: 20}}
		case *protocol.StatusRegisterRequest:
			return []protocol.Response{&protocol.StatusRegisterResponse{Message: "register success"}}
		}
		return nil
	}

	_, _, err := f.wt.FetchQRCode(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- f.wt.LoginByQRCode(context.Background()) }()
	waitFor(t, func() bool { return f.sched.active(keyLoginQuery) }, "query poll never armed")

	f.sched.tick(keyLoginQuery)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("login never resolved")
	}

	// Secrets from the confirmation are stored before the handshake.
	assert.Equal(t, []byte("tgtgt"), f.store.TgtgtKey)
	assert.Equal(t, []byte("temp"), f.store.TempPassword)
	assert.Equal(t, []byte("nopic"), f.store.NoPicSig)
	require.NotNil(t, f.store.Info)
	assert.Equal(t, "user", f.store.Info.Name)

	// The online event fired before the flow resolved, the poll was
	// canceled, and the post-login heartbeat plus info sync ran.
	assert.Equal(t, []event.Kind{event.KindOnline}, f.events.kinds())
	assert.False(t, f.sched.active(keyLoginQuery))
	assert.True(t, f.sched.active(keySsoAlive))
	assert.Equal(t, 1, f.bus.countPushed(protocol.CmdInfoSync))
}

// A confirmed tick without secrets cancels the poll but leaves the
// completion pending: the flow parks until the caller's context ends.
func TestQRConfirmedWithoutSecretsParksFlow(t *testing.T) {
	f := newFixture(t, Options{})
	f.store.QrSig = "qr-token"
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		return []protocol.Response{&protocol.TransEmpResponse{State: protocol.QRConfirmed}}
	}

	go f.wt.LoginByQRCode(context.Background())
	waitFor(t, func() bool { return f.sched.active(keyLoginQuery) }, "query poll never armed")

	f.sched.tick(keyLoginQuery)

	assert.False(t, f.sched.active(keyLoginQuery), "poll must be canceled")
	assert.False(t, f.wt.qrDone.Resolved(), "completion must stay pending")
	assert.Zero(t, f.bus.countSent(protocol.CmdWtLogin))
}

func TestSequenceResetOnHandshake(t *testing.T) {
	f := newFixture(t, Options{})
	var seqAtHandshake uint32 = 99
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		switch req.(type) {
		case *protocol.WtLoginRequest:
			seqAtHandshake = f.store.Sequence()
			return []protocol.Response{&protocol.WtLoginResponse{Name: "user"}}
		case *protocol.StatusRegisterRequest:
			return []protocol.Response{&protocol.StatusRegisterResponse{Message: "ok"}}
		}
		return nil
	}

	for i := 0; i < 5; i++ {
		f.store.NextSequence()
	}
	require.True(t, f.wt.doWtLogin(context.Background()))
	assert.Equal(t, uint32(0), seqAtHandshake)

	// A second handshake resets again, independent of history.
	for i := 0; i < 3; i++ {
		f.store.NextSequence()
	}
	require.True(t, f.wt.doWtLogin(context.Background()))
	assert.Equal(t, uint32(0), seqAtHandshake)
}

func TestPasswordLoginFastPathSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.connected = true
	f.store.ExchangeKey = []byte("exchange")
	f.store.TempPassword = []byte("cached")
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		switch req.(type) {
		case *protocol.EasyLoginRequest:
			return ntResponse(protocol.CmdEasyLogin, protocol.Success)
		case *protocol.StatusRegisterRequest:
			return []protocol.Response{&protocol.StatusRegisterResponse{Message: "ok"}}
		}
		return nil
	}

	require.NoError(t, f.wt.LoginByPassword(context.Background()))

	// Only the fast path was exercised.
	assert.Equal(t, 1, f.bus.countSent(protocol.CmdEasyLogin))
	assert.Zero(t, f.bus.countSent(protocol.CmdPasswordLogin))
	assert.Equal(t, []event.Kind{event.KindOnline}, f.events.kinds())
}

func TestPasswordLoginFastPathDowngrade(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.connected = true
	f.store.ExchangeKey = []byte("exchange")
	f.store.TempPassword = []byte("cached")

	var tempAtSlowPath []byte = []byte("sentinel")
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		switch req.(type) {
		case *protocol.EasyLoginRequest:
			return ntResponse(protocol.CmdEasyLogin, protocol.TokenExpired)
		case *protocol.PasswordLoginRequest:
			tempAtSlowPath = f.store.TempPassword
			return ntResponse(protocol.CmdPasswordLogin, protocol.Success)
		case *protocol.StatusRegisterRequest:
			return []protocol.Response{&protocol.StatusRegisterResponse{Message: "ok"}}
		}
		return nil
	}

	require.NoError(t, f.wt.LoginByPassword(context.Background()))

	// Exactly one downgrade: the cleared credential removes the fast-path
	// branch for the rest of the session.
	assert.Equal(t, 1, f.bus.countSent(protocol.CmdEasyLogin))
	assert.Equal(t, 1, f.bus.countSent(protocol.CmdPasswordLogin))
	assert.Nil(t, tempAtSlowPath, "credential must be cleared before the slow path")
}

func TestPasswordLoginKeyExchangeFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.connected = true
	f.bus.handler = func(protocol.Request) []protocol.Response { return nil }

	assert.ErrorIs(t, f.wt.LoginByPassword(context.Background()), ErrKeyExchange)
	assert.Equal(t, 1, f.bus.countSent(protocol.CmdKeyExchange))
}

func TestPasswordLoginFatalCodeTearsDownSession(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.connected = true
	f.store.ExchangeKey = []byte("exchange")
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		if _, ok := req.(*protocol.PasswordLoginRequest); ok {
			return []protocol.Response{&protocol.NTLoginResponse{
				Cmd:     protocol.CmdPasswordLogin,
				Code:    protocol.LoginFailure,
				Tag:     "rejected",
				Message: "account locked",
			}}
		}
		return nil
	}

	assert.ErrorIs(t, f.wt.LoginByPassword(context.Background()), ErrLoginFailed)
	assert.True(t, f.inv.Disposed(), "fatal code must tear down the event pipeline")
}

func TestPasswordLoginCaptchaFlow(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.connected = true
	f.store.ExchangeKey = []byte("exchange")
	f.store.CaptchaURL = "https://captcha.example/verify?chain=a&sid=12345&next=b"

	var captchaAtRetry *session.Captcha
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		switch req.(type) {
		case *protocol.PasswordLoginRequest:
			if f.store.Captcha == nil {
				return ntResponse(protocol.CmdPasswordLogin, protocol.CaptchaVerify)
			}
			captchaAtRetry = f.store.Captcha
			return ntResponse(protocol.CmdPasswordLogin, protocol.Success)
		case *protocol.StatusRegisterRequest:
			return []protocol.Response{&protocol.StatusRegisterResponse{Message: "ok"}}
		}
		return nil
	}

	captchaURL := make(chan string, 1)
	f.inv.On(event.KindCaptchaRequired, func(e event.Event) {
		captchaURL <- e.(event.CaptchaRequired).URL
	})

	errCh := make(chan error, 1)
	go func() { errCh <- f.wt.LoginByPassword(context.Background()) }()

	select {
	case url := <-captchaURL:
		assert.Equal(t, f.store.CaptchaURL, url)
	case <-time.After(2 * time.Second):
		t.Fatal("captcha event never fired")
	}

	// The challenge may not be installed yet when the event observer
	// runs; submit until the pending completion accepts it.
	waitFor(t, func() bool { return f.wt.SubmitCaptcha("T", "R") }, "captcha never accepted")

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("login never resolved")
	}

	assert.Equal(t, 2, f.bus.countSent(protocol.CmdPasswordLogin))
	require.NotNil(t, captchaAtRetry)
	assert.Equal(t, "T", captchaAtRetry.Ticket)
	assert.Equal(t, "R", captchaAtRetry.RandStr)
	assert.Equal(t, "12345", captchaAtRetry.Aid)

	// A second submission after resolution is a no-op and leaves the
	// stored material untouched.
	assert.False(t, f.wt.SubmitCaptcha("X", "Y"))
	assert.Equal(t, "T", f.store.Captcha.Ticket)
	assert.Equal(t, "R", f.store.Captcha.RandStr)
}

func TestSubmitCaptchaWithoutChallenge(t *testing.T) {
	f := newFixture(t, Options{})
	assert.False(t, f.wt.SubmitCaptcha("T", "R"))
}

func TestPasswordLoginCaptchaWithoutURL(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.connected = true
	f.store.ExchangeKey = []byte("exchange")
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		if _, ok := req.(*protocol.PasswordLoginRequest); ok {
			return ntResponse(protocol.CmdPasswordLogin, protocol.CaptchaVerify)
		}
		return nil
	}

	assert.ErrorIs(t, f.wt.LoginByPassword(context.Background()), ErrLoginFailed)
	assert.Equal(t, 1, f.bus.countSent(protocol.CmdPasswordLogin))
}

// An endless captcha loop is cut off by the pass budget instead of
// recursing forever.
func TestPasswordLoginRetryBudget(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.connected = true
	f.store.ExchangeKey = []byte("exchange")
	f.store.CaptchaURL = "https://captcha.example/verify?sid=1"
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		if _, ok := req.(*protocol.PasswordLoginRequest); ok {
			return ntResponse(protocol.CmdPasswordLogin, protocol.CaptchaVerify)
		}
		return nil
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				f.wt.SubmitCaptcha("T", "R")
				time.Sleep(time.Millisecond)
			}
		}
	}()

	errCh := make(chan error, 1)
	go func() { errCh <- f.wt.LoginByPassword(context.Background()) }()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrLoginFailed)
	case <-time.After(5 * time.Second):
		t.Fatal("login never gave up")
	}
	assert.Equal(t, maxLoginPasses, f.bus.countSent(protocol.CmdPasswordLogin))
}

func TestFastPathUnusualVerifyAwaitsConfirmation(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.connected = true
	f.store.ExchangeKey = []byte("exchange")
	f.store.TempPassword = []byte("cached")

	var queried bool
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		switch r := req.(type) {
		case *protocol.EasyLoginRequest:
			return ntResponse(protocol.CmdEasyLogin, protocol.UnusualVerify)
		case *protocol.TransEmpRequest:
			if r.Phase == protocol.TransEmpFetch {
				return []protocol.Response{&protocol.TransEmpResponse{}}
			}
			queried = true
			return []protocol.Response{&protocol.TransEmpResponse{
				State:        protocol.QRConfirmed,
				TempPassword: []byte("renewed"),
			}}
		case *protocol.UnusualLoginRequest:
			return []protocol.Response{&protocol.UnusualLoginResponse{Success: true}}
		case *protocol.StatusRegisterRequest:
			return []protocol.Response{&protocol.StatusRegisterResponse{Message: "ok"}}
		}
		return nil
	}

	errCh := make(chan error, 1)
	go func() { errCh <- f.wt.LoginByPassword(context.Background()) }()
	waitFor(t, func() bool { return f.sched.active(keyLoginQuery) }, "unusual poll never armed")

	// The fast path blocks until the confirmation poll resolves.
	select {
	case <-errCh:
		t.Fatal("fast path must await the confirmation")
	case <-time.After(30 * time.Millisecond):
	}

	f.sched.tick(keyLoginQuery)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("login never resolved")
	}
	assert.True(t, queried)
	assert.Equal(t, []byte("renewed"), f.store.TempPassword)
	assert.Equal(t, []event.Kind{event.KindOnline}, f.events.kinds())
}

// The slow path returns as soon as the confirmation poll is armed; the
// outcome is observed through the unusual completion. Intentional
// asymmetry with the fast path.
func TestSlowPathUnusualVerifyReturnsImmediately(t *testing.T) {
	f := newFixture(t, Options{})
	f.tr.connected = true
	f.store.ExchangeKey = []byte("exchange")
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		switch r := req.(type) {
		case *protocol.PasswordLoginRequest:
			return ntResponse(protocol.CmdPasswordLogin, protocol.UnusualVerify)
		case *protocol.TransEmpRequest:
			if r.Phase == protocol.TransEmpFetch {
				return []protocol.Response{&protocol.TransEmpResponse{}}
			}
		}
		return nil
	}

	require.NoError(t, f.wt.LoginByPassword(context.Background()))
	assert.True(t, f.sched.active(keyLoginQuery), "confirmation poll must be armed")
	assert.False(t, f.wt.unusualDone.Resolved())
}

func TestUnusualPollTerminalFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		return []protocol.Response{&protocol.TransEmpResponse{State: protocol.QRCodeExpired}}
	}

	f.wt.armUnusualQuery()
	f.sched.tick(keyLoginQuery)

	v, err := f.wt.unusualDone.Wait(context.Background())
	require.NoError(t, err)
	assert.False(t, v)
	assert.True(t, f.sched.isDisposed())
}

func TestHandleKick(t *testing.T) {
	f := newFixture(t, Options{KickGrace: 30 * time.Millisecond})
	f.sched.Interval(keyAlive, time.Second, func() {})

	f.wt.HandleKick(&protocol.KickEvent{Tag: "kicked", Message: "logged in elsewhere"})

	// The grace period is observable: nothing fires immediately.
	assert.Empty(t, f.events.kinds())
	assert.False(t, f.sched.isDisposed())

	waitFor(t, func() bool { return len(f.events.kinds()) == 1 }, "offline event never fired")

	f.events.mu.Lock()
	offline := f.events.events[0].(event.Offline)
	f.events.mu.Unlock()
	assert.Equal(t, "kicked", offline.Tag)
	assert.Equal(t, "logged in elsewhere", offline.Message)

	assert.True(t, f.sched.isDisposed(), "every poll must be torn down")
	assert.False(t, f.sched.active(keyAlive))
}

func TestUinLookupEnrichment(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{"uin": 123456})
	}))
	defer srv.Close()

	f := newFixture(t, Options{AppID: 1600001615, FaceURL: srv.URL})
	f.store.QrSig = "qr-token"
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		return []protocol.Response{&protocol.TransEmpResponse{State: protocol.QRWaitingForScan}}
	}

	f.wt.queryQRState(context.Background())

	assert.Equal(t, uint32(123456), f.store.Uin)
	assert.Equal(t, float64(1600001615), gotBody["app_id"])
	assert.Equal(t, "qr-token", gotBody["qr_token"])
	assert.Equal(t, float64(0), gotBody["face_update_time"])
}

func TestUinLookupFailureIsSwallowed(t *testing.T) {
	f := newFixture(t, Options{FaceURL: "http://127.0.0.1:1/nothing"})
	f.store.QrSig = "qr-token"
	f.bus.handler = func(req protocol.Request) []protocol.Response {
		return []protocol.Response{&protocol.TransEmpResponse{State: protocol.QRWaitingForScan}}
	}

	f.wt.queryQRState(context.Background())
	assert.Zero(t, f.store.Uin)
}

func TestCaptchaAid(t *testing.T) {
	assert.Equal(t, "12345", captchaAid("https://c.example/v?x=1&sid=12345&y=2"))
	assert.Equal(t, "", captchaAid("https://c.example/v?x=1"))
	assert.Equal(t, "", captchaAid("://bad"))
}
