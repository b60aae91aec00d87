// Package login drives every path from "unauthenticated" to "online":
// QR login, password login, fast login on a cached credential, captcha
// challenges, and out-of-band unusual-login verification.
package login

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/MuuuShin/lagrange-go/pkg/event"
	"github.com/MuuuShin/lagrange-go/pkg/logger"
	"github.com/MuuuShin/lagrange-go/pkg/protocol"
	"github.com/MuuuShin/lagrange-go/pkg/scheduler"
	"github.com/MuuuShin/lagrange-go/pkg/session"
)

const tag = "wtexchange"

// Timer identities owned by this package. The login query key is shared
// by the QR and unusual flows, which never run concurrently.
const (
	keyAlive      scheduler.Key = "heartbeat.alive"
	keySsoAlive   scheduler.Key = "heartbeat.sso"
	keyLoginQuery scheduler.Key = "wtlogin.query"
)

const (
	aliveInterval    = 10 * time.Second
	ssoAliveInterval = 270 * time.Second
	queryInterval    = 2 * time.Second
	defaultKickGrace = 5 * time.Second

	// maxLoginPasses caps the password-login retry loop. Each retrying
	// pass strips its own precondition (cached credential cleared,
	// captcha material stored), so the cap is never reached by the
	// modeled flows; it guards against remote behavior changes.
	maxLoginPasses = 4
)

var (
	ErrConnectFailed = errors.New("failed to connect to server")
	ErrEmptyResponse = errors.New("server returned no response")
	ErrKeyExchange   = errors.New("key exchange failed")
	ErrLoginFailed   = errors.New("login failed")
)

// Transport is the connection surface the orchestrator needs.
type Transport interface {
	Connect(ctx context.Context) bool
	Connected() bool
}

// RequestBus issues correlated round trips and fire-and-forget pushes.
// An empty reply slice means failure or timeout; no retry is implied.
type RequestBus interface {
	Send(ctx context.Context, req protocol.Request) []protocol.Response
	Push(req protocol.Request)
}

// Scheduler is the named periodic timer registry.
type Scheduler interface {
	Interval(key scheduler.Key, period time.Duration, fn func())
	Cancel(key scheduler.Key)
	Dispose()
}

type Options struct {
	// AppID is sent with the QR face lookup.
	AppID int
	// FaceURL is the HTTP endpoint resolving a QR token to an account id.
	FaceURL string
	// HTTPClient overrides the client used for the face lookup.
	HTTPClient *http.Client
	// KickGrace overrides the delay between a forced-disconnect
	// notification and the offline event. Zero keeps the 5s contract.
	KickGrace time.Duration
}

type captchaInput struct {
	ticket  string
	randStr string
}

// WtExchange is the session-establishment orchestrator. One instance
// serves one client's login lifecycle.
type WtExchange struct {
	transport Transport
	bus       RequestBus
	sched     Scheduler
	invoker   *event.Invoker
	store     *session.Store

	appID     int
	faceURL   string
	httpc     *http.Client
	kickGrace time.Duration

	qrDone      *session.Completion[bool]
	unusualDone *session.Completion[bool]

	captchaMu sync.Mutex
	captcha   *session.Completion[captchaInput]
}

func NewWtExchange(tr Transport, b RequestBus, sched Scheduler, inv *event.Invoker, st *session.Store, opts Options) *WtExchange {
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 10 * time.Second}
	}
	grace := opts.KickGrace
	if grace == 0 {
		grace = defaultKickGrace
	}
	return &WtExchange{
		transport:   tr,
		bus:         b,
		sched:       sched,
		invoker:     inv,
		store:       st,
		appID:       opts.AppID,
		faceURL:     opts.FaceURL,
		httpc:       httpc,
		kickGrace:   grace,
		qrDone:      session.NewCompletion[bool](),
		unusualDone: session.NewCompletion[bool](),
	}
}

// FetchQRCode connects, arms the keep-alive heartbeat, and requests a
// fresh QR code. The heartbeat stays armed even when the fetch itself
// fails; keeping the connection alive is independent of login outcome.
func (w *WtExchange) FetchQRCode(ctx context.Context) (string, []byte, error) {
	logger.InfoC(tag, "connecting to server")
	if !w.transport.Connect(ctx) {
		return "", nil, ErrConnectFailed
	}
	w.armAliveHeartbeat()

	resp := w.bus.Send(ctx, &protocol.TransEmpRequest{Phase: protocol.TransEmpFetch})
	if len(resp) == 0 {
		return "", nil, ErrEmptyResponse
	}
	emp, ok := resp[0].(*protocol.TransEmpResponse)
	if !ok {
		return "", nil, ErrEmptyResponse
	}

	w.store.QrSig = emp.QrSig
	w.store.QrSign = emp.Signature
	w.store.QrURL = emp.URL

	logger.InfoCF(tag, "QR code fetched", map[string]any{"expiration": emp.Expiration})
	return emp.URL, emp.Image, nil
}

// LoginByQRCode arms the QR state poll and blocks until the flow
// concludes. FetchQRCode must have been called first; polling without a
// token resolves the flow as failed rather than erroring distinctly.
func (w *WtExchange) LoginByQRCode(ctx context.Context) error {
	w.sched.Interval(keyLoginQuery, queryInterval, func() {
		w.queryQRState(context.Background())
	})

	ok, err := w.qrDone.Wait(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return ErrLoginFailed
	}
	return nil
}

// LoginByPassword runs the password flow, downgrading from the cached
// credential fast path and retrying through captcha challenges. Each
// retrying pass removes the condition that routed it, so the loop is
// bounded without relying on recursion depth.
func (w *WtExchange) LoginByPassword(ctx context.Context) error {
	for pass := 0; pass < maxLoginPasses; pass++ {
		if !w.transport.Connected() {
			if !w.transport.Connect(ctx) {
				return ErrConnectFailed
			}
			w.armAliveHeartbeat()
		}

		if len(w.store.ExchangeKey) == 0 {
			if !w.keyExchange(ctx) {
				logger.InfoC(tag, "key exchange failed, please try again later")
				return ErrKeyExchange
			}
		}

		var (
			retry bool
			err   error
		)
		if len(w.store.TempPassword) != 0 {
			retry, err = w.easyLoginPass(ctx)
		} else {
			retry, err = w.passwordLoginPass(ctx)
		}
		if !retry {
			return err
		}
	}

	logger.WarnC(tag, "login retry budget exhausted")
	return ErrLoginFailed
}

// easyLoginPass tries the cached-credential fast path. retry reports
// that the caller should run another pass (after the credential was
// cleared to force the slow path).
func (w *WtExchange) easyLoginPass(ctx context.Context) (retry bool, err error) {
	logger.InfoC(tag, "trying fast login")
	resp := w.bus.Send(ctx, &protocol.EasyLoginRequest{})
	if len(resp) == 0 {
		return false, ErrEmptyResponse
	}
	r, ok := resp[0].(*protocol.NTLoginResponse)
	if !ok {
		return false, ErrEmptyResponse
	}

	switch r.Code {
	case protocol.Success:
		logger.InfoC(tag, "login succeeded")
		w.botOnline(ctx)
		return false, nil

	case protocol.UnusualVerify:
		logger.InfoC(tag, "login needs out-of-band verification")
		if !w.fetchUnusual(ctx) {
			logger.InfoC(tag, "failed to dispatch verification request")
			return false, ErrLoginFailed
		}
		w.armUnusualQuery()

		confirmed, werr := w.unusualDone.Wait(ctx)
		if werr != nil {
			return false, werr
		}
		if !confirmed {
			return false, ErrLoginFailed
		}
		w.botOnline(ctx)
		return false, nil

	default:
		logger.WarnCF(tag, "fast login failed, falling back to password login", map[string]any{
			"code": r.Code.String(),
		})
		w.store.TempPassword = nil
		return true, nil
	}
}

// passwordLoginPass runs the slow path once. retry reports that captcha
// material was collected and the login should be replayed.
func (w *WtExchange) passwordLoginPass(ctx context.Context) (retry bool, err error) {
	logger.InfoC(tag, "trying password login")
	resp := w.bus.Send(ctx, &protocol.PasswordLoginRequest{})
	if len(resp) == 0 {
		return false, ErrEmptyResponse
	}
	r, ok := resp[0].(*protocol.NTLoginResponse)
	if !ok {
		return false, ErrEmptyResponse
	}

	switch r.Code {
	case protocol.Success:
		logger.InfoC(tag, "login succeeded")
		w.botOnline(ctx)
		return false, nil

	case protocol.UnusualVerify:
		// Unlike the fast path, this branch returns as soon as the
		// confirmation poll is armed; the outcome is observed through
		// the unusual completion, not this call.
		logger.InfoC(tag, "login needs out-of-band verification")
		w.fetchUnusual(ctx)
		w.armUnusualQuery()
		return false, nil

	case protocol.CaptchaVerify:
		return w.resolveCaptcha(ctx)

	default:
		fields := map[string]any{"code": r.Code.String()}
		if r.Tag != "" || r.Message != "" {
			fields["tag"] = r.Tag
			fields["message"] = r.Message
		}
		logger.ErrorCF(tag, "login rejected, tearing down session", fields)
		w.invoker.Dispose()
		return false, ErrLoginFailed
	}
}

// resolveCaptcha emits the captcha-required event, blocks until the
// caller submits a ticket, and stores the resolved triple for the next
// login pass.
func (w *WtExchange) resolveCaptcha(ctx context.Context) (retry bool, err error) {
	captchaURL := w.store.CaptchaURL
	if captchaURL == "" {
		logger.InfoC(tag, "captcha required but no challenge URL, please try again later")
		return false, ErrLoginFailed
	}

	logger.InfoC(tag, "captcha required, follow the challenge URL")
	w.invoker.Post(event.CaptchaRequired{URL: captchaURL})

	done := session.NewCompletion[captchaInput]()
	w.captchaMu.Lock()
	w.captcha = done
	w.captchaMu.Unlock()

	in, werr := done.Wait(ctx)
	if werr != nil {
		return false, werr
	}

	w.store.Captcha = &session.Captcha{
		Ticket:  in.ticket,
		RandStr: in.randStr,
		Aid:     captchaAid(captchaURL),
	}
	return true, nil
}

// SubmitCaptcha resolves the pending captcha challenge. It reports
// whether a challenge was actually pending; calling it with none is a
// benign no-op.
func (w *WtExchange) SubmitCaptcha(ticket, randStr string) bool {
	w.captchaMu.Lock()
	done := w.captcha
	w.captchaMu.Unlock()

	if done == nil {
		return false
	}
	return done.Resolve(captchaInput{ticket: ticket, randStr: randStr})
}

// HandleKick reacts to the server forcibly terminating the session. The
// notification path is not blocked: after a grace period for in-flight
// work, the offline event fires and every timer is torn down.
func (w *WtExchange) HandleKick(resp protocol.Response) {
	kick, ok := resp.(*protocol.KickEvent)
	if !ok {
		return
	}

	logger.ErrorCF(tag, "session terminated by server", map[string]any{
		"tag":     kick.Tag,
		"message": kick.Message,
	})
	logger.ErrorCF(tag, "going offline", map[string]any{"grace": w.kickGrace.String()})

	go func() {
		time.Sleep(w.kickGrace)
		w.invoker.Post(event.Offline{Tag: kick.Tag, Message: kick.Message})
		w.sched.Dispose()
	}()
}

func (w *WtExchange) keyExchange(ctx context.Context) bool {
	resp := w.bus.Send(ctx, &protocol.KeyExchangeRequest{})
	if len(resp) == 0 {
		return false
	}
	logger.InfoC(tag, "key exchange complete")
	return true
}

// doWtLogin performs the final secure handshake shared by the QR and
// unusual-verify confirmations. The packet sequence restarts at zero and
// the wire codec derives a fresh exchange context for the attempt.
func (w *WtExchange) doWtLogin(ctx context.Context) bool {
	logger.InfoC(tag, "performing credential handshake")
	w.store.ResetSequence()

	resp := w.bus.Send(ctx, &protocol.WtLoginRequest{})
	if len(resp) == 0 {
		return false
	}
	r, ok := resp[0].(*protocol.WtLoginResponse)
	if !ok {
		return false
	}

	if r.Code != 0 {
		logger.ErrorCF(tag, "handshake rejected", map[string]any{
			"code":    r.Code,
			"tag":     r.Tag,
			"message": r.Message,
		})
		return false
	}

	w.store.Info = &session.Info{Name: r.Name, Sex: r.Sex, Age: r.Age}
	logger.InfoCF(tag, "login succeeded", map[string]any{
		"uin":     w.store.Uin,
		"profile": w.store.Info.String(),
	})
	w.botOnline(ctx)
	return true
}

// botOnline is the common post-success sequence: the online event fires
// immediately, before status registration confirms, then the post-login
// heartbeat is armed and the info sync is pushed.
func (w *WtExchange) botOnline(ctx context.Context) {
	w.invoker.Post(event.Online{})

	resp := w.bus.Send(ctx, &protocol.StatusRegisterRequest{})
	if len(resp) != 0 {
		if r, ok := resp[0].(*protocol.StatusRegisterResponse); ok {
			logger.InfoCF(tag, "status registered", map[string]any{"message": r.Message})
		}
	}

	w.sched.Interval(keySsoAlive, ssoAliveInterval, func() {
		w.bus.Push(&protocol.SsoAliveRequest{})
	})
	w.bus.Push(&protocol.InfoSyncRequest{})
}

func (w *WtExchange) armAliveHeartbeat() {
	w.sched.Interval(keyAlive, aliveInterval, func() {
		w.bus.Push(&protocol.AliveRequest{})
	})
}

func (w *WtExchange) armUnusualQuery() {
	w.sched.Interval(keyLoginQuery, queryInterval, func() {
		w.queryUnusualState(context.Background())
	})
}

// captchaAid extracts the application id embedded in the challenge URL's
// sid query parameter.
func captchaAid(captchaURL string) string {
	u, err := url.Parse(captchaURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("sid")
}

type faceRequest struct {
	AppID          int    `json:"app_id"`
	QrSig          string `json:"qr_token"`
	FaceUpdateTime int    `json:"face_update_time"`
}

type faceResponse struct {
	Uin uint32 `json:"uin"`
}

// lookupUin enriches the store with the account id behind the QR token.
// Best effort: any failure leaves Uin unset.
func (w *WtExchange) lookupUin(ctx context.Context) {
	if w.faceURL == "" {
		return
	}

	body, err := json.Marshal(faceRequest{AppID: w.appID, QrSig: w.store.QrSig})
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.faceURL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpc.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	var face faceResponse
	if err := json.NewDecoder(resp.Body).Decode(&face); err != nil {
		return
	}
	if face.Uin != 0 {
		w.store.Uin = face.Uin
	}
}

// queryQRState is the 2s QR poll tick.
func (w *WtExchange) queryQRState(ctx context.Context) {
	if w.store.QrSig == "" {
		logger.ErrorC(tag, "no QR code fetched, cannot poll scan state")
		w.qrDone.Resolve(false)
		return
	}

	w.lookupUin(ctx)

	resp := w.bus.Send(ctx, &protocol.TransEmpRequest{Phase: protocol.TransEmpQuery})
	if len(resp) == 0 {
		return
	}
	r, ok := resp[0].(*protocol.TransEmpResponse)
	if !ok {
		return
	}

	logger.InfoCF(tag, "QR state queried", map[string]any{
		"state": r.State.String(),
		"uin":   w.store.Uin,
	})

	switch r.State {
	case protocol.QRConfirmed:
		// Cancel before resolving so no further tick can race the
		// consumer that is about to return.
		w.sched.Cancel(keyLoginQuery)
		if len(r.TgtgtKey) != 0 {
			w.store.TgtgtKey = r.TgtgtKey
			w.store.TempPassword = r.TempPassword
			w.store.NoPicSig = r.NoPicSig
			w.qrDone.Resolve(w.doWtLogin(ctx))
		}
		// A confirmed tick without secrets parks the flow: the poll is
		// already canceled and the completion stays pending. The caller
		// recovers through its own context deadline.

	case protocol.QRCodeExpired:
		logger.WarnC(tag, "QR code expired, fetch a new one")
		w.sched.Cancel(keyLoginQuery)
		w.sched.Dispose()
		w.qrDone.Resolve(false)

	case protocol.QRCanceled:
		logger.WarnC(tag, "QR login canceled, fetch a new code")
		w.sched.Cancel(keyLoginQuery)
		w.sched.Dispose()
		w.qrDone.Resolve(false)
	}
}

// fetchUnusual asks the server to dispatch the out-of-band confirmation.
// It reuses the trans_emp fetch request shape in a different semantic
// context.
func (w *WtExchange) fetchUnusual(ctx context.Context) bool {
	resp := w.bus.Send(ctx, &protocol.TransEmpRequest{Phase: protocol.TransEmpFetch})
	if len(resp) == 0 {
		return false
	}
	logger.InfoC(tag, "confirmation request dispatched")
	return true
}

// queryUnusualState is the 2s unusual-verification poll tick.
func (w *WtExchange) queryUnusualState(ctx context.Context) {
	resp := w.bus.Send(ctx, &protocol.TransEmpRequest{Phase: protocol.TransEmpQuery})
	if len(resp) == 0 {
		return
	}
	r, ok := resp[0].(*protocol.TransEmpResponse)
	if !ok {
		return
	}

	logger.InfoCF(tag, "confirmation state queried", map[string]any{"state": r.State.String()})

	switch r.State {
	case protocol.QRConfirmed:
		logger.InfoC(tag, "verification confirmed, completing login")
		w.sched.Cancel(keyLoginQuery)
		if len(r.TempPassword) != 0 {
			w.store.TempPassword = r.TempPassword
		}
		w.unusualDone.Resolve(w.doUnusualEasyLogin(ctx))

	case protocol.QRCodeExpired:
		logger.WarnC(tag, "verification expired, log in again")
		w.sched.Cancel(keyLoginQuery)
		w.sched.Dispose()
		w.unusualDone.Resolve(false)

	case protocol.QRCanceled:
		logger.WarnC(tag, "verification canceled, log in again")
		w.sched.Cancel(keyLoginQuery)
		w.sched.Dispose()
		w.unusualDone.Resolve(false)
	}
}

func (w *WtExchange) doUnusualEasyLogin(ctx context.Context) bool {
	logger.InfoC(tag, "trying fast login after verification")
	resp := w.bus.Send(ctx, &protocol.UnusualLoginRequest{})
	if len(resp) == 0 {
		return false
	}
	r, ok := resp[0].(*protocol.UnusualLoginResponse)
	return ok && r.Success
}
