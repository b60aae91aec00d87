// Package protocol models the semantic identity of every login-related
// request and response exchanged with the server. Wire encoding of the
// individual packets is owned by the codecs registered on the request bus.
package protocol

import "fmt"

// Command identifies a request or server-push kind on the wire.
type Command string

const (
	CmdTransEmp        Command = "wtlogin.trans_emp"
	CmdWtLogin         Command = "wtlogin.login"
	CmdKeyExchange     Command = "trpc.login.ecdh.EcdhService.SsoKeyExchange"
	CmdEasyLogin       Command = "trpc.login.ecdh.EcdhService.SsoNTLoginEasyLogin"
	CmdPasswordLogin   Command = "trpc.login.ecdh.EcdhService.SsoNTLoginPasswordLogin"
	CmdUnusualLogin    Command = "trpc.login.ecdh.EcdhService.SsoNTLoginEasyLoginUnusualDevice"
	CmdStatusRegister  Command = "trpc.qq_new_tech.status_svc.StatusService.Register"
	CmdSsoHeartbeat    Command = "trpc.qq_new_tech.status_svc.StatusService.SsoHeartBeat"
	CmdAlive           Command = "Heartbeat.Alive"
	CmdInfoSync        Command = "trpc.msg.register_proxy.RegisterProxy.InfoSync"
	CmdKick            Command = "trpc.qq_new_tech.status_svc.StatusService.KickNT"
)

// Request is a message the client sends. Only its semantic identity is
// known here; field layout belongs to the wire codec.
type Request interface {
	Command() Command
}

// Response is a correlated reply or a server-initiated push.
type Response interface {
	Command() Command
}

// ResultCode is the remote-reported outcome of an NT login attempt.
type ResultCode int

const (
	Success         ResultCode = 0
	CaptchaVerify   ResultCode = 140022008
	NewDeviceVerify ResultCode = 140022010
	UnusualVerify   ResultCode = 140022011
	LoginFailure    ResultCode = 140022013
	TokenExpired    ResultCode = 140022016
)

func (c ResultCode) String() string {
	switch c {
	case Success:
		return "Success"
	case CaptchaVerify:
		return "CaptchaVerify"
	case NewDeviceVerify:
		return "NewDeviceVerify"
	case UnusualVerify:
		return "UnusualVerify"
	case LoginFailure:
		return "LoginFailure"
	case TokenExpired:
		return "TokenExpired"
	default:
		return fmt.Sprintf("ResultCode(%d)", int(c))
	}
}

// QRState is the remote-reported state of a trans_emp query.
type QRState int

const (
	QRConfirmed         QRState = 0
	QRCodeExpired       QRState = 17
	QRWaitingForScan    QRState = 48
	QRWaitingForConfirm QRState = 53
	QRCanceled          QRState = 54
)

func (s QRState) String() string {
	switch s {
	case QRConfirmed:
		return "Confirmed"
	case QRCodeExpired:
		return "CodeExpired"
	case QRWaitingForScan:
		return "WaitingForScan"
	case QRWaitingForConfirm:
		return "WaitingForConfirm"
	case QRCanceled:
		return "Canceled"
	default:
		return fmt.Sprintf("QRState(%d)", int(s))
	}
}

// TransEmpPhase selects which trans_emp sub-command a request carries.
type TransEmpPhase int

const (
	// TransEmpFetch asks the server for a fresh QR code (CMD0x31). The same
	// request shape doubles as the unusual-login confirmation dispatch.
	TransEmpFetch TransEmpPhase = iota
	// TransEmpQuery polls the scan/confirm state (CMD0x12).
	TransEmpQuery
)

type TransEmpRequest struct {
	Phase TransEmpPhase
}

func (*TransEmpRequest) Command() Command { return CmdTransEmp }

type TransEmpResponse struct {
	State      QRState
	QrSig      string
	Signature  []byte
	URL        string
	Image      []byte
	Expiration uint32

	// Present only on a confirmed query tick.
	TgtgtKey     []byte
	TempPassword []byte
	NoPicSig     []byte
}

func (*TransEmpResponse) Command() Command { return CmdTransEmp }

type KeyExchangeRequest struct{}

func (*KeyExchangeRequest) Command() Command { return CmdKeyExchange }

type KeyExchangeResponse struct{}

func (*KeyExchangeResponse) Command() Command { return CmdKeyExchange }

type EasyLoginRequest struct{}

func (*EasyLoginRequest) Command() Command { return CmdEasyLogin }

type PasswordLoginRequest struct{}

func (*PasswordLoginRequest) Command() Command { return CmdPasswordLogin }

// NTLoginResponse is the shared reply shape of the EasyLogin and
// PasswordLogin round trips.
type NTLoginResponse struct {
	Cmd     Command
	Code    ResultCode
	Tag     string
	Message string
}

func (r *NTLoginResponse) Command() Command { return r.Cmd }

type WtLoginRequest struct{}

func (*WtLoginRequest) Command() Command { return CmdWtLogin }

type WtLoginResponse struct {
	Code    int
	Tag     string
	Message string

	// Profile fields, valid when Code is zero.
	Name string
	Sex  uint8
	Age  uint8
}

func (*WtLoginResponse) Command() Command { return CmdWtLogin }

type UnusualLoginRequest struct{}

func (*UnusualLoginRequest) Command() Command { return CmdUnusualLogin }

type UnusualLoginResponse struct {
	Success bool
}

func (*UnusualLoginResponse) Command() Command { return CmdUnusualLogin }

type StatusRegisterRequest struct{}

func (*StatusRegisterRequest) Command() Command { return CmdStatusRegister }

type StatusRegisterResponse struct {
	Message string
}

func (*StatusRegisterResponse) Command() Command { return CmdStatusRegister }

// AliveRequest is the connect-time keep-alive ping, push-only.
type AliveRequest struct{}

func (*AliveRequest) Command() Command { return CmdAlive }

// SsoAliveRequest is the post-login heartbeat, push-only.
type SsoAliveRequest struct{}

func (*SsoAliveRequest) Command() Command { return CmdSsoHeartbeat }

// InfoSyncRequest kicks off the fire-and-forget info sync after login.
type InfoSyncRequest struct{}

func (*InfoSyncRequest) Command() Command { return CmdInfoSync }

// KickEvent is a server push telling the client its session was
// forcibly terminated.
type KickEvent struct {
	Tag     string
	Message string
}

func (*KickEvent) Command() Command { return CmdKick }
