// Package session holds the mutable credential and identity state
// accumulated across one client's login lifecycle, plus the one-shot
// completion primitive the login flows resolve.
package session

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Captcha is the resolved material of a captcha challenge.
type Captcha struct {
	Ticket  string `json:"ticket"`
	RandStr string `json:"rand_str"`
	Aid     string `json:"aid"`
}

// Info is the account profile discovered by a successful login.
type Info struct {
	Name string `json:"name"`
	Sex  uint8  `json:"sex"`
	Age  uint8  `json:"age"`
}

// Store is owned by the orchestrator for the duration of one login
// lifecycle and shared by reference with the wire codecs that build and
// parse requests. The orchestrator serializes its own flow, so fields
// have a single writer at a time; only the packet sequence is touched
// concurrently (heartbeat pushes) and is therefore atomic.
type Store struct {
	Uin  uint32 `json:"uin"`
	GUID string `json:"guid"`

	QrSig  string `json:"qr_sig"`
	QrSign []byte `json:"qr_sign"`
	QrURL  string `json:"qr_url"`

	ExchangeKey  []byte `json:"exchange_key"`
	TempPassword []byte `json:"temp_password"`
	NoPicSig     []byte `json:"no_pic_sig"`
	TgtgtKey     []byte `json:"tgtgt_key"`

	CaptchaURL string   `json:"-"`
	Captcha    *Captcha `json:"-"`

	Info *Info `json:"info,omitempty"`

	seq atomic.Uint32
}

// NewStore returns a fresh store with a generated device GUID.
func NewStore() *Store {
	return &Store{GUID: uuid.NewString()}
}

// NextSequence returns the next packet sequence number.
func (s *Store) NextSequence() uint32 {
	return s.seq.Add(1)
}

// Sequence returns the current packet sequence number.
func (s *Store) Sequence() uint32 {
	return s.seq.Load()
}

// ResetSequence rewinds the packet sequence to zero. Every full login
// attempt starts from a clean counter.
func (s *Store) ResetSequence() {
	s.seq.Store(0)
}

func (i Info) String() string {
	return fmt.Sprintf("%s (sex=%d age=%d)", i.Name, i.Sex, i.Age)
}
