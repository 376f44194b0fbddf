// Package token implements the connect handshake credential: a client
// presents a short-lived token MACed under the pre-shared private key and the
// host accepts or denies it.
package token

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"lukechampine.com/blake3"
)

// Size is the encoded length of a token.
const Size = 8*5 + macSize

const macSize = 32

// DefaultTTL bounds how long a freshly issued token stays valid.
const DefaultTTL = 30 * time.Second

// Key is the pre-shared private key.
type Key [32]byte

var (
	// ErrTokenExpired is returned for tokens past their expiry.
	ErrTokenExpired = errors.New("token: expired")
	// ErrDenied is returned for tokens the host refuses: wrong protocol, bad
	// MAC, malformed bytes, a duplicate client id or a full host.
	ErrDenied = errors.New("token: denied")
)

// Token is the credential a client sends as its first frame.
type Token struct {
	ClientID   uint64
	ProtocolID uint64
	CreatedAt  int64
	ExpiresAt  int64
	Nonce      uint64
	MAC        [macSize]byte
}

// Issue mints a token for clientID valid for ttl from now.
func Issue(key Key, protocolID, clientID uint64, now time.Time, ttl time.Duration) (Token, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return Token{}, err
	}
	t := Token{
		ClientID:   clientID,
		ProtocolID: protocolID,
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(ttl).UnixMilli(),
		Nonce:      binary.BigEndian.Uint64(nonce[:]),
	}
	t.MAC = t.sum(key)
	return t, nil
}

func (t Token) fields() []byte {
	buf := make([]byte, 8*5)
	binary.BigEndian.PutUint64(buf[0:], t.ClientID)
	binary.BigEndian.PutUint64(buf[8:], t.ProtocolID)
	binary.BigEndian.PutUint64(buf[16:], uint64(t.CreatedAt))
	binary.BigEndian.PutUint64(buf[24:], uint64(t.ExpiresAt))
	binary.BigEndian.PutUint64(buf[32:], t.Nonce)
	return buf
}

func (t Token) sum(key Key) [macSize]byte {
	h := blake3.New(macSize, key[:])
	h.Write(t.fields())
	var out [macSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Marshal renders the fixed-size wire form.
func (t Token) Marshal() []byte {
	return append(t.fields(), t.MAC[:]...)
}

// Parse reads the wire form. Malformed input is a denial.
func Parse(raw []byte) (Token, error) {
	if len(raw) != Size {
		return Token{}, ErrDenied
	}
	t := Token{
		ClientID:   binary.BigEndian.Uint64(raw[0:]),
		ProtocolID: binary.BigEndian.Uint64(raw[8:]),
		CreatedAt:  int64(binary.BigEndian.Uint64(raw[16:])),
		ExpiresAt:  int64(binary.BigEndian.Uint64(raw[24:])),
		Nonce:      binary.BigEndian.Uint64(raw[32:]),
	}
	copy(t.MAC[:], raw[40:])
	return t, nil
}

// Verifier checks tokens on the host side.
type Verifier struct {
	Key        Key
	ProtocolID uint64
	Now        func() time.Time
}

// Verify parses raw and returns the client id it was issued for.
func (v Verifier) Verify(raw []byte) (uint64, error) {
	t, err := Parse(raw)
	if err != nil {
		return 0, err
	}
	expected := t.sum(v.Key)
	if !hmac.Equal(expected[:], t.MAC[:]) {
		return 0, ErrDenied
	}
	if t.ProtocolID != v.ProtocolID || t.ClientID == 0 {
		return 0, ErrDenied
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	if now().UnixMilli() >= t.ExpiresAt {
		return 0, ErrTokenExpired
	}
	return t.ClientID, nil
}

// Status is the host's one-byte handshake reply.
type Status byte

const (
	StatusAccepted Status = iota
	StatusExpired
	StatusDenied
)

// StatusOf maps a verification error to the reply sent to the client.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusAccepted
	case errors.Is(err, ErrTokenExpired):
		return StatusExpired
	default:
		return StatusDenied
	}
}

// Err maps a reply back to the verification error.
func (s Status) Err() error {
	switch s {
	case StatusAccepted:
		return nil
	case StatusExpired:
		return ErrTokenExpired
	default:
		return ErrDenied
	}
}
