package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xinlaoda/lpjs/internal/wire"
)

var (
	// ErrBadMAC means the credential was not signed with the shared key.
	ErrBadMAC = errors.New("auth: bad credential signature")

	// ErrSkew means the credential timestamp is outside the allowed window.
	ErrSkew = errors.New("auth: credential timestamp out of range")

	// ErrReplay means the credential nonce was seen before.
	ErrReplay = errors.New("auth: credential replayed")

	// ErrMalformed means the credential could not be decoded.
	ErrMalformed = errors.New("auth: malformed credential")
)

// Credential is a verified frame: who sent it, when, and what it carries.
type Credential struct {
	UID     uint32
	GID     uint32
	Time    time.Time
	Nonce   string
	Payload []byte
}

func sign(key []byte, uid, gid uint32, ts int64, nonce string, payload []byte) string {
	mac := hmac.New(sha256.New, key)
	fmt.Fprintf(mac, "%d|%d|%d|%s|", uid, gid, ts, nonce)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Seal wraps payload in a signed credential and returns the frame bytes.
func Seal(key []byte, uid, gid uint32, payload []byte) []byte {
	return SealAt(key, uid, gid, payload, time.Now())
}

// SealAt is Seal with an explicit timestamp.
func SealAt(key []byte, uid, gid uint32, payload []byte, now time.Time) []byte {
	ts := now.Unix()
	nonce := uuid.NewString()
	return wire.NewFields().
		Uint(uint64(uid)).
		Uint(uint64(gid)).
		Int(ts).
		String(nonce).
		Bytes(payload).
		String(sign(key, uid, gid, ts, nonce, payload)).
		Encode()
}

// Verifier checks credentials against the shared key.
type Verifier struct {
	key    []byte
	skew   time.Duration
	replay *ReplayGuard
	now    func() time.Time
}

// NewVerifier returns a Verifier accepting timestamps within skew of the
// local clock. A nil guard disables replay detection.
func NewVerifier(key []byte, skew time.Duration, guard *ReplayGuard) *Verifier {
	return &Verifier{key: key, skew: skew, replay: guard, now: time.Now}
}

// Open decodes and verifies a credential frame.
func (v *Verifier) Open(frame []byte) (*Credential, error) {
	r := wire.NewReader(bytes.NewReader(frame))

	uid, err := r.ReadUint()
	if err != nil {
		return nil, fmt.Errorf("%w: uid: %v", ErrMalformed, err)
	}
	gid, err := r.ReadUint()
	if err != nil {
		return nil, fmt.Errorf("%w: gid: %v", ErrMalformed, err)
	}
	ts, err := r.ReadInt()
	if err != nil {
		return nil, fmt.Errorf("%w: timestamp: %v", ErrMalformed, err)
	}
	nonce, err := r.ReadString()
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformed, err)
	}
	payload, err := r.ReadBytes(wire.MaxFrame)
	if err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	mac, err := r.ReadString()
	if err != nil {
		return nil, fmt.Errorf("%w: mac: %v", ErrMalformed, err)
	}
	if uid > 1<<32-1 || gid > 1<<32-1 {
		return nil, fmt.Errorf("%w: id out of range", ErrMalformed)
	}

	expected := sign(v.key, uint32(uid), uint32(gid), ts, nonce, payload)
	if !hmac.Equal([]byte(mac), []byte(expected)) {
		return nil, ErrBadMAC
	}

	sent := time.Unix(ts, 0)
	diff := v.now().Sub(sent)
	if diff < 0 {
		diff = -diff
	}
	if diff > v.skew {
		return nil, fmt.Errorf("%w: skew %s exceeds %s", ErrSkew, diff.Truncate(time.Second), v.skew)
	}

	if v.replay != nil && !v.replay.Remember(nonce) {
		return nil, fmt.Errorf("%w: nonce %s", ErrReplay, nonce)
	}

	return &Credential{
		UID:     uint32(uid),
		GID:     uint32(gid),
		Time:    sent,
		Nonce:   nonce,
		Payload: payload,
	}, nil
}
