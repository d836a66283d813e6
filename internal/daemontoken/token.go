// Package daemontoken mints and verifies the bearer tokens a sandboxed daemon
// presents on /daemon-event. A token is deterministic CBOR claims followed by
// an Ed25519 signature, base64url encoded.
package daemontoken

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/basket/loopd/internal/persistence"
	"github.com/fxamacker/cbor/v2"
)

var (
	ErrMalformed        = errors.New("daemontoken: malformed token")
	ErrInvalidSignature = errors.New("daemontoken: invalid signature")
	ErrUnknownKey       = errors.New("daemontoken: unknown signing key")
	ErrExpired          = errors.New("daemontoken: token has expired")
	ErrRunMismatch      = errors.New("daemontoken: claims do not match run context")
)

// Claims is the signed payload. Field numbers are part of the wire format.
type Claims struct {
	UserID          string `cbor:"1,keyasint"`
	RunID           string `cbor:"2,keyasint"`
	ThreadID        string `cbor:"3,keyasint"`
	ThreadChatID    string `cbor:"4,keyasint"`
	SandboxID       string `cbor:"5,keyasint,omitempty"`
	Agent           string `cbor:"6,keyasint"`
	TransportMode   string `cbor:"7,keyasint"`
	ProtocolVersion int    `cbor:"8,keyasint"`
	Nonce           string `cbor:"9,keyasint"`
	KeyID           string `cbor:"10,keyasint"`
	IssuedAt        int64  `cbor:"11,keyasint"`
	ExpiresAt       int64  `cbor:"12,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("daemontoken: cbor encoder: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("daemontoken: cbor decoder: " + err.Error())
	}
}

// ClaimsForRun builds the claims binding a token to rc.
func ClaimsForRun(rc *persistence.RunContext, nonce string, issuedAt time.Time, ttl time.Duration) Claims {
	return Claims{
		UserID:          rc.UserID,
		RunID:           rc.RunID,
		ThreadID:        rc.ThreadID,
		ThreadChatID:    rc.ThreadChatID,
		SandboxID:       rc.SandboxID,
		Agent:           rc.Agent,
		TransportMode:   rc.TransportMode,
		ProtocolVersion: rc.ProtocolVersion,
		Nonce:           nonce,
		IssuedAt:        issuedAt.Unix(),
		ExpiresAt:       issuedAt.Add(ttl).Unix(),
	}
}

// Sign encodes claims and signs them with key.
func Sign(key ed25519.PrivateKey, claims Claims) (string, error) {
	payload, err := encMode.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("daemontoken: encode claims: %w", err)
	}
	sig := ed25519.Sign(key, payload)
	raw := make([]byte, 0, len(payload)+ed25519.SignatureSize)
	raw = append(raw, payload...)
	raw = append(raw, sig...)
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// split decodes a token into its payload, signature and unverified claims.
func split(token string) ([]byte, []byte, Claims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) <= ed25519.SignatureSize {
		return nil, nil, Claims{}, ErrMalformed
	}
	cut := len(raw) - ed25519.SignatureSize
	payload, sig := raw[:cut], raw[cut:]
	var claims Claims
	if err := decMode.Unmarshal(payload, &claims); err != nil {
		return nil, nil, Claims{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return payload, sig, claims, nil
}

// VerifyWith checks the signature against pub and the expiry against now.
func VerifyWith(pub ed25519.PublicKey, token string, now time.Time) (*Claims, error) {
	payload, sig, claims, err := split(token)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(pub, payload, sig) {
		return nil, ErrInvalidSignature
	}
	if now.Unix() >= claims.ExpiresAt {
		return nil, ErrExpired
	}
	return &claims, nil
}

// MatchRun cross-checks verified claims against the stored run context.
func (c *Claims) MatchRun(rc *persistence.RunContext) error {
	mismatch := func(field string) error {
		return fmt.Errorf("%w: %s", ErrRunMismatch, field)
	}
	switch {
	case rc == nil:
		return mismatch("run not found")
	case c.RunID != rc.RunID:
		return mismatch("runId")
	case c.UserID != rc.UserID:
		return mismatch("userId")
	case c.ThreadID != rc.ThreadID:
		return mismatch("threadId")
	case c.ThreadChatID != rc.ThreadChatID:
		return mismatch("threadChatId")
	case c.SandboxID != rc.SandboxID:
		return mismatch("sandboxId")
	case c.Agent != rc.Agent:
		return mismatch("agent")
	case c.TransportMode != rc.TransportMode:
		return mismatch("transportMode")
	case c.ProtocolVersion != rc.ProtocolVersion:
		return mismatch("protocolVersion")
	case c.Nonce == "" || c.Nonce != rc.TokenNonce:
		return mismatch("nonce")
	case c.KeyID != rc.DaemonTokenKeyID:
		return mismatch("keyId")
	case rc.Status == persistence.RunStatusPending:
		// Finished runs stay valid so the daemon can retry delivery.
		return mismatch("run was never dispatched")
	}
	return nil
}
