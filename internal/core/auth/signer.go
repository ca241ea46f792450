// Package auth provides HMAC-SHA256 signing of outbound broker payloads.
//
// The central system verifies signatures before trusting status or response
// messages; an unsigned unit (no DESK_HMAC_SECRET in the environment)
// publishes plain payloads. Key material is environment-only and supports
// rotation via numbered secrets.
package auth

import (
	"encoding/json"
	"fmt"
)

// Envelope is the signed wire format wrapping a payload.
type Envelope struct {
	KeyID     string          `json:"key_id"`
	Signature string          `json:"sig"`
	Payload   json.RawMessage `json:"payload"`
}

// Signer signs payloads with one active key. When multiple rotation keys
// are configured, the newest (highest key_id; UUIDv7 IDs sort by time) is
// used for signing while all remain valid for verification.
type Signer struct {
	keyID   string
	secret  []byte
	secrets map[string][]byte
}

// NewSigner creates a signer from the configured secret map.
// Returns ErrNoSigningKey when the map is empty.
func NewSigner(secrets map[string][]byte) (*Signer, error) {
	if len(secrets) == 0 {
		return nil, ErrNoSigningKey
	}
	var newest string
	for id := range secrets {
		if id > newest {
			newest = id
		}
	}
	return &Signer{keyID: newest, secret: secrets[newest], secrets: secrets}, nil
}

// Sign wraps a JSON payload in a signed envelope.
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	env := Envelope{
		KeyID:     s.keyID,
		Signature: encodeSig(ComputeHMAC(s.secret, payload)),
		Payload:   json.RawMessage(payload),
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode signed envelope: %w", err)
	}
	return out, nil
}

// Verify checks a signed envelope against the configured keys and returns
// the inner payload. Used by bench tooling and tests; the unit itself only
// signs.
func (s *Signer) Verify(data []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	secret, ok := s.secrets[env.KeyID]
	if !ok {
		return nil, ErrUnknownKey
	}
	sig, err := decodeSig(env.Signature)
	if err != nil {
		return nil, fmt.Errorf("%w: bad signature encoding", ErrMalformedEnvelope)
	}
	if !VerifyHMAC(sig, ComputeHMAC(secret, env.Payload)) {
		return nil, ErrInvalidSignature
	}
	return env.Payload, nil
}

// KeyID returns the active signing key id, surfaced in diagnostics.
func (s *Signer) KeyID() string {
	return s.keyID
}
