package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// ComputeHMAC computes the HMAC-SHA256 signature of a payload.
func ComputeHMAC(secret, payload []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(payload)
	return h.Sum(nil)
}

// VerifyHMAC verifies a signature using constant-time comparison.
// Constant-time comparison prevents timing attacks.
func VerifyHMAC(expected, computed []byte) bool {
	return hmac.Equal(expected, computed)
}

// encodeSig renders a signature as lowercase hex for the wire envelope.
func encodeSig(sig []byte) string {
	return hex.EncodeToString(sig)
}

// decodeSig parses a hex signature from the wire envelope.
func decodeSig(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
