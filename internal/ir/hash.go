package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// DomainPayload separates payload hashes from any other hash in the system.
const DomainPayload = "outbox/payload/v1"

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// PayloadHash returns the content hash of a payload. The kind is part of the
// hashed object, so identical field sets of different kinds never collide.
func PayloadHash(p Payload) (string, error) {
	canonical, err := MarshalCanonical(map[string]any{
		"kind":    string(p.Kind()),
		"payload": p,
	})
	if err != nil {
		return "", fmt.Errorf("PayloadHash: %w", err)
	}
	return hashWithDomain(DomainPayload, canonical), nil
}
