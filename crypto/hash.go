// Package crypto implements the hashing, symmetric-cipher, and key
// derivation primitives used by the message lifecycle engine.
//
// Message payloads are protected with AES-CBC under a per-(user, device)
// key derived from a master key, and integrity-checked with SHA-256
// digests computed over the plaintext. Part sets carry a SHA-256
// checksum of the whole reconstructed payload.
package crypto

import (
	"crypto/sha256"
	"encoding/base64"
)

// Checksum returns the SHA-256 digest of data.
func Checksum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// ChecksumBase64 returns the SHA-256 digest of data in the base64 form
// stored on messages and parts.
func ChecksumBase64(data []byte) string {
	return EncodeBase64(Checksum(data))
}

// EncodeBase64 encodes data as standard base64. The empty slice encodes
// to the empty string.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// DecodeBase64 decodes standard base64. The empty string decodes to an
// empty slice, so a zero-length IV round-trips losslessly.
func DecodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
