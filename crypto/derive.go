package crypto

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters. These are fixed: changing any of them
// changes every derived key, which would orphan all encrypted payloads
// already held by devices.
const (
	deriveIterations = 4096
	deriveKeySize    = 32
)

var (
	deriveSalt = []byte{
		0x73, 0x70, 0x6f, 0x6f, 0x6c, 0x2d, 0x6b, 0x65,
		0x79, 0x2d, 0x73, 0x61, 0x6c, 0x74, 0x2d, 0x31,
	}

	// deriveIV is the fixed IV for the CFB wrap step. A fixed IV is
	// acceptable here because the plaintext (the stretched key) is
	// unique per (username, deviceId) input.
	deriveIV = []byte{
		0x4b, 0x11, 0xa9, 0x3c, 0xe2, 0x5f, 0x08, 0xd6,
		0x71, 0x9e, 0x24, 0xbb, 0x0d, 0x83, 0xf5, 0x62,
	}
)

// DeriveKey computes the symmetric key for a (username, deviceID) pair
// from the master key. The password deviceID||lowercase(username) is
// stretched with PBKDF2-SHA256 into an AES key, which is then encrypted
// under the master key with a fixed IV in CFB mode (no padding) to bind
// it to the master secret.
//
// Derivation is deterministic and case-insensitive on username; the
// same key is used for both encrypt and decrypt, so decryption
// re-derives rather than inverting any step.
func DeriveKey(masterKey []byte, username, deviceID string) ([]byte, error) {
	if len(username) == 0 {
		return nil, fmt.Errorf("%w: empty username", ErrCrypto)
	}
	if len(deviceID) == 0 {
		return nil, fmt.Errorf("%w: empty deviceID", ErrCrypto)
	}

	password := deviceID + strings.ToLower(username)
	stretched := pbkdf2.Key([]byte(password), deriveSalt, deriveIterations, deriveKeySize, sha256.New)

	key, err := EncryptCFB(masterKey, deriveIV, stretched)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "DeriveKey",
			"username": username,
			"error":    err.Error(),
		}).Error("Key derivation failed")
		return nil, err
	}
	return key, nil
}
