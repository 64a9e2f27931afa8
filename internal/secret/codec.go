package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the required length of the encryption key in bytes (AES-256).
const KeySize = 32

// ErrDecryption is returned whenever a ciphertext cannot be recovered: wrong
// key, malformed nonce or ciphertext, or a failed authentication tag. Callers
// should treat it as a configuration-level failure (key rotation gone wrong),
// not as user input error.
var ErrDecryption = errors.New("secret: decryption failed")

// Codec encrypts opaque secret strings for storage at rest and produces keyed
// one-way digests for lookup-by-token. All secret material in the database
// goes through a Codec; nothing else touches raw tokens.
type Codec struct {
	gcm cipher.AEAD
	key []byte
}

// New builds a Codec from fixed-length key material. The key must be exactly
// KeySize bytes; anything else is a startup configuration error.
func New(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("secret: key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secret: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secret: init gcm: %w", err)
	}

	k := make([]byte, KeySize)
	copy(k, key)

	return &Codec{gcm: gcm, key: k}, nil
}

// Encrypt seals plaintext under a fresh random nonce. The nonce is returned
// alongside the ciphertext and must be stored with it.
func (c *Codec) Encrypt(plaintext string) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("secret: nonce: %w", err)
	}

	ciphertext = c.gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return ciphertext, nonce, nil
}

// Decrypt opens a ciphertext sealed by Encrypt. It never partially succeeds:
// any tampering or key mismatch yields ErrDecryption and no plaintext.
func (c *Codec) Decrypt(ciphertext, nonce []byte) (string, error) {
	if len(nonce) != c.gcm.NonceSize() {
		return "", ErrDecryption
	}

	plaintext, err := c.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryption
	}
	return string(plaintext), nil
}

// Hash returns a deterministic keyed digest of input, hex encoded. It is used
// for matching stored widget/session tokens without ever storing them
// recoverably; it must never be used for secrets that need to be read back.
func (c *Codec) Hash(input string) string {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(input))
	return hex.EncodeToString(mac.Sum(nil))
}
