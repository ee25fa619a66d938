package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Credential encryption parameters. The salt carries a version so the
// derivation can be rotated without ambiguity about which scheme
// produced a stored ciphertext.
const (
	keySalt       = "ai-consultation-mcp:credential:v1"
	keyIterations = 100000
	keyLength     = 32
	gcmNonceSize  = 16
	gcmTagSize    = 16
)

// hostIdentifier returns a stable per-host string the encryption key is
// derived from: first non-empty of USER, USERNAME, HOME.
func hostIdentifier() string {
	for _, env := range []string{"USER", "USERNAME", "HOME"} {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			return v
		}
	}
	return "ai-consultation-mcp"
}

// deriveKey stretches the host identifier into an AES-256 key.
func deriveKey(hostID string) []byte {
	return pbkdf2.Key([]byte(hostID), []byte(keySalt), keyIterations, keyLength, sha256.New)
}

// cipherBox holds a derived key for the lifetime of the service so the
// PBKDF2 cost is paid once.
type cipherBox struct {
	key []byte
}

func newCipherBox() *cipherBox {
	return &cipherBox{key: deriveKey(hostIdentifier())}
}

// Encrypt seals plaintext as base64(IV || TAG || CT).
func (c *cipherBox) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return "", fmt.Errorf("failed to init GCM: %w", err)
	}

	iv := make([]byte, gcmNonceSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	// Seal appends the tag after the ciphertext; the stored layout puts
	// the tag between IV and ciphertext instead.
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	out := make([]byte, 0, gcmNonceSize+gcmTagSize+len(ct))
	out = append(out, iv...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a base64(IV || TAG || CT) ciphertext.
func (c *cipherBox) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("malformed credential ciphertext: %w", err)
	}
	if len(raw) < gcmNonceSize+gcmTagSize {
		return "", fmt.Errorf("credential ciphertext too short (%d bytes)", len(raw))
	}

	iv := raw[:gcmNonceSize]
	tag := raw[gcmNonceSize : gcmNonceSize+gcmTagSize]
	ct := raw[gcmNonceSize+gcmTagSize:]

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, gcmNonceSize)
	if err != nil {
		return "", fmt.Errorf("failed to init GCM: %w", err)
	}

	sealed := make([]byte, 0, len(ct)+gcmTagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt credential: %w", err)
	}
	return string(plaintext), nil
}

// MaskKey renders an API key for display: the last 4 characters behind
// a fixed bullet prefix, or bullets only for short keys.
func MaskKey(key string) string {
	const bullets = "••••••••"
	if len(key) > 4 {
		return bullets + key[len(key)-4:]
	}
	return bullets
}
