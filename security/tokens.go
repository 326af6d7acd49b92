package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const tokenBytes = 32

// TokenHasher mints delivery tokens and derives the hash stored in their
// place. The raw value is only ever handed to the customer.
type TokenHasher struct {
	secret []byte
}

func CreateTokenHasher(secret string) (*TokenHasher, error) {
	if len(secret) < 16 {
		return nil, errors.New("token secret must be at least 16 characters")
	}
	return &TokenHasher{secret: []byte(secret)}, nil
}

// Generate returns a new raw token and its hash.
func (h *TokenHasher) Generate() (raw, hash string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate delivery token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, h.Hash(raw), nil
}

func (h *TokenHasher) Hash(raw string) string {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}
