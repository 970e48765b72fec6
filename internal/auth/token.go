// Package auth implements workspace API token minting and verification.
// Tokens are shown in full exactly once at mint time; only the bcrypt hash
// and a short lookup prefix are persisted.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"cartograph/internal/types"
)

// Token format: "cg_" + 32 random hex bytes (64 hex chars). The prefix
// column stores the first prefixLen characters so tokens can be located
// without a full-table bcrypt scan and shown partially in the UI.
const (
	tokenScheme = "cg_"
	tokenBytes  = 32
	prefixLen   = 12
)

// bcryptCost is the cost factor for token hashing.
const bcryptCost = 12

// MintedToken is the result of minting a workspace API token.
type MintedToken struct {
	// Plaintext is the full token. Returned to the caller once and never
	// stored.
	Plaintext string

	// Prefix is the stored lookup prefix (first 12 characters).
	Prefix string

	// Hash is the bcrypt hash to persist.
	Hash string
}

// MintToken generates a fresh API token with its storage artifacts.
func MintToken() (*MintedToken, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to generate token", err)
	}
	plaintext := tokenScheme + hex.EncodeToString(b)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcryptCost)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to hash token", err)
	}

	return &MintedToken{
		Plaintext: plaintext,
		Prefix:    plaintext[:prefixLen],
		Hash:      string(hash),
	}, nil
}

// TokenPrefix returns the lookup prefix for a presented token, or "" when
// the token is malformed. Used by the auth middleware to locate the owning
// workspace before the bcrypt comparison.
func TokenPrefix(token string) string {
	if !strings.HasPrefix(token, tokenScheme) || len(token) < prefixLen {
		return ""
	}
	return token[:prefixLen]
}

// VerifyToken compares a presented token against the stored hash.
func VerifyToken(token, hash string) error {
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
		return types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid API token", err)
	}
	return nil
}
