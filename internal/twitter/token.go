package twitter

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// Token kinds. OAuth1 tokens carry an access secret; bearer tokens do not.
const (
	TokenKindOAuth1 = "oauth1"
	TokenKindBearer = "bearer"
)

// ErrTokenMalformed reports a persisted token blob that cannot be decoded.
var ErrTokenMalformed = errors.New("twitter token malformed")

// Token is the credential a user authorizes the bridge with. Outside this
// package it is handled as an opaque serialized blob keyed by its digest.
type Token struct {
	Kind         string `json:"kind"`
	AccessToken  string `json:"access_token"`
	AccessSecret string `json:"access_secret,omitempty"`
}

// ParseToken decodes a serialized token blob.
func ParseToken(blob string) (Token, error) {
	var t Token
	if err := json.Unmarshal([]byte(blob), &t); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	switch t.Kind {
	case TokenKindOAuth1, TokenKindBearer:
	default:
		return Token{}, fmt.Errorf("%w: unknown kind %q", ErrTokenMalformed, t.Kind)
	}
	if t.AccessToken == "" {
		return Token{}, fmt.Errorf("%w: empty access token", ErrTokenMalformed)
	}
	return t, nil
}

// Encode serializes the token to its persisted blob form.
func (t Token) Encode() (string, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return string(b), nil
}

// Hash returns the stable fingerprint of a serialized token blob: the md5
// digest of the blob bytes as lowercase hex.
func Hash(blob string) string {
	sum := md5.Sum([]byte(blob))
	return hex.EncodeToString(sum[:])
}
