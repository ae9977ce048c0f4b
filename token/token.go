// Package token mints and verifies the opaque bearer value guarding the
// internal blob-download route (spec §6.1, §9 open question #1: "an
// opaque bearer value whose verification is part of the security layer
// but out of scope for this core" -- resolved in SPEC_FULL.md Expansion
// D as a signed JWT so the core has something concrete to test).
package token

import (
	"time"

	"github.com/dgrijalva/jwt-go"

	"github.com/kraklabs/execbroker/cmn"
)

// Claims binds a download token to exactly the digest it authorizes, so
// a token minted for one blob can never be replayed against another.
type Claims struct {
	Digest string `json:"digest"`
	jwt.StandardClaims
}

// Minter signs and verifies download tokens with a single process-
// lifetime HMAC secret (spec §6.4 has no persisted-secret key: the
// secret is generated fresh at startup and never written to disk).
type Minter struct {
	secret []byte
	ttl    time.Duration
}

func New(secret string, ttl time.Duration) *Minter {
	return &Minter{secret: []byte(secret), ttl: ttl}
}

// Mint returns a signed, time-bounded token authorizing a download of
// digest, minted whenever the HTTP surface builds a file descriptor's
// internal download URI.
func (m *Minter) Mint(digest string) (string, error) {
	claims := Claims{
		Digest: digest,
		StandardClaims: jwt.StandardClaims{
			ExpiresAt: time.Now().Add(m.ttl).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(m.secret)
}

// Verify checks that raw is a validly-signed, unexpired token minted
// for digest.
func (m *Minter) Verify(raw, digest string) error {
	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, cmn.NewErr(cmn.ErrInternal, "unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil || !tok.Valid {
		return cmn.NewErr(cmn.ErrNotFound, "invalid or expired download token")
	}
	if claims.Digest != digest {
		return cmn.NewErr(cmn.ErrNotFound, "token does not authorize digest %s", digest)
	}
	return nil
}
