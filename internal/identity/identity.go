// Package identity mints and verifies the opaque bearer token a client
// presents after login. LightVoice does not authenticate users beyond
// accepting this token at face value: the token only carries a stable
// user id and display name, minted by this same process.
package identity

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

// tokenTTL is how long a minted identity token remains valid.
const tokenTTL = 24 * time.Hour

// Claims is the payload carried by an identity token.
type Claims struct {
	UserID      string `json:"uid"`
	DisplayName string `json:"name"`
	jwt.RegisteredClaims
}

// Minter signs and verifies opaque identity tokens with a single HMAC
// secret, the same pattern the teacher uses for its own mobile app
// tokens.
type Minter struct {
	secret []byte
}

// NewMinter builds a Minter around secret (expected to be the 32-byte
// key decoded from configuration).
func NewMinter(secret []byte) *Minter {
	return &Minter{secret: secret}
}

// Mint issues a signed token for userID/displayName, valid for tokenTTL.
func (m *Minter) Mint(userID, displayName string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			Issuer:    "lightvoice",
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("identity: signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates tokenString, returning the claims it
// carries or an error if the token is malformed, unsigned by this
// secret, or expired.
func (m *Minter) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("identity: invalid token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("identity: token failed validation")
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("identity: token missing user id")
	}
	return claims, nil
}
