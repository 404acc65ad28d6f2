// Package auth issues and verifies host keys: the opaque session tokens a
// client receives from hostKey and presents on every later sync request.
package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/ankisync/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims carries the registered claims plus the owning username. The JWT ID
// doubles as the session id, so two logins never share a key.
type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"u"`
}

// IssueHostKey signs a new host key for username. It returns the key and the
// session id embedded in it.
func IssueHostKey(username string, secretKey []byte, validityDuration time.Duration) (string, string, error) {
	sessionID := uuid.NewString()
	now := time.Now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validityDuration)),
		},
		Username: username,
	})

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", "", err
	}

	return tokenString, sessionID, nil
}

// ParseHostKey validates the signature and expiry of key.
func ParseHostKey(key string, secretKey []byte) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(key, claims, func(t *jwt.Token) (interface{}, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, errors.Join(common.ErrInvalidToken, err)
	}

	if !token.Valid || claims.Username == "" || claims.ID == "" {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}
