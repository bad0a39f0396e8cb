// Package identity yields the acting user of this process, either from static
// configuration or from a signed token.
package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sharetube/teamsync/internal/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrEmptySecret  = errors.New("empty secret")
)

const (
	userIDKey      = "user_id"
	displayNameKey = "display_name"
)

type Static struct {
	identity domain.Identity
}

func NewStatic(userID, displayName string) (*Static, error) {
	if userID == "" {
		return nil, domain.ErrEmptyUserID
	}
	if displayName == "" {
		displayName = userID
	}
	return &Static{identity: domain.Identity{UserID: userID, DisplayName: displayName}}, nil
}

// FromToken verifies token once and serves the identity it carries.
func FromToken(token, secret string) (*Static, error) {
	id, err := ParseToken(token, secret)
	if err != nil {
		return nil, err
	}
	return &Static{identity: id}, nil
}

func (s *Static) Identity(context.Context) (domain.Identity, error) {
	return s.identity, nil
}

// IssueToken signs id with HS256. A zero ttl issues a token without expiry.
func IssueToken(id domain.Identity, secret string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", ErrEmptySecret
	}
	if id.UserID == "" {
		return "", domain.ErrEmptyUserID
	}

	claims := jwt.MapClaims{
		userIDKey:      id.UserID,
		displayNameKey: id.DisplayName,
		"iat":          time.Now().Unix(),
	}
	if ttl > 0 {
		claims["exp"] = time.Now().Add(ttl).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	return token.SignedString([]byte(secret))
}

func ParseToken(tokenString, secret string) (domain.Identity, error) {
	if secret == "" {
		return domain.Identity{}, ErrEmptySecret
	}

	token, err := jwt.ParseWithClaims(tokenString, jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	if !token.Valid {
		return domain.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, ErrInvalidToken
	}

	userID, ok := claims[userIDKey].(string)
	if !ok || userID == "" {
		return domain.Identity{}, ErrInvalidToken
	}

	displayName, _ := claims[displayNameKey].(string)
	if displayName == "" {
		displayName = userID
	}

	return domain.Identity{UserID: userID, DisplayName: displayName}, nil
}
