// Package auth identifies the user behind a WebSocket connection.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	nanoid "github.com/jaevor/go-nanoid"
)

var (
	ErrMissingToken = errors.New("auth: missing token")
	ErrInvalidToken = errors.New("auth: invalid token")
)

const guestAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Claims is the HS256 token body. The subject is the user id.
type Claims struct {
	Name    string `json:"name,omitempty"`
	Picture string `json:"picture,omitempty"`
	jwt.RegisteredClaims
}

// Identity is the resolved user for one connection.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
	Guest       bool
	Verified    bool
}

type Authenticator struct {
	secret      []byte
	trustClient bool
	guestID     func() string
}

// New builds an Authenticator. With an empty secret every token is rejected
// and connections fall back to client supplied or guest ids.
func New(secret string, trustClientUserID bool) (*Authenticator, error) {
	gen, err := nanoid.CustomASCII(guestAlphabet, 10)
	if err != nil {
		return nil, fmt.Errorf("guest id generator: %w", err)
	}
	return &Authenticator{
		secret:      []byte(secret),
		trustClient: trustClientUserID,
		guestID:     gen,
	}, nil
}

// ParseToken validates an HS256 token and returns its claims.
func (a *Authenticator) ParseToken(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	if len(a.secret) == 0 {
		return nil, fmt.Errorf("%w: no signing secret configured", ErrInvalidToken)
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return claims, nil
}

// ExtractTokenFromHeader returns the bearer token from an Authorization header.
func ExtractTokenFromHeader(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", fmt.Errorf("%w: malformed authorization header", ErrInvalidToken)
	}
	return strings.TrimSpace(parts[1]), nil
}

// Identify resolves the connecting user from the token query parameter or
// Authorization header. A present but invalid token is an error; no token
// yields the userId query parameter (when trusted) or a guest id.
func (a *Authenticator) Identify(r *http.Request) (Identity, error) {
	q := r.URL.Query()

	tokenStr := q.Get("token")
	if tokenStr == "" {
		if h := r.Header.Get("Authorization"); h != "" {
			t, err := ExtractTokenFromHeader(h)
			if err != nil {
				return Identity{}, err
			}
			tokenStr = t
		}
	}

	if tokenStr != "" {
		claims, err := a.ParseToken(tokenStr)
		if err != nil {
			return Identity{}, err
		}
		return Identity{
			UserID:      claims.Subject,
			DisplayName: claims.Name,
			AvatarURL:   claims.Picture,
			Verified:    true,
		}, nil
	}

	if a.trustClient {
		if id := strings.TrimSpace(q.Get("userId")); id != "" {
			return Identity{UserID: id}, nil
		}
	}
	return Identity{UserID: "guest-" + a.guestID(), Guest: true}, nil
}
