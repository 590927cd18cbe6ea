// Package auth guards the control plane's write endpoints with an
// HS256 bearer token. Peer connections are deliberately unguarded; a
// pre-shared client id is the only peer identity.
package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// LocalsOperatorKey holds the authenticated operator id in the fiber
// request context.
const LocalsOperatorKey = "bridge:operator"

type OperatorClaims struct {
	Operator string `json:"sub"`
	jwt.RegisteredClaims
}

// Guard validates operator tokens. A nil Guard (or one with an empty
// secret) lets every request through.
type Guard struct {
	secret []byte
}

func NewGuard(secret string) *Guard {
	if strings.TrimSpace(secret) == "" {
		return nil
	}
	return &Guard{secret: []byte(secret)}
}

// Middleware returns a fiber handler enforcing the token. Usable on a
// nil receiver.
func (g *Guard) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if g == nil {
			return c.Next()
		}

		token, err := ExtractBearerToken(c.Get(fiber.HeaderAuthorization))
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, err.Error())
		}

		claims, err := g.validate(token)
		if err != nil {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		c.Locals(LocalsOperatorKey, claims.Operator)
		return c.Next()
	}
}

func (g *Guard) validate(rawToken string) (*OperatorClaims, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
	)

	claims := &OperatorClaims{}
	token, err := parser.ParseWithClaims(rawToken, claims, func(t *jwt.Token) (interface{}, error) {
		return g.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingToken
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrInvalidToken
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrInvalidToken
	}

	return token, nil
}
