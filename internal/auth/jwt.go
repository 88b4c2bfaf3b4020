package auth

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const (
	// Roles carried in token claims, mirroring the upstream user registry.
	RoleSender   = "sender"
	RoleReceiver = "receiver"
	RoleAdmin    = "admin"

	localsActorKey = "actor"
	localsRoleKey  = "role"
)

type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Middleware validates the HS256 bearer token and stashes the actor and role
// in request locals.
func Middleware(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := strings.TrimSpace(c.Get(fiber.HeaderAuthorization))
		if header == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "missing authorization header")
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid authorization header")
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid token")
		}

		actor := strings.TrimSpace(claims.Subject)
		if actor == "" {
			return fiber.NewError(fiber.StatusUnauthorized, "token has no subject")
		}

		c.Locals(localsActorKey, actor)
		c.Locals(localsRoleKey, strings.TrimSpace(claims.Role))
		return c.Next()
	}
}

// RequireRole restricts a route to the given roles. Admins always pass.
func RequireRole(roles ...string) fiber.Handler {
	allowed := make(map[string]bool, len(roles)+1)
	for _, role := range roles {
		allowed[strings.ToLower(role)] = true
	}
	allowed[RoleAdmin] = true

	return func(c *fiber.Ctx) error {
		role := strings.ToLower(RoleFromContext(c))
		if !allowed[role] {
			return fiber.NewError(fiber.StatusForbidden, "insufficient role")
		}
		return c.Next()
	}
}

func ActorFromContext(c *fiber.Ctx) string {
	if actor, ok := c.Locals(localsActorKey).(string); ok {
		return actor
	}
	return ""
}

func RoleFromContext(c *fiber.Ctx) string {
	if role, ok := c.Locals(localsRoleKey).(string); ok {
		return role
	}
	return ""
}

// SignToken mints a token for the given actor and role. Used by tests and the
// local development seed tooling.
func SignToken(secret, actor, role string) (string, error) {
	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject: actor,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
