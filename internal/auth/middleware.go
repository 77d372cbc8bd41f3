package auth

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/chatbus/chatbus-server/internal/apierrors"
	"github.com/chatbus/chatbus-server/internal/httputil"
)

// PrincipalKey is the Locals key under which RequireAuth stores the verified
// principal ID.
const PrincipalKey = "principalID"

// RequireAuth returns Fiber middleware that validates a Bearer token from the
// Authorization header and stores the principal ID in c.Locals(PrincipalKey).
// Verification is bounded by the given timeout and fails closed.
func RequireAuth(verifier Verifier, timeout time.Duration) fiber.Handler {
	return func(c fiber.Ctx) error {
		header := c.Get("Authorization")
		if header == "" {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.TokenInvalid, "Missing authorization header")
		}

		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.TokenInvalid, "Invalid authorization format")
		}
		rawToken := header[len(prefix):]

		ctx, cancel := context.WithTimeout(c.Context(), timeout)
		defer cancel()

		claims, err := verifier.Verify(ctx, rawToken)
		if err != nil {
			code := apierrors.TokenInvalid
			message := "Invalid token"
			if errors.Is(err, ErrTokenExpired) {
				code = apierrors.TokenExpired
				message = "Token has expired"
			}
			return httputil.Fail(c, fiber.StatusUnauthorized, code, message)
		}

		c.Locals(PrincipalKey, claims.Subject)
		return c.Next()
	}
}

// Principal returns the verified principal ID stored by RequireAuth, or the
// empty string when the request did not pass through it.
func Principal(c fiber.Ctx) string {
	if id, ok := c.Locals(PrincipalKey).(string); ok {
		return id
	}
	return ""
}
