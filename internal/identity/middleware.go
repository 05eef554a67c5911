package identity

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/owldock/casework-backend/pkg/models"
)

/* ============================== JWT Claims ============================== */

// Claims is the JWT payload we issue and expect. It carries the principal
// id only; the authoritative role is re-resolved from the catalog partition
// on every request.
type Claims struct {
	Sub string `json:"sub"` // principal ID
	jwt.RegisteredClaims
}

/* ============================== JWT Helpers ============================= */

// IssueToken signs a JWT (7 days) for the given principal.
func IssueToken(principalID string) (string, error) {
	claims := &Claims{
		Sub: principalID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(7 * 24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return t.SignedString([]byte(os.Getenv("JWT_SECRET")))
}

/* ============================== Middleware ============================== */

// RequireAuth validates a Bearer JWT, resolves the principal's role once,
// and injects both into the request locals. The stored Role is the
// per-request memoization the resolver relies on.
func RequireAuth(resolver *Resolver) fiber.Handler {
	return func(c *fiber.Ctx) error {
		h := c.Get("Authorization")
		if !strings.HasPrefix(h, "Bearer ") {
			return fiber.ErrUnauthorized
		}
		tokenStr := strings.TrimPrefix(h, "Bearer ")

		token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
			return []byte(os.Getenv("JWT_SECRET")), nil
		})
		if err != nil || !token.Valid {
			return fiber.ErrUnauthorized
		}

		claims, ok := token.Claims.(*Claims)
		if !ok {
			return fiber.ErrUnauthorized
		}
		principalID, err := uuid.Parse(claims.Sub)
		if err != nil {
			return fiber.ErrUnauthorized
		}

		role, err := resolver.Resolve(c.Context(), principalID)
		if err != nil {
			return fiber.ErrInternalServerError
		}

		c.Locals("principalID", principalID)
		c.Locals("role", role)
		return c.Next()
	}
}

// MustPrincipalID reads the authenticated principal ID from locals or
// panics (programming error: handler mounted without RequireAuth).
func MustPrincipalID(c *fiber.Ctx) uuid.UUID {
	if v := c.Locals("principalID"); v != nil {
		return v.(uuid.UUID)
	}
	panic(errors.New("principal not in context"))
}

// MustRole reads the resolved role from locals or panics.
func MustRole(c *fiber.Ctx) Role {
	if v := c.Locals("role"); v != nil {
		return v.(Role)
	}
	panic(errors.New("role not in context"))
}

// RequireKind ensures the resolved role has one of the expected kinds.
// Admin always passes; the permission gate inside the engine is the one
// place admin does not skip guard conditions.
func RequireKind(kinds ...RoleKind) fiber.Handler {
	return func(c *fiber.Ctx) error {
		role := MustRole(c)
		if role.Kind == RoleAdmin {
			return c.Next()
		}
		for _, k := range kinds {
			if role.Kind == k {
				return c.Next()
			}
		}
		return fiber.ErrForbidden
	}
}

/* =========================== Error Formatting =========================== */

// httpCodeToString converts an HTTP status code to a short, stable string.
func httpCodeToString(code int) string {
	switch code {
	case fiber.StatusBadRequest:
		return "BAD_REQUEST"
	case fiber.StatusUnauthorized:
		return "UNAUTHORIZED"
	case fiber.StatusForbidden:
		return "FORBIDDEN"
	case fiber.StatusNotFound:
		return "NOT_FOUND"
	case fiber.StatusConflict:
		return "CONFLICT"
	case fiber.StatusUnprocessableEntity:
		return "UNPROCESSABLE_ENTITY"
	case fiber.StatusRequestEntityTooLarge:
		return "PAYLOAD_TOO_LARGE"
	default:
		return "INTERNAL_SERVER_ERROR"
	}
}

// ErrorHandler is a global Fiber error handler that returns a consistent
// JSON shape.
func ErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		if strings.TrimSpace(e.Message) != "" {
			msg = e.Message
		} else {
			msg = fiber.ErrInternalServerError.Message
			switch code {
			case fiber.StatusBadRequest:
				msg = fiber.ErrBadRequest.Message
			case fiber.StatusUnauthorized:
				msg = fiber.ErrUnauthorized.Message
			case fiber.StatusForbidden:
				msg = fiber.ErrForbidden.Message
			case fiber.StatusNotFound:
				msg = fiber.ErrNotFound.Message
			case fiber.StatusConflict:
				msg = fiber.ErrConflict.Message
			}
		}
	}

	return c.Status(code).JSON(models.ErrorResponse{
		Code:    httpCodeToString(code),
		Error:   true,
		Message: msg,
	})
}
