package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/maheshrc27/postflow/pkg/utils"
	"github.com/rs/zerolog/log"
)

type AuthMiddleware struct {
	secret string
}

func NewAuthMiddleware(jwtSecret string) *AuthMiddleware {
	return &AuthMiddleware{secret: jwtSecret}
}

// AuthMiddleware accepts "Authorization: Bearer <jwt>" and stores the user id in c.Locals("user_id").
func (m *AuthMiddleware) AuthMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(tokenString) == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(transfer.ErrorResponse{
				Code:    failure.CodeAuth,
				Message: "missing bearer token",
			})
		}

		claims, err := utils.ValidateToken(m.secret, strings.TrimSpace(tokenString))
		if err != nil {
			log.Debug().Err(err).Msg("token validation failed")
			return c.Status(fiber.StatusUnauthorized).JSON(transfer.ErrorResponse{
				Code:    failure.CodeAuth,
				Message: "invalid or expired token",
			})
		}

		c.Locals("user_id", claims.UserID)
		return c.Next()
	}
}
