package handlers

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/rs/zerolog/log"
)

func GetUserID(c *fiber.Ctx) int64 {
	s, _ := c.Locals("user_id").(string)
	userID, _ := strconv.ParseInt(s, 10, 64)
	return userID
}

// respondError maps an error to a status code and the numeric code callers switch on.
func respondError(c *fiber.Ctx, err error) error {
	if errors.Is(err, service.ErrRecordNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(transfer.ErrorResponse{
			Code:    failure.CodeValidation,
			Message: err.Error(),
		})
	}

	status := fiber.StatusInternalServerError
	switch failure.KindOf(err) {
	case failure.Validation:
		status = fiber.StatusBadRequest
	case failure.AuthExpired:
		status = fiber.StatusUnauthorized
	case failure.Quota:
		status = fiber.StatusTooManyRequests
	case failure.Transient, failure.PlatformRejected:
		status = fiber.StatusBadGateway
	}

	msg := failure.Message(err)
	if status == fiber.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("request failed")
		msg = "internal error"
	}
	return c.Status(status).JSON(transfer.ErrorResponse{Code: failure.Code(err), Message: msg})
}
