package handlers

import (
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/maheshrc27/postflow/internal/transfer"
	"github.com/rs/zerolog/log"
)

type PublishHandler struct {
	s service.PublishService
}

func NewPublishHandler(service service.PublishService) *PublishHandler {
	return &PublishHandler{s: service}
}

func (h *PublishHandler) CreatePublish(c *fiber.Ctx) error {
	userID := GetUserID(c)

	var req transfer.CreatePublish
	if err := c.BodyParser(&req); err != nil {
		log.Debug().Err(err).Msg("bad publish body")
		return c.Status(fiber.StatusBadRequest).JSON(transfer.ErrorResponse{
			Code:    failure.CodeValidation,
			Message: "unable to parse request body",
		})
	}

	resp, err := h.s.CreatePublish(c.Context(), userID, &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(resp)
}

func (h *PublishHandler) FlowStatus(c *fiber.Ctx) error {
	resp, err := h.s.FlowStatus(c.Context(), GetUserID(c), c.Params("flowId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *PublishHandler) Lookup(c *fiber.Ctx) error {
	platform := c.Query("accountType")
	dataID := c.Query("dataId")
	if platform == "" || dataID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(transfer.ErrorResponse{
			Code:    failure.CodeValidation,
			Message: "accountType and dataId are required",
		})
	}

	rec, err := h.s.Lookup(c.Context(), GetUserID(c), platform, dataID)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(rec)
}

func (h *PublishHandler) Record(c *fiber.Ctx) error {
	id, ok := recordID(c)
	if !ok {
		return badRecordID(c)
	}
	rec, err := h.s.Record(c.Context(), GetUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(rec)
}

func (h *PublishHandler) Attempts(c *fiber.Ctx) error {
	id, ok := recordID(c)
	if !ok {
		return badRecordID(c)
	}
	attempts, err := h.s.Attempts(c.Context(), GetUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(attempts)
}

func (h *PublishHandler) PublishNow(c *fiber.Ctx) error {
	id, ok := recordID(c)
	if !ok {
		return badRecordID(c)
	}
	rec, err := h.s.PublishNow(c.Context(), GetUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(rec)
}

func (h *PublishHandler) Remove(c *fiber.Ctx) error {
	id, ok := recordID(c)
	if !ok {
		return badRecordID(c)
	}
	if err := h.s.Remove(c.Context(), GetUserID(c), id); err != nil {
		return respondError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func recordID(c *fiber.Ctx) (int64, bool) {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	return id, err == nil && id > 0
}

func badRecordID(c *fiber.Ctx) error {
	return c.Status(fiber.StatusBadRequest).JSON(transfer.ErrorResponse{
		Code:    failure.CodeValidation,
		Message: "invalid record id",
	})
}
