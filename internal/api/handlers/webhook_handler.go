package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/maheshrc27/postflow/internal/failure"
	"github.com/maheshrc27/postflow/internal/service"
	"github.com/rs/zerolog/log"
)

type WebhookHandler struct {
	s service.WebhookService
}

func NewWebhookHandler(service service.WebhookService) *WebhookHandler {
	return &WebhookHandler{s: service}
}

func (h *WebhookHandler) Tiktok(c *fiber.Ctx) error {
	err := h.s.HandleTiktok(c.Context(), c.Body(), c.Get("TikTok-Signature"))
	if err != nil {
		if failure.Is(err, failure.Validation) {
			log.Warn().Err(err).Msg("rejected tiktok webhook")
			return c.SendStatus(fiber.StatusBadRequest)
		}
		// non-2xx makes tiktok redeliver
		log.Error().Err(err).Msg("tiktok webhook failed")
		return c.SendStatus(fiber.StatusInternalServerError)
	}
	return c.SendStatus(fiber.StatusOK)
}
