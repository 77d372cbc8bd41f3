package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/apierrors"
	"github.com/chatbus/chatbus-server/internal/auth"
	"github.com/chatbus/chatbus-server/internal/bus"
	"github.com/chatbus/chatbus-server/internal/envelope"
	"github.com/chatbus/chatbus-server/internal/httputil"
	"github.com/chatbus/chatbus-server/internal/permission"
	"github.com/chatbus/chatbus-server/internal/publish"
	"github.com/chatbus/chatbus-server/internal/sequence"
)

// PublishHandler serves the stateless application-to-person publish endpoint.
type PublishHandler struct {
	publisher *publish.Publisher
	log       zerolog.Logger
}

// NewPublishHandler creates a new publish handler.
func NewPublishHandler(publisher *publish.Publisher, logger zerolog.Logger) *PublishHandler {
	return &PublishHandler{publisher: publisher, log: logger}
}

// Publish handles POST /v1/publish.
func (h *PublishHandler) Publish(c fiber.Ctx) error {
	principalID := auth.Principal(c)
	if principalID == "" {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.TokenInvalid, "Missing principal identity")
	}

	var req envelope.PublishRequest
	if err := c.Bind().Body(&req); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedBody, "Invalid request body")
	}

	receipt, err := h.publisher.PublishDirect(c.Context(), principalID, req)
	if err != nil {
		return h.mapPublishError(c, err)
	}

	return httputil.Success(c, receipt)
}

// mapPublishError converts publisher errors to HTTP responses. Validation and
// authorization failures are 4xx; transient infrastructure is retryable 5xx.
func (h *PublishHandler) mapPublishError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, envelope.ErrMalformedBody):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedBody, "Payload is not structured")
	case errors.Is(err, envelope.ErrMissingField):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MissingField, "targetChannel, payload and payload.chatId are required")
	case errors.Is(err, envelope.ErrInvalidMessageType):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidMessageType, "messageType must be fifo or standard")
	case errors.Is(err, publish.ErrNoPermission):
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.NoPermission, "No permission on chat")
	case errors.Is(err, sequence.ErrSequencerUnavailable):
		return httputil.Fail(c, fiber.StatusServiceUnavailable, apierrors.SequencerUnavailable, "Sequencer unavailable, retry")
	case errors.Is(err, permission.ErrStoreUnavailable):
		return httputil.Fail(c, fiber.StatusServiceUnavailable, apierrors.StoreUnavailable, "Permission store unavailable, retry")
	case errors.Is(err, bus.ErrBusUnavailable):
		return httputil.Fail(c, fiber.StatusServiceUnavailable, apierrors.BusUnavailable, "Bus unavailable, retry")
	default:
		h.log.Error().Err(err).Str("handler", "publish").Msg("unhandled publish error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
