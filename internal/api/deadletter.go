package api

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/apierrors"
	"github.com/chatbus/chatbus-server/internal/deadletter"
	"github.com/chatbus/chatbus-server/internal/httputil"
)

// DeadLetterHandler serves the dead-letter inspection endpoint.
type DeadLetterHandler struct {
	holder *deadletter.Holder
	log    zerolog.Logger
}

// NewDeadLetterHandler creates a new dead-letter handler.
func NewDeadLetterHandler(holder *deadletter.Holder, logger zerolog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{holder: holder, log: logger}
}

// List handles GET /v1/deadletters?limit=.
func (h *DeadLetterHandler) List(c fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	entries, err := h.holder.List(c.Context(), limit)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "deadletter").Msg("dead-letter listing failed")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, apierrors.ServiceUnavailable, "Dead-letter holder unavailable, retry")
	}

	total, err := h.holder.Len(c.Context())
	if err != nil {
		total = int64(len(entries))
	}

	if entries == nil {
		entries = []deadletter.Entry{}
	}
	return httputil.Success(c, fiber.Map{
		"entries": entries,
		"total":   total,
	})
}
