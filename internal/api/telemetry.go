package api

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/apierrors"
	"github.com/chatbus/chatbus-server/internal/httputil"
	"github.com/chatbus/chatbus-server/internal/telemetry"
)

// TelemetryHandler serves the client latency ingest endpoint.
type TelemetryHandler struct {
	sink *telemetry.Sink
	log  zerolog.Logger
}

// NewTelemetryHandler creates a new telemetry handler.
func NewTelemetryHandler(sink *telemetry.Sink, logger zerolog.Logger) *TelemetryHandler {
	return &TelemetryHandler{sink: sink, log: logger}
}

// Ingest handles POST /metrics.
func (h *TelemetryHandler) Ingest(c fiber.Ctx) error {
	var sample telemetry.Sample
	if err := c.Bind().Body(&sample); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedBody, "Invalid request body")
	}

	if err := h.sink.Record(sample); err != nil {
		if errors.Is(err, telemetry.ErrInvalidSample) {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "latency must not be negative")
		}
		h.log.Error().Err(err).Str("handler", "telemetry").Msg("unhandled telemetry error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}

	return httputil.SuccessStatus(c, fiber.StatusAccepted, fiber.Map{"recorded": true})
}
