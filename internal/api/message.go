package api

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/apierrors"
	"github.com/chatbus/chatbus-server/internal/auth"
	"github.com/chatbus/chatbus-server/internal/history"
	"github.com/chatbus/chatbus-server/internal/httputil"
	"github.com/chatbus/chatbus-server/internal/permission"
)

// maxSequenceQuery bounds how many sequence numbers one gap-fill request may
// name.
const maxSequenceQuery = 100

// PermissionGetter is the point-read slice of the permission store used to
// re-authorize every history query.
type PermissionGetter interface {
	Get(ctx context.Context, principalID, chatID string) (*permission.Record, error)
}

// MessageHandler serves the history range and gap-fill query endpoints.
type MessageHandler struct {
	store history.Store
	perms PermissionGetter
	log   zerolog.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(store history.Store, perms PermissionGetter, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{store: store, perms: perms, log: logger}
}

// messagesPage is the range query response shape.
type messagesPage struct {
	Messages []history.Record `json:"messages"`
	NextKey  string           `json:"nextKey,omitempty"`
}

// List handles GET /v1/messages. With a sequences parameter it serves the
// gap-fill query; otherwise the descending range listing. Both shapes
// re-authorize the principal against the permission store before the history
// store is touched.
func (h *MessageHandler) List(c fiber.Ctx) error {
	principalID := auth.Principal(c)
	if principalID == "" {
		return httputil.Fail(c, fiber.StatusUnauthorized, apierrors.TokenInvalid, "Missing principal identity")
	}

	chatID := c.Query("chatId")
	if chatID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MissingField, "chatId is required")
	}

	if _, err := h.perms.Get(c.Context(), principalID, chatID); err != nil {
		if errors.Is(err, permission.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusForbidden, apierrors.NoPermission, "No permission on chat")
		}
		h.log.Warn().Err(err).Str("handler", "message").Msg("permission check failed")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, apierrors.StoreUnavailable, "Permission store unavailable, retry")
	}

	if raw := c.Query("sequences"); raw != "" {
		return h.bySequences(c, chatID, raw)
	}
	return h.listRange(c, chatID)
}

func (h *MessageHandler) listRange(c fiber.Ctx, chatID string) error {
	rawLimit, _ := strconv.Atoi(c.Query("limit"))
	limit := history.ClampLimit(rawLimit)

	var fromTime time.Time
	if raw := c.Query("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid from parameter")
		}
		fromTime = parsed
	}

	records, next, err := h.store.Range(c.Context(), chatID, fromTime, limit, c.Query("startKey"))
	if err != nil {
		if errors.Is(err, history.ErrBadContinuation) {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid startKey parameter")
		}
		h.log.Error().Err(err).Str("handler", "message").Msg("history range query failed")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, apierrors.StoreUnavailable, "History store unavailable, retry")
	}

	if records == nil {
		records = []history.Record{}
	}
	return httputil.Success(c, messagesPage{Messages: records, NextKey: next})
}

func (h *MessageHandler) bySequences(c fiber.Ctx, chatID, raw string) error {
	parts := strings.Split(raw, ",")
	if len(parts) > maxSequenceQuery {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Too many sequence numbers")
	}

	seqs := make([]uint64, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seq, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "Invalid sequences parameter")
		}
		seqs = append(seqs, seq)
	}
	if len(seqs) == 0 {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.ValidationError, "sequences must name at least one number")
	}

	records, err := h.store.BySequences(c.Context(), chatID, seqs)
	if err != nil {
		h.log.Error().Err(err).Str("handler", "message").Msg("history sequence query failed")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, apierrors.StoreUnavailable, "History store unavailable, retry")
	}

	if records == nil {
		records = []history.Record{}
	}
	return httputil.Success(c, messagesPage{Messages: records})
}
