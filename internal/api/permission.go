package api

import (
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v3"
	"github.com/rs/zerolog"

	"github.com/chatbus/chatbus-server/internal/apierrors"
	"github.com/chatbus/chatbus-server/internal/auth"
	"github.com/chatbus/chatbus-server/internal/httputil"
	"github.com/chatbus/chatbus-server/internal/permission"
)

// defaultPermissionPage is the page size for permission listings when the
// caller does not supply one.
const defaultPermissionPage = 50

// PermissionHandler serves the permission admin endpoints.
type PermissionHandler struct {
	store permission.Store
	log   zerolog.Logger
}

// NewPermissionHandler creates a new permission handler.
func NewPermissionHandler(store permission.Store, logger zerolog.Logger) *PermissionHandler {
	return &PermissionHandler{store: store, log: logger}
}

type grantRequest struct {
	TargetUserID string          `json:"targetUserId"`
	ChatID       string          `json:"chatId"`
	Role         permission.Role `json:"role"`
}

// Grant handles POST /v1/permissions. The caller must hold the admin role on
// the chat; the first grant for a chat with no records yet bootstraps it.
func (h *PermissionHandler) Grant(c fiber.Ctx) error {
	principalID := auth.Principal(c)

	var body grantRequest
	if err := c.Bind().Body(&body); err != nil {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MalformedBody, "Invalid request body")
	}
	if body.TargetUserID == "" || body.ChatID == "" || body.Role == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MissingField, "targetUserId, chatId and role are required")
	}
	if !permission.ValidRole(body.Role) {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidRole, "role must be admin, member or viewer")
	}

	if ok, err := h.requireChatAdmin(c, principalID, body.ChatID, true); !ok {
		return err
	}

	rec, err := h.store.Grant(c.Context(), body.TargetUserID, body.ChatID, body.Role, principalID)
	if err != nil {
		return h.mapStoreError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, rec)
}

// Revoke handles DELETE /v1/permissions?userId=&chatId=.
func (h *PermissionHandler) Revoke(c fiber.Ctx) error {
	principalID := auth.Principal(c)

	userID := c.Query("userId")
	chatID := c.Query("chatId")
	if userID == "" || chatID == "" {
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.MissingField, "userId and chatId are required")
	}

	if ok, err := h.requireChatAdmin(c, principalID, chatID, false); !ok {
		return err
	}

	if err := h.store.Revoke(c.Context(), userID, chatID); err != nil {
		if errors.Is(err, permission.ErrNotFound) {
			return httputil.Fail(c, fiber.StatusNotFound, apierrors.NotFound, "Permission record not found")
		}
		return h.mapStoreError(c, err)
	}
	return httputil.Success(c, fiber.Map{"revoked": true})
}

// permissionsPage is the listing response shape.
type permissionsPage struct {
	Permissions []permission.Record `json:"permissions"`
	NextKey     string              `json:"nextKey,omitempty"`
}

// List handles GET /v1/permissions. With chatId it lists the chat's members
// (admin only); otherwise it lists the caller's own grants. userId may only
// name the caller.
func (h *PermissionHandler) List(c fiber.Ctx) error {
	principalID := auth.Principal(c)

	rawLimit, _ := strconv.Atoi(c.Query("limit"))
	limit := rawLimit
	if limit <= 0 || limit > 200 {
		limit = defaultPermissionPage
	}

	if chatID := c.Query("chatId"); chatID != "" {
		if ok, err := h.requireChatAdmin(c, principalID, chatID, false); !ok {
			return err
		}
		records, next, err := h.store.ListByChat(c.Context(), chatID, limit, c.Query("startKey"))
		if err != nil {
			return h.mapStoreError(c, err)
		}
		return h.page(c, records, next)
	}

	userID := c.Query("userId")
	if userID != "" && userID != principalID {
		return httputil.Fail(c, fiber.StatusForbidden, apierrors.NoPermission, "May only list own permissions")
	}

	records, next, err := h.store.List(c.Context(), principalID, limit, c.Query("startKey"))
	if err != nil {
		return h.mapStoreError(c, err)
	}
	return h.page(c, records, next)
}

func (h *PermissionHandler) page(c fiber.Ctx, records []permission.Record, next string) error {
	if records == nil {
		records = []permission.Record{}
	}
	return httputil.Success(c, permissionsPage{Permissions: records, NextKey: next})
}

// requireChatAdmin denies unless the principal holds the admin role on the
// chat. When allowBootstrap is set, a chat with no records at all is open for
// its first grant. It reports whether the caller may proceed; on a denial the
// error response is already written and the returned error is its write result.
func (h *PermissionHandler) requireChatAdmin(c fiber.Ctx, principalID, chatID string, allowBootstrap bool) (bool, error) {
	rec, err := h.store.Get(c.Context(), principalID, chatID)
	if err == nil {
		if rec.Role != permission.RoleAdmin {
			return false, httputil.Fail(c, fiber.StatusForbidden, apierrors.NoPermission, "Chat admin role required")
		}
		return true, nil
	}
	if !errors.Is(err, permission.ErrNotFound) {
		return false, h.mapStoreError(c, err)
	}

	if allowBootstrap {
		members, _, lErr := h.store.ListByChat(c.Context(), chatID, 1, "")
		if lErr != nil {
			return false, h.mapStoreError(c, lErr)
		}
		if len(members) == 0 {
			return true, nil
		}
	}
	return false, httputil.Fail(c, fiber.StatusForbidden, apierrors.NoPermission, "Chat admin role required")
}

// mapStoreError converts store-layer errors to HTTP responses.
func (h *PermissionHandler) mapStoreError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, permission.ErrInvalidRole):
		return httputil.Fail(c, fiber.StatusBadRequest, apierrors.InvalidRole, "role must be admin, member or viewer")
	case errors.Is(err, permission.ErrStoreUnavailable):
		h.log.Warn().Err(err).Str("handler", "permission").Msg("permission store unavailable")
		return httputil.Fail(c, fiber.StatusServiceUnavailable, apierrors.StoreUnavailable, "Permission store unavailable, retry")
	default:
		h.log.Error().Err(err).Str("handler", "permission").Msg("unhandled permission store error")
		return httputil.Fail(c, fiber.StatusInternalServerError, apierrors.InternalError, "An internal error occurred")
	}
}
