package http

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"hindsight/internal/store"
)

type SessionResponse struct {
	Success bool         `json:"success"`
	Code    string       `json:"code,omitempty"`
	Error   string       `json:"error,omitempty"`
	Session *SessionBody `json:"session,omitempty"`
}

type SessionListResponse struct {
	Success  bool          `json:"success"`
	Sessions []SessionBody `json:"sessions"`
}

func listSessionsHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	project, errResp := projectFromParam(c)
	if project == nil {
		return errResp
	}
	sessions, err := st.ListSessions(c.Context(), project.ID, c.QueryInt("limit", 50))
	if err != nil {
		return internalError(c, err)
	}
	out := make([]SessionBody, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionBody(s))
	}
	return c.JSON(SessionListResponse{Success: true, Sessions: out})
}

func getSessionHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid session id")
	}
	session, err := st.GetSession(c.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundResp(c, "session not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	body := sessionBody(session)
	return c.JSON(SessionResponse{Success: true, Session: &body})
}
