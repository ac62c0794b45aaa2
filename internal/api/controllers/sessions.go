package controllers

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/nzbstream/internal/app"
	"github.com/datallboy/nzbstream/internal/stream"
)

type SessionController struct {
	App *app.Context
}

func sessionResponse(st stream.Stats) SessionResponse {
	return SessionResponse{Stats: st, URL: "/stream/" + st.ID}
}

func (ctrl *SessionController) Create(c *echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session request")
	}
	if req.ReleaseID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "release_id is required")
	}

	ctx := c.Request().Context()
	vols, err := ctrl.App.Library.Volumes(ctx, req.ReleaseID)
	if err != nil {
		return httpError(err)
	}
	sess, err := ctrl.App.Streams.OpenSession(ctx, req.ReleaseID, vols, req.Entry)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, sessionResponse(sess.Stats()))
}

func (ctrl *SessionController) List(c *echo.Context) error {
	stats := ctrl.App.Streams.List()
	out := make([]SessionResponse, 0, len(stats))
	for _, st := range stats {
		out = append(out, sessionResponse(st))
	}
	return c.JSON(http.StatusOK, out)
}

func (ctrl *SessionController) Get(c *echo.Context) error {
	sess, err := ctrl.App.Streams.Session(c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sessionResponse(sess.Stats()))
}

func (ctrl *SessionController) Delete(c *echo.Context) error {
	if err := ctrl.App.Streams.Close(c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
