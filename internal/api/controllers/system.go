package controllers

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/nzbstream/internal/app"
)

type SystemController struct {
	App *app.Context
}

func (ctrl *SystemController) Health(c *echo.Context) error {
	res := HealthResponse{
		Status:   "ok",
		Sessions: ctrl.App.Streams.Count(),
		Cache:    ctrl.App.Cache.Stats(),
	}
	if ctrl.App.NNTP != nil {
		res.Providers = ctrl.App.NNTP.Stats()
		for _, p := range res.Providers {
			if p.Degraded {
				res.Status = "degraded"
			}
		}
	}

	code := http.StatusOK
	if ctrl.App.Store != nil {
		res.Schema = ctrl.App.Store.SchemaVersion()
		if err := ctrl.App.Store.Ping(c.Request().Context()); err != nil {
			res.Status = "store unavailable"
			code = http.StatusServiceUnavailable
		}
	}
	return c.JSON(code, res)
}
