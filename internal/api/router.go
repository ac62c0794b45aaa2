package api

import (
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/datallboy/nzbstream/internal/api/controllers"
	"github.com/datallboy/nzbstream/internal/app"
)

func RegisterRoutes(e *echo.Echo, app *app.Context) {

	e.Use(middleware.Recover())

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Metrics.IncRequests()
			if v.Status >= 400 {
				app.Metrics.IncErrors()
			}
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	releases := &controllers.ReleaseController{App: app}
	sessions := &controllers.SessionController{App: app}
	streams := &controllers.StreamController{App: app}
	system := &controllers.SystemController{App: app}

	api := e.Group("/api")
	api.POST("/releases", releases.Upload)
	api.GET("/releases", releases.List)
	api.GET("/releases/:id", releases.Get)
	api.DELETE("/releases/:id", releases.Delete)
	api.GET("/releases/:id/entries", releases.Entries)

	api.POST("/sessions", sessions.Create)
	api.GET("/sessions", sessions.List)
	api.GET("/sessions/:id", sessions.Get)
	api.DELETE("/sessions/:id", sessions.Delete)

	// Ranged playback
	e.GET("/stream/:session", streams.Session)
	e.HEAD("/stream/:session", streams.Session)
	e.GET("/releases/:id/stream", streams.Release)
	e.HEAD("/releases/:id/stream", streams.Release)

	e.GET("/health", system.Health)
	e.GET("/metrics", echo.WrapHandler(app.Metrics.Handler(app.UpdateGauges)))
}
