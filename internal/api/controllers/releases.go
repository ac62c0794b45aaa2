package controllers

import (
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/nzbstream/internal/app"
	"github.com/datallboy/nzbstream/internal/stream"
)

type ReleaseController struct {
	App *app.Context
}

// Upload stores an NZB sent either as the multipart field "nzb" or as the
// raw request body.
func (ctrl *ReleaseController) Upload(c *echo.Context) error {
	req := c.Request()

	var (
		body io.Reader = req.Body
		name           = c.QueryParam("name")
	)
	if strings.HasPrefix(req.Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		fh, err := c.FormFile("nzb")
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "multipart upload needs an \"nzb\" file field")
		}
		f, err := fh.Open()
		if err != nil {
			return httpError(err)
		}
		defer f.Close()
		body = f
		if name == "" {
			name = fh.Filename
		}
	}

	rel, dup, err := ctrl.App.Library.Import(req.Context(), name, body)
	if err != nil {
		return httpError(err)
	}

	code := http.StatusCreated
	if dup {
		code = http.StatusOK
	}
	return c.JSON(code, ReleaseResponse{Release: rel, Duplicate: dup})
}

func (ctrl *ReleaseController) List(c *echo.Context) error {
	rels, err := ctrl.App.Library.Releases(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	out := make([]ReleaseResponse, 0, len(rels))
	for _, r := range rels {
		out = append(out, ReleaseResponse{Release: r})
	}
	return c.JSON(http.StatusOK, out)
}

func (ctrl *ReleaseController) Get(c *echo.Context) error {
	ctx := c.Request().Context()
	rel, err := ctrl.App.Library.Release(ctx, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	files, err := ctrl.App.Library.Files(ctx, rel.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ReleaseResponse{Release: rel, Files: files})
}

func (ctrl *ReleaseController) Delete(c *echo.Context) error {
	id := c.Param("id")
	if err := ctrl.App.Library.Delete(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	ctrl.App.Streams.Forget(id)
	return c.NoContent(http.StatusNoContent)
}

// Entries parses the release's archive headers and lists what is inside.
func (ctrl *ReleaseController) Entries(c *echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	vols, err := ctrl.App.Library.Volumes(ctx, id)
	if err != nil {
		return httpError(err)
	}
	archive, err := ctrl.App.Streams.Archive(ctx, id, vols)
	if err != nil {
		return httpError(err)
	}

	out := make([]EntryResponse, 0, len(archive.Entries))
	for _, e := range archive.Entries {
		er := EntryResponse{
			Name:       e.Name,
			Size:       e.Size,
			Method:     e.Method.String(),
			Version:    e.Version,
			Volumes:    e.VolumeCount(),
			Encrypted:  e.Encrypted,
			Video:      stream.IsVideo(e.Name),
			Streamable: e.Usable() == nil,
		}
		if err := e.Usable(); err != nil {
			er.Reason = err.Error()
		}
		out = append(out, er)
	}
	return c.JSON(http.StatusOK, out)
}
