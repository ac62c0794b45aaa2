package controllers

import (
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/nzbstream/internal/app"
	"github.com/datallboy/nzbstream/internal/stream"
)

var videoTypes = map[string]string{
	".mkv":  "video/x-matroska",
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
	".wmv":  "video/x-ms-wmv",
	".flv":  "video/x-flv",
	".webm": "video/webm",
	".mpg":  "video/mpeg",
	".mpeg": "video/mpeg",
	".ts":   "video/mp2t",
	".m2ts": "video/mp2t",
}

type StreamController struct {
	App *app.Context
}

// Session serves GET and HEAD for an existing session.
func (ctrl *StreamController) Session(c *echo.Context) error {
	sess, err := ctrl.App.Streams.Session(c.Param("session"))
	if err != nil {
		return httpError(err)
	}
	return serve(c, sess)
}

// Release streams an entry of a release, reusing the session this client
// already has on it.
func (ctrl *StreamController) Release(c *echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")

	vols, err := ctrl.App.Library.Volumes(ctx, id)
	if err != nil {
		return httpError(err)
	}
	sess, err := ctrl.App.Streams.FindOrOpen(ctx, c.RealIP(), id, vols, c.QueryParam("entry"))
	if err != nil {
		return httpError(err)
	}
	return serve(c, sess)
}

func serve(c *echo.Context, sess *stream.Session) error {
	req := c.Request()
	w := c.Response()

	// only the first range of a multi-range request is served
	if rg := req.Header.Get("Range"); strings.Contains(rg, ",") {
		req.Header.Set("Range", strings.TrimSpace(rg[:strings.Index(rg, ",")]))
	}

	name := path.Base(strings.ReplaceAll(sess.Entry().Name, `\`, "/"))
	w.Header().Set(echo.HeaderContentType, contentType(name))
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("X-Session-Id", sess.ID())

	http.ServeContent(w, req, name, time.Time{}, sess.NewReader(req.Context()))
	return nil
}

func contentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return echo.MIMEOctetStream
}
