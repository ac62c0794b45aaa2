package controllers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"

	"github.com/datallboy/nzbstream/internal/article"
	"github.com/datallboy/nzbstream/internal/library"
	"github.com/datallboy/nzbstream/internal/mapping"
	"github.com/datallboy/nzbstream/internal/nntp"
	"github.com/datallboy/nzbstream/internal/nzb"
	"github.com/datallboy/nzbstream/internal/rar"
	"github.com/datallboy/nzbstream/internal/store"
	"github.com/datallboy/nzbstream/internal/stream"
)

// httpError maps service errors onto response codes.
func httpError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, stream.ErrSessionNotFound),
		errors.Is(err, stream.ErrEntryNotFound):
		code = http.StatusNotFound
	case errors.Is(err, library.ErrTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, nzb.ErrInvalid),
		errors.Is(err, nzb.ErrEmpty):
		code = http.StatusBadRequest
	case errors.Is(err, nzb.ErrNoArchive),
		errors.Is(err, nzb.ErrMissingVolume),
		errors.Is(err, stream.ErrNoVolumes),
		errors.Is(err, rar.ErrNotRar),
		errors.Is(err, rar.ErrUnsupportedCompression),
		errors.Is(err, rar.ErrEncrypted),
		errors.Is(err, mapping.ErrLayout):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, stream.ErrOutOfRange),
		errors.Is(err, mapping.ErrOutOfRange):
		code = http.StatusRequestedRangeNotSatisfiable
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, nntp.ErrTimeout):
		code = http.StatusGatewayTimeout
	case errors.Is(err, nntp.ErrArticleNotFound),
		errors.Is(err, nntp.ErrNoProviders),
		errors.Is(err, nntp.ErrPoolDegraded),
		errors.Is(err, nntp.ErrConnectionExhausted),
		errors.Is(err, nntp.ErrDisconnected),
		errors.Is(err, article.ErrDecodeMismatch),
		errors.Is(err, rar.ErrTruncated),
		errors.Is(err, rar.ErrCorruptHeader),
		errors.Is(err, rar.ErrHeaderCRC):
		code = http.StatusBadGateway
	}
	return echo.NewHTTPError(code, err.Error())
}
