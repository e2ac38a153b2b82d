package handler

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// NewErrorHandler renders every handler error as the JSON body webhook
// callers already understand.
func NewErrorHandler(logger *zap.SugaredLogger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if !errors.As(err, &he) {
			he = echo.NewHTTPError(
				http.StatusInternalServerError,
				"something went terribly wrong",
			).WithInternal(err)
		}

		if he.Code >= http.StatusInternalServerError {
			logger.Errorw("handler internal error",
				"path", c.Request().URL.Path,
				"status", he.Code,
				"err", he.Internal,
			)
		} else if he.Internal != nil {
			logger.Debugw("handler error",
				"path", c.Request().URL.Path,
				"status", he.Code,
				"err", he.Internal,
			)
		}

		if c.Request().Method == http.MethodHead {
			err = c.NoContent(he.Code)
		} else {
			err = c.JSON(he.Code, StatusResponse{
				Status: StatusError,
				Reason: fmt.Sprint(he.Message),
			})
		}
		if err != nil {
			logger.Errorw("err writing error response", "err", err)
		}
	}
}

func newError(err error, status int, message string) error {
	e := echo.NewHTTPError(status, message)
	if err != nil {
		e = e.WithInternal(err)
	}
	return e
}
