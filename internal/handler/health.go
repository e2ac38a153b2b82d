package handler

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

type Pinger interface {
	PingContext(ctx context.Context) error
}

func GetHealth(db Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := db.PingContext(c.Request().Context()); err != nil {
			return newError(err, http.StatusServiceUnavailable, "database unavailable")
		}
		return c.JSON(http.StatusOK, StatusResponse{Status: "ok"})
	}
}
