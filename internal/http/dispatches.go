package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/jmehdipour/notification-relay/internal/ledger"
	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type DispatchLookup interface {
	Get(ctx context.Context, id string) (model.DispatchRecord, error)
}

func getDispatchHandler(l DispatchLookup, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := c.Param("id")
		if id == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing id"})
		}

		rec, err := l.Get(c.Request().Context(), id)
		if errors.Is(err, ledger.ErrNotFound) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not_found"})
		}
		if err != nil {
			log.Error("dispatch lookup failed", zap.String("dispatch_id", id), zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "storage_unavailable"})
		}
		return c.JSON(http.StatusOK, rec)
	}
}
