package http

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/jmehdipour/notification-relay/internal/repository"
	"github.com/jmehdipour/notification-relay/internal/util"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

func listDispatchesHandler(chRepo repository.CHDispatchesRepository, defaultCC string, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if chRepo == nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "reports_disabled"})
		}

		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		f := repository.DispatchFilter{Limit: limit, Offset: offset}

		if raw := strings.TrimSpace(c.QueryParam("channel")); raw != "" {
			ch, ok := model.ParseChannel(raw)
			if !ok {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid channel"})
			}
			f.Channel = ch
		}
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			st := model.DispatchStatus(strings.ToLower(raw))
			if !st.Valid() {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid status"})
			}
			f.Status = st
		}
		if raw := strings.TrimSpace(c.QueryParam("recipient")); raw != "" {
			if strings.Contains(raw, "@") {
				f.Recipient = strings.ToLower(raw)
			} else {
				f.Recipient = util.NormalizePhone(raw, defaultCC)
			}
		}

		rows, err := chRepo.List(c.Request().Context(), f)
		if err != nil {
			log.Error("clickhouse list failed", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":  limit,
			"offset": offset,
			"count":  len(rows),
			"items":  rows,
		})
	}
}
