package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jmehdipour/notification-relay/internal/model"
	"github.com/jmehdipour/notification-relay/internal/service/dispatch"
	"github.com/jmehdipour/notification-relay/internal/validator"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const idempotencyHeader = "Idempotency-Key"

// Sender is the dispatch pipeline as seen by the handlers.
type Sender interface {
	Send(ctx context.Context, env model.Envelope) (model.Outcome, error)
}

func sendEmailHandler(v *validator.Validator, s Sender, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req validator.EmailRequest
		if err := c.Bind(&req); err != nil {
			return badRequest(c)
		}
		if k := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader)); k != "" {
			req.IdempotencyKey = k
		}

		env, err := v.ValidateEmail(req)
		if err != nil {
			return validationFailed(c, err)
		}
		return send(c, s, env, log)
	}
}

func sendSMSHandler(v *validator.Validator, s Sender, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req validator.SMSRequest
		if err := c.Bind(&req); err != nil {
			return badRequest(c)
		}
		if k := strings.TrimSpace(c.Request().Header.Get(idempotencyHeader)); k != "" {
			req.IdempotencyKey = k
		}

		env, err := v.ValidateSMS(req)
		if err != nil {
			return validationFailed(c, err)
		}
		return send(c, s, env, log)
	}
}

// send runs the pipeline and maps its outcome: 200 sent, 202 in flight,
// 500 failed or storage trouble. An unknown outcome carries the dispatch id
// so the caller can look it up instead of resending.
func send(c echo.Context, s Sender, env model.Envelope, log *zap.Logger) error {
	out, err := s.Send(c.Request().Context(), env)
	if err != nil {
		log.Error("send failed",
			zap.String("channel", env.Channel.String()),
			zap.String("idempotency_key", env.IdempotencyKey),
			zap.Error(err))

		switch {
		case errors.Is(err, dispatch.ErrOutboxUnavailable):
			body := outcomeBody(out)
			body["error"] = "outbox_unavailable"
			return c.JSON(http.StatusInternalServerError, body)
		case errors.Is(err, dispatch.ErrOutcomeUnknown):
			body := outcomeBody(out)
			body["error"] = "outcome_unknown"
			body["description"] = "the provider may have accepted the message; check GET /v1/dispatches/" + out.Record.ID + " before retrying"
			return c.JSON(http.StatusInternalServerError, body)
		case errors.Is(err, dispatch.ErrStorageUnavailable):
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error":       "storage_unavailable",
				"description": "dispatch ledger is unavailable, nothing was sent",
			})
		default:
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal"})
		}
	}

	body := outcomeBody(out)
	switch {
	case out.Sent():
		return c.JSON(http.StatusOK, body)
	case out.Pending():
		body["description"] = "a dispatch with this idempotency key is in progress, retry later"
		return c.JSON(http.StatusAccepted, body)
	case out.Failed():
		body["error"] = "dispatch_failed"
		if out.Record.LastError != nil {
			body["description"] = *out.Record.LastError
		}
		return c.JSON(http.StatusInternalServerError, body)
	default:
		log.Error("dispatch returned no status", zap.String("dispatch_id", out.Record.ID))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal"})
	}
}

func outcomeBody(out model.Outcome) map[string]any {
	body := map[string]any{
		"id":              out.Record.ID,
		"status":          out.Status.String(),
		"channel":         out.Record.Channel.String(),
		"attempts":        out.Record.Attempts,
		"idempotency_key": out.Record.IdempotencyKey,
	}
	if out.Replayed {
		body["replayed"] = true
	}
	if out.Record.SentAt != nil {
		body["sent_at"] = out.Record.SentAt
	}
	return body
}

func badRequest(c echo.Context) error {
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error":       "bad_request",
		"description": "request body is not valid JSON",
	})
}

func validationFailed(c echo.Context, err error) error {
	var ve *validator.ValidationError
	if errors.As(err, &ve) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error":  "validation",
			"field":  ve.Field,
			"reason": ve.Reason,
		})
	}
	return c.JSON(http.StatusBadRequest, map[string]string{"error": "validation", "reason": err.Error()})
}
