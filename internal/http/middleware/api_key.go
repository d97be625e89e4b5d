package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

const ctxKeyID = "api_key_id"

// KeyIDFromCtx returns the fingerprint of the API key that authenticated the
// request, set by APIKeyMiddleware.
func KeyIDFromCtx(c echo.Context) (string, bool) {
	id, ok := c.Get(ctxKeyID).(string)
	return id, ok && id != ""
}

// KeyID is a short, non-reversible fingerprint of an API key, safe to log
// and to use in Redis keys.
func KeyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// APIKeyMiddleware authenticates requests using the X-API-Key header against
// a fixed key list. An empty list disables authentication.
func APIKeyMiddleware(keys []string) echo.MiddlewareFunc {
	allowed := make([][]byte, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			allowed = append(allowed, []byte(k))
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if len(allowed) == 0 {
			return next
		}
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			if !match(allowed, []byte(key)) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			c.Set(ctxKeyID, KeyID(key))
			return next(c)
		}
	}
}

func match(allowed [][]byte, key []byte) bool {
	found := 0
	for _, a := range allowed {
		found |= subtle.ConstantTimeCompare(a, key)
	}
	return found == 1
}
