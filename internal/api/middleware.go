package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"hosting-ledger/internal/config"
	"hosting-ledger/internal/metrics"
	"hosting-ledger/internal/model"
	"hosting-ledger/internal/pkg/apperr"
)

// Header names set by the upstream identity provider and clients.
const (
	HeaderAccountID      = "X-Account-ID"
	HeaderRequestID      = "X-Request-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
)

const (
	requestIDKey = "request_id"
	actorKey     = "actor"
)

// RequestLogger assigns a request id and logs every request.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header(HeaderRequestID, requestID)

		c.Next()

		status := c.Writer.Status()
		event := log.Info()
		switch {
		case status >= http.StatusInternalServerError:
			event = log.Error()
		case status >= http.StatusBadRequest:
			event = log.Warn()
		}
		if actor, found := actorFrom(c); found {
			event = event.Int64("account_id", actor.AccountID)
		}
		event.
			Str("request_id", requestID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("ip", c.ClientIP()).
			Msg("Request")
	}
}

// Recovery turns a panic into an Internal error envelope.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error().
			Interface("panic", recovered).
			Str("request_id", c.GetString(requestIDKey)).
			Msg("Recovered from panic in handler")
		fail(c, fmt.Errorf("panic: %v", recovered))
	})
}

// Metrics observes request counts and latency by route template.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// Identity resolves the caller from X-Account-ID. Admin rights come from the
// configured admin list, never from the request.
func Identity(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderAccountID)
		if raw == "" {
			unauthorized(c, "missing "+HeaderAccountID)
			return
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			unauthorized(c, "invalid "+HeaderAccountID)
			return
		}
		c.Set(actorKey, model.Actor{AccountID: id, IsAdmin: cfg.IsAdminAccount(id)})
		c.Next()
	}
}

// RequireAdmin rejects non-admin callers.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, found := actorFrom(c)
		if !found || !actor.IsAdmin {
			log.Warn().
				Int64("account_id", actor.AccountID).
				Str("path", c.Request.URL.Path).
				Msg("Non-admin attempted admin route")
			fail(c, apperr.ErrForbidden)
			return
		}
		c.Next()
	}
}

func actorFrom(c *gin.Context) (model.Actor, bool) {
	v, found := c.Get(actorKey)
	if !found {
		return model.Actor{}, false
	}
	actor, isActor := v.(model.Actor)
	return actor, isActor
}

// mustActor returns the actor set by Identity.
func mustActor(c *gin.Context) model.Actor {
	actor, _ := actorFrom(c)
	return actor
}
