// Package api exposes the ledger core over HTTP with gin.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"hosting-ledger/internal/pkg/apperr"
)

// envelope is the body of every API response.
type envelope struct {
	OK        bool        `json:"ok"`
	Data      any         `json:"data,omitempty"`
	ErrorKind apperr.Kind `json:"errorKind,omitempty"`
	Message   string      `json:"message,omitempty"`
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{OK: true, Data: data})
}

// fail writes err as an error envelope. Wrapped causes are only shown to admins.
func fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	message := apperr.PublicMessage(err)
	if actor, found := actorFrom(c); found && actor.IsAdmin {
		message = err.Error()
	}

	if kind == apperr.KindInternal {
		log.Error().Err(err).
			Str("request_id", c.GetString(requestIDKey)).
			Str("path", c.FullPath()).
			Msg("Request failed")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, envelope{OK: false, ErrorKind: kind, Message: message})
}

// badRequest reports an unparseable request.
func badRequest(c *gin.Context, err error) {
	fail(c, apperr.Wrap(apperr.KindInvalidRequest, "invalid request", err))
}

// unauthorized is written before an actor exists, so it bypasses fail.
func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, envelope{
		OK:        false,
		ErrorKind: apperr.KindForbidden,
		Message:   message,
	})
}
