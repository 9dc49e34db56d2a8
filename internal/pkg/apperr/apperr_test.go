package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIs_MatchesByKind(t *testing.T) {
	wrapped := fmt.Errorf("failed to spend: %w", ErrInsufficientFunds)
	assert.ErrorIs(t, wrapped, ErrInsufficientFunds)
	assert.NotErrorIs(t, wrapped, ErrAccountNotFound)

	withCause := Wrap(KindRemoteActionFailed, "create instance", errors.New("dial tcp: timeout"))
	assert.ErrorIs(t, withCause, ErrRemoteActionFailed)
	assert.Equal(t, "create instance: dial tcp: timeout", withCause.Error())
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindForbidden, KindOf(fmt.Errorf("x: %w", ErrForbidden)))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindInternal, KindOf(nil))
}

func TestPublicMessage_HidesCauses(t *testing.T) {
	err := Wrap(KindRemoteActionFailed, "remote action failed", errors.New(`{"errors":[{"detail":"secret"}]}`))
	assert.Equal(t, "remote action failed", PublicMessage(err))
	assert.Equal(t, "internal error", PublicMessage(errors.New("pq: relation does not exist")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		KindAccountNotFound:           http.StatusNotFound,
		KindInsufficientFunds:         http.StatusPaymentRequired,
		KindInvalidVerificationWindow: http.StatusBadRequest,
		KindSessionAlreadyActive:      http.StatusConflict,
		KindForbidden:                 http.StatusForbidden,
		KindCapacityExceeded:          http.StatusUnprocessableEntity,
		KindRemoteActionFailed:        http.StatusBadGateway,
		KindInternal:                  http.StatusInternalServerError,
	}
	for kind, status := range cases {
		assert.Equal(t, status, HTTPStatus(kind), string(kind))
	}
}
