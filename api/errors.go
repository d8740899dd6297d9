package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/sippar-network/ck-bridge-api/types"
)

// statusFromError maps the shared error taxonomy onto HTTP status codes.
// Transient upstream failures surface as 502 so callers know to retry;
// rejections and replays are final for that transaction id.
func statusFromError(err error) int {
	switch {
	case errors.Is(err, types.ErrVerificationRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrReplay):
		return http.StatusConflict
	case errors.Is(err, types.ErrReserveInsufficient):
		return http.StatusConflict
	case errors.Is(err, types.ErrRegistrationConflict):
		return http.StatusConflict
	case errors.Is(err, types.ErrDepositNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, types.ErrTransientRemote):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimPrefix(header, "Bearer ")
}

func (s *Server) authorized(r *http.Request) bool {
	if s.opts.OperatorToken == "" {
		return false
	}
	token := bearerToken(r)
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.OperatorToken)) == 1
}
