package httpapi

import (
	"errors"
	"net/http"

	lberrors "github.com/vnykmshr/lbucket/pkg/common/errors"
	"github.com/vnykmshr/lbucket/pkg/common/log"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps an engine error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, lberrors.ErrNotFound):
		return http.StatusNotFound
	case lberrors.IsClientError(err):
		return http.StatusBadRequest
	case errors.Is(err, lberrors.ErrMalformed):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func (a *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.FromContext(r.Context()).Error(r.Context(), err, "request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}
