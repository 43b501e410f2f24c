package httpapi

import (
	"errors"
	"net/http"

	"github.com/MrWong99/clausewise/internal/chat"
	"github.com/MrWong99/clausewise/internal/observe"
	"github.com/MrWong99/clausewise/pkg/aierr"
)

var (
	errBadBody      = errors.New("malformed request body")
	errBodyTooLarge = errors.New("request body too large")
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// statusOf maps an error to its HTTP status code and kind name.
func statusOf(err error) (int, string) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		return http.StatusRequestEntityTooLarge, aierr.KindOf(aierr.ErrInvalidInput)
	case errors.Is(err, errBadBody):
		return http.StatusBadRequest, aierr.KindOf(aierr.ErrInvalidInput)
	case errors.Is(err, chat.ErrSessionNotFound):
		return http.StatusNotFound, "not_found"
	}
	kind := aierr.KindOf(err)
	switch {
	case errors.Is(err, aierr.ErrInvalidInput):
		return http.StatusBadRequest, kind
	case errors.Is(err, aierr.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, kind
	case errors.Is(err, aierr.ErrUpstream):
		return http.StatusBadGateway, kind
	case errors.Is(err, aierr.ErrTimeout):
		return http.StatusGatewayTimeout, kind
	case errors.Is(err, aierr.ErrUnsupported):
		return http.StatusNotImplemented, kind
	}
	return http.StatusInternalServerError, kind
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := statusOf(err)
	log := observe.Logger(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("httpapi: request failed", "route", r.Pattern, "kind", kind, "err", err)
	} else {
		log.Debug("httpapi: request rejected", "route", r.Pattern, "kind", kind, "err", err)
	}
	writeJSON(w, status, errorBody{Error: errorDetail{Kind: kind, Message: err.Error()}})
}
