package v1

import (
	"errors"
	"net/http"

	"github.com/tinoosan/titan/internal/data"
	"github.com/tinoosan/titan/internal/downloader"
)

var (
	ErrRequestsCtx       = errors.New("requests missing in context")
	ErrDesiredStatus     = errors.New("desired status missing in context")
	ErrDesiredStatusJSON = errors.New("desiredStatus is required")
	ErrBadDesiredStatus  = errors.New("invalid desiredStatus (allowed: PAUSED|RUNNING|CANCELED)")
	ErrContentType       = errors.New("Content-Type must be application/json")
	ErrNoRequests        = errors.New("requests must not be empty")
	ErrNoIDs             = errors.New("ids must not be empty")
	ErrConflict          = errors.New("task status does not allow this change")
	ErrBadAction         = errors.New("unknown action")
	ErrMaxConcurrent     = errors.New("maxConcurrentDownloads is required")
)

// statusFor maps service and validation errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, data.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrContentType):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, data.ErrInvalidURL),
		errors.Is(err, data.ErrInvalidRequest),
		errors.Is(err, data.ErrBadStatus),
		errors.Is(err, data.ErrBadConcurrency),
		errors.Is(err, downloader.ErrUnsupportedKind),
		errors.Is(err, ErrDesiredStatusJSON),
		errors.Is(err, ErrBadDesiredStatus),
		errors.Is(err, ErrNoRequests),
		errors.Is(err, ErrNoIDs),
		errors.Is(err, ErrBadAction),
		errors.Is(err, ErrMaxConcurrent):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeError marks err for the request log and writes it to the client.
// Server-side failures get a generic message.
func writeError(w http.ResponseWriter, err error) {
	markErr(w, err)
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "failed to process request"
	}
	http.Error(w, msg, code)
}
