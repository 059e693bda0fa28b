package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"agfinbot/internal/conversation"
	"agfinbot/internal/logging"
	"agfinbot/internal/store"
	"agfinbot/internal/title"
)

var errBadRequest = errors.New("invalid request body")

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, conversation.ErrMessageNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest),
		errors.Is(err, conversation.ErrEmptyContent),
		errors.Is(err, conversation.ErrNotUserMessage),
		errors.Is(err, conversation.ErrSessionIDRequired),
		errors.Is(err, store.ErrUnknownWorkflow),
		errors.Is(err, title.ErrEmptyExchange):
		return http.StatusBadRequest
	case conversation.IsPrecondition(err):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError writes the error body. Server errors are logged and their
// detail hidden from the client.
func (s *Server) abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.FromContext(c.Request.Context(), s.logger).ErrorContext(c.Request.Context(), "request failed",
			slog.String("path", c.FullPath()),
			slog.Any("error", err),
		)
		msg = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: msg})
}
