package api

import (
	stderrors "errors"
	"io"
	"log/slog"
	"strings"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"

	"github.com/victornm/etrivia/internal/domain"
	"github.com/victornm/etrivia/internal/errors"
)

const (
	HeaderUserID   = "X-User-ID"
	HeaderUserName = "X-User-Name"

	callerKey = "etrivia.caller"
)

// identify reads the caller identity set by the authentication proxy in front of the service.
func identify() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(HeaderUserID))
		if id == "" {
			renderError(c, errors.New(errors.CodeUnauthenticated,
				errors.WithMessagef("missing %s header", HeaderUserID)))
			return
		}

		c.Set(callerKey, domain.User{
			ID:   id,
			Name: strings.TrimSpace(c.GetHeader(HeaderUserName)),
		})
		c.Next()
	}
}

func caller(c *gin.Context) domain.User {
	u, _ := c.MustGet(callerKey).(domain.User)
	return u
}

// bind decodes an optional JSON body. It renders the error and returns false when the body is malformed.
func bind(c *gin.Context, v any) bool {
	err := c.ShouldBindJSON(v)
	if err == nil || stderrors.Is(err, io.EOF) {
		return true
	}

	renderError(c, errors.New(errors.CodeInvalidArgument,
		errors.WithMessagef("malformed request body: %v", err),
		errors.WithCause(err)))
	return false
}

type ErrorResponse struct {
	Code      string                  `json:"code"`
	Message   string                  `json:"message"`
	Reason    string                  `json:"reason,omitempty"`
	Details   []errors.FieldViolation `json:"details,omitempty"`
	Retryable bool                    `json:"retryable"`
}

func renderError(c *gin.Context, err error) {
	e := errors.Convert(err)

	if e.Code == errors.CodeInternal {
		slog.ErrorContext(c, "api: internal error",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"error", err,
		)
		e = errors.New(errors.CodeInternal, errors.WithCause(err))
	}

	c.AbortWithStatusJSON(e.HTTPStatusCode(), ErrorResponse{
		Code:      codes.Code(e.Code).String(),
		Message:   e.Message,
		Reason:    e.Reason,
		Details:   e.Details,
		Retryable: e.Retryable(),
	})
}
