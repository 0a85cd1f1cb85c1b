package common

import (
	"context"

	"github.com/cloudwego/hertz/pkg/app"
)

// ErrorResponse harmonized HTTP error schema.
type ErrorResponse struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
}

// RequestIDKey exported for reuse in tests and middleware.
const RequestIDKey = "request_id"

// WriteError converts internal error code + message to the HTTP JSON error schema.
func WriteError(c context.Context, ctx *app.RequestContext, status int, code, msg string) {
	rid := ""
	if v, ok := ctx.Get(RequestIDKey); ok {
		switch vv := v.(type) {
		case string:
			rid = vv
		case []byte:
			rid = string(vv)
		}
	}
	if status == 0 {
		status = MapErrorCodeToHTTP(code)
	}
	ctx.JSON(status, ErrorResponse{Code: code, Message: msg, RequestID: rid})
}
