package apierr

import (
	"github.com/gin-gonic/gin"
)

type errorDTO struct {
	Error struct {
		Code    Code           `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details,omitempty"`
	} `json:"error"`
}

func ErrorBody(code Code, msg string) errorDTO {
	var e errorDTO
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

// ErrorFromErr renders err as the error envelope. Unknown errors are
// reported as INTERNAL without leaking their text.
func ErrorFromErr(err error) errorDTO {
	ae, ok := From(err)
	if !ok {
		return ErrorBody(CodeInternal, "internal server error")
	}
	e := ErrorBody(ae.Code, ae.Message)
	e.Error.Details = ae.Details
	return e
}

// Respond writes err with its mapped status and records it on the context.
func Respond(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(ToHTTPStatus(err), ErrorFromErr(err))
}

// Abort is Respond for middleware.
func Abort(c *gin.Context, err error) {
	_ = c.Error(err)
	c.AbortWithStatusJSON(ToHTTPStatus(err), ErrorFromErr(err))
}
