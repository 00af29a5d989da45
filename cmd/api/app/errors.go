package app

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Error is a structured error response.
type Error struct {
	Code        string            `json:"code"`
	Message     string            `json:"message"`
	FieldErrors map[string]string `json:"field_errors,omitempty"`
}

// Envelope wraps successful data or an error.
type Envelope struct {
	Data  interface{} `json:"data,omitempty"`
	Error *Error      `json:"error,omitempty"`
}

// AbortError records an error and aborts the handler. The response is
// rendered by the Errors middleware.
func AbortError(c *gin.Context, status int, code, message string, fields map[string]string) {
	c.Set("app_error", &Error{Code: code, Message: message, FieldErrors: fields})
	c.AbortWithStatus(status)
}

// Errors emits a JSON error envelope and a structured log entry when an
// error was recorded via AbortError.
func Errors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		v, ok := c.Get("app_error")
		if !ok {
			return
		}
		appErr, ok := v.(*Error)
		if !ok {
			return
		}
		logger := log.Ctx(c.Request.Context()).Error().Str("code", appErr.Code)
		for k, msg := range appErr.FieldErrors {
			logger = logger.Str("field_"+k, msg)
		}
		logger.Msg(appErr.Message)
		c.JSON(c.Writer.Status(), Envelope{Error: appErr})
	}
}
