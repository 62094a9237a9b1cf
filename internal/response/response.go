package response

import (
	"net/http"

	"paycat/internal/apperrors"

	"github.com/gin-gonic/gin"
)

// ErrorBody is the error envelope every non-2xx response carries.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps the envelope.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Data sends a 200 with the payload as-is.
func Data(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// Created sends a 201 with the payload.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// Error maps a pipeline error to its status and envelope.
func Error(c *gin.Context, err error) {
	c.JSON(apperrors.StatusFor(err), ErrorResponse{
		Error: ErrorBody{Code: apperrors.CodeFor(err), Message: messageFor(err)},
	})
}

// ErrorWith sends an explicit status, code, and message.
func ErrorWith(c *gin.Context, status int, code, message string) {
	c.JSON(status, ErrorResponse{Error: ErrorBody{Code: code, Message: message}})
}

func messageFor(err error) string {
	if e, ok := err.(*apperrors.Error); ok {
		return e.Message
	}
	return "internal server error"
}
