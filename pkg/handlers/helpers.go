package handlers

import (
	"errors"
	"net/http"

	"pricepilot-api/pkg/services"

	"github.com/gin-gonic/gin"
)

// statusForError maps pipeline error kinds to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, services.ErrInvalidObservation),
		errors.Is(err, services.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrInsufficientData),
		errors.Is(err, services.ErrInsufficientHistory),
		errors.Is(err, services.ErrInsufficientVariation),
		errors.Is(err, services.ErrDegenerateElasticity):
		return http.StatusUnprocessableEntity
	case services.ErrorKind(err) == "canceled":
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

// respondError はエラー種別つきのエラーレスポンスを返す
func respondError(c *gin.Context, err error) {
	c.JSON(statusForError(err), gin.H{
		"success": false,
		"error":   err.Error(),
		"kind":    services.ErrorKind(err),
	})
}

// respondBadRequest はリクエスト解析エラーを返す
func respondBadRequest(c *gin.Context, message string, err error) {
	body := gin.H{"success": false, "error": message}
	if err != nil {
		body["error"] = message + ": " + err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}

func respondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
