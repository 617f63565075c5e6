package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/meetnote/internal/middleware"
	"github.com/xxxsen/meetnote/internal/pkg/errcode"
	appErr "github.com/xxxsen/meetnote/internal/pkg/errors"
	"github.com/xxxsen/meetnote/internal/pkg/response"
)

func getIdentity(c *gin.Context) string {
	value, _ := c.Get(middleware.ContextIdentityKey)
	identity, _ := value.(string)
	return identity
}

func queryUint(c *gin.Context, key string) uint {
	value := c.Query(key)
	if value == "" {
		return 0
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return 0
	}
	return uint(parsed)
}

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	requestID, _ := c.Get(middleware.ContextRequestIDKey)
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.Any("request_id", requestID),
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	switch {
	case errors.Is(err, appErr.ErrUnauthorized):
		response.ErrorStatus(c, http.StatusUnauthorized, errcode.ErrUnauthorized, "unauthorized")
	case errors.Is(err, appErr.ErrForbidden):
		response.ErrorStatus(c, http.StatusForbidden, errcode.ErrForbidden, "forbidden")
	case errors.Is(err, appErr.ErrNotFound):
		response.ErrorStatus(c, http.StatusNotFound, errcode.ErrNotFound, "not found")
	case errors.Is(err, appErr.ErrInvalid):
		response.ErrorStatus(c, http.StatusBadRequest, errcode.ErrInvalid, err.Error())
	case errors.Is(err, appErr.ErrSessionOpen):
		response.ErrorStatus(c, http.StatusConflict, errcode.ErrSessionOpen, "meeting session already open")
	case errors.Is(err, appErr.ErrConflict):
		response.ErrorStatus(c, http.StatusConflict, errcode.ErrConflict, err.Error())
	case errors.Is(err, appErr.ErrQueueFull):
		response.ErrorStatus(c, http.StatusServiceUnavailable, errcode.ErrQueueFull, "analysis queue full")
	case errors.Is(err, appErr.ErrNotIndexed):
		response.ErrorStatus(c, http.StatusConflict, errcode.ErrNotIndexed, "meeting not indexed")
	case errors.Is(err, appErr.ErrUnavailable):
		response.ErrorStatus(c, http.StatusServiceUnavailable, errcode.ErrAIUnavailable, "service unavailable")
	case errors.Is(err, appErr.ErrTooMany):
		response.ErrorStatus(c, http.StatusTooManyRequests, errcode.ErrTooMany, "too many requests")
	default:
		response.ErrorStatus(c, http.StatusInternalServerError, errcode.ErrInternal, "internal error")
	}
}
