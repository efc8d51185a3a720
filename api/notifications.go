package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/xraph/notifly"
)

func (h *Handler) submitNotification(c *gin.Context) {
	var in notifly.Input
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "field": "body"})
		return
	}

	receipt, err := h.n.Submit(c.Request.Context(), in, c.GetHeader(HeaderIdempotencyKey))
	if err != nil {
		h.writeSubmitError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, receipt)
}

func (h *Handler) writeSubmitError(c *gin.Context, err error) {
	var (
		ve *notifly.ValidationError
		rl *notifly.RateLimitError
	)
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Message, "field": ve.Field})
	case errors.As(err, &rl):
		secs := rl.RetryAfterSeconds()
		c.Header("Retry-After", strconv.Itoa(secs))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded", "retryAfterSeconds": secs})
	case errors.Is(err, notifly.ErrIdempotencyConflict):
		writeError(c, http.StatusConflict, "idempotency key reused with a different payload")
	default:
		h.internalError(c, "submit notification", err)
	}
}

func (h *Handler) getNotificationStatus(c *gin.Context) {
	res, err := h.n.Status(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		h.internalError(c, "notification status", err)
		return
	}
	if res.Status == notifly.StatusNotFound {
		c.JSON(http.StatusNotFound, res)
		return
	}
	c.JSON(http.StatusOK, res)
}
