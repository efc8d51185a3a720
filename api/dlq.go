package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/xraph/notifly"
	"github.com/xraph/notifly/dlq"
	"github.com/xraph/notifly/id"
	"github.com/xraph/notifly/scope"
)

func (h *Handler) listDLQ(c *gin.Context) {
	opts := dlq.ListOpts{
		Offset:   queryInt(c, "offset", 0),
		Limit:    queryInt(c, "limit", 50),
		TenantID: scope.TenantID(c.Request.Context()),
	}

	entries, err := h.n.DLQ().List(c.Request.Context(), opts)
	if err != nil {
		h.internalError(c, "list dlq", err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// tenantEntry loads the entry named by the :id param and writes the error
// response itself when it is missing or owned by another tenant.
func (h *Handler) tenantEntry(c *gin.Context) (*dlq.Entry, bool) {
	dlqID, err := id.ParseDLQID(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "invalid DLQ ID")
		return nil, false
	}

	entry, err := h.n.DLQ().Get(c.Request.Context(), dlqID)
	if err != nil {
		if errors.Is(err, notifly.ErrDLQNotFound) {
			writeError(c, http.StatusNotFound, "DLQ entry not found")
			return nil, false
		}
		h.internalError(c, "get dlq", err)
		return nil, false
	}
	if entry.TenantID != scope.TenantID(c.Request.Context()) {
		writeError(c, http.StatusNotFound, "DLQ entry not found")
		return nil, false
	}
	return entry, true
}

func (h *Handler) getDLQ(c *gin.Context) {
	entry, ok := h.tenantEntry(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (h *Handler) replayDLQ(c *gin.Context) {
	entry, ok := h.tenantEntry(c)
	if !ok {
		return
	}

	evt, err := h.n.DLQ().Replay(c.Request.Context(), entry.ID)
	if err != nil {
		if errors.Is(err, dlq.ErrNotReplayable) {
			writeError(c, http.StatusConflict, err.Error())
			return
		}
		h.internalError(c, "replay dlq", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"requestId":     evt.RequestID,
		"correlationId": evt.CorrelationID,
	})
}
