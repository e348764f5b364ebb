package api

import (
	"errors"
	"net/http"

	"copytrade-engine/internal/orders"
	"copytrade-engine/internal/registry"
	"copytrade-engine/internal/replication"
	"copytrade-engine/pkg/storage"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

var statusByError = []struct {
	err    error
	status int
}{
	{storage.ErrNotFound, http.StatusNotFound},
	{registry.ErrAccountNotFound, http.StatusNotFound},
	{registry.ErrConnectionNotFound, http.StatusNotFound},
	{registry.ErrGroupNotFound, http.StatusNotFound},
	{orders.ErrOrderNotFound, http.StatusNotFound},
	{orders.ErrAccountNotFound, http.StatusNotFound},
	{replication.ErrTransactionNotFound, http.StatusNotFound},

	{registry.ErrPermissionDenied, http.StatusForbidden},
	{orders.ErrPermissionDenied, http.StatusForbidden},
	{registry.ErrBlocked, http.StatusForbidden},

	{registry.ErrAlreadyActive, http.StatusConflict},
	{registry.ErrInvalidTransition, http.StatusConflict},
	{registry.ErrDuplicateName, http.StatusConflict},
	{registry.ErrDuplicatePrice, http.StatusConflict},
	{registry.ErrDuplicateRatio, http.StatusConflict},
	{registry.ErrGroupDeleted, http.StatusConflict},
	{orders.ErrNotCancelable, http.StatusConflict},
	{replication.ErrNotWatched, http.StatusConflict},
	{replication.ErrInvalidStatus, http.StatusConflict},

	{replication.ErrQueueFull, http.StatusServiceUnavailable},

	{registry.ErrSelfConnect, http.StatusBadRequest},
	{registry.ErrInvalidLimit, http.StatusBadRequest},
	{registry.ErrInvalidName, http.StatusBadRequest},
	{registry.ErrInvalidPolicy, http.StatusBadRequest},
	{registry.ErrInvalidFixedPrice, http.StatusBadRequest},
	{registry.ErrInvalidFixedRatio, http.StatusBadRequest},
	{registry.ErrInvalidStatus, http.StatusBadRequest},
	{registry.ErrInvalidTier, http.StatusBadRequest},
	{orders.ErrInvalidOrder, http.StatusBadRequest},
	{replication.ErrInvalidTrade, http.StatusBadRequest},
}

// statusFor maps a domain error to its HTTP status
func statusFor(err error) int {
	for _, e := range statusByError {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusInternalServerError
}

// respondError writes err with the status its sentinel maps to. Unmapped
// errors are logged and hidden from the client.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logrus.WithFields(logrus.Fields{
			"component": "api",
			"path":      c.FullPath(),
		}).WithError(err).Error("Request failed")
		c.JSON(status, gin.H{"success": false, "error": "Internal server error"})
		return
	}
	c.JSON(status, gin.H{"success": false, "error": err.Error()})
}

func respondOK(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{
		"success": true,
		"data":    data,
	})
}
