package api

import (
	"crypto/subtle"
	"net/http"

	"copytrade-engine/internal/orders"
	"copytrade-engine/internal/registry"
	"copytrade-engine/internal/replication"
	"copytrade-engine/pkg/middleware"
	"copytrade-engine/pkg/models"

	"github.com/gin-gonic/gin"
)

const (
	defaultTransactionLimit = 50
	maxTransactionLimit     = 500

	ingestKeyHeader = "X-Ingest-Key"
)

// PlaceOrder places a market or limit order for the caller
func (h *Handlers) PlaceOrder(c *gin.Context) {
	var req orders.PlaceRequest
	if !bindJSON(c, &req) {
		return
	}
	v := NewValidator()
	v.ValidateWallet("token_address", req.Token)
	v.ValidateSide("side", req.Side)
	v.ValidatePositive("quantity", req.Quantity)
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}
	req.AccountID = caller(c)

	order, err := h.Orders.Place(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, order)
}

// GetOrder returns one of the caller's orders
func (h *Handlers) GetOrder(c *gin.Context) {
	order, err := h.Orders.Get(c.Request.Context(), caller(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, order)
}

// CancelOrder cancels a pending limit order
func (h *Handlers) CancelOrder(c *gin.Context) {
	order, err := h.Orders.Cancel(c.Request.Context(), caller(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, order)
}

// ListTransactions returns the caller's most recent master transactions
func (h *Handlers) ListTransactions(c *gin.Context) {
	v := NewValidator()
	limit := v.ValidateLimit("limit", c.Query("limit"), defaultTransactionLimit, maxTransactionLimit)
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}

	txs, err := h.Store.ListMasterTransactions(c.Request.Context(), caller(c), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	if txs == nil {
		txs = []models.MasterTransaction{}
	}
	respondOK(c, http.StatusOK, txs)
}

// ownedTransaction loads a transaction of the caller, writing the error
// response when it is missing or foreign
func (h *Handlers) ownedTransaction(c *gin.Context) (*models.MasterTransaction, bool) {
	tx, err := h.Store.GetMasterTransaction(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return nil, false
	}
	if tx.MasterID != caller(c) {
		respondError(c, registry.ErrPermissionDenied)
		return nil, false
	}
	return tx, true
}

// GetTransaction returns a master transaction with its replica details
func (h *Handlers) GetTransaction(c *gin.Context) {
	tx, ok := h.ownedTransaction(c)
	if !ok {
		return
	}
	details, err := h.Store.ListReplicaDetails(c.Request.Context(), tx.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	if details == nil {
		details = []models.ReplicaDetail{}
	}
	respondOK(c, http.StatusOK, gin.H{
		"transaction": tx,
		"details":     details,
	})
}

// SetTransactionStatus pauses or resumes replication of a transaction
func (h *Handlers) SetTransactionStatus(c *gin.Context) {
	if _, ok := h.ownedTransaction(c); !ok {
		return
	}
	var req statusRequest
	if !bindJSON(c, &req) {
		return
	}
	tx, err := h.Replication.SetStatus(c.Request.Context(), c.Param("id"), models.TransactionStatus(req.Status))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, tx)
}

// WatchWallet starts on-chain detection of the caller's own swaps
func (h *Handlers) WatchWallet(c *gin.Context) {
	account, ok := middleware.GetAccountFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication required"})
		return
	}
	added, err := h.Replication.WatchMaster(c.Request.Context(), account.WalletAddress)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"wallet": account.WalletAddress, "added": added})
}

// UnwatchWallet stops on-chain detection for the caller
func (h *Handlers) UnwatchWallet(c *gin.Context) {
	account, ok := middleware.GetAccountFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication required"})
		return
	}
	removed, err := h.Replication.UnwatchMaster(c.Request.Context(), account.WalletAddress)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"wallet": account.WalletAddress, "removed": removed})
}

// IngestAuth admits the chain watcher by shared key. An empty key disables
// the route.
func (h *Handlers) IngestAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(ingestKeyHeader)
		if h.IngestKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(h.IngestKey)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"success": false, "error": "Invalid ingest key"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// ReportDetection records a master swap seen on chain and queues its
// replication
func (h *Handlers) ReportDetection(c *gin.Context) {
	var trade replication.DetectedTrade
	if !bindJSON(c, &trade) {
		return
	}
	v := NewValidator()
	v.ValidateWallet("master_wallet", trade.MasterWallet)
	v.ValidateWallet("token", trade.Token)
	if v.HasErrors() {
		SendValidationErrors(c, v.GetErrors())
		return
	}

	tx, err := h.Replication.HandleDetectedTrade(c.Request.Context(), trade)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusAccepted, tx)
}
