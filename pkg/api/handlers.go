package api

import (
	"context"
	"net/http"
	"time"

	"copytrade-engine/internal/matcher"
	"copytrade-engine/internal/orders"
	"copytrade-engine/internal/pricefeed"
	"copytrade-engine/internal/registry"
	"copytrade-engine/internal/replication"
	"copytrade-engine/pkg/middleware"
	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"
	"copytrade-engine/pkg/websocket"

	"github.com/gin-gonic/gin"
)

const healthCheckTimeout = 2 * time.Second

// OrderService places and cancels origin orders
type OrderService interface {
	Place(ctx context.Context, req orders.PlaceRequest) (*models.Order, error)
	Cancel(ctx context.Context, accountID uint, orderID string) (*models.Order, error)
	Get(ctx context.Context, accountID uint, orderID string) (*models.Order, error)
}

// ReplicationControl is the operator surface of the replication engine
type ReplicationControl interface {
	WatchMaster(ctx context.Context, wallet string) (bool, error)
	UnwatchMaster(ctx context.Context, wallet string) (bool, error)
	HandleDetectedTrade(ctx context.Context, trade replication.DetectedTrade) (*models.MasterTransaction, error)
	SetStatus(ctx context.Context, txID string, status models.TransactionStatus) (*models.MasterTransaction, error)
}

// DepthSource reports resting order depth per token
type DepthSource interface {
	Depth(token string) matcher.Depth
}

// PriceSource reports the last streamed price of a token
type PriceSource interface {
	LastPrice(token string) (pricefeed.Tick, bool)
}

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) error

// Deps are the services the handlers expose
type Deps struct {
	Store       storage.Store
	Connections *registry.ConnectionRegistry
	Groups      *registry.GroupRegistry
	Tiers       *registry.TierManager
	Orders      OrderService
	Replication ReplicationControl
	Book        DepthSource
	Prices      PriceSource
	Hub         *websocket.Hub
	Checks      map[string]HealthCheck
	IngestKey   string
}

// Handlers serves the HTTP API
type Handlers struct {
	Deps
}

// NewHandlers creates the handlers
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{Deps: deps}
}

// caller returns the authenticated account id. JWTAuth guarantees it on
// protected routes.
func caller(c *gin.Context) uint {
	id, _ := middleware.GetAccountID(c)
	return id
}

// Health reports the state of every configured dependency
func (h *Handlers) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for name, check := range h.Checks {
		if err := check(ctx); err != nil {
			checks[name] = gin.H{"status": "unhealthy", "error": err.Error()}
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = gin.H{"status": "healthy"}
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "degraded"
	}
	body := gin.H{
		"status":  overall,
		"service": "copytrade-engine",
		"checks":  checks,
	}
	if h.Hub != nil {
		body["websocket"] = h.Hub.GetStats()
	}
	c.JSON(status, body)
}

// GetOrderbook returns resting order depth for a token
func (h *Handlers) GetOrderbook(c *gin.Context) {
	respondOK(c, http.StatusOK, h.Book.Depth(c.Param("token")))
}

// GetPrice returns the last streamed price for a token
func (h *Handlers) GetPrice(c *gin.Context) {
	tick, ok := h.Prices.LastPrice(c.Param("token"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "No price for token"})
		return
	}
	respondOK(c, http.StatusOK, tick)
}

// HandleWebSocket upgrades to the event stream
func (h *Handlers) HandleWebSocket(c *gin.Context) {
	h.Hub.HandleWebSocket(c)
}

// GetAccount returns the authenticated account
func (h *Handlers) GetAccount(c *gin.Context) {
	account, ok := middleware.GetAccountFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "Authentication required"})
		return
	}
	respondOK(c, http.StatusOK, account)
}

type tierRequest struct {
	Tier models.Tier `json:"tier" binding:"required"`
}

// ChangeTier switches the caller between regular and VIP
func (h *Handlers) ChangeTier(c *gin.Context) {
	var req tierRequest
	if !bindJSON(c, &req) {
		return
	}
	change, err := h.Tiers.ChangeTier(c.Request.Context(), caller(c), req.Tier)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, change)
}
