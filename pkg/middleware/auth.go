package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"copytrade-engine/pkg/auth"
	"copytrade-engine/pkg/models"
	"copytrade-engine/pkg/storage"

	"github.com/gin-gonic/gin"
)

// AccountLoader resolves the account named by a token
type AccountLoader interface {
	GetAccount(ctx context.Context, id uint) (*models.Account, error)
}

// AuthMiddleware handles authentication
type AuthMiddleware struct {
	jwtService *auth.JWTService
	accounts   AccountLoader
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(jwtService *auth.JWTService, accounts AccountLoader) *AuthMiddleware {
	return &AuthMiddleware{
		jwtService: jwtService,
		accounts:   accounts,
	}
}

// bearer extracts the token from the Authorization header, or from the
// token query parameter for WebSocket upgrades
func bearer(c *gin.Context) (string, bool) {
	if header := c.GetHeader("Authorization"); header != "" {
		parts := strings.Split(header, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return "", false
		}
		return parts[1], true
	}
	if token := c.Query("token"); token != "" {
		return token, true
	}
	return "", false
}

func (am *AuthMiddleware) authenticate(c *gin.Context) (int, string) {
	token, ok := bearer(c)
	if !ok {
		return http.StatusUnauthorized, "Authorization header required"
	}

	claims, err := am.jwtService.Validate(token)
	if err != nil {
		return http.StatusUnauthorized, "Invalid token"
	}

	account, err := am.accounts.GetAccount(c.Request.Context(), claims.AccountID)
	if errors.Is(err, storage.ErrNotFound) {
		return http.StatusUnauthorized, "Account not found"
	}
	if err != nil {
		return http.StatusInternalServerError, "Failed to load account"
	}
	if !account.IsActive {
		return http.StatusForbidden, "Account is disabled"
	}

	c.Set("account", account)
	c.Set("account_id", account.ID)
	return 0, ""
}

// JWTAuth rejects requests without a valid account token
func (am *AuthMiddleware) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if status, msg := am.authenticate(c); status != 0 {
			c.JSON(status, gin.H{"success": false, "error": msg})
			c.Abort()
			return
		}
		c.Next()
	}
}

// OptionalAuth sets the account when a valid token is present and lets
// anonymous requests through
func (am *AuthMiddleware) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := bearer(c); ok {
			am.authenticate(c)
		}
		c.Next()
	}
}

// GetAccountFromContext gets the authenticated account from gin context
func GetAccountFromContext(c *gin.Context) (*models.Account, bool) {
	v, exists := c.Get("account")
	if !exists {
		return nil, false
	}
	account, ok := v.(*models.Account)
	return account, ok
}

// GetAccountID gets the authenticated account id from gin context
func GetAccountID(c *gin.Context) (uint, bool) {
	v, exists := c.Get("account_id")
	if !exists {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok
}
