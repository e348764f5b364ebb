package auth

import (
	"errors"
	"fmt"
	"time"

	"copytrade-engine/pkg/models"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for tokens that fail validation
var ErrInvalidToken = errors.New("invalid token")

// Claims identifies the account behind a request. Tokens are issued by the
// account service; this engine only verifies them.
type Claims struct {
	AccountID uint        `json:"account_id"`
	Wallet    string      `json:"wallet"`
	Tier      models.Tier `json:"tier"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies account tokens
type JWTService struct {
	secretKey []byte
	ttl       time.Duration
}

// NewJWTService creates a new JWT service
func NewJWTService(secretKey string, ttl time.Duration) *JWTService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTService{
		secretKey: []byte(secretKey),
		ttl:       ttl,
	}
}

// Issue signs a token for account. Used by tests and the development seed.
func (s *JWTService) Issue(account *models.Account) (string, time.Time, error) {
	now := time.Now()
	expiry := now.Add(s.ttl)

	claims := Claims{
		AccountID: account.ID,
		Wallet:    account.WalletAddress,
		Tier:      account.Tier,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiry),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Subject:   fmt.Sprintf("account:%d", account.ID),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiry, nil
}

// Validate parses and verifies a token
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || claims.AccountID == 0 {
		return nil, fmt.Errorf("%w: missing account", ErrInvalidToken)
	}
	return claims, nil
}
