package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgrijalva/jwt-go"
	"go.uber.org/zap"

	"tokopay/pkg/logger"
)

// Roles carried in the role claim.
const (
	RoleCustomer = "customer"
	RoleOperator = "operator"
)

// ErrInvalidToken is returned for any token that fails parsing, signature or expiry checks.
var ErrInvalidToken = errors.New("invalid token")

// Claims identifies the caller of a request.
type Claims struct {
	UserID   string
	Username string
	Role     string
}

// AuthService issues and validates the bearer tokens of the API. Accounts live in the
// identity service; only the signing secret is shared.
type AuthService struct {
	jwtSecret  []byte
	tokenDurat time.Duration // Duration for which JWT is valid
	log        *zap.Logger
}

// NewAuthService creates a new AuthService.
func NewAuthService(jwtSecret string, log *zap.Logger) *AuthService {
	return &AuthService{
		jwtSecret:  []byte(jwtSecret),
		tokenDurat: 24 * time.Hour,
		log:        logger.OrNop(log).Named("auth"),
	}
}

// IssueToken signs a token for claims.
func (s *AuthService) IssueToken(claims Claims) (string, error) {
	if claims.Role == "" {
		claims.Role = RoleCustomer
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  claims.UserID,
		"username": claims.Username,
		"role":     claims.Role,
		"exp":      now.Add(s.tokenDurat).Unix(),
		"iat":      now.Unix(),
	})
	signed, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and validates a JWT token, returning its claims if valid.
func (s *AuthService) ValidateToken(tokenString string) (Claims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		s.log.Debug("token validation error", zap.Error(err))
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return Claims{}, ErrInvalidToken
	}
	claims := Claims{
		UserID:   claimString(mc, "user_id"),
		Username: claimString(mc, "username"),
		Role:     claimString(mc, "role"),
	}
	if claims.UserID == "" {
		return Claims{}, fmt.Errorf("%w: missing user_id", ErrInvalidToken)
	}
	if claims.Role == "" {
		claims.Role = RoleCustomer
	}
	return claims, nil
}

func claimString(mc jwt.MapClaims, key string) string {
	v, _ := mc[key].(string)
	return v
}
