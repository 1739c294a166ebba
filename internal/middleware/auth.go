package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"match-service/internal/client"
)

// TokenValidator resolves a bearer token to a user id.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
}

// AuthServiceValidator delegates to the auth service through the shared
// identity client, and verifies the token locally when the service is
// unreachable so a flaky auth service does not take the ops surface down
// with it. A token the auth service rejects is rejected outright.
type AuthServiceValidator struct {
	users     client.UserClient
	secretKey string
	logger    *zap.Logger
}

func NewAuthServiceValidator(users client.UserClient, secretKey string, logger *zap.Logger) *AuthServiceValidator {
	return &AuthServiceValidator{
		users:     users,
		secretKey: secretKey,
		logger:    logger,
	}
}

func (v *AuthServiceValidator) ValidateToken(ctx context.Context, token string) (uuid.UUID, error) {
	if v.users != nil {
		res, err := v.users.ValidateToken(ctx, token)
		if err == nil {
			if !res.Valid {
				return uuid.Nil, jwt.ErrTokenInvalidClaims
			}
			return uuid.Parse(res.UserID)
		}
		v.logger.Debug("auth service unreachable, verifying token locally", zap.Error(err))
	}
	return v.verifyLocally(token)
}

func (v *AuthServiceValidator) verifyLocally(tokenString string) (uuid.UUID, error) {
	token, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return []byte(v.secretKey), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return uuid.Nil, jwt.ErrTokenInvalidClaims
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return uuid.Nil, jwt.ErrTokenInvalidClaims
	}

	// Token issuers disagree on the claim name; the id must be a uuid string
	// whichever key carries it.
	for _, key := range []string{"sub", "userId", "user_id"} {
		if s, ok := claims[key].(string); ok && s != "" {
			return uuid.Parse(s)
		}
	}
	return uuid.Nil, jwt.ErrTokenInvalidClaims
}

// AuthMiddleware guards routes behind a bearer token and stores the resolved
// user id in the context.
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   gin.H{"code": "UNAUTHORIZED", "message": "No authorization header"},
			})
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   gin.H{"code": "UNAUTHORIZED", "message": "Invalid authorization header format"},
			})
			c.Abort()
			return
		}

		userID, err := validator.ValidateToken(c.Request.Context(), parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   gin.H{"code": "UNAUTHORIZED", "message": "Invalid token"},
			})
			c.Abort()
			return
		}

		c.Set("user_id", userID)
		c.Set("token", parts[1])
		c.Next()
	}
}
