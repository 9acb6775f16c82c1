package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// ContextKey represents keys for context values
type ContextKey string

const AccountContextKey ContextKey = "account_id"

// Claims are the JWT claims we accept. The subject carries the account id
// in the ledger's composite form ({userId}_{companyId}).
type Claims struct {
	AccountID string `json:"account_id"`
	jwt.RegisteredClaims
}

// RequireAuth validates a Bearer token signed with the shared secret and
// puts the account id on the request context.
func RequireAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Authorization header required")
			}

			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid authorization header format")
			}

			token, err := jwt.ParseWithClaims(tokenParts[1], &Claims{}, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(secret), nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid or expired token")
			}

			claims, ok := token.Claims.(*Claims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "Invalid token claims")
			}
			accountID := claims.AccountID
			if accountID == "" {
				accountID = claims.Subject
			}
			if accountID == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "Token carries no account")
			}

			c.Set(string(AccountContextKey), accountID)
			return next(c)
		}
	}
}

// AccountID returns the authenticated account id set by RequireAuth.
func AccountID(c echo.Context) string {
	id, _ := c.Get(string(AccountContextKey)).(string)
	return id
}
