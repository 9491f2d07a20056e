// Package auth verifies bearer tokens and carries the caller's identity and
// profile on the request context.
package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey  contextKey = "user_id"
	ProfileKey contextKey = "user_profile"
)

// DevUserID is the identity injected by DevAuthMiddleware.
const DevUserID = "dev-user"

// Unknown is the profile value used when a claim is absent.
const Unknown = "unknown"

// Claims are the token claims the API understands. Age and Sex feed the
// diagnosis prompt and are optional.
type Claims struct {
	jwt.RegisteredClaims
	Age *int   `json:"age,omitempty"`
	Sex string `json:"sex,omitempty"`
}

// Profile is the demographic context of the caller.
type Profile struct {
	Age string
	Sex string
}

// ProfileFromClaims fills absent fields with Unknown.
func ProfileFromClaims(c *Claims) Profile {
	p := Profile{Age: Unknown, Sex: Unknown}
	if c == nil {
		return p
	}
	if c.Age != nil && *c.Age >= 0 {
		p.Age = strconv.Itoa(*c.Age)
	}
	if s := strings.TrimSpace(c.Sex); s != "" {
		p.Sex = s
	}
	return p
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// JWTMiddleware accepts HS256 bearer tokens signed with cfg.SigningKey.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := parser.ParseWithClaims(strings.TrimSpace(parts[1]), claims, keyFunc)
			if err != nil || !token.Valid || claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(WithUser(c.Request().Context(), claims.Subject, ProfileFromClaims(claims))))
			return next(c)
		}
	}
}

// DevAuthMiddleware lets unauthenticated requests through as DevUserID.
// Requests that do carry a token are verified with verify when it is set.
func DevAuthMiddleware(verify echo.MiddlewareFunc) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := next
		if verify != nil {
			verified = verify(next)
		}
		return func(c echo.Context) error {
			if c.Request().Header.Get(echo.HeaderAuthorization) != "" {
				return verified(c)
			}
			ctx := WithUser(c.Request().Context(), DevUserID, Profile{Age: Unknown, Sex: Unknown})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithUser stores the caller on ctx.
func WithUser(ctx context.Context, userID string, p Profile) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, ProfileKey, p)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

// ProfileFromContext returns the caller's profile, or an all-Unknown one.
func ProfileFromContext(ctx context.Context) Profile {
	if p, ok := ctx.Value(ProfileKey).(Profile); ok {
		return p
	}
	return Profile{Age: Unknown, Sex: Unknown}
}
