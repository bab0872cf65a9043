package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/carelink/internal/auth"
	"github.com/vovakirdan/carelink/internal/store"
)

const (
	// ContextKeyUser is the context key for the authenticated *store.User.
	ContextKeyUser = "user"
	// ContextKeyClaims is the context key for the validated *auth.Claims.
	ContextKeyClaims = "claims"
)

var errMissingToken = errors.New("missing bearer token")

// bearerToken extracts the token from "Authorization: Bearer <token>" or, for
// websocket handshakes that cannot set headers, from the token query parameter.
func bearerToken(r *http.Request, allowQuery bool) (string, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
			return "", errors.New("invalid authorization header format")
		}
		return parts[1], nil
	}
	if allowQuery {
		if token := r.URL.Query().Get("token"); token != "" {
			return token, nil
		}
	}
	return "", errMissingToken
}

// AuthMiddleware validates the bearer token and loads the user.
func AuthMiddleware(authService *auth.Service, users store.UserStore, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c.Request, false)
		if err != nil {
			logger.Debug().Err(err).Msg("rejecting request")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: err.Error()})
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			logger.Debug().Err(err).Msg("invalid token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid token"})
			return
		}

		user, err := users.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil {
			logger.Debug().Err(err).Int64("user_id", claims.UserID).Msg("token for unknown user")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid token"})
			return
		}

		c.Set(ContextKeyClaims, claims)
		c.Set(ContextKeyUser, user)
		c.Next()
	}
}

// currentUser returns the user stored by AuthMiddleware.
func currentUser(c *gin.Context) *store.User {
	v, ok := c.Get(ContextKeyUser)
	if !ok {
		return nil
	}
	user, _ := v.(*store.User)
	return user
}

// LoggerMiddleware creates a middleware that logs HTTP requests.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}
