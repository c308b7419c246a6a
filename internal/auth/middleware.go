package auth

import (
	"context"
	"net/http"
	"strings"

	apperrors "github.com/openmusicplayer/mediafetch/internal/errors"
)

type contextKey string

const ClientContextKey contextKey = "client"

type ClientContext struct {
	Client  string
	TokenID string
	Scopes  []string
	claims  *Claims
}

// Can reports whether the caller holds scope.
func (c *ClientContext) Can(scope string) bool {
	return c.claims.HasScope(scope)
}

// BearerToken extracts the token from an Authorization header, falling back
// to the token query parameter used by browser WebSocket clients.
func BearerToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			return ""
		}
		return parts[1]
	}
	return r.URL.Query().Get("token")
}

// Middleware authenticates requests and requires scope. A nil service
// disables authentication.
func Middleware(authService *Service, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if authService == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := apperrors.GetRequestID(r.Context())

			tokenString := BearerToken(r)
			if tokenString == "" {
				apperrors.WriteError(w, requestID, apperrors.Unauthorized("missing or malformed authorization header"))
				return
			}

			claims, err := authService.ValidateToken(tokenString)
			if err != nil {
				if err == ErrTokenExpired {
					apperrors.WriteError(w, requestID, apperrors.TokenExpired())
					return
				}
				apperrors.WriteError(w, requestID, apperrors.InvalidToken("invalid access token"))
				return
			}

			if scope != "" && !claims.HasScope(scope) {
				apperrors.WriteError(w, requestID, apperrors.Forbidden(ErrMissingScope.Error()+": "+scope))
				return
			}

			clientCtx := &ClientContext{
				Client:  claims.Client,
				TokenID: claims.ID,
				Scopes:  claims.Scopes,
				claims:  claims,
			}

			ctx := context.WithValue(r.Context(), ClientContextKey, clientCtx)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetClientFromContext(ctx context.Context) *ClientContext {
	client, ok := ctx.Value(ClientContextKey).(*ClientContext)
	if !ok {
		return nil
	}
	return client
}
