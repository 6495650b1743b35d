package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"tablealert/internal/httputil"
	"tablealert/internal/model"
)

type contextKey string

const (
	// RestaurantIDKey is the context key for the restaurant the caller acts for
	RestaurantIDKey contextKey = "restaurant_id"
)

// AuthMiddleware validates HMAC-signed JWTs carrying a restaurant_id claim.
// The token is read from the Authorization header (devices), then the
// access_token cookie (web), then the access_token query parameter
// (websocket clients that cannot set headers).
func AuthMiddleware(jwtSecret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := tokenFromRequest(r)
			if tokenString == "" {
				httputil.WriteUnauthorized(w, "Missing authentication token")
				return
			}

			token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil {
				if errors.Is(err, jwt.ErrTokenExpired) {
					httputil.WriteUnauthorizedWithCode(w, model.CodeTokenExpired, "Access token has expired")
					return
				}
				httputil.WriteUnauthorizedWithCode(w, model.CodeTokenInvalid, "Invalid authentication token")
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				httputil.WriteUnauthorizedWithCode(w, model.CodeTokenInvalid, "Invalid authentication token")
				return
			}

			restaurantID, ok := claims["restaurant_id"].(string)
			if !ok || restaurantID == "" {
				httputil.WriteUnauthorizedWithCode(w, model.CodeTokenInvalid, "Invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), RestaurantIDKey, restaurantID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func tokenFromRequest(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	if cookie, err := r.Cookie("access_token"); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	return r.URL.Query().Get("access_token")
}

// GetRestaurantIDFromContext extracts the restaurant ID set by AuthMiddleware.
func GetRestaurantIDFromContext(ctx context.Context) (string, bool) {
	restaurantID, ok := ctx.Value(RestaurantIDKey).(string)
	return restaurantID, ok && restaurantID != ""
}

// WithRestaurantID returns ctx carrying restaurantID, as AuthMiddleware would.
func WithRestaurantID(ctx context.Context, restaurantID string) context.Context {
	return context.WithValue(ctx, RestaurantIDKey, restaurantID)
}
