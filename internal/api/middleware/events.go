package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

type eventContextKey string

const eventCallIDKey eventContextKey = "event_call_id"

// eventTokenTTL is the lifetime of a call event token. It comfortably
// outlives the hard call timeout so a slow originator can still report the
// end of a call.
const eventTokenTTL = 1 * time.Hour

// EventClaims holds the JWT claims for originator event webhooks. Each token
// is scoped to a single call.
type EventClaims struct {
	CallID string `json:"call_id"`
	jwt.RegisteredClaims
}

// GenerateEventToken creates a signed JWT authorizing event webhooks for one
// call.
func GenerateEventToken(secret []byte, callID string) (string, error) {
	now := time.Now()

	claims := EventClaims{
		CallID: callID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(eventTokenTTL)),
			Issuer:    "flowdial",
			Subject:   callID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// RequireEventToken returns middleware that validates event-token bearer JWTs
// on the originator webhook endpoints. On success it stores the token's call
// ID in the request context; handlers must still check it against the call ID
// in the request body.
func RequireEventToken(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenString := bearerToken(r)
			if tokenString == "" {
				writeAuthError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			claims := &EventClaims{}
			token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				slog.Debug("event auth: invalid jwt", "error", err)
				writeAuthError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			if claims.CallID == "" {
				writeAuthError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			ctx := context.WithValue(r.Context(), eventCallIDKey, claims.CallID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// EventCallIDFromContext retrieves the authenticated call ID from the request
// context. Returns an empty string if not set.
func EventCallIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(eventCallIDKey).(string)
	return id
}
