package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/iotmon/golang_services/internal/command_service/domain"
)

// ContextKey is a custom type for context keys to avoid collisions.
type ContextKey string

const (
	ActorContextKey = ContextKey("actor")
)

// Claims carried by access tokens issued by the user service.
const (
	ClaimSubject = "sub"
	ClaimIsAdmin = "adm"
)

// WithActor returns a copy of ctx carrying actor.
func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, ActorContextKey, actor)
}

// ActorFromContext returns the actor stored by AuthMiddleware.
func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(ActorContextKey).(domain.Actor)
	return actor, ok
}

// AuthMiddleware validates HS256 bearer tokens signed with secret and puts the
// caller into the request context.
func AuthMiddleware(secret []byte, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				logger.WarnContext(r.Context(), "Authorization header missing")
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				logger.WarnContext(r.Context(), "Invalid Authorization header format")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			actor, err := ParseActor(parts[1], secret)
			if err != nil {
				logger.WarnContext(r.Context(), "Token validation failed", "error", err)
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
		})
	}
}

// ParseActor verifies tokenString and extracts the actor from its claims.
func ParseActor(tokenString string, secret []byte) (domain.Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return domain.Actor{}, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Actor{}, errors.New("invalid token claims")
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return domain.Actor{}, err
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return domain.Actor{}, errors.New("subject is not a user id")
	}
	isAdmin, _ := claims[ClaimIsAdmin].(bool)
	return domain.Actor{UserID: userID, IsAdmin: isAdmin}, nil
}
