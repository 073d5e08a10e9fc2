package myMiddleware

import (
	"context"
	"net/http"
	"strings"

	"gigchat/internal/chat"
)

// 1. Define Context Keys (Exported so other packages can read them)
type contextKey string

const (
	UserKey     contextKey = "user_id"
	UsernameKey contextKey = "username"
)

// 2. Define what we need from the User Service
// This interface decouples 'middleware' from 'user'
type TokenValidator interface {
	ValidateToken(tokenString string) (chat.UserID, string, error)
}

// 3. The Middleware Structure
type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(v TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{validator: v}
}

// 4. The actual Handler
func (am *AuthMiddleware) Handle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ""

		// Check Authorization Header
		if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
			tokenString = token
		}

		// Fallback: Check Query Param (browsers can't set headers on websocket upgrades)
		if tokenString == "" {
			tokenString = r.URL.Query().Get("token")
		}

		if tokenString == "" {
			http.Error(w, "Missing authentication token", http.StatusUnauthorized)
			return
		}

		userID, username, err := am.validator.ValidateToken(tokenString)
		if err != nil {
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), userID, username)))
	})
}

// WithUser stores the authenticated user in ctx.
func WithUser(ctx context.Context, id chat.UserID, username string) context.Context {
	ctx = context.WithValue(ctx, UserKey, id)
	return context.WithValue(ctx, UsernameKey, username)
}

// UserFrom returns the user stored by Handle.
func UserFrom(ctx context.Context) (chat.UserID, string, bool) {
	id, ok := ctx.Value(UserKey).(chat.UserID)
	name, ok2 := ctx.Value(UsernameKey).(string)
	return id, name, ok && ok2 && id != ""
}
