package handlers

import (
	"context"
	"errors"
	"net/http"

	"nexus-backend/internal/jwt"
)

type AccountIDKeyType struct{}

// UserVerifier resolves the session cookie to an account ID and puts
// it on the request context.
func UserVerifier(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessionCookie, err := r.Cookie("session")
		if err != nil {
			sugar.Debug(err)
			switch {
			case errors.Is(err, http.ErrNoCookie):
				http.Error(w, "No session cookie was provided", http.StatusUnauthorized)
			default:
				http.Error(w, "Couldn't read session cookie", http.StatusInternalServerError)
			}
			return
		}

		accountID, err := jwt.ValidateSessionToken(sessionCookie.Value)
		if err != nil {
			sugar.Debug(err)
			http.Error(w, "Couldn't verify session token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), AccountIDKeyType{}, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
