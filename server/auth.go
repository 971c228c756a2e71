package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const actorKey contextKey = "stakestreak.actor"

// Authenticator guards the admin surface. Requests authenticate with either
// the shared bearer token or an HS256 JWT whose subject identifies the
// operator for audit purposes.
type Authenticator struct {
	bearerToken string
	jwtSecret   []byte
}

// NewAuthenticator builds the middleware source. At least one of the two
// credentials must be non-empty.
func NewAuthenticator(bearerToken, jwtSecret string) (*Authenticator, error) {
	bearerToken = strings.TrimSpace(bearerToken)
	jwtSecret = strings.TrimSpace(jwtSecret)
	if bearerToken == "" && jwtSecret == "" {
		return nil, fmt.Errorf("server: admin credentials required")
	}
	auth := &Authenticator{bearerToken: bearerToken}
	if jwtSecret != "" {
		auth.jwtSecret = []byte(jwtSecret)
	}
	return auth, nil
}

// Middleware rejects unauthenticated requests and stashes the resolved actor
// subject in the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer credentials", "UNAUTHORIZED")
			return
		}
		credential := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		actor, ok := a.resolve(credential)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid credentials", "UNAUTHORIZED")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey, actor)))
	})
}

func (a *Authenticator) resolve(credential string) (string, bool) {
	if credential == "" {
		return "", false
	}
	if a.bearerToken != "" && subtle.ConstantTimeCompare([]byte(credential), []byte(a.bearerToken)) == 1 {
		return "admin-token", true
	}
	if len(a.jwtSecret) == 0 {
		return "", false
	}
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return "", false
	}
	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		subject = "admin-jwt"
	}
	return subject, true
}

// actorFrom returns the authenticated subject recorded by the middleware.
func actorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey).(string); ok {
		return actor
	}
	return "unknown"
}
