package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"taskpulse/internal/logging"
	"taskpulse/internal/repo"
)

type AuthConfig struct {
	JWTSecret string
	// AllowPersonHeader trusts a bare X-Person-Id header. Local use only.
	AllowPersonHeader bool
}

// Principal is the authenticated caller. Roles are the ones carried by the
// credential; the person's stored role is added at authorization time.
type Principal struct {
	PersonID string
	Roles    []string
	Source   string
}

type principalKey struct{}

func withPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func principalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	if p, ok := principalFromContext(ctx); ok && p.PersonID != "" {
		return p, nil
	}
	return Principal{}, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

type jwtClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
}

// SignToken mints an HS256 token for personID carrying roles.
func SignToken(secret, personID string, roles []string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	if strings.TrimSpace(personID) == "" {
		return "", errors.New("person id required")
	}
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  personID,
			IssuedAt: jwt.NewNumericDate(now),
		},
		Roles: roles,
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func authenticateJWT(token string, secret string) (Principal, error) {
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &jwtClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return Principal{}, err
	}
	if !parsed.Valid {
		return Principal{}, errors.New("invalid token")
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("subject claim required")
	}
	return Principal{
		PersonID: claims.Subject,
		Roles:    claims.Roles,
		Source:   "jwt",
	}, nil
}

func authenticateAPIKey(ctx context.Context, r repo.Repo, key string) (Principal, error) {
	if strings.TrimSpace(key) == "" {
		return Principal{}, errors.New("api key required")
	}
	apiKey, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(key))
	if err != nil {
		return Principal{}, err
	}
	if apiKey.PersonID == "" {
		return Principal{}, errors.New("api key missing person")
	}
	return Principal{
		PersonID: apiKey.PersonID,
		Source:   "api_key",
	}, nil
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

func newAuthMiddleware(basePath string, cfg AuthConfig, r repo.Repo, logger logging.Logger) func(http.Handler) http.Handler {
	open := map[string]bool{
		path.Join(basePath, "health"):       true,
		path.Join(basePath, "openapi.json"): true,
		path.Join(basePath, "docs"):         true,
		path.Join(basePath, "metrics"):      true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if basePath != "" && !strings.HasPrefix(req.URL.Path, basePath) {
				next.ServeHTTP(w, req)
				return
			}
			if open[req.URL.Path] {
				next.ServeHTTP(w, req)
				return
			}

			authz := strings.TrimSpace(req.Header.Get("Authorization"))
			apiKeyHeader := strings.TrimSpace(req.Header.Get("X-Api-Key"))
			personHeader := strings.TrimSpace(req.Header.Get("X-Person-Id"))

			if authz != "" {
				token, ok := bearerToken(authz)
				if !ok {
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				principal, err := authenticateJWT(token, cfg.JWTSecret)
				if err != nil {
					logger.Debug("jwt rejected", "error", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if apiKeyHeader != "" {
				principal, err := authenticateAPIKey(req.Context(), r, apiKeyHeader)
				if err != nil {
					logger.Debug("api key rejected", "error", err)
					respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil))
					return
				}
				next.ServeHTTP(w, req.WithContext(withPrincipal(req.Context(), principal)))
				return
			}

			if personHeader != "" && cfg.AllowPersonHeader {
				logger.Warn("unauthenticated X-Person-Id header accepted", "person_id", personHeader)
				ctx := withPrincipal(req.Context(), Principal{PersonID: personHeader, Source: "header"})
				next.ServeHTTP(w, req.WithContext(ctx))
				return
			}

			respondStatusError(w, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil))
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}
