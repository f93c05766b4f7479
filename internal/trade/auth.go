package trade

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/predictarena/arena-engine/internal/model"
	"github.com/predictarena/arena-engine/internal/store"
)

const (
	apiKeyPrefix = "ahk_"
	apiKeyBytes  = 24
)

type ctxKey int

const agentKey ctxKey = iota

// GenerateAPIKey returns a new plaintext key. Only its hash is stored.
func GenerateAPIKey() (string, error) {
	buf := make([]byte, apiKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return apiKeyPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashAPIKey is the hex SHA-256 of key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// RequireAgent resolves "Authorization: Bearer <apiKey>" to an agent and
// stores it on the request context.
func RequireAgent(st store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				writeError(w, "Missing or invalid Authorization header", http.StatusUnauthorized)
				return
			}

			agent, err := st.GetAgentByKeyHash(r.Context(), HashAPIKey(token))
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, "Invalid API key", http.StatusUnauthorized)
				return
			}
			if err != nil {
				writeError(w, "failed to authenticate", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), agentKey, agent)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentFromContext returns the authenticated agent, if any.
func AgentFromContext(ctx context.Context) (*model.Agent, bool) {
	a, ok := ctx.Value(agentKey).(*model.Agent)
	return a, ok
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	return token, token != ""
}
