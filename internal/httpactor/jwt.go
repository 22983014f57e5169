package httpactor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTConfig carries the parameters needed to fetch a token from the
// configured cloud endpoint.
type JWTConfig struct {
	TokenURL string
	TenantID string
	Username string
	Password string
	// RefreshMargin renews the cached token this long before its
	// claimed expiry, so a caller never races a token that is about
	// to lapse.
	RefreshMargin time.Duration
}

// JWTRetriever fetches a token from the cloud endpoint, caches it,
// and serves concurrent callers without ever issuing more than one
// in-flight fetch.
type JWTRetriever struct {
	cfg    JWTConfig
	client *http.Client
	log    *slog.Logger

	mu      sync.Mutex
	cached  string
	expiry  time.Time
	fetchMu sync.Mutex
}

// NewJWTRetriever creates a retriever using client for the token
// fetch. client is expected to come from the same shared transport
// the rest of the gateway's outbound calls use.
func NewJWTRetriever(cfg JWTConfig, client *http.Client, log *slog.Logger) *JWTRetriever {
	if log == nil {
		log = slog.Default()
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = 30 * time.Second
	}
	return &JWTRetriever{cfg: cfg, client: client, log: log}
}

// Token returns a cached token, refreshing it first if it is missing,
// expired, near expiry, or forceRefresh is set (the caller observed a
// 401 and is invalidating the cache).
func (r *JWTRetriever) Token(ctx context.Context, forceRefresh bool) (string, error) {
	r.mu.Lock()
	valid := !forceRefresh && r.cached != "" && time.Now().Before(r.expiry.Add(-r.cfg.RefreshMargin))
	cached := r.cached
	r.mu.Unlock()
	if valid {
		return cached, nil
	}

	// Serialize concurrent refreshes: the first caller through
	// fetchMu performs the network round trip; the rest observe its
	// result once they acquire fetchMu in turn.
	r.fetchMu.Lock()
	defer r.fetchMu.Unlock()

	r.mu.Lock()
	valid = !forceRefresh && r.cached != "" && time.Now().Before(r.expiry.Add(-r.cfg.RefreshMargin))
	cached = r.cached
	r.mu.Unlock()
	if valid {
		return cached, nil
	}

	token, expiry, err := r.fetch(ctx)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.cached = token
	r.expiry = expiry
	r.mu.Unlock()

	return token, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (r *JWTRetriever) fetch(ctx context.Context) (string, time.Time, error) {
	body, err := json.Marshal(map[string]string{
		"tenant_id": r.cfg.TenantID,
		"username":  r.cfg.Username,
		"password":  r.cfg.Password,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("httpactor: jwt: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.TokenURL, bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("httpactor: jwt: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("httpactor: jwt: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("httpactor: jwt: token endpoint returned %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", time.Time{}, fmt.Errorf("httpactor: jwt: decode response: %w", err)
	}

	expiry := expiryFromClaims(tr.AccessToken, r.log)
	r.log.Debug("jwt refreshed", "expiry", expiry)
	return tr.AccessToken, expiry, nil
}

// expiryFromClaims parses the unverified "exp" claim out of token. The
// cloud endpoint is reached over a trusted transport, so signature
// verification buys nothing here; only the expiry is read, never used
// to authenticate anyone.
func expiryFromClaims(token string, log *slog.Logger) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		log.Debug("jwt: could not parse claims, falling back to 1h expiry", "error", err)
		return time.Now().Add(time.Hour)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Now().Add(time.Hour)
	}
	return exp.Time
}
