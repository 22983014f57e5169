package httpactor

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// fakeJWTToken builds a syntactically valid (unsigned) JWT carrying
// the given expiry, enough for ParseUnverified to read the exp claim.
func fakeJWTToken(exp time.Time) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	claims, _ := json.Marshal(map[string]int64{"exp": exp.Unix()})
	payload := base64.RawURLEncoding.EncodeToString(claims)
	return fmt.Sprintf("%s.%s.", header, payload)
}

func TestJWTRetrieverCachesUntilExpiry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		token := fakeJWTToken(time.Now().Add(time.Hour))
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: token})
	}))
	defer srv.Close()

	r := NewJWTRetriever(JWTConfig{TokenURL: srv.URL}, srv.Client(), nil)

	ctx := context.Background()
	tok1, err := r.Token(ctx, false)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	tok2, err := r.Token(ctx, false)
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok1 != tok2 {
		t.Fatalf("expected cached token to be reused, got %q then %q", tok1, tok2)
	}
	if calls != 1 {
		t.Fatalf("token endpoint called %d times, want 1", calls)
	}
}

func TestJWTRetrieverForceRefreshInvalidatesCache(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		token := fakeJWTToken(time.Now().Add(time.Hour))
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: token})
	}))
	defer srv.Close()

	r := NewJWTRetriever(JWTConfig{TokenURL: srv.URL}, srv.Client(), nil)

	ctx := context.Background()
	if _, err := r.Token(ctx, false); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if _, err := r.Token(ctx, true); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if calls != 2 {
		t.Fatalf("token endpoint called %d times, want 2 (initial + forced refresh)", calls)
	}
}

func TestJWTRetrieverRefreshesNearExpiry(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		token := fakeJWTToken(time.Now().Add(5 * time.Second))
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: token})
	}))
	defer srv.Close()

	r := NewJWTRetriever(JWTConfig{TokenURL: srv.URL, RefreshMargin: 30 * time.Second}, srv.Client(), nil)

	ctx := context.Background()
	if _, err := r.Token(ctx, false); err != nil {
		t.Fatalf("Token: %v", err)
	}
	// The cached token expires in 5s but RefreshMargin is 30s, so the
	// very next call should already consider it stale and refetch.
	if _, err := r.Token(ctx, false); err != nil {
		t.Fatalf("Token: %v", err)
	}
	if calls != 2 {
		t.Fatalf("token endpoint called %d times, want 2 (margin should force refresh)", calls)
	}
}
