package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssueAndValidate(t *testing.T) {
	svc := NewService("test-secret")

	resp, err := svc.Issue("cli", []string{ScopeWrite}, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	claims, err := svc.ValidateToken(resp.AccessToken)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if claims.Client != "cli" {
		t.Errorf("expected client cli, got %q", claims.Client)
	}
	if claims.ID != resp.TokenID {
		t.Errorf("token id mismatch: %q vs %q", claims.ID, resp.TokenID)
	}
	if !claims.HasScope(ScopeRead) {
		t.Error("write scope should imply read")
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	resp, err := NewService("one").Issue("cli", nil, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := NewService("two").ValidateToken(resp.AccessToken); err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	svc := NewService("test-secret")
	svc.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	resp, err := svc.Issue("cli", nil, time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	svc.now = time.Now
	if _, err := svc.ValidateToken(resp.AccessToken); err != ErrTokenExpired {
		t.Errorf("expected ErrTokenExpired, got %v", err)
	}
}

func TestHasScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		want   string
		ok     bool
	}{
		{"read grants read", []string{ScopeRead}, ScopeRead, true},
		{"read denies write", []string{ScopeRead}, ScopeWrite, false},
		{"write grants read", []string{ScopeWrite}, ScopeRead, true},
		{"none", nil, ScopeRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Claims{Scopes: tt.scopes}
			if got := c.HasScope(tt.want); got != tt.ok {
				t.Errorf("HasScope(%q) = %v, want %v", tt.want, got, tt.ok)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	svc := NewService("test-secret")
	reader, _ := svc.Issue("viewer", []string{ScopeRead}, time.Hour)
	writer, _ := svc.Issue("operator", []string{ScopeWrite}, time.Hour)

	var seen *ClientContext
	handler := Middleware(svc, ScopeWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetClientFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"malformed", "Token abc", "", http.StatusUnauthorized},
		{"garbage", "Bearer abc", "", http.StatusUnauthorized},
		{"insufficient scope", "Bearer " + reader.AccessToken, "", http.StatusForbidden},
		{"ok", "Bearer " + writer.AccessToken, "", http.StatusNoContent},
		{"query token", "", "?token=" + writer.AccessToken, http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/batches"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	if seen == nil || seen.Client != "operator" || !seen.Can(ScopeRead) {
		t.Errorf("unexpected client context %+v", seen)
	}
}

func TestMiddleware_NilServiceDisablesAuth(t *testing.T) {
	handler := Middleware(nil, ScopeWrite)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestFingerprint(t *testing.T) {
	if Fingerprint("a") == Fingerprint("b") {
		t.Error("different tokens should have different fingerprints")
	}
	if len(Fingerprint("a")) != 12 {
		t.Errorf("unexpected fingerprint length %d", len(Fingerprint("a")))
	}
}
