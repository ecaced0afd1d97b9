package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"boardsync/domain"
)

var testSecret = []byte("test-secret")

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func defaultClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-123",
		"name":  "Test User",
		"email": "test@example.com",
		"aud":   "api://aud",
		"iss":   "https://issuer/",
		"exp":   time.Now().Add(5 * time.Minute).Unix(),
		"nbf":   time.Now().Add(-time.Minute).Unix(),
		"iat":   time.Now().Add(-time.Minute).Unix(),
	}
}

func tokenServer(t *testing.T, password string, claims jwt.MapClaims) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostFormValue("password") != password {
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":             "invalid_grant",
				"error_description": "Wrong email or password.",
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id_token": signedToken(t, claims),
		})
	}))
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(t *testing.T, tokenURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		TokenURL:   tokenURL,
		Audience:   "api://aud",
		Issuer:     "https://issuer/",
		TestSecret: testSecret,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestSignInSuccess(t *testing.T) {
	ts := tokenServer(t, "hunter2", defaultClaims())
	c := newTestClient(t, ts.URL)

	if !c.SignIn(context.Background(), "test@example.com", "hunter2") {
		t.Fatalf("sign in failed: %s", c.Err())
	}
	user := c.CurrentUser()
	if user == nil || user.ID != "user-123" || user.Email != "test@example.com" {
		t.Fatalf("unexpected user: %#v", user)
	}
	if c.Err() != "" {
		t.Fatalf("unexpected error state: %s", c.Err())
	}
}

func TestSignInBadCredentials(t *testing.T) {
	ts := tokenServer(t, "hunter2", defaultClaims())
	c := newTestClient(t, ts.URL)

	if c.SignIn(context.Background(), "test@example.com", "wrong") {
		t.Fatal("expected sign in to fail")
	}
	if c.CurrentUser() != nil {
		t.Fatal("user should not be set after failed sign in")
	}
	if c.Err() != "Wrong email or password." {
		t.Fatalf("unexpected error message: %q", c.Err())
	}
}

func TestSignInRejectsExpiredToken(t *testing.T) {
	claims := defaultClaims()
	claims["exp"] = time.Now().Add(-time.Hour).Unix()
	ts := tokenServer(t, "hunter2", claims)
	c := newTestClient(t, ts.URL)

	if c.SignIn(context.Background(), "test@example.com", "hunter2") {
		t.Fatal("expected expired token to be rejected")
	}
	if c.Err() == "" {
		t.Fatal("expected error state to be set")
	}
}

func TestSignInRejectsWrongAudience(t *testing.T) {
	claims := defaultClaims()
	claims["aud"] = "api://other"
	ts := tokenServer(t, "hunter2", claims)
	c := newTestClient(t, ts.URL)

	if c.SignIn(context.Background(), "test@example.com", "hunter2") {
		t.Fatal("expected audience mismatch to be rejected")
	}
}

func TestAuthStateListeners(t *testing.T) {
	ts := tokenServer(t, "hunter2", defaultClaims())
	c := newTestClient(t, ts.URL)

	var events []*domain.User
	cancel := c.OnAuthStateChanged(func(u *domain.User) {
		events = append(events, u)
	})

	if !c.SignIn(context.Background(), "test@example.com", "hunter2") {
		t.Fatalf("sign in failed: %s", c.Err())
	}
	c.Logout()

	if len(events) != 2 {
		t.Fatalf("expected 2 auth events, got %d", len(events))
	}
	if events[0] == nil || events[0].ID != "user-123" {
		t.Fatalf("unexpected first event: %#v", events[0])
	}
	if events[1] != nil {
		t.Fatalf("expected nil user on logout, got %#v", events[1])
	}

	cancel()
	c.SetUser(&domain.User{ID: "other"})
	if len(events) != 2 {
		t.Fatal("listener fired after cancellation")
	}
}

func TestSignInWithGoogleVerifiesProviderToken(t *testing.T) {
	c := newTestClient(t, "http://unused.invalid")

	claims := defaultClaims()
	claims["sub"] = "google-user-1"
	claims["picture"] = "https://example.com/avatar.png"

	if !c.SignInWithGoogle(context.Background(), signedToken(t, claims)) {
		t.Fatalf("google sign in failed: %s", c.Err())
	}
	user := c.CurrentUser()
	if user == nil || user.ID != "google-user-1" || user.AvatarURL == "" {
		t.Fatalf("unexpected user: %#v", user)
	}
}
