// Package auth is a client for the external identity provider. It
// exchanges credentials for provider-issued tokens, verifies them and
// tracks the signed-in user. No cryptography is implemented here; key
// material and token issuance belong to the provider.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"boardsync/domain"
)

const responseMaxSize = 64 * 1024

// Config describes the identity provider endpoints.
type Config struct {
	TokenURL  string
	SignupURL string
	ClientID  string
	Audience  string
	Issuer    string
	JWKSURL   string

	// TestSecret switches verification to HS256 with a shared secret.
	// Production deployments leave it empty and verify against the
	// provider JWKS.
	TestSecret []byte

	HTTPClient *http.Client
}

// Client authenticates against the provider and holds the current
// user. Sign-in failures are surfaced through Err rather than panics
// or raised errors; operations report success with a boolean.
type Client struct {
	cfg    Config
	jwks   *keyfunc.JWKS
	parser *jwt.Parser
	http   *http.Client

	mu        sync.Mutex
	user      *domain.User
	lastErr   string
	listeners map[int]func(*domain.User)
	seq       int
}

// NewClient creates an auth client. In production mode the provider
// JWKS is fetched eagerly so token verification never blocks sign-in.
func NewClient(cfg Config) (*Client, error) {
	c := &Client{
		cfg:       cfg,
		http:      cfg.HTTPClient,
		listeners: make(map[int]func(*domain.User)),
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 15 * time.Second}
	}
	if len(cfg.TestSecret) > 0 {
		c.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
		return c, nil
	}
	if cfg.JWKSURL == "" {
		return nil, errors.New("auth: JWKS URL is required outside test mode")
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL, keyfunc.Options{})
	if err != nil {
		return nil, fmt.Errorf("auth: jwks: %w", err)
	}
	c.jwks = jwks
	c.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	return c, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	IDToken          string `json:"id_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// SignIn exchanges email/password for a token. On failure the error is
// held for Err and false is returned.
func (c *Client) SignIn(ctx context.Context, email, password string) bool {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {email},
		"password":   {password},
		"scope":      {"openid profile email"},
	}
	if c.cfg.ClientID != "" {
		form.Set("client_id", c.cfg.ClientID)
	}
	if c.cfg.Audience != "" {
		form.Set("audience", c.cfg.Audience)
	}

	tok, err := c.requestToken(ctx, form)
	if err != nil {
		c.setErr(err.Error())
		return false
	}
	return c.adoptToken(tok)
}

// SignUp registers the user with the provider, then signs in.
func (c *Client) SignUp(ctx context.Context, email, password, name string) bool {
	if c.cfg.SignupURL == "" {
		c.setErr("signup endpoint not configured")
		return false
	}
	body, err := json.Marshal(map[string]string{
		"email":    email,
		"password": password,
		"name":     name,
	})
	if err != nil {
		c.setErr(err.Error())
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.SignupURL, strings.NewReader(string(body)))
	if err != nil {
		c.setErr(err.Error())
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		c.setErr(err.Error())
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, responseMaxSize))
		c.setErr(fmt.Sprintf("signup failed: %s", strings.TrimSpace(string(data))))
		return false
	}
	return c.SignIn(ctx, email, password)
}

// SignInWithGoogle accepts a provider token obtained through an
// external OAuth flow. A headless client cannot run the browser popup;
// completing that flow is the caller's concern.
func (c *Client) SignInWithGoogle(ctx context.Context, providerToken string) bool {
	_ = ctx
	return c.adoptToken(providerToken)
}

// Logout clears the current user and notifies listeners.
func (c *Client) Logout() {
	c.mu.Lock()
	c.user = nil
	c.lastErr = ""
	fns := c.snapshotListeners()
	c.mu.Unlock()
	for _, fn := range fns {
		fn(nil)
	}
}

// CurrentUser returns the signed-in user, or nil.
func (c *Client) CurrentUser() *domain.User {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.user == nil {
		return nil
	}
	u := *c.user
	return &u
}

// SetUser overrides the current user and notifies listeners.
func (c *Client) SetUser(u *domain.User) {
	c.mu.Lock()
	if u == nil {
		c.user = nil
	} else {
		cp := *u
		c.user = &cp
	}
	fns := c.snapshotListeners()
	cur := c.user
	c.mu.Unlock()
	for _, fn := range fns {
		fn(cur)
	}
}

// Err returns the last sign-in/sign-up error message, or "".
func (c *Client) Err() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// OnAuthStateChanged registers a listener fired on every user change.
// The returned func removes it.
func (c *Client) OnAuthStateChanged(fn func(*domain.User)) func() {
	c.mu.Lock()
	c.seq++
	id := c.seq
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Client) requestToken(ctx context.Context, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, responseMaxSize))
	if err != nil {
		return "", err
	}
	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", fmt.Errorf("bad token response: %w", err)
	}
	if resp.StatusCode >= 400 || tr.Error != "" {
		msg := tr.ErrorDescription
		if msg == "" {
			msg = tr.Error
		}
		if msg == "" {
			msg = resp.Status
		}
		return "", errors.New(msg)
	}
	if tr.IDToken != "" {
		return tr.IDToken, nil
	}
	if tr.AccessToken != "" {
		return tr.AccessToken, nil
	}
	return "", errors.New("token response carried no token")
}

func (c *Client) adoptToken(token string) bool {
	user, err := c.verify(token)
	if err != nil {
		c.setErr(err.Error())
		return false
	}
	c.mu.Lock()
	c.user = user
	c.lastErr = ""
	fns := c.snapshotListeners()
	c.mu.Unlock()
	for _, fn := range fns {
		u := *user
		fn(&u)
	}
	return true
}

func (c *Client) verify(token string) (*domain.User, error) {
	var parsed *jwt.Token
	var err error
	if len(c.cfg.TestSecret) > 0 {
		parsed, err = c.parser.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return c.cfg.TestSecret, nil
		})
	} else {
		parsed, err = c.parser.Parse(token, c.jwks.Keyfunc)
	}
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}

	now := time.Now().Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return nil, errors.New("token not valid yet")
	}
	if c.cfg.Audience != "" && !claims.VerifyAudience(c.cfg.Audience, false) {
		return nil, errors.New("invalid audience")
	}
	if c.cfg.Issuer != "" && !claims.VerifyIssuer(c.cfg.Issuer, false) {
		return nil, errors.New("invalid issuer")
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, errors.New("missing sub")
	}

	user := &domain.User{ID: sub}
	if v, ok := claims["name"].(string); ok {
		user.Name = v
	}
	if v, ok := claims["email"].(string); ok {
		user.Email = v
	}
	if v, ok := claims["picture"].(string); ok {
		user.AvatarURL = v
	}
	if user.Name == "" {
		user.Name = user.Email
	}
	return user, nil
}

func (c *Client) setErr(msg string) {
	c.mu.Lock()
	c.lastErr = msg
	c.mu.Unlock()
}

// snapshotListeners must be called with the lock held.
func (c *Client) snapshotListeners() []func(*domain.User) {
	fns := make([]func(*domain.User), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	return fns
}
