/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package auth turns bearer tokens into request identities and mints
// service account tokens for internal callers. Token signatures are
// verified upstream of the gateway; here the token is treated as an opaque
// assertion whose claims name the user.
package auth

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/jonboulle/clockwork"
)

// Identity is the authenticated principal of one request.
type Identity struct {
	// Username is the cluster account the request acts as.
	Username string
	// Token is the raw access token, forwarded to schedulers and the
	// key minting service.
	Token string
}

// FromToken extracts the identity asserted by an access token. The
// preferred_username claim is required; a username claim overrides it when
// present, matching deployments that map cluster accounts separately from
// IdP logins.
func FromToken(token string) (*Identity, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, trace.AccessDenied("Access token is invalid.")
	}
	username, _ := claims["preferred_username"].(string)
	if username == "" {
		return nil, trace.AccessDenied("Authentication token 'preferred_username' claim is missing")
	}
	if override, ok := claims["username"].(string); ok && override != "" {
		username = override
	}
	return &Identity{Username: username, Token: token}, nil
}

// UsernameClaim returns the bare username claim of a token. Scheduler REST
// APIs authenticate with this claim specifically, so its absence is
// reported distinctly from a generally malformed token.
func UsernameClaim(token string) (string, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", false
	}
	username, _ := claims["username"].(string)
	return username, username != ""
}

// ClientCredentialsConfig configures a service account token source.
type ClientCredentialsConfig struct {
	// TokenURL is the OIDC token endpoint.
	TokenURL string
	// ClientID and Secret identify the service account.
	ClientID string
	Secret   string
	// Scopes are requested verbatim, space joined.
	Scopes []string
	// Client is the HTTP client used for minting. Defaults to a pooled
	// cleanhttp client.
	Client *http.Client
	// Clock is used for expiry bookkeeping.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ClientCredentialsConfig) CheckAndSetDefaults() error {
	if c.TokenURL == "" {
		return trace.BadParameter("missing token url")
	}
	if c.ClientID == "" {
		return trace.BadParameter("missing client id")
	}
	if c.Secret == "" {
		return trace.BadParameter("missing client secret")
	}
	if c.Client == nil {
		c.Client = cleanhttp.DefaultPooledClient()
		c.Client.Timeout = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// ClientCredentials mints access tokens through the OAuth2 client
// credentials grant and caches each one until shortly before it expires.
// The health checker uses one instance per cluster service account.
type ClientCredentials struct {
	cfg ClientCredentialsConfig

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewClientCredentials returns a token source for one service account.
func NewClientCredentials(cfg ClientCredentialsConfig) (*ClientCredentials, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ClientCredentials{cfg: cfg}, nil
}

// expirySlack is subtracted from the advertised lifetime so a token is
// never handed out moments before it lapses.
const expirySlack = 30 * time.Second

// Token returns a valid access token, minting a fresh one when the cached
// token is absent or about to expire.
func (c *ClientCredentials) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.cfg.Clock.Now().Before(c.expires) {
		return c.token, nil
	}

	form := url.Values{
		"grant_type":    []string{"client_credentials"},
		"client_id":     []string{c.cfg.ClientID},
		"client_secret": []string{c.cfg.Secret},
	}
	if len(c.cfg.Scopes) > 0 {
		scopes := append([]string(nil), c.cfg.Scopes...)
		sort.Strings(scopes)
		form.Set("scope", strings.Join(scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return "", trace.Wrap(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", trace.AccessDenied("token endpoint returned status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var minted struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &minted); err != nil {
		return "", trace.Wrap(err, "decoding token endpoint response")
	}
	if minted.AccessToken == "" {
		return "", trace.AccessDenied("token endpoint returned an empty access token")
	}

	c.token = minted.AccessToken
	lifetime := time.Duration(minted.ExpiresIn) * time.Second
	if lifetime > expirySlack {
		lifetime -= expirySlack
	}
	c.expires = c.cfg.Clock.Now().Add(lifetime)
	return c.token, nil
}
