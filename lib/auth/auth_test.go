/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test"))
	require.NoError(t, err)
	return token
}

func TestFromToken(t *testing.T) {
	tests := []struct {
		name         string
		token        string
		wantUsername string
		wantErr      string
	}{
		{
			name:         "preferred username",
			token:        signToken(t, jwt.MapClaims{"preferred_username": "alice"}),
			wantUsername: "alice",
		},
		{
			name: "username claim overrides",
			token: signToken(t, jwt.MapClaims{
				"preferred_username": "alice@example.org",
				"username":           "alice",
			}),
			wantUsername: "alice",
		},
		{
			name:    "missing claim",
			token:   signToken(t, jwt.MapClaims{"sub": "123"}),
			wantErr: "preferred_username",
		},
		{
			name:    "garbage token",
			token:   "not.a.jwt",
			wantErr: "invalid",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			identity, err := FromToken(tt.token)
			if tt.wantErr != "" {
				require.Error(t, err)
				require.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantUsername, identity.Username)
			require.Equal(t, tt.token, identity.Token)
		})
	}
}

func TestUsernameClaim(t *testing.T) {
	username, ok := UsernameClaim(signToken(t, jwt.MapClaims{"username": "svc-health"}))
	require.True(t, ok)
	require.Equal(t, "svc-health", username)

	_, ok = UsernameClaim(signToken(t, jwt.MapClaims{"preferred_username": "alice"}))
	require.False(t, ok)
}

func TestClientCredentialsCaching(t *testing.T) {
	var mints atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "client_credentials", r.Form.Get("grant_type"))
		require.Equal(t, "svc", r.Form.Get("client_id"))
		require.Equal(t, "hunter2", r.Form.Get("client_secret"))
		mints.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "minted-token",
			"expires_in":   300,
		})
	}))
	defer srv.Close()

	clock := clockwork.NewFakeClock()
	source, err := NewClientCredentials(ClientCredentialsConfig{
		TokenURL: srv.URL,
		ClientID: "svc",
		Secret:   "hunter2",
		Clock:    clock,
	})
	require.NoError(t, err)

	ctx := context.Background()
	token, err := source.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, "minted-token", token)

	// Second call within the lifetime reuses the cache.
	_, err = source.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), mints.Load())

	// Advancing past expiry forces a refresh.
	clock.Advance(10 * time.Minute)
	_, err = source.Token(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), mints.Load())
}

func TestClientCredentialsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad client", http.StatusUnauthorized)
	}))
	defer srv.Close()

	source, err := NewClientCredentials(ClientCredentialsConfig{
		TokenURL: srv.URL,
		ClientID: "svc",
		Secret:   "wrong",
	})
	require.NoError(t, err)

	_, err = source.Token(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "401")
}
