/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package sshkeys

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/eth-cscs/firecrest/lib/config"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	_, private, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(private, "")
	require.NoError(t, err)
	return string(pem.EncodeToMemory(block))
}

func TestServiceProviderFetch(t *testing.T) {
	keyPEM := testKeyPEM(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/ssh-keys", r.URL.Path)
		require.Equal(t, "Bearer token-123", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "1min", body["duration"])

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"sshKey": map[string]string{"private": keyPEM},
		})
	}))
	defer srv.Close()

	provider, err := NewServiceProvider(ServiceConfig{URL: srv.URL})
	require.NoError(t, err)

	keys, err := provider.Fetch(context.Background(), "alice", "token-123")
	require.NoError(t, err)
	require.Equal(t, keyPEM, keys.PrivateKey)

	_, err = keys.AuthMethod()
	require.NoError(t, err)
}

func TestServiceProviderUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "signing backend down", http.StatusBadGateway)
	}))
	defer srv.Close()

	provider, err := NewServiceProvider(ServiceConfig{URL: srv.URL})
	require.NoError(t, err)

	_, err = provider.Fetch(context.Background(), "alice", "token-123")
	require.True(t, fcerrors.IsKeyService(err), "expected key service error, got %v", err)
	require.Contains(t, err.Error(), "status:502")
}

func TestStaticProvider(t *testing.T) {
	keyPEM := testKeyPEM(t)
	provider := NewStaticProvider(map[string]config.UserKeys{
		"alice": {PrivateKey: config.Secret(keyPEM)},
	})

	keys, err := provider.Fetch(context.Background(), "alice", "unused")
	require.NoError(t, err)
	require.Equal(t, keyPEM, keys.PrivateKey)

	_, err = provider.Fetch(context.Background(), "mallory", "unused")
	require.True(t, fcerrors.IsCredentials(err), "expected credentials error, got %v", err)
	require.Contains(t, err.Error(), "No SSH credentials found for user:mallory")
}

func TestFromConfig(t *testing.T) {
	provider, err := FromConfig(config.SSHCredentials{
		Service: &config.KeysService{URL: "http://keys.example/api/v1/ssh-keys"},
	})
	require.NoError(t, err)
	require.IsType(t, &ServiceProvider{}, provider)

	provider, err = FromConfig(config.SSHCredentials{
		Users: map[string]config.UserKeys{"alice": {PrivateKey: "key material"}},
	})
	require.NoError(t, err)
	require.IsType(t, &StaticProvider{}, provider)
}

func TestAuthMethodBadKey(t *testing.T) {
	keys := &Keys{PrivateKey: "not a key"}
	_, err := keys.AuthMethod()
	require.Error(t, err)
}
