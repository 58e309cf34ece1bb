/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

// Package sshkeys obtains SSH credential material for a user. Two
// providers exist: a remote minting service issuing short lived keys per
// request, and a static map for deployments with long lived per-user keys.
// Material is held only for the request that fetched it; the connection
// pool decides whether the resulting session outlives the request.
package sshkeys

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gravitational/trace"
	"github.com/hashicorp/go-cleanhttp"
	"golang.org/x/crypto/ssh"

	"github.com/eth-cscs/firecrest/lib/config"
	"github.com/eth-cscs/firecrest/lib/defaults"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
)

// Keys is one user's SSH credential material.
type Keys struct {
	// PrivateKey is PEM encoded.
	PrivateKey string
	// PublicCert is an optional SSH certificate authorizing the key.
	PublicCert string
	// Passphrase optionally protects the private key.
	Passphrase string
}

// AuthMethod parses the material into an ssh authentication method,
// honoring the passphrase and wrapping the key in its certificate when one
// is present.
func (k *Keys) AuthMethod() (ssh.AuthMethod, error) {
	var signer ssh.Signer
	var err error
	if k.Passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(k.PrivateKey), []byte(k.Passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey([]byte(k.PrivateKey))
	}
	if err != nil {
		return nil, trace.Wrap(err, "parsing private key")
	}
	if k.PublicCert != "" {
		parsed, _, _, _, err := ssh.ParseAuthorizedKey([]byte(k.PublicCert))
		if err != nil {
			return nil, trace.Wrap(err, "parsing public certificate")
		}
		cert, ok := parsed.(*ssh.Certificate)
		if !ok {
			return nil, trace.BadParameter("public certificate is not an SSH certificate")
		}
		signer, err = ssh.NewCertSigner(cert, signer)
		if err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return ssh.PublicKeys(signer), nil
}

// Provider fetches credential material for a user. Implementations must be
// safe for concurrent use; the pool calls Fetch before taking its lock.
type Provider interface {
	Fetch(ctx context.Context, username, accessToken string) (*Keys, error)
}

// ServiceConfig configures the remote key minting provider.
type ServiceConfig struct {
	// URL is the base URL of the minting service.
	URL string
	// Client is the HTTP client used for minting. Defaults to a pooled
	// cleanhttp client bounded by the key service timeout.
	Client *http.Client
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ServiceConfig) CheckAndSetDefaults() error {
	if c.URL == "" {
		return trace.BadParameter("missing key service url")
	}
	if c.Client == nil {
		c.Client = cleanhttp.DefaultPooledClient()
		c.Client.Timeout = defaults.KeyServiceTimeout
	}
	return nil
}

// ServiceProvider mints short lived keys through the SSH key service.
type ServiceProvider struct {
	cfg ServiceConfig
}

// NewServiceProvider returns a provider backed by the key minting service.
func NewServiceProvider(cfg ServiceConfig) (*ServiceProvider, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &ServiceProvider{cfg: cfg}, nil
}

// mintedKey mirrors the service response payload.
type mintedKey struct {
	SSHKey struct {
		Private    string `json:"private"`
		Public     string `json:"public"`
		Passphrase string `json:"passphrase"`
	} `json:"sshKey"`
}

// Fetch requests a one minute key for the user. The caller's access token
// authorizes the mint.
func (p *ServiceProvider) Fetch(ctx context.Context, username, accessToken string) (*Keys, error) {
	body, err := json.Marshal(map[string]string{"duration": "1min"})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.cfg.URL+"/api/v1/ssh-keys", bytes.NewReader(body))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.cfg.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, fcerrors.NewTimeout("SSH keys generation timeout limit exceeded")
		}
		return nil, trace.Wrap(err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if resp.StatusCode != http.StatusCreated {
		return nil, fcerrors.NewKeyService("Unexpected SSHService response. status:%d message:%s",
			resp.StatusCode, string(payload))
	}

	var minted mintedKey
	if err := json.Unmarshal(payload, &minted); err != nil {
		return nil, trace.Wrap(err, "decoding SSHService response")
	}
	return &Keys{
		PrivateKey: minted.SSHKey.Private,
		PublicCert: minted.SSHKey.Public,
		Passphrase: minted.SSHKey.Passphrase,
	}, nil
}

func isTimeout(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}

// StaticProvider serves keys from the configuration.
type StaticProvider struct {
	users map[string]config.UserKeys
}

// NewStaticProvider returns a provider over a static user key map.
func NewStaticProvider(users map[string]config.UserKeys) *StaticProvider {
	return &StaticProvider{users: users}
}

// Fetch looks the user up in the static map. The access token is unused.
func (p *StaticProvider) Fetch(ctx context.Context, username, accessToken string) (*Keys, error) {
	keys, ok := p.users[username]
	if !ok {
		return nil, fcerrors.NewCredentials("No SSH credentials found for user:%s", username)
	}
	return &Keys{
		PrivateKey: keys.PrivateKey.Value(),
		PublicCert: keys.PublicCert,
		Passphrase: keys.Passphrase.Value(),
	}, nil
}

// FromConfig builds the provider selected by the configuration.
func FromConfig(creds config.SSHCredentials) (Provider, error) {
	if creds.Service != nil {
		provider, err := NewServiceProvider(ServiceConfig{URL: creds.Service.URL})
		return provider, trace.Wrap(err)
	}
	return NewStaticProvider(creds.Users), nil
}
