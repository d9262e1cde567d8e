// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package googleauth builds authenticated HTTP clients for the Google APIs
// (Gmail and Drive) from a credentials file.
package googleauth

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// Scopes used by the pipeline.
const (
	GmailModifyScope = "https://www.googleapis.com/auth/gmail.modify"
	GmailSendScope   = "https://www.googleapis.com/auth/gmail.send"
	DriveScope       = "https://www.googleapis.com/auth/drive"
)

// Options selects the credential source.
type Options struct {
	// CredentialsFile is a service account key or an OAuth client secret.
	// Empty means Application Default Credentials.
	CredentialsFile string
	// TokenFile holds a stored oauth2.Token, required for OAuth client secrets.
	TokenFile string
	// Subject is the user a service account impersonates through
	// domain-wide delegation.
	Subject string
	Scopes  []string
}

// NewClient returns an *http.Client whose transport refreshes tokens.
func NewClient(ctx context.Context, opts Options) (*http.Client, error) {
	if opts.CredentialsFile == "" {
		creds, err := google.FindDefaultCredentials(ctx, opts.Scopes...)
		if err != nil {
			return nil, fmt.Errorf("find default credentials: %w", err)
		}
		return oauth2.NewClient(ctx, creds.TokenSource), nil
	}

	data, err := os.ReadFile(opts.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s: %w", opts.CredentialsFile, err)
	}

	var kind struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &kind); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", opts.CredentialsFile, err)
	}

	if kind.Type == "service_account" {
		cfg, err := google.JWTConfigFromJSON(data, opts.Scopes...)
		if err != nil {
			return nil, fmt.Errorf("parse service account: %w", err)
		}
		cfg.Subject = opts.Subject
		return cfg.Client(ctx), nil
	}

	cfg, err := google.ConfigFromJSON(data, opts.Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse oauth client: %w", err)
	}
	if opts.TokenFile == "" {
		return nil, fmt.Errorf("token file is required for oauth client credentials")
	}
	token, err := loadToken(opts.TokenFile)
	if err != nil {
		return nil, err
	}
	return oauth2.NewClient(ctx, cfg.TokenSource(ctx, token)), nil
}

func loadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token %s: %w", path, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token %s: %w", path, err)
	}
	return &tok, nil
}
