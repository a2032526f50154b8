package provision

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/beam-cloud/handoff/pkg/types"
	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultAPIBase = "https://api.github.com"
	appJWTLifetime = 10 * time.Minute

	// Installation tokens last an hour; evict ahead of expiry so a cached
	// token always has runway left for the clone
	tokenCacheTTL  = 45 * time.Minute
	tokenCacheSize = 256
)

// InstallationTokenSource exchanges a GitHub App installation id for a
// short-lived access token, caching tokens per installation.
type InstallationTokenSource struct {
	config     types.GitHubAppConfig
	httpClient *http.Client
	cache      *expirable.LRU[int64, string]
}

func NewInstallationTokenSource(cfg types.GitHubAppConfig) *InstallationTokenSource {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultAPIBase
	}
	return &InstallationTokenSource{
		config:     cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      expirable.NewLRU[int64, string](tokenCacheSize, nil, tokenCacheTTL),
	}
}

// Token returns an access token for the installation, minting one through
// the source host when no cached token remains.
func (s *InstallationTokenSource) Token(ctx context.Context, installationID int64) (string, error) {
	if token, ok := s.cache.Get(installationID); ok {
		return token, nil
	}

	appJWT, err := s.mintAppJWT()
	if err != nil {
		return "", fmt.Errorf("mint app jwt: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.config.APIBase, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(nil))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("installation token request failed (%d): %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("decode installation token response: %w", err)
	}
	if payload.Token == "" {
		return "", fmt.Errorf("installation token response carried no token")
	}

	s.cache.Add(installationID, payload.Token)
	return payload.Token, nil
}

// mintAppJWT signs a short-lived RS256 JWT identifying the app itself,
// backdated a minute to absorb clock skew.
func (s *InstallationTokenSource) mintAppJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(s.config.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse app private key: %w", err)
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", s.config.AppID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}
