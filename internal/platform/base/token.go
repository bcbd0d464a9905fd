package base

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// tokenValidity is how long a saved access token is trusted. BASE tokens
// live one hour; the margin absorbs clock skew and in-flight time.
const tokenValidity = 55 * time.Minute

// tokenFile is the persisted per-account OAuth state, one JSON file per
// account so accounts refresh independently.
type tokenFile struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenSavedAt int64  `json:"token_saved_at"`
}

type tokenSource struct {
	path     string
	tokenURL string
	clientID string
	secret   string
	seed     string // initial refresh token from account credentials
	http     *http.Client

	mu  sync.Mutex
	tok tokenFile
}

func newTokenSource(dataDir, accountID, tokenURL, clientID, secret, seedRefresh string, client *http.Client) *tokenSource {
	return &tokenSource{
		path:     filepath.Join(dataDir, accountID+"_token.json"),
		tokenURL: tokenURL,
		clientID: clientID,
		secret:   secret,
		seed:     seedRefresh,
		http:     client,
	}
}

// Token returns a valid access token, refreshing when the saved one is
// older than the validity window.
func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tok.AccessToken == "" {
		t.load()
	}
	saved := time.Unix(t.tok.TokenSavedAt, 0)
	if t.tok.AccessToken != "" && time.Since(saved) < tokenValidity {
		return t.tok.AccessToken, nil
	}
	if err := t.refresh(ctx); err != nil {
		return "", err
	}
	return t.tok.AccessToken, nil
}

func (t *tokenSource) load() {
	raw, err := os.ReadFile(t.path)
	if err != nil {
		return
	}
	json.Unmarshal(raw, &t.tok)
}

func (t *tokenSource) refresh(ctx context.Context) error {
	refreshToken := t.tok.RefreshToken
	if refreshToken == "" {
		refreshToken = t.seed
	}
	if refreshToken == "" {
		return fmt.Errorf("no refresh token for %s", filepath.Base(t.path))
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {t.clientID},
		"client_secret": {t.secret},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("base token refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("base token refresh: status %d: %s", resp.StatusCode, string(body))
	}

	var tok tokenFile
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("base token decode: %w", err)
	}
	tok.TokenSavedAt = time.Now().Unix()
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	t.tok = tok
	return t.save()
}

func (t *tokenSource) save() error {
	raw, err := json.MarshalIndent(t.tok, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(t.path, raw, 0o600)
}
