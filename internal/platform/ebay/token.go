package ebay

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

// tokenSafetyMargin is subtracted from the user token's expires_in so a
// token never expires mid-request.
const tokenSafetyMargin = 5 * time.Minute

// userToken is the persisted per-account user-token state from the
// authorization-code flow.
type userToken struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenSavedAt int64  `json:"token_saved_at"`
}

// userTokenSource refreshes the sell-scope user token against the stored
// refresh token. Credentials go out as HTTP basic auth per the OAuth spec.
type userTokenSource struct {
	path     string
	tokenURL string
	clientID string
	secret   string
	seed     string
	http     *http.Client

	mu  sync.Mutex
	tok userToken
}

func newUserTokenSource(dataDir, accountID, tokenURL, clientID, secret, seedRefresh string, client *http.Client) *userTokenSource {
	return &userTokenSource{
		path:     filepath.Join(dataDir, accountID+"_token.json"),
		tokenURL: tokenURL,
		clientID: clientID,
		secret:   secret,
		seed:     seedRefresh,
		http:     client,
	}
}

func (t *userTokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tok.AccessToken == "" {
		if raw, err := os.ReadFile(t.path); err == nil {
			json.Unmarshal(raw, &t.tok)
		}
	}
	validFor := time.Duration(t.tok.ExpiresIn)*time.Second - tokenSafetyMargin
	saved := time.Unix(t.tok.TokenSavedAt, 0)
	if t.tok.AccessToken != "" && time.Since(saved) < validFor {
		return t.tok.AccessToken, nil
	}
	if err := t.refresh(ctx); err != nil {
		return "", err
	}
	return t.tok.AccessToken, nil
}

func (t *userTokenSource) refresh(ctx context.Context) error {
	refreshToken := t.tok.RefreshToken
	if refreshToken == "" {
		refreshToken = t.seed
	}
	if refreshToken == "" {
		return fmt.Errorf("no refresh token for %s", filepath.Base(t.path))
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.SetBasicAuth(t.clientID, t.secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.Do(req)
	if err != nil {
		return fmt.Errorf("ebay token refresh: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("ebay token refresh: status %d: %s", resp.StatusCode, string(body))
	}

	var tok userToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return fmt.Errorf("ebay token decode: %w", err)
	}
	tok.TokenSavedAt = time.Now().Unix()
	if tok.RefreshToken == "" {
		tok.RefreshToken = refreshToken
	}
	t.tok = tok

	raw, err := json.MarshalIndent(t.tok, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(t.path, raw, 0o600)
}
