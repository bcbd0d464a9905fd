// Package accounts loads the account/owner/proxy configuration documents and
// answers proxy resolution for outbound marketplace requests.
package accounts

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Account is one downstream selling account, grouped under an Owner.
type Account struct {
	ID               string            `json:"id"`
	Platform         string            `json:"platform"`
	DisplayName      string            `json:"display_name"`
	Active           bool              `json:"active"`
	DailyUploadLimit int               `json:"daily_upload_limit"`
	HourlyRateBudget int               `json:"hourly_rate_budget"`
	OwnerName        string            `json:"owner"`
	ProxyID          string            `json:"proxy_id,omitempty"`
	Credentials      map[string]string `json:"credentials"`
}

// Owner is a legal entity grouping accounts; it owns one outbound proxy.
type Owner struct {
	Name    string `json:"name"`
	ProxyID string `json:"proxy_id,omitempty"`
}

// Manager resolves accounts, owners and proxies loaded from the config dir.
type Manager struct {
	accounts map[string]Account
	owners   map[string]Owner
	proxies  map[string]string // proxy_id -> URL
	log      *zap.Logger
}

// Load reads accounts.json, owners.json and proxies.json from dir. Missing
// files yield empty sets so partially configured installs still start.
func Load(dir string, log *zap.Logger) (*Manager, error) {
	m := &Manager{
		accounts: make(map[string]Account),
		owners:   make(map[string]Owner),
		proxies:  make(map[string]string),
		log:      log,
	}

	var accts []Account
	if err := readJSON(filepath.Join(dir, "accounts.json"), &accts); err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	for _, a := range accts {
		m.accounts[a.ID] = a
	}

	var owners []Owner
	if err := readJSON(filepath.Join(dir, "owners.json"), &owners); err != nil {
		return nil, fmt.Errorf("load owners: %w", err)
	}
	for _, o := range owners {
		m.owners[o.Name] = o
	}

	if err := readJSON(filepath.Join(dir, "proxies.json"), &m.proxies); err != nil {
		return nil, fmt.Errorf("load proxies: %w", err)
	}

	log.Info("account config loaded",
		zap.Int("accounts", len(m.accounts)),
		zap.Int("owners", len(m.owners)),
		zap.Int("proxies", len(m.proxies)))
	return m, nil
}

func readJSON(path string, dst interface{}) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(raw, dst)
}

// NewManager builds a Manager from in-memory documents (tests, tools).
func NewManager(accts []Account, owners []Owner, proxies map[string]string) *Manager {
	m := &Manager{
		accounts: make(map[string]Account),
		owners:   make(map[string]Owner),
		proxies:  proxies,
		log:      zap.NewNop(),
	}
	if m.proxies == nil {
		m.proxies = make(map[string]string)
	}
	for _, a := range accts {
		m.accounts[a.ID] = a
	}
	for _, o := range owners {
		m.owners[o.Name] = o
	}
	return m
}

// Account returns the account config, or an error when unknown.
func (m *Manager) Account(accountID string) (Account, error) {
	a, ok := m.accounts[accountID]
	if !ok {
		return Account{}, fmt.Errorf("unknown account %q", accountID)
	}
	return a, nil
}

// ActiveAccounts returns the active accounts for a platform.
func (m *Manager) ActiveAccounts(platform string) []Account {
	var out []Account
	for _, a := range m.accounts {
		if a.Active && a.Platform == platform {
			out = append(out, a)
		}
	}
	return out
}

// ResolveProxy picks the outbound proxy for a request:
// explicit call-site proxy -> account's proxy -> owner's proxy -> direct (nil).
func (m *Manager) ResolveProxy(accountID, explicitProxyID string) (*url.URL, error) {
	for _, id := range []string{explicitProxyID, m.accountProxyID(accountID), m.ownerProxyID(accountID)} {
		if id == "" {
			continue
		}
		raw, ok := m.proxies[id]
		if !ok {
			return nil, fmt.Errorf("proxy %q not configured", id)
		}
		u, err := url.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("proxy %q: %w", id, err)
		}
		return u, nil
	}
	return nil, nil
}

func (m *Manager) accountProxyID(accountID string) string {
	if a, ok := m.accounts[accountID]; ok {
		return a.ProxyID
	}
	return ""
}

func (m *Manager) ownerProxyID(accountID string) string {
	a, ok := m.accounts[accountID]
	if !ok {
		return ""
	}
	if o, ok := m.owners[a.OwnerName]; ok {
		return o.ProxyID
	}
	return ""
}

// HTTPClient builds an HTTP client routed through the account's resolved
// proxy. A nil resolution means a direct connection.
func (m *Manager) HTTPClient(accountID string, timeout time.Duration) (*http.Client, error) {
	proxyURL, err := m.ResolveProxy(accountID, "")
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{}
	if proxyURL != nil {
		transport.Proxy = http.ProxyURL(proxyURL)
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}
