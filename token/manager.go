package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/oauthrelay/CrmOauthTokenServer/store"
)

// HighLevelAuthURL is the CRM's hosted consent page
const HighLevelAuthURL = "https://marketplace.gohighlevel.com/oauth/chooselocation"

// HighLevelTokenURL is the CRM token endpoint, serving both the
// authorization_code and refresh_token grants
const HighLevelTokenURL = "https://services.leadconnectorhq.com/oauth/token"

// DefaultRefreshThreshold is the remaining access token lifetime below
// which a read triggers a just-in-time refresh
const DefaultRefreshThreshold = 5 * time.Minute

// DefaultHTTPTimeout bounds calls to the token endpoint
const DefaultHTTPTimeout = 15 * time.Second

// Config carries the CRM app registration details and relay settings.
// AuthURL and TokenURL default to the HighLevel endpoints when empty.
type Config struct {
	ClientID         string
	ClientSecret     string
	RedirectURL      string
	AuthURL          string
	TokenURL         string
	Scopes           []string
	APIKey           string
	RefreshThreshold time.Duration
	HTTPTimeout      time.Duration
}

// Manager drives the token lifecycle for each installed location:
// code-for-token exchange, refresh before expiry, and uninstall. All
// credential state lives in the injected Store; the manager is the
// only writer. Refreshes for the same location are collapsed through
// a singleflight group so overlapping lazy refreshes cannot interleave
// and lose a rotated refresh token; operations on different locations
// proceed independently.
type Manager struct {
	cfg    Config
	store  store.Store
	client *http.Client
	group  singleflight.Group
	now    func() time.Time
	mu     sync.Mutex
	state  string
}

// NewManager returns a Manager backed by the given store. Missing
// client credentials are tolerated here so the relay can still serve
// its health and listing endpoints; the authorization flow reports
// ErrNotConfigured instead.
func NewManager(cfg Config, st store.Store) (*Manager, error) {
	if _, err := url.ParseRequestURI(cfg.RedirectURL); err != nil {
		return nil, errors.New("redirect url invalid")
	}
	if len(cfg.Scopes) < 1 {
		return nil, errors.New("scopes cannot be empty")
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = HighLevelAuthURL
	}
	if cfg.TokenURL == "" {
		cfg.TokenURL = HighLevelTokenURL
	}
	if cfg.RefreshThreshold == 0 {
		cfg.RefreshThreshold = DefaultRefreshThreshold
	}
	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = DefaultHTTPTimeout
	}

	return &Manager{
		cfg:    cfg,
		store:  st,
		client: &http.Client{Timeout: cfg.HTTPTimeout},
		now:    time.Now,
	}, nil
}

// AuthURL returns the consent page url which begins the authorization
// flow. The state string is randomized per call and checked against
// the callback.
func (m *Manager) AuthURL() (string, error) {
	if m.cfg.ClientID == "" || m.cfg.ClientSecret == "" {
		return "", ErrNotConfigured
	}

	m.mu.Lock()
	m.state = uuid.NewString()
	state := m.state
	m.mu.Unlock()

	v := url.Values{}
	v.Set("response_type", "code")
	v.Set("client_id", m.cfg.ClientID)
	v.Set("redirect_uri", m.cfg.RedirectURL)
	v.Set("scope", strings.Join(m.cfg.Scopes, " "))
	v.Set("state", state)

	return m.cfg.AuthURL + "?" + v.Encode(), nil
}

// checkState compares a callback state value against the last issued
// one; a security measure to avoid spoofed callouts.
func (m *Manager) checkState(state string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state != "" && state == m.state
}

// tokenResponse is the CRM token endpoint payload, identical for both
// grant types. The tenant-identifying fields arrive alongside the
// standard oauth fields.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
	Scope        string `json:"scope"`
	LocationID   string `json:"locationId"`
	CompanyID    string `json:"companyId"`
	UserID       string `json:"userId"`
	UserType     string `json:"userType"`
}

// tokenRequest posts a form to the token endpoint with the client
// credentials added, returning the decoded payload or a
// *ProviderError carrying the provider's error code and description.
func (m *Manager) tokenRequest(ctx context.Context, op string, form url.Values) (tokenResponse, error) {
	var results tokenResponse

	if m.cfg.ClientID == "" || m.cfg.ClientSecret == "" {
		return results, ErrNotConfigured
	}

	form.Set("client_id", m.cfg.ClientID)
	form.Set("client_secret", m.cfg.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, "POST", m.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return results, err
	}
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Add("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return results, &ProviderError{Op: op, Description: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			body = []byte("could not read body")
		}
		return results, newProviderError(op, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return results, fmt.Errorf("json decoding error: %s", err)
	}
	if results.AccessToken == "" || results.ExpiresIn == 0 {
		return results, errors.New("empty response received from server")
	}

	return results, nil
}

// Exchange swaps an authorization code for tokens and installs a
// fresh record for the location identified in the response. A second
// exchange for an already installed location overwrites it; no
// history is kept. Exchange is not retried on failure since the code
// is single-use and the installing user must restart the flow.
func (m *Manager) Exchange(ctx context.Context, code string) (store.Record, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", m.cfg.RedirectURL)

	results, err := m.tokenRequest(ctx, "exchange", form)
	if err != nil {
		return store.Record{}, err
	}
	if results.LocationID == "" {
		return store.Record{}, errors.New("no location id in token response")
	}

	now := m.now().UTC()
	rec := store.Record{
		LocationID:   results.LocationID,
		AccessToken:  results.AccessToken,
		RefreshToken: results.RefreshToken,
		TokenType:    results.TokenType,
		ExpiresAt:    now.Add(time.Duration(results.ExpiresIn) * time.Second),
		CompanyID:    results.CompanyID,
		UserID:       results.UserID,
		UserType:     results.UserType,
		InstalledAt:  now,
	}
	m.store.Put(rec)

	log.Printf("installed token for location %s, expires %s", rec.LocationID, rec.ExpiresAt)

	return rec, nil
}

// Refresh obtains a new access token for a location using its stored
// refresh token. The result is merged into the existing record:
// access token, expiry and LastRefreshed are updated, the refresh
// token is replaced only when the provider returns one, and the
// install metadata is untouched.
func (m *Manager) Refresh(ctx context.Context, locationID string) (store.Record, error) {
	v, err, _ := m.group.Do(locationID, func() (interface{}, error) {
		return m.refresh(ctx, locationID)
	})
	if err != nil {
		return store.Record{}, err
	}
	return v.(store.Record), nil
}

func (m *Manager) refresh(ctx context.Context, locationID string) (store.Record, error) {
	rec, ok := m.store.Get(locationID)
	if !ok {
		return store.Record{}, ErrNotFound
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", rec.RefreshToken)

	results, err := m.tokenRequest(ctx, "refresh", form)
	if err != nil {
		return store.Record{}, err
	}

	now := m.now().UTC()
	rec.AccessToken = results.AccessToken
	rec.ExpiresAt = now.Add(time.Duration(results.ExpiresIn) * time.Second)
	rec.LastRefreshed = now
	if results.TokenType != "" {
		rec.TokenType = results.TokenType
	}
	// providers may omit the refresh token on refresh
	if results.RefreshToken != "" {
		rec.RefreshToken = results.RefreshToken
	}
	m.store.Put(rec)

	log.Printf("refreshed token for location %s, expires %s", rec.LocationID, rec.ExpiresAt)

	return rec, nil
}

// GetValidToken returns the stored token for a location, refreshing
// it first when its remaining lifetime has dropped below the
// configured threshold. A failed just-in-time refresh is logged and
// absorbed: the stored token is still valid for a few minutes, so
// serving it beats failing the read. The refreshed flag reports
// whether the returned token came from a successful refresh.
func (m *Manager) GetValidToken(ctx context.Context, locationID string) (store.Record, bool, error) {
	rec, ok := m.store.Get(locationID)
	if !ok {
		return store.Record{}, false, ErrNotFound
	}

	if rec.ExpiresAt.Sub(m.now().UTC()) >= m.cfg.RefreshThreshold {
		return rec, false, nil
	}

	refreshed, err := m.Refresh(ctx, locationID)
	if err != nil {
		log.Printf("lazy refresh for location %s failed, serving existing token: %s", locationID, err)
		return rec, false, nil
	}
	return refreshed, true, nil
}

// Resolve maps an optional location id onto a known installation. An
// empty id selects the sole installation when exactly one exists,
// reports ErrNotFound when none do, and refuses to guess among
// several.
func (m *Manager) Resolve(locationID string) (string, error) {
	if locationID != "" {
		return locationID, nil
	}

	recs := m.store.List()
	switch len(recs) {
	case 0:
		return "", ErrNotFound
	case 1:
		return recs[0].LocationID, nil
	}

	ids := make([]string, 0, len(recs))
	for _, rec := range recs {
		ids = append(ids, rec.LocationID)
	}
	sort.Strings(ids)
	return "", &AmbiguousTenantError{LocationIDs: ids}
}

// Uninstall removes the record for a location. Removing an unknown
// location is a no-op, so provider uninstall webhooks can be
// redelivered safely.
func (m *Manager) Uninstall(locationID string) {
	if _, ok := m.store.Get(locationID); ok {
		log.Printf("uninstalling location %s", locationID)
	}
	m.store.Delete(locationID)
}

// Installation describes one installed location for the listing
// endpoint, including whether its access token has lapsed.
type Installation struct {
	LocationID    string    `json:"locationId"`
	CompanyID     string    `json:"companyId"`
	UserID        string    `json:"userId"`
	UserType      string    `json:"userType"`
	ExpiresAt     time.Time `json:"expiresAt"`
	InstalledAt   time.Time `json:"installedAt"`
	LastRefreshed time.Time `json:"lastRefreshed"`
	IsExpired     bool      `json:"isExpired"`
}

// Installations lists all installed locations ordered by location id.
func (m *Manager) Installations() []Installation {
	now := m.now().UTC()
	recs := m.store.List()
	out := make([]Installation, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Installation{
			LocationID:    rec.LocationID,
			CompanyID:     rec.CompanyID,
			UserID:        rec.UserID,
			UserType:      rec.UserType,
			ExpiresAt:     rec.ExpiresAt,
			InstalledAt:   rec.InstalledAt,
			LastRefreshed: rec.LastRefreshed,
			IsExpired:     rec.IsExpired(now),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LocationID < out[j].LocationID })
	return out
}
