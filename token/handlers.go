package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log"
	"net/http"
	"strings"
	"time"
)

// UninstallEventType is the event type the CRM sends when an app is
// removed from a location
const UninstallEventType = "UNINSTALL"

// authorized checks the api key presented as a header or query
// parameter against the configured secret. An unset secret rejects
// everything rather than letting an empty key through.
func (m *Manager) authorized(r *http.Request) bool {
	if m.cfg.APIKey == "" {
		return false
	}
	key := r.Header.Get("X-API-Key")
	if key == "" {
		key = r.URL.Query().Get("apiKey")
	}
	return key == m.cfg.APIKey
}

// jsonError writes a json error body with the given status
func jsonError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// errorPage renders the html failure page shown to the installing
// user when the consent flow goes wrong
func errorPage(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, "<html><title>Authorization failed</title><body>")
	fmt.Fprint(w, "<h4>Authorization failed</h4>")
	fmt.Fprintf(w, "<p>%s</p>", html.EscapeString(msg))
	fmt.Fprint(w, "<p>Please restart the installation flow.</p>")
	fmt.Fprint(w, "</body></html>")
}

// HandleAuthorize redirects the installing user to the CRM consent
// page which begins the authorization flow
func (m *Manager) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	u, err := m.AuthURL()
	if err != nil {
		msg := fmt.Sprintf("authorization unavailable: %s", err)
		log.Println(msg)
		http.Error(w, msg, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Location", u)
	w.WriteHeader(302)
}

// HandleCallback processes the consent redirect from the CRM,
// exchanging the code for tokens and installing the location. The
// state value, when the provider echoes one, is checked against the
// value issued with the consent url.
func (m *Manager) HandleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		msg := fmt.Sprintf("authorization refused: %s %s", e, q.Get("error_description"))
		log.Println(msg)
		errorPage(w, http.StatusBadGateway, msg)
		return
	}

	code := q.Get("code")
	if code == "" {
		log.Println("no code to extract")
		errorPage(w, http.StatusForbidden, ErrMissingCode.Error())
		return
	}

	if state := q.Get("state"); state != "" && !m.checkState(state) {
		msg := fmt.Sprintf("url state != saved state: %s", r.URL.RawQuery)
		log.Println(msg)
		http.Error(w, "state mismatch", http.StatusForbidden)
		return
	}

	rec, err := m.Exchange(r.Context(), strings.TrimSpace(code))
	if err != nil {
		msg := fmt.Sprintf("token exchange error: %s", err)
		log.Println(msg)
		errorPage(w, http.StatusServiceUnavailable, msg)
		return
	}

	fmt.Fprint(w, "<html><title>Installation complete</title><body>")
	fmt.Fprint(w, "<h4>Installation complete</h4>")
	fmt.Fprintf(w, "<p>Tokens stored for location <b>%s</b>.</p>",
		html.EscapeString(rec.LocationID))
	fmt.Fprint(w, "<p>The relay will keep the access token fresh.</p>")
	fmt.Fprint(w, "</body></html>")
}

// HandleToken returns a json access token for a location, refreshing
// it first when close to expiry. The location id may be omitted when
// exactly one installation exists.
func (m *Manager) HandleToken(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		log.Println("token request rejected: bad api key")
		jsonError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
		return
	}

	locationID, err := m.Resolve(r.URL.Query().Get("locationId"))
	if err != nil {
		m.writeResolveError(w, err)
		return
	}

	rec, refreshed, err := m.GetValidToken(r.Context(), locationID)
	if err != nil {
		jsonError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"locationId":  rec.LocationID,
		"accessToken": rec.AccessToken,
		"tokenType":   rec.TokenType,
		"expiresAt":   rec.ExpiresAt,
		"refreshed":   refreshed,
	})
}

// writeResolveError maps Resolve failures onto json responses,
// reporting the candidate set for ambiguous lookups
func (m *Manager) writeResolveError(w http.ResponseWriter, err error) {
	var ambiguous *AmbiguousTenantError
	if errors.As(err, &ambiguous) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":       "location id required",
			"locationIds": ambiguous.LocationIDs,
		})
		return
	}
	jsonError(w, http.StatusNotFound, err.Error())
}

// HandleRefresh forces a refresh for a location regardless of the
// remaining token lifetime. Unlike the lazy refresh inside
// HandleToken, a provider failure here is surfaced to the caller.
func (m *Manager) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		log.Println("refresh request rejected: bad api key")
		jsonError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
		return
	}

	locationID := r.URL.Query().Get("locationId")
	if locationID == "" {
		jsonError(w, http.StatusBadRequest, "locationId is required")
		return
	}

	n := time.Now()
	rec, err := m.Refresh(r.Context(), locationID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			jsonError(w, http.StatusNotFound, err.Error())
			return
		}
		msg := fmt.Sprintf("refresh error: %s", err)
		log.Println(msg)
		jsonError(w, http.StatusBadGateway, msg)
		return
	}
	log.Printf("refresh took: %s", time.Since(n))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"locationId":    rec.LocationID,
		"accessToken":   rec.AccessToken,
		"tokenType":     rec.TokenType,
		"expiresAt":     rec.ExpiresAt,
		"lastRefreshed": rec.LastRefreshed,
	})
}

// HandleInstallations lists all installed locations with their
// metadata and a derived isExpired flag
func (m *Manager) HandleInstallations(w http.ResponseWriter, r *http.Request) {
	if !m.authorized(r) {
		log.Println("installations request rejected: bad api key")
		jsonError(w, http.StatusUnauthorized, ErrUnauthorized.Error())
		return
	}

	installations := m.Installations()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count":         len(installations),
		"installations": installations,
	})
}

// webhookEvent is the provider event notification payload
type webhookEvent struct {
	Type       string `json:"type"`
	LocationID string `json:"locationId"`
}

// HandleWebhook processes provider event notifications. Only
// uninstall events are acted on; everything else is acknowledged and
// ignored. Redelivered uninstalls are no-ops.
func (m *Manager) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	var ev webhookEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		msg := fmt.Sprintf("webhook decoding error: %s", err)
		log.Println(msg)
		jsonError(w, http.StatusBadRequest, msg)
		return
	}

	if ev.Type == UninstallEventType && ev.LocationID != "" {
		m.Uninstall(ev.LocationID)
	}

	w.WriteHeader(http.StatusOK)
}

// HandleLivez reports server liveness
func (m *Manager) HandleLivez(w http.ResponseWriter, r *http.Request) {
	fmt.Fprint(w, "ok")
}
