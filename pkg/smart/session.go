package smart

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// SmartKey is the storage key holding the pointer to the most recently
// authorized session. The session itself is stored under its own random key,
// which also travels as the OAuth2 state parameter.
const SmartKey = "SMART_KEY"

var serverURLPattern = regexp.MustCompile(`^https?://.+`)

// TokenResponse is the raw token grant as returned by the token endpoint.
// Server-defined extension fields (patient, encounter, intent, ...) are kept
// verbatim; typed accessors cover the fields the engine itself needs.
type TokenResponse map[string]any

func (t TokenResponse) str(key string) string {
	if t == nil {
		return ""
	}
	if v, ok := t[key].(string); ok {
		return v
	}
	return ""
}

// AccessToken returns the access_token field, or "" when unauthenticated.
func (t TokenResponse) AccessToken() string { return t.str("access_token") }

// RefreshToken returns the refresh_token field, if the grant included one.
func (t TokenResponse) RefreshToken() string { return t.str("refresh_token") }

// IDToken returns the OIDC id_token field, if present.
func (t TokenResponse) IDToken() string { return t.str("id_token") }

// Scope returns the scope string granted by the server.
func (t TokenResponse) Scope() string { return t.str("scope") }

// Patient returns the patient launch-context field, if present.
func (t TokenResponse) Patient() string { return t.str("patient") }

// Encounter returns the encounter launch-context field, if present.
func (t TokenResponse) Encounter() string { return t.str("encounter") }

// ExpiresIn returns the expires_in field in seconds, or 0 when absent.
func (t TokenResponse) ExpiresIn() int64 {
	if t == nil {
		return 0
	}
	switch v := t["expires_in"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Merge folds a fresh grant into the response, keeping fields the new grant
// does not mention (notably refresh_token on servers that rotate it out).
func (t TokenResponse) Merge(grant TokenResponse) TokenResponse {
	out := TokenResponse{}
	for k, v := range t {
		out[k] = v
	}
	for k, v := range grant {
		out[k] = v
	}
	return out
}

// SessionState is the persisted record of one authorization attempt. It is
// created by Authorize, reconstructed by Ready/Init from storage, and mutated
// by token refreshes.
type SessionState struct {
	// ServerURL is the FHIR base URL. Immutable once set.
	ServerURL string `json:"serverUrl"`

	// Launch configuration, set once at authorize time.
	ClientID    string `json:"clientId,omitempty"`
	Scope       string `json:"scope,omitempty"`
	RedirectURI string `json:"redirectUri,omitempty"`

	// Discovered OAuth endpoints. Empty strings mean "not supported" or
	// "open server".
	AuthorizeURI         string   `json:"authorizeUri,omitempty"`
	TokenURI             string   `json:"tokenUri,omitempty"`
	RegistrationURI      string   `json:"registrationUri,omitempty"`
	CodeChallengeMethods []string `json:"codeChallengeMethods,omitempty"`

	// PKCE pair. Generated once per session, never regenerated.
	CodeVerifier  string `json:"codeVerifier,omitempty"`
	CodeChallenge string `json:"codeChallenge,omitempty"`

	// TokenResponse is the most recent grant; empty map when unauthenticated.
	TokenResponse TokenResponse `json:"tokenResponse"`

	// ExpiresAt is the absolute Unix-seconds expiration of the current access
	// token. Only meaningful while TokenResponse carries an access_token.
	ExpiresAt int64 `json:"expiresAt,omitempty"`

	// Key is the storage key under which this session is persisted. It is
	// the opaque handle clients pass to identify "this session".
	Key string `json:"key,omitempty"`

	// Confidential-client credentials. Never required.
	ClientSecret          string          `json:"clientSecret,omitempty"`
	ClientPrivateJWK      json.RawMessage `json:"clientPrivateJwk,omitempty"`
	ClientPublicKeySetURL string          `json:"clientPublicKeySetUrl,omitempty"`

	// Basic-auth credentials for servers that use them instead of OAuth.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	// CompleteInTarget controls whether a popup/frame launch finishes
	// authorization in the launched window or signals back to its opener.
	CompleteInTarget bool `json:"completeInTarget,omitempty"`
}

// Validate checks the invariants that must hold before a session is persisted.
func (s *SessionState) Validate() error {
	if !serverURLPattern.MatchString(s.ServerURL) {
		return fmt.Errorf("invalid serverUrl %q: an absolute http(s) URL is required", s.ServerURL)
	}
	if (s.CodeVerifier == "") != (s.CodeChallenge == "") {
		return fmt.Errorf("codeVerifier and codeChallenge must be set together")
	}
	return nil
}

func (s *SessionState) marshal() ([]byte, error) {
	if s.TokenResponse == nil {
		s.TokenResponse = TokenResponse{}
	}
	return json.Marshal(s)
}

func unmarshalSession(data []byte) (*SessionState, error) {
	var s SessionState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("corrupt session state: %w", err)
	}
	if s.TokenResponse == nil {
		s.TokenResponse = TokenResponse{}
	}
	return &s, nil
}
