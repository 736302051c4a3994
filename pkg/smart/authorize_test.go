package smart

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T, current string) *StaticEnvironment {
	t.Helper()
	env, err := NewStaticEnvironment(current)
	require.NoError(t, err)
	return env
}

func TestAuthorizeOpenServerBypass(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "http://app.example.com/launch")
	store := NewMemoryStorage()

	got, err := Authorize(ctx, env, store, AuthorizeOptions{
		FHIRServiceURL: "https://open.example.com/fhir",
		RedirectURI:    "http://app.example.com/callback",
		NoRedirect:     true,
	})
	require.NoError(t, err)

	// No OAuth server is contacted; the app bounces straight back to itself.
	require.True(t, strings.HasPrefix(got, "http://app.example.com/callback?state="), got)
	u, err := url.Parse(got)
	require.NoError(t, err)
	key := u.Query().Get("state")
	assert.GreaterOrEqual(t, len(key), 32)

	session, err := loadSession(ctx, store, key)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "https://open.example.com/fhir", session.ServerURL)
	assert.Empty(t, session.AuthorizeURI)

	pointer, ok, err := store.Get(ctx, SmartKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key, string(pointer))

	// NoRedirect means no navigation happened either.
	assert.Empty(t, env.Redirects())
}

func TestAuthorizeBypassKeepsRedirectQuery(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "http://app.example.com/launch")
	store := NewMemoryStorage()

	got, err := Authorize(ctx, env, store, AuthorizeOptions{
		FHIRServiceURL: "https://open.example.com/fhir",
		RedirectURI:    "http://app.example.com/callback?view=summary",
		NoRedirect:     true,
	})
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "summary", u.Query().Get("view"))
	assert.NotEmpty(t, u.Query().Get("state"))
	// a single query separator, no mangled "?...?"
	assert.Equal(t, 1, strings.Count(got, "?"))
}

func TestAuthorizeFakeTokenResponse(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, "http://app.example.com/launch")
	store := NewMemoryStorage()

	got, err := Authorize(ctx, env, store, AuthorizeOptions{
		FHIRServiceURL:    "https://open.example.com/fhir",
		RedirectURI:       "http://app.example.com/callback",
		PatientID:         "p-7",
		EncounterID:       "e-3",
		FakeTokenResponse: map[string]any{"access_token": "fake"},
		NoRedirect:        true,
	})
	require.NoError(t, err)

	key := queryParam(t, got, "state")
	session, err := loadSession(ctx, store, key)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "fake", session.TokenResponse.AccessToken())
	assert.Equal(t, "p-7", session.TokenResponse.Patient())
	assert.Equal(t, "e-3", session.TokenResponse.Encounter())
}

func TestAuthorizeEHRLaunch(t *testing.T) {
	resetDiscoveryCache()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/smart-configuration" {
			_ = json.NewEncoder(w).Encode(wellKnownDoc("https://auth.example.com/authorize", "https://auth.example.com/token"))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	ctx := context.Background()
	launchURL := "http://app.example.com/launch?iss=" + url.QueryEscape(srv.URL) + "&launch=xyz123"
	env := newTestEnv(t, launchURL)
	store := NewMemoryStorage()

	got, err := Authorize(ctx, env, store, AuthorizeOptions{
		ClientID:    "my-app",
		Scope:       "openid fhirUser patient/*.read",
		RedirectURI: "http://app.example.com/callback",
		HTTPClient:  srv.Client(),
		NoRedirect:  true,
	})
	require.NoError(t, err)

	u, err := url.Parse(got)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com/authorize", u.Scheme+"://"+u.Host+u.Path)

	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "my-app", q.Get("client_id"))
	assert.Equal(t, "http://app.example.com/callback", q.Get("redirect_uri"))
	assert.Equal(t, srv.URL, q.Get("aud"))
	assert.Equal(t, "xyz123", q.Get("launch"))
	assert.Contains(t, q.Get("scope"), "launch")
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	require.NotEmpty(t, q.Get("code_challenge"))

	key := q.Get("state")
	require.NotEmpty(t, key)
	session, err := loadSession(ctx, store, key)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, srv.URL, session.ServerURL)
	assert.Equal(t, "https://auth.example.com/token", session.TokenURI)

	// The persisted verifier hashes to the challenge on the URL.
	sum := sha256.Sum256([]byte(session.CodeVerifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), q.Get("code_challenge"))
}

func TestAuthorizePKCERequiredUnsupported(t *testing.T) {
	resetDiscoveryCache()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/.well-known/smart-configuration" {
			// no code_challenge_methods_supported at all
			_ = json.NewEncoder(w).Encode(map[string]any{
				"authorization_endpoint": "https://auth.example.com/authorize",
				"token_endpoint":         "https://auth.example.com/token",
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	env := newTestEnv(t, "http://app.example.com/launch")
	_, err := Authorize(context.Background(), env, NewMemoryStorage(), AuthorizeOptions{
		Iss:         srv.URL,
		ClientID:    "my-app",
		RedirectURI: "http://app.example.com/callback",
		PKCEMode:    PKCERequired,
		HTTPClient:  srv.Client(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "S256")
	// The failure happened before any navigation.
	assert.Empty(t, env.Redirects())
}

func TestAuthorizeMultiConfig(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	configs := []AuthorizeOptions{
		{
			IssEquals:      "https://ehr-a.example.com/fhir",
			FHIRServiceURL: "https://ehr-a.example.com/fhir",
			ClientID:       "app-for-a",
			RedirectURI:    "http://app.example.com/callback",
			NoRedirect:     true,
		},
		{
			IssEquals:      "https://open-b.example.com/fhir",
			FHIRServiceURL: "https://open-b.example.com/fhir",
			ClientID:       "app-for-b",
			RedirectURI:    "http://app.example.com/callback",
			NoRedirect:     true,
		},
	}

	env := newTestEnv(t, "http://app.example.com/launch?fhirServiceUrl="+
		url.QueryEscape("https://open-b.example.com/fhir"))
	got, err := Authorize(ctx, env, store, configs...)
	require.NoError(t, err)

	session, err := loadSession(ctx, store, queryParam(t, got, "state"))
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "app-for-b", session.ClientID)
}

func TestAuthorizeMultiConfigErrors(t *testing.T) {
	configs := []AuthorizeOptions{
		{IssEquals: "https://a.example.com"},
		{IssEquals: "https://b.example.com"},
	}

	env := newTestEnv(t, "http://app.example.com/launch")
	_, err := Authorize(context.Background(), env, NewMemoryStorage(), configs...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `the "iss" url parameter is required`)

	env = newTestEnv(t, "http://app.example.com/launch?iss="+url.QueryEscape("https://c.example.com"))
	_, err = Authorize(context.Background(), env, NewMemoryStorage(), configs...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no matching configuration")
}

func TestAuthorizeRequiresServer(t *testing.T) {
	env := newTestEnv(t, "http://app.example.com/launch")
	_, err := Authorize(context.Background(), env, NewMemoryStorage(), AuthorizeOptions{
		ClientID:    "my-app",
		RedirectURI: "http://app.example.com/callback",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"iss" or "fhirServiceUrl"`)
}

func TestAuthorizeURLParamOverrides(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()
	env := newTestEnv(t, "http://app.example.com/launch?"+url.Values{
		"fhirServiceUrl": {"https://open.example.com/fhir"},
		"patientId":      {"p-override"},
		"clientId":       {"client-override"},
	}.Encode())

	got, err := Authorize(ctx, env, store, AuthorizeOptions{
		ClientID:    "configured-client",
		PatientID:   "p-configured",
		RedirectURI: "http://app.example.com/callback",
		NoRedirect:  true,
	})
	require.NoError(t, err)

	session, err := loadSession(ctx, store, queryParam(t, got, "state"))
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "client-override", session.ClientID)
	assert.Equal(t, "p-override", session.TokenResponse.Patient())
}

func queryParam(t *testing.T, rawURL, name string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	v := u.Query().Get(name)
	require.NotEmpty(t, v, "missing %q parameter in %s", name, rawURL)
	return v
}
