package smart

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func authorizedClient(srv *httptest.Server, store Storage) *Client {
	s := &SessionState{
		ServerURL:     srv.URL,
		Key:           "client-key",
		TokenResponse: TokenResponse{"access_token": "at-1"},
	}
	return NewClient(s, &ClientOptions{Storage: store, HTTPClient: srv.Client()})
}

func TestRequestResource(t *testing.T) {
	var gotAuth, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.Header().Set("Content-Type", "application/fhir+json")
		_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Patient", "id": "p-1"})
	}))
	defer srv.Close()

	c := authorizedClient(srv, nil)
	res, err := c.Request(context.Background(), "Patient/p-1", nil)
	require.NoError(t, err)

	assert.Equal(t, "Bearer at-1", gotAuth)
	assert.Contains(t, gotAccept, "application/fhir+json")
	resource, ok := res.Resource.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Patient", resource["resourceType"])
	assert.Nil(t, res.Response)
}

func TestRequestIncludeResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Patient"})
	}))
	defer srv.Close()

	c := authorizedClient(srv, nil)
	res, err := c.Request(context.Background(), "Patient/p-1", &RequestOptions{IncludeResponse: true})
	require.NoError(t, err)
	require.NotNil(t, res.Response)
	assert.Equal(t, http.StatusOK, res.Response.StatusCode)
}

func TestRequestTextPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("hello"))
	}))
	defer srv.Close()

	c := authorizedClient(srv, nil)
	res, err := c.Request(context.Background(), "Binary/b-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Resource)
}

func TestRequest401WithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	s := &SessionState{ServerURL: srv.URL, TokenResponse: TokenResponse{}}
	c := NewClient(s, &ClientOptions{HTTPClient: srv.Client()})
	_, err := c.Request(context.Background(), "Patient/p-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), msgNoSmartLaunch)

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusUnauthorized, he.StatusCode)
}

func TestRequest401ClearsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStorage()
	c := authorizedClient(srv, store)
	require.NoError(t, saveSession(ctx, store, c.state))
	require.NoError(t, store.Set(ctx, SmartKey, []byte("client-key")))

	_, err := c.Request(ctx, "Patient/p-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), msgSessionExpired)

	// the broken session is gone from memory and storage
	assert.Empty(t, c.State().TokenResponse.AccessToken())
	_, ok, _ := store.Get(ctx, "client-key")
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, SmartKey)
	assert.False(t, ok)
}

func TestRequest401SkipRefreshClearsSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	ctx := context.Background()
	store := NewMemoryStorage()
	c := authorizedClient(srv, store)
	require.NoError(t, saveSession(ctx, store, c.state))
	require.NoError(t, store.Set(ctx, SmartKey, []byte("client-key")))

	// With the proactive refresh disabled the 401 is just as terminal.
	_, err := c.Request(ctx, "Patient/p-1", &RequestOptions{SkipRefresh: true})
	require.Error(t, err)
	assert.Contains(t, err.Error(), msgSessionExpired)

	assert.Empty(t, c.State().TokenResponse.AccessToken())
	_, ok, _ := store.Get(ctx, "client-key")
	assert.False(t, ok)
	_, ok, _ = store.Get(ctx, SmartKey)
	assert.False(t, ok)
}

func TestRequest403PassesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := authorizedClient(srv, nil)
	_, err := c.Request(context.Background(), "Patient/p-1", nil)
	require.Error(t, err)

	var he *HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusForbidden, he.StatusCode)
	assert.NotContains(t, err.Error(), msgSessionExpired)
	// a 403 does not destroy the session
	assert.Equal(t, "at-1", c.State().TokenResponse.AccessToken())
}

func TestHTTPErrorOperationOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/fhir+json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"resourceType": "OperationOutcome",
			"issue": []any{map[string]any{
				"severity":    "error",
				"diagnostics": "database on fire",
			}},
		})
	}))
	defer srv.Close()

	c := authorizedClient(srv, nil)
	_, err := c.Request(context.Background(), "Patient/p-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database on fire")
}

func offlineClient() *Client {
	// No server exists; any network call would fail loudly.
	s := &SessionState{ServerURL: "https://fhir.invalid", TokenResponse: TokenResponse{"access_token": "at-1"}}
	return NewClient(s, nil)
}

func TestCreateRequiresResourceType(t *testing.T) {
	_, err := offlineClient().Create(context.Background(), map[string]any{"id": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resourceType")
}

func TestUpdateRequiresID(t *testing.T) {
	_, err := offlineClient().Update(context.Background(), map[string]any{"resourceType": "Patient"})
	require.Error(t, err)
}

func TestPatchValidatesBeforeNetwork(t *testing.T) {
	_, err := offlineClient().Patch(context.Background(), "Patient/p-1", []byte(`[{"op":"add"}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing "path" property`)
}

func TestCreateSendsResource(t *testing.T) {
	var gotMethod, gotPath, gotContentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		w.Header().Set("Content-Type", "application/fhir+json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Patient", "id": "new-1"})
	}))
	defer srv.Close()

	c := authorizedClient(srv, nil)
	res, err := c.Create(context.Background(), map[string]any{"resourceType": "Patient"})
	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/Patient", gotPath)
	assert.Equal(t, "application/fhir+json", gotContentType)
	resource := res.Resource.(map[string]any)
	assert.Equal(t, "new-1", resource["id"])
}

func TestDeleteNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := authorizedClient(srv, nil)
	res, err := c.Delete(context.Background(), "Patient/p-1")
	require.NoError(t, err)
	assert.Nil(t, res.Resource)
}

func TestBasicAuthSession(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Patient"})
	}))
	defer srv.Close()

	s := &SessionState{
		ServerURL: srv.URL,
		Username:  "alice",
		Password:  "pw",
	}
	c := NewClient(s, &ClientOptions{HTTPClient: srv.Client()})
	_, err := c.Request(context.Background(), "Patient/p-1", nil)
	require.NoError(t, err)

	user, pass, ok := parseBasicAuth(gotAuth)
	require.True(t, ok)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "pw", pass)
}

func TestAbsoluteURL(t *testing.T) {
	s := &SessionState{ServerURL: "https://fhir.example.com/r4/"}
	c := NewClient(s, nil)

	assert.Equal(t, "https://fhir.example.com/r4/Patient/p-1", c.absoluteURL("Patient/p-1"))
	assert.Equal(t, "https://fhir.example.com/r4/Patient/p-1", c.absoluteURL("/Patient/p-1"))
	assert.Equal(t, "https://other.example.com/x", c.absoluteURL("https://other.example.com/x"))
}

func TestPatientRequest(t *testing.T) {
	resetDiscoveryCache()
	var gotQuery string
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/metadata":
			w.Header().Set("Content-Type", "application/fhir+json")
			_ = json.NewEncoder(w).Encode(capabilityWithSearchParams("Observation", "code", "patient"))
		case "/Observation":
			gotQuery = r.URL.RawQuery
			w.Header().Set("Content-Type", "application/fhir+json")
			_ = json.NewEncoder(w).Encode(map[string]any{"resourceType": "Bundle", "type": "searchset"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := &SessionState{
		ServerURL:     srv.URL,
		TokenResponse: TokenResponse{"access_token": "at-1", "patient": "p-42"},
	}
	c := NewClient(s, &ClientOptions{HTTPClient: srv.Client()})
	_, err := c.PatientRequest(context.Background(), "Observation", nil)
	require.NoError(t, err)
	assert.Equal(t, "patient=p-42", gotQuery)
}

func TestPatientRequestWithoutPatient(t *testing.T) {
	s := &SessionState{ServerURL: "https://fhir.example.com", TokenResponse: TokenResponse{"access_token": "at"}}
	c := NewClient(s, nil)
	_, err := c.PatientRequest(context.Background(), "Observation", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patient is not available")
}
