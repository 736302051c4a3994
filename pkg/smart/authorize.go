package smart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

var defaultHTTPClient = &http.Client{Timeout: 30 * time.Second}

// AuthorizeOptions configures one launch. When Authorize receives several
// options structs, the iss selection fields pick the entry matching the
// launching server.
type AuthorizeOptions struct {
	// Iss is the FHIR server to authorize against for a standalone launch.
	// An iss url parameter on the current URL (EHR launch) overrides it.
	Iss string

	// Multi-server selection: with more than one options struct, the first
	// entry whose selector accepts the launching iss wins. Exactly one of
	// these should be set per entry.
	IssEquals  string
	IssPattern *regexp.Regexp
	IssMatch   func(iss string) bool

	ClientID    string
	Scope       string
	RedirectURI string

	// Launch is the EHR launch context token; normally injected through the
	// launch url parameter.
	Launch string

	// FHIRServiceURL names a fixed open server. When set without an iss the
	// OAuth round trip is bypassed entirely.
	FHIRServiceURL string

	// Test/injection support: pre-seed launch context without a server grant.
	PatientID         string
	EncounterID       string
	FakeTokenResponse map[string]any

	// Confidential-client credentials.
	ClientSecret          string
	ClientPrivateJWK      json.RawMessage
	ClientPublicKeySetURL string

	PKCEMode PKCEMode

	// StateKey overrides the generated session key. Mostly for tests.
	StateKey string

	// NoRedirect makes Authorize return the redirect URL without navigating.
	NoRedirect bool

	// NoSessionPointer skips recording this session as the active one.
	NoSessionPointer bool

	// CompleteInTarget makes a popup/frame launch finish authorization in
	// the launched window instead of signaling back to the opener.
	CompleteInTarget bool

	// Target selects the window to navigate for interactive launches.
	// Defaults to the current window.
	Target Target

	HTTPClient *http.Client
	Logger     *slog.Logger
}

func (o *AuthorizeOptions) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	return defaultHTTPClient
}

func (o *AuthorizeOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o *AuthorizeOptions) acceptsIss(iss string) bool {
	switch {
	case o.IssMatch != nil:
		return o.IssMatch(iss)
	case o.IssPattern != nil:
		return o.IssPattern.MatchString(iss)
	case o.IssEquals != "":
		return o.IssEquals == iss
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Authorize starts the launch sequence: it builds the session, discovers the
// server's OAuth endpoints and navigates to the authorization endpoint (or
// straight to the redirect URI for open servers). The constructed redirect
// URL is returned in every case; with NoRedirect no navigation happens.
func Authorize(ctx context.Context, env Environment, store Storage, opts ...AuthorizeOptions) (string, error) {
	if len(opts) == 0 {
		return "", errors.New("authorize options are required")
	}
	q := env.CurrentURL().Query()

	cfg := opts[0]
	if len(opts) > 1 {
		iss := firstNonEmpty(q.Get("iss"), q.Get("fhirServiceUrl"))
		if iss == "" {
			return "", errors.New(`the "iss" url parameter is required when multiple server configurations are passed`)
		}
		found := false
		for _, o := range opts {
			if o.acceptsIss(iss) {
				cfg, found = o, true
				break
			}
		}
		if !found {
			return "", fmt.Errorf("no matching configuration found for issuer %q", iss)
		}
	}

	// A server-initiated launch injects values through the current URL,
	// overriding the app's own defaults.
	iss := firstNonEmpty(q.Get("iss"), cfg.Iss)
	fhirServiceURL := firstNonEmpty(q.Get("fhirServiceUrl"), cfg.FHIRServiceURL)
	launch := firstNonEmpty(q.Get("launch"), cfg.Launch)
	patientID := firstNonEmpty(q.Get("patientId"), cfg.PatientID)
	encounterID := firstNonEmpty(q.Get("encounterId"), cfg.EncounterID)
	clientID := firstNonEmpty(q.Get("clientId"), cfg.ClientID)

	redirectURI := env.Resolve(cfg.RedirectURI)

	serverURL := firstNonEmpty(iss, fhirServiceURL)
	if serverURL == "" {
		return "", errors.New(`an "iss" or "fhirServiceUrl" option or url parameter is required`)
	}

	scope := cfg.Scope
	if launch != "" && !strings.Contains(scope, "launch") {
		scope = strings.TrimSpace(scope + " launch")
	}

	key := cfg.StateKey
	if key == "" {
		key = randomKey(sessionKeyLength)
	}
	if _, err := store.Unset(ctx, SmartKey); err != nil {
		return "", err
	}

	state := &SessionState{
		ServerURL:             serverURL,
		ClientID:              clientID,
		Scope:                 scope,
		RedirectURI:           redirectURI,
		Key:                   key,
		ClientSecret:          cfg.ClientSecret,
		ClientPrivateJWK:      cfg.ClientPrivateJWK,
		ClientPublicKeySetURL: cfg.ClientPublicKeySetURL,
		CompleteInTarget:      cfg.CompleteInTarget,
		TokenResponse:         TokenResponse{},
	}
	if cfg.FakeTokenResponse != nil {
		state.TokenResponse = state.TokenResponse.Merge(cfg.FakeTokenResponse)
	}
	if patientID != "" {
		state.TokenResponse["patient"] = patientID
	}
	if encounterID != "" {
		state.TokenResponse["encounter"] = encounterID
	}
	if err := state.Validate(); err != nil {
		return "", err
	}

	persist := func() error {
		if err := saveSession(ctx, store, state); err != nil {
			return err
		}
		if !cfg.NoSessionPointer {
			return store.Set(ctx, SmartKey, []byte(key))
		}
		return nil
	}

	// Open-server bypass: a fixed service URL without an iss means no OAuth
	// endpoints exist; go straight back to the app with only the state key.
	if iss == "" {
		if err := persist(); err != nil {
			return "", err
		}
		return finishRedirect(ctx, env, store, &cfg, state, stateRedirect(redirectURI, key))
	}

	endpoints, err := Discover(ctx, cfg.httpClient(), serverURL)
	if err != nil {
		return "", err
	}
	state.AuthorizeURI = endpoints.AuthorizeURI
	state.TokenURI = endpoints.TokenURI
	state.RegistrationURI = endpoints.RegistrationURI
	state.CodeChallengeMethods = endpoints.CodeChallengeMethods

	// Servers that declare no security also skip the OAuth round trip.
	if endpoints.AuthorizeURI == "" {
		if err := persist(); err != nil {
			return "", err
		}
		return finishRedirect(ctx, env, store, &cfg, state, stateRedirect(redirectURI, key))
	}

	// The PKCE decision must fail before any redirect is constructed.
	include, err := shouldIncludeChallenge(supportsS256(endpoints.CodeChallengeMethods), cfg.PKCEMode)
	if err != nil {
		return "", err
	}

	params := []oauth2.AuthCodeOption{oauth2.SetAuthURLParam("aud", serverURL)}
	if launch != "" {
		params = append(params, oauth2.SetAuthURLParam("launch", launch))
	}
	if include {
		verifier, challenge, err := GeneratePKCEChallenge(0)
		if err != nil {
			return "", err
		}
		state.CodeVerifier = verifier
		state.CodeChallenge = challenge
		params = append(params,
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
			oauth2.SetAuthURLParam("code_challenge", challenge),
		)
	}

	// Persist before redirecting so a retried redirect reuses the verifier
	// instead of silently dropping it.
	if err := persist(); err != nil {
		return "", err
	}

	conf := &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Scopes:      strings.Fields(scope),
		Endpoint: oauth2.Endpoint{
			AuthURL:  endpoints.AuthorizeURI,
			TokenURL: endpoints.TokenURI,
		},
	}
	redirectURL := conf.AuthCodeURL(key, params...)

	return finishRedirect(ctx, env, store, &cfg, state, redirectURL)
}

// stateRedirect appends the state key to the redirect URI, keeping any query
// parameters the URI already carries.
func stateRedirect(redirectURI, key string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return redirectURI + "?state=" + url.QueryEscape(key)
	}
	q := u.Query()
	q.Set("state", key)
	u.RawQuery = q.Encode()
	return u.String()
}

// finishRedirect performs the navigation leg: into a requested target window
// when possible, falling back to the current window otherwise. NoRedirect
// callers get the URL without any navigation.
func finishRedirect(ctx context.Context, env Environment, store Storage, cfg *AuthorizeOptions, state *SessionState, redirectURL string) (string, error) {
	if cfg.NoRedirect {
		return redirectURL, nil
	}

	if cfg.Target != "" && cfg.Target != TargetSelf {
		if opener, ok := env.(TargetOpener); ok {
			tEnv, tStore, err := opener.OpenTarget(ctx, cfg.Target, popupFeatures)
			if err != nil {
				cfg.logger().Warn("failed to open launch target, falling back to the current window",
					"target", string(cfg.Target), "error", err)
			} else {
				if tStore != nil {
					if err := mirrorSession(ctx, tStore, state); err != nil {
						cfg.logger().Warn("failed to mirror session into launch target, falling back to the current window",
							"target", string(cfg.Target), "error", err)
						return redirectURL, env.Redirect(ctx, redirectURL)
					}
				}
				awaitCompletion(ctx, env)
				return redirectURL, tEnv.Redirect(ctx, redirectURL)
			}
		}
	}

	return redirectURL, env.Redirect(ctx, redirectURL)
}

// mirrorSession copies the session and the active-session pointer into the
// storage of a launched window.
func mirrorSession(ctx context.Context, store Storage, state *SessionState) error {
	if err := saveSession(ctx, store, state); err != nil {
		return err
	}
	return store.Set(ctx, SmartKey, []byte(state.Key))
}

// awaitCompletion registers the one-shot completeAuth listener: when the
// launched window hands back its redirect URL, the original window navigates
// there to finish the flow.
func awaitCompletion(ctx context.Context, env Environment) {
	m, ok := env.(Messenger)
	if !ok {
		return
	}
	go func() {
		select {
		case u, open := <-m.Complete():
			if open {
				_ = env.Redirect(context.WithoutCancel(ctx), u)
			}
		case <-ctx.Done():
		}
	}()
}
