package smart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrRedirect is returned by Init after it has started a launch: the current
// pass ends in a redirect and the client only becomes available on the
// post-redirect pass.
var ErrRedirect = errors.New("authorization redirect issued")

// ReadyOptions tunes the post-redirect half of the launch and the client it
// constructs.
type ReadyOptions struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Limiter    *rate.Limiter

	// KeepURL leaves code and state on the visible URL instead of scrubbing
	// them via history replacement.
	KeepURL bool
}

func (o *ReadyOptions) httpClient() *http.Client {
	if o != nil && o.HTTPClient != nil {
		return o.HTTPClient
	}
	return defaultHTTPClient
}

// Ready completes the launch on the redirect target: it validates the
// returned state, exchanges the authorization code and builds a session-bound
// client. Inside a frame or popup that should not complete locally, it posts
// the completeAuth message to its opener and blocks until ctx ends.
func Ready(ctx context.Context, env Environment, store Storage, opts *ReadyOptions) (*Client, error) {
	cur := env.CurrentURL()
	q := cur.Query()

	// Server-reported authorization errors are surfaced verbatim.
	if name := q.Get("error"); name != "" {
		msg := name
		if desc := q.Get("error_description"); desc != "" {
			msg += ": " + desc
		}
		return nil, errors.New(msg)
	}

	state := q.Get("state")
	code := q.Get("code")

	key := state
	if key == "" {
		if data, ok, err := store.Get(ctx, SmartKey); err != nil {
			return nil, err
		} else if ok {
			key = string(data)
		}
	}
	if key == "" {
		return nil, ErrNoState
	}

	session, err := loadSession(ctx, store, key)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, fmt.Errorf("no stored session found for state %q: %w", key, ErrNoState)
	}

	// Hand control back to the opener/parent unless this launch was marked
	// to complete in the target, or the outer window already re-navigated us
	// here with the complete flag.
	if wc, ok := env.(WindowContext); ok && (wc.InFrame() || wc.InPopup()) &&
		!session.CompleteInTarget && q.Get("complete") == "" {
		if m, ok := env.(Messenger); ok {
			if err := m.PostComplete(ctx, cur.String()); err != nil {
				return nil, err
			}
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}

	if (code != "" || state != "") && (opts == nil || !opts.KeepURL) {
		clean := *cur
		cq := clean.Query()
		cq.Del("code")
		cq.Del("state")
		clean.RawQuery = cq.Encode()
		env.ReplaceURL(&clean)
	}

	if code != "" && session.TokenResponse.AccessToken() == "" {
		grant, err := exchangeCode(ctx, opts.httpClient(), session, code)
		if err != nil {
			return nil, err
		}
		session.TokenResponse = session.TokenResponse.Merge(grant)
		session.ExpiresAt = tokenExpiration(session.TokenResponse, time.Now())
		if err := saveSession(ctx, store, session); err != nil {
			return nil, err
		}
	}

	if err := store.Set(ctx, SmartKey, []byte(key)); err != nil {
		return nil, err
	}

	co := &ClientOptions{Env: env, Storage: store}
	if opts != nil {
		co.HTTPClient = opts.HTTPClient
		co.Logger = opts.Logger
		co.Limiter = opts.Limiter
	}
	return NewClient(session, co), nil
}

// Init serves apps whose launch page and redirect page are the same: with
// code and state on the URL it behaves as Ready; with a completed session in
// storage it rebuilds the client; otherwise it starts a launch and returns
// ErrRedirect.
func Init(ctx context.Context, env Environment, store Storage, authorizeOpts []AuthorizeOptions, readyOpts *ReadyOptions) (*Client, error) {
	q := env.CurrentURL().Query()
	if q.Get("code") != "" && q.Get("state") != "" {
		return Ready(ctx, env, store, readyOpts)
	}

	if data, ok, err := store.Get(ctx, SmartKey); err != nil {
		return nil, err
	} else if ok {
		session, err := loadSession(ctx, store, string(data))
		if err == nil && session != nil &&
			(session.TokenResponse.AccessToken() != "" || session.AuthorizeURI == "") {
			return Ready(ctx, env, store, readyOpts)
		}
	}

	if _, err := Authorize(ctx, env, store, authorizeOpts...); err != nil {
		return nil, err
	}
	return nil, ErrRedirect
}

// exchangeCode performs the authorization_code grant for this session.
func exchangeCode(ctx context.Context, hc *http.Client, s *SessionState, code string) (TokenResponse, error) {
	switch {
	case s.RedirectURI == "":
		return nil, errors.New("missing redirectUri: cannot build the token request")
	case s.TokenURI == "":
		return nil, errors.New("missing tokenUri: cannot build the token request")
	case s.ClientID == "":
		return nil, errors.New("missing clientId: cannot build the token request")
	}
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("redirect_uri", s.RedirectURI)
	form.Set("code", code)
	if s.CodeVerifier != "" {
		form.Set("code_verifier", s.CodeVerifier)
	}
	return requestToken(ctx, hc, s, form)
}

// requestToken POSTs a form-encoded grant request to the session's token
// endpoint with the appropriate client authentication: a shared secret as an
// HTTP Basic header, a private key as a signed client assertion, or a bare
// client_id for public clients.
func requestToken(ctx context.Context, hc *http.Client, s *SessionState, form url.Values) (TokenResponse, error) {
	switch {
	case s.ClientSecret != "":
		// authenticated below via Basic header
	case len(s.ClientPrivateJWK) > 0:
		assertion, err := signAssertion(s.ClientID, s.TokenURI, s.ClientPrivateJWK)
		if err != nil {
			return nil, err
		}
		form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
		form.Set("client_assertion", assertion)
	default:
		form.Set("client_id", s.ClientID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if s.ClientSecret != "" {
		req.SetBasicAuth(s.ClientID, s.ClientSecret)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, newHTTPError(resp, body)
	}

	var grant TokenResponse
	if err := json.Unmarshal(body, &grant); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}
	if grant.AccessToken() == "" {
		return nil, errors.New("token response carries no access_token")
	}
	return grant, nil
}
