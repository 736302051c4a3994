package smart

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ClientOptions carries the collaborators a Client is built with. Every field
// is optional: without storage the session is simply not persisted, without a
// limiter requests are not throttled.
type ClientOptions struct {
	Env        Environment
	Storage    Storage
	HTTPClient *http.Client
	Logger     *slog.Logger
	// Limiter throttles every transport call made by this client, including
	// pagination and reference sub-requests.
	Limiter *rate.Limiter
}

// Client is a session-bound FHIR client: it injects the session's
// authorization into every request, refreshes the access token ahead of use
// and layers reference resolution and pagination over the raw transport.
type Client struct {
	env     Environment
	storage Storage
	hc      *http.Client
	log     *slog.Logger
	limiter *rate.Limiter

	mu    sync.Mutex
	state *SessionState

	// refreshGroup guarantees at most one in-flight token refresh per client
	// instance. Two clients on the same session key are not coordinated.
	refreshGroup singleflight.Group
}

// NewClient builds a client around an existing session. Most callers get one
// from Ready/Init instead.
func NewClient(state *SessionState, opts *ClientOptions) *Client {
	if opts == nil {
		opts = &ClientOptions{}
	}
	c := &Client{
		env:     opts.Env,
		storage: opts.Storage,
		hc:      opts.HTTPClient,
		log:     opts.Logger,
		limiter: opts.Limiter,
		state:   state,
	}
	if c.hc == nil {
		c.hc = defaultHTTPClient
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.state.TokenResponse == nil {
		c.state.TokenResponse = TokenResponse{}
	}
	return c
}

// State returns a snapshot of the session state.
func (c *Client) State() SessionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := *c.state
	snap.TokenResponse = TokenResponse{}.Merge(c.state.TokenResponse)
	return snap
}

// PatientID returns the patient id selected at launch time, or "".
func (c *Client) PatientID() string { return c.State().TokenResponse.Patient() }

// EncounterID returns the encounter id selected at launch time, or "".
func (c *Client) EncounterID() string { return c.State().TokenResponse.Encounter() }

// FhirUser returns the fhirUser (or legacy profile) claim of the id_token,
// e.g. "Practitioner/123".
func (c *Client) FhirUser() string {
	id := c.State().TokenResponse.IDToken()
	if u := idTokenClaim(id, "fhirUser"); u != "" {
		return u
	}
	return idTokenClaim(id, "profile")
}

// UserID returns the id portion of FhirUser, or "".
func (c *Client) UserID() string {
	if parts := strings.Split(c.FhirUser(), "/"); len(parts) == 2 {
		return parts[1]
	}
	return ""
}

// UserType returns the resource type portion of FhirUser, or "".
func (c *Client) UserType() string {
	if parts := strings.Split(c.FhirUser(), "/"); len(parts) == 2 {
		return parts[0]
	}
	return ""
}

// RequestOptions tunes one Request call.
type RequestOptions struct {
	// Method defaults to GET.
	Method string
	Header http.Header
	Body   io.Reader

	// ResolveReferences lists dot-separated paths whose Reference values are
	// fetched along with the result.
	ResolveReferences []string

	// NoGraph puts resolved references into Result.References instead of
	// splicing them into the resource tree.
	NoGraph bool

	// Flat converts Bundle pages into their resource arrays.
	Flat bool

	// MaxPages bounds automatic pagination: 0 fetches a single page,
	// AllPages follows every next link.
	MaxPages int

	// OnPage streams each (already reference-resolved) page to the callback
	// instead of accumulating; the Request result carries no resource then.
	OnPage func(page any) error

	// SkipRefresh disables the proactive token refresh for this call.
	SkipRefresh bool

	// IncludeResponse exposes the raw *http.Response on the result.
	IncludeResponse bool
}

// AllPages disables the pagination bound.
const AllPages = -1

func (o *RequestOptions) pageLimit() int {
	switch {
	case o.MaxPages == AllPages:
		return 0
	case o.MaxPages > 0:
		return o.MaxPages
	}
	return 1
}

// Result is the non-error outcome of a Request call.
type Result struct {
	// Resource is the decoded payload: a resource or Bundle, an array of
	// pages when pagination accumulated several, a string/scalar for
	// non-JSON payloads, or nil when OnPage streamed the pages away.
	Resource any
	// References maps literal reference strings to their resolved resources
	// when NoGraph resolution was requested.
	References map[string]any
	// Response is set when IncludeResponse was requested.
	Response *http.Response
}

// Request performs one authorized call against the FHIR server, applying the
// token lifecycle, reference resolution and pagination around the raw
// transport.
func (c *Client) Request(ctx context.Context, target string, opts *RequestOptions) (*Result, error) {
	if opts == nil {
		opts = &RequestOptions{}
	}
	return c.request(ctx, target, opts, newRefCache())
}

func (c *Client) request(ctx context.Context, target string, opts *RequestOptions, cache *refCache) (*Result, error) {
	payload, resp, err := c.fetch(ctx, c.absoluteURL(target), opts)
	if err != nil {
		return nil, err
	}

	res := &Result{}
	if opts.IncludeResponse {
		res.Response = resp
	}

	// Empty, scalar and raw payloads pass through untouched.
	switch payload.(type) {
	case map[string]any, []any:
	default:
		res.Resource = payload
		return res, nil
	}

	graph := !opts.NoGraph
	if !graph && len(opts.ResolveReferences) > 0 {
		res.References = map[string]any{}
	}
	if len(opts.ResolveReferences) > 0 {
		if err := c.resolveReferences(ctx, payload, opts.ResolveReferences, cache, graph, res.References); err != nil {
			return nil, err
		}
	}

	bundle, ok := payload.(map[string]any)
	if !ok || !isBundle(bundle) {
		if opts.OnPage != nil {
			if err := opts.OnPage(payload); err != nil {
				return nil, err
			}
			return res, nil
		}
		res.Resource = payload
		return res, nil
	}

	return c.paginate(ctx, bundle, opts, cache, res)
}

// fetch runs the per-request half of the pipeline for one absolute URL:
// proactive refresh, authorization header, throttle, transport call, error
// classification and body decoding.
func (c *Client) fetch(ctx context.Context, absURL string, opts *RequestOptions) (any, *http.Response, error) {
	if !opts.SkipRefresh {
		if err := c.RefreshIfNeeded(ctx); err != nil {
			return nil, nil, err
		}
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, absURL, opts.Body)
	if err != nil {
		return nil, nil, err
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/fhir+json, application/json")
	}
	// Computed after the refresh step so a just-renewed token is used.
	if auth := c.authHeader(); auth != "" {
		req.Header.Set("Authorization", auth)
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, nil, err
		}
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp, err
	}

	if resp.StatusCode >= 400 {
		return nil, resp, c.classifyError(ctx, resp, body, opts)
	}

	payload, err := decodePayload(resp, body)
	return payload, resp, err
}

func decodePayload(resp *http.Response, body []byte) (any, error) {
	if len(body) == 0 || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	ct := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(ct, "json"):
		var payload any
		if err := json.Unmarshal(body, &payload); err != nil {
			return nil, fmt.Errorf("decoding response body: %w", err)
		}
		return payload, nil
	case strings.HasPrefix(ct, "text/"), ct == "":
		return string(body), nil
	default:
		return body, nil
	}
}

// classifyError implements the 401/403 recovery policy. The 401 branch is
// deliberately three-way: the refresh happens proactively before the call, so
// a 401 reaching this point means either there never was a token, refresh was
// disallowed for this call, or the token was revoked server-side after the
// refresh window.
func (c *Client) classifyError(ctx context.Context, resp *http.Response, body []byte, opts *RequestOptions) error {
	he := newHTTPError(resp, body)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		c.mu.Lock()
		hasToken := c.state.TokenResponse.AccessToken() != ""
		c.mu.Unlock()
		if !hasToken {
			return fmt.Errorf("%w; %s", he, msgNoSmartLaunch)
		}
		if opts.SkipRefresh {
			c.clearSession(ctx)
			return fmt.Errorf("%w; %s", he, msgSessionExpired)
		}
		// Refresh was already attempted (or impossible) before the call.
		c.clearSession(ctx)
		return fmt.Errorf("%w; %s", he, msgSessionExpired)
	case http.StatusForbidden:
		c.log.Warn("permission denied", "url", resp.Request.URL.String())
		return he
	}
	return he
}

// clearSession destroys the unrecoverably unauthenticated session: the token
// response is emptied and the persisted keys removed.
func (c *Client) clearSession(ctx context.Context) {
	c.mu.Lock()
	key := c.state.Key
	c.state.TokenResponse = TokenResponse{}
	c.state.ExpiresAt = 0
	c.mu.Unlock()
	if c.storage == nil {
		return
	}
	if key != "" {
		_, _ = c.storage.Unset(ctx, key)
	}
	_, _ = c.storage.Unset(ctx, SmartKey)
}

func (c *Client) authHeader() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if at := c.state.TokenResponse.AccessToken(); at != "" {
		return "Bearer " + at
	}
	if c.state.Username != "" {
		creds := c.state.Username + ":" + c.state.Password
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
	}
	return ""
}

func (c *Client) absoluteURL(target string) string {
	if u, err := url.Parse(target); err == nil && u.IsAbs() {
		return target
	}
	base, err := url.Parse(strings.TrimRight(c.State().ServerURL, "/") + "/")
	if err != nil {
		return target
	}
	ref, err := url.Parse(strings.TrimLeft(target, "/"))
	if err != nil {
		return target
	}
	return base.ResolveReference(ref).String()
}

// Create POSTs a new resource to its type endpoint.
func (c *Client) Create(ctx context.Context, resource map[string]any) (*Result, error) {
	rt := resourceType(resource)
	if rt == "" {
		return nil, fmt.Errorf("cannot create a resource without a resourceType")
	}
	body, err := json.Marshal(resource)
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, rt, &RequestOptions{
		Method: http.MethodPost,
		Body:   strings.NewReader(string(body)),
		Header: http.Header{"Content-Type": []string{"application/fhir+json"}},
	})
}

// Update PUTs a resource to its own location.
func (c *Client) Update(ctx context.Context, resource map[string]any) (*Result, error) {
	rt := resourceType(resource)
	id, _ := resource["id"].(string)
	if rt == "" || id == "" {
		return nil, fmt.Errorf("cannot update a resource without resourceType and id")
	}
	body, err := json.Marshal(resource)
	if err != nil {
		return nil, err
	}
	return c.Request(ctx, rt+"/"+id, &RequestOptions{
		Method: http.MethodPut,
		Body:   strings.NewReader(string(body)),
		Header: http.Header{"Content-Type": []string{"application/fhir+json"}},
	})
}

// Patch applies a JSON-Patch document to the resource at target. The
// document is validated before any network call.
func (c *Client) Patch(ctx context.Context, target string, patch []byte) (*Result, error) {
	if err := ValidateJSONPatch(patch); err != nil {
		return nil, err
	}
	return c.Request(ctx, target, &RequestOptions{
		Method: http.MethodPatch,
		Body:   strings.NewReader(string(patch)),
		Header: http.Header{"Content-Type": []string{"application/json-patch+json"}},
	})
}

// Delete removes the resource at target.
func (c *Client) Delete(ctx context.Context, target string) (*Result, error) {
	return c.Request(ctx, target, &RequestOptions{Method: http.MethodDelete})
}

// PatientRequest queries a resource type scoped to the launch patient, using
// the server's declared patient-compartment search parameter.
func (c *Client) PatientRequest(ctx context.Context, resType string, opts *RequestOptions) (*Result, error) {
	patient := c.PatientID()
	if patient == "" {
		return nil, fmt.Errorf("patient is not available in the current session")
	}
	capability, err := FetchCapabilityStatement(ctx, c.hc, c.State().ServerURL)
	if err != nil {
		return nil, err
	}
	param, err := ResolvePatientSearchParam(capability, resType)
	if err != nil {
		return nil, err
	}
	target := resType + "?" + url.Values{param: []string{patient}}.Encode()
	return c.Request(ctx, target, opts)
}
