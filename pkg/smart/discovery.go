package smart

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// oauthURIsExtension is the capability-statement extension namespace carrying
// a server's OAuth endpoints when no well-known document is published.
const oauthURIsExtension = "http://fhir-registry.smarthealthit.org/StructureDefinition/oauth-uris"

// OAuthEndpoints is the discovered security configuration of one FHIR server.
// Empty URIs mean the server declared no security (an open server).
type OAuthEndpoints struct {
	AuthorizeURI         string
	TokenURI             string
	RegistrationURI      string
	CodeChallengeMethods []string
}

// The discovery cache is process-wide and keyed by request URL. Concurrent
// discoveries of the same URL share one in-flight fetch; entries live until
// process restart.
var (
	discoveryMu    sync.RWMutex
	discoveryCache = map[string]map[string]any{}
	discoveryGroup singleflight.Group
)

// resetDiscoveryCache empties the process-wide cache. Test hook.
func resetDiscoveryCache() {
	discoveryMu.Lock()
	discoveryCache = map[string]map[string]any{}
	discoveryMu.Unlock()
}

// fetchCachedJSON GETs a JSON document once per process per URL.
func fetchCachedJSON(ctx context.Context, hc *http.Client, url string) (map[string]any, error) {
	discoveryMu.RLock()
	cached, ok := discoveryCache[url]
	discoveryMu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := discoveryGroup.Do(url, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/fhir+json, application/json")
		resp, err := hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 400 {
			return nil, newHTTPError(resp, body)
		}
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", url, err)
		}
		discoveryMu.Lock()
		discoveryCache[url] = doc
		discoveryMu.Unlock()
		return doc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// Discover resolves a server's OAuth endpoints. The well-known configuration
// document is tried first; on any failure, or when it lacks both endpoints,
// the capability statement's oauth-uris extension block is used instead.
func Discover(ctx context.Context, hc *http.Client, baseURL string) (*OAuthEndpoints, error) {
	base := strings.TrimRight(baseURL, "/")

	if doc, err := fetchCachedJSON(ctx, hc, base+"/.well-known/smart-configuration"); err == nil {
		ep := endpointsFromWellKnown(doc)
		if ep != nil {
			return ep, nil
		}
	}

	capability, err := FetchCapabilityStatement(ctx, hc, base)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OAuth endpoints for %s: %w", baseURL, err)
	}
	return endpointsFromCapability(capability), nil
}

// FetchCapabilityStatement GETs (and caches) the server's metadata resource.
func FetchCapabilityStatement(ctx context.Context, hc *http.Client, baseURL string) (map[string]any, error) {
	return fetchCachedJSON(ctx, hc, strings.TrimRight(baseURL, "/")+"/metadata")
}

// endpointsFromWellKnown returns nil when the document lacks the two
// mandatory endpoints, signaling the capability-statement fallback.
func endpointsFromWellKnown(doc map[string]any) *OAuthEndpoints {
	authorize, _ := doc["authorization_endpoint"].(string)
	token, _ := doc["token_endpoint"].(string)
	if authorize == "" || token == "" {
		return nil
	}
	ep := &OAuthEndpoints{AuthorizeURI: authorize, TokenURI: token}
	ep.RegistrationURI, _ = doc["registration_endpoint"].(string)
	if methods, ok := doc["code_challenge_methods_supported"].([]any); ok {
		for _, m := range methods {
			if s, ok := m.(string); ok {
				ep.CodeChallengeMethods = append(ep.CodeChallengeMethods, s)
			}
		}
	}
	return ep
}

func endpointsFromCapability(capability map[string]any) *OAuthEndpoints {
	ep := &OAuthEndpoints{}
	extensions, _ := GetPath(capability, "rest.0.security.extension").([]any)
	for _, e := range extensions {
		block, ok := e.(map[string]any)
		if !ok || block["url"] != oauthURIsExtension {
			continue
		}
		nested, _ := block["extension"].([]any)
		for _, n := range nested {
			item, ok := n.(map[string]any)
			if !ok {
				continue
			}
			uri, _ := item["valueUri"].(string)
			switch item["url"] {
			case "authorize":
				ep.AuthorizeURI = uri
			case "token":
				ep.TokenURI = uri
			case "register":
				ep.RegistrationURI = uri
			}
		}
	}
	return ep
}

// patientScopeParams is the ordered list of search parameters that scope a
// resource to a patient compartment.
var patientScopeParams = []string{"patient", "subject", "requester", "member", "actor", "beneficiary"}

// ResolvePatientSearchParam inspects a capability statement and returns the
// search parameter to use when scoping resourceType queries to a patient.
// Patient itself is queried by _id when the server supports it.
func ResolvePatientSearchParam(capability map[string]any, resourceType string) (string, error) {
	resources, _ := GetPath(capability, "rest.0.resource").([]any)
	var declared map[string]any
	for _, r := range resources {
		m, ok := r.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := m["type"].(string); t == resourceType {
			declared = m
			break
		}
	}
	if declared == nil {
		return "", fmt.Errorf("resource %q is not supported by this FHIR server", resourceType)
	}

	supported := map[string]bool{}
	params, _ := declared["searchParam"].([]any)
	for _, p := range params {
		if m, ok := p.(map[string]any); ok {
			if name, _ := m["name"].(string); name != "" {
				supported[name] = true
			}
		}
	}

	if resourceType == "Patient" && supported["_id"] {
		return "_id", nil
	}
	for _, name := range patientScopeParams {
		if supported[name] {
			return name, nil
		}
	}
	return "", fmt.Errorf("I don't know what param to use for %s", resourceType)
}
