// Package smart implements the client side of the SMART App Launch sequence
// and the authenticated FHIR request pipeline behind it.
//
// A launch starts with Authorize, which discovers the server's OAuth
// endpoints, persists a session and navigates to the authorization endpoint.
// On the redirect target, Ready exchanges the authorization code and returns
// a session-bound *Client. Init composes both for apps whose launch and
// redirect pages coincide.
//
// The Client refreshes its access token ahead of each request (with
// single-flight de-duplication), resolves requested Reference paths with an
// at-most-once fetch per unique reference, and follows Bundle next links
// either eagerly (RequestOptions.MaxPages) or lazily (Pages, Resources).
//
// Persistence and the redirect surface are injected through the Storage and
// Environment contracts, so the engine runs unchanged in web backends, CLIs
// and tests.
package smart
