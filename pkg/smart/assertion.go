package smart

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
)

// assertionLifetime is how far ahead the client assertion's exp claim is set.
const assertionLifetime = 2 * time.Minute

// ImportKey parses a JWK document into a signing key. Only ES384 and RS384
// keys are accepted for client assertions.
func ImportKey(raw json.RawMessage) (jwk.Key, error) {
	key, err := jwk.ParseKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing client private JWK: %w", err)
	}
	switch key.Algorithm() {
	case jwa.ES384, jwa.RS384:
		return key, nil
	}
	return nil, fmt.Errorf("unsupported JWK algorithm %q: only ES384 and RS384 are supported", key.Algorithm())
}

// signAssertion builds and signs the private_key_jwt client assertion used to
// authenticate the token request: iss and sub are the client id, aud is the
// token endpoint, exp is ~2 minutes ahead and jti is unique per assertion.
func signAssertion(clientID, tokenURI string, rawJWK json.RawMessage) (string, error) {
	key, err := ImportKey(rawJWK)
	if err != nil {
		return "", err
	}
	now := time.Now()
	tok, err := jwt.NewBuilder().
		Issuer(clientID).
		Subject(clientID).
		Audience([]string{tokenURI}).
		IssuedAt(now).
		Expiration(now.Add(assertionLifetime)).
		JwtID(uuid.NewString()).
		Build()
	if err != nil {
		return "", fmt.Errorf("building client assertion claims: %w", err)
	}
	// jws picks up the key's kid header automatically when one is set.
	signed, err := jwt.Sign(tok, jwt.WithKey(key.Algorithm(), key))
	if err != nil {
		return "", fmt.Errorf("signing client assertion: %w", err)
	}
	return string(signed), nil
}

// tokenExpiration computes the absolute Unix-seconds expiration for a fresh
// grant: expires_in when present, the access token's own exp claim when it is
// a JWT, and a five-minute fallback otherwise.
func tokenExpiration(grant TokenResponse, now time.Time) int64 {
	if in := grant.ExpiresIn(); in > 0 {
		return now.Unix() + in
	}
	if at := grant.AccessToken(); at != "" {
		if tok, err := jwt.ParseInsecure([]byte(at)); err == nil {
			if exp := tok.Expiration(); !exp.IsZero() {
				return exp.Unix()
			}
		}
	}
	return now.Unix() + 300
}

// idTokenClaim extracts a string claim from an (unverified) id_token. The
// engine is not the token audience's verifier; signature checks belong to the
// issuing server.
func idTokenClaim(idToken, name string) string {
	if idToken == "" {
		return ""
	}
	tok, err := jwt.ParseInsecure([]byte(idToken))
	if err != nil {
		return ""
	}
	if v, ok := tok.Get(name); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
