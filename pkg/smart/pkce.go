package smart

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"slices"
)

// PKCEMode selects the proof-key policy for the authorization redirect.
type PKCEMode string

const (
	// PKCEIfSupported attaches a challenge when the server advertises S256.
	// This is the default.
	PKCEIfSupported PKCEMode = "ifSupported"
	// PKCERequired fails the launch before redirecting unless the server
	// advertises S256.
	PKCERequired PKCEMode = "required"
	// PKCEDisabled never attaches a challenge.
	PKCEDisabled PKCEMode = "disabled"
	// PKCEUnsafeV1 always attaches a challenge, even against servers that do
	// not advertise S256. Exists for servers with incomplete discovery
	// documents.
	PKCEUnsafeV1 PKCEMode = "unsafeV1"
)

// defaultPKCEEntropy is the number of random bytes behind a code verifier.
const defaultPKCEEntropy = 96

// GeneratePKCEChallenge returns a PKCE verifier and its S256 challenge
// (base64url(SHA-256(verifier)), unpadded). entropy is the number of random
// bytes; values below 1 fall back to the 96-byte default.
func GeneratePKCEChallenge(entropy int) (codeVerifier, codeChallenge string, err error) {
	if entropy < 1 {
		entropy = defaultPKCEEntropy
	}
	b := make([]byte, entropy)
	if _, err = rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating PKCE verifier: %w", err)
	}
	codeVerifier = base64.RawURLEncoding.EncodeToString(b)
	sum := sha256.Sum256([]byte(codeVerifier))
	codeChallenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return codeVerifier, codeChallenge, nil
}

// shouldIncludeChallenge applies the PKCE decision policy against the
// server's advertised capability.
func shouldIncludeChallenge(s256Supported bool, mode PKCEMode) (bool, error) {
	switch mode {
	case PKCEDisabled:
		return false, nil
	case PKCEUnsafeV1:
		return true, nil
	case PKCERequired:
		if !s256Supported {
			return false, fmt.Errorf("required PKCE code challenge method (S256) was not found in the server's codeChallengeMethods")
		}
		return true, nil
	case PKCEIfSupported, "":
		return s256Supported, nil
	default:
		return false, fmt.Errorf("invalid PKCE mode %q", mode)
	}
}

func supportsS256(methods []string) bool {
	return slices.Contains(methods, "S256")
}

const keyCharset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// sessionKeyLength sizes the random session key carried as the OAuth2 state
// parameter.
const sessionKeyLength = 32

// randomKey returns a random alphanumeric string of length n. Bytes at or
// above the largest multiple of the charset size are rejected so every
// character is equally likely.
func randomKey(n int) string {
	limit := byte(256 - 256%len(keyCharset))
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			panic("smart: crypto/rand unavailable: " + err.Error())
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			out = append(out, keyCharset[int(b)%len(keyCharset)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out)
}
