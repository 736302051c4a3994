package smart

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"
)

// expiryWindow is how many seconds before the recorded expiration a token is
// already treated as stale.
const expiryWindow = 10

// RefreshIfNeeded refreshes the access token when the session has both an
// access and a refresh token and the access token is within the expiry
// window. In every other case it is a no-op.
func (c *Client) RefreshIfNeeded(ctx context.Context) error {
	c.mu.Lock()
	needed := c.state.TokenResponse.AccessToken() != "" &&
		c.state.TokenResponse.RefreshToken() != "" &&
		c.state.ExpiresAt-expiryWindow < time.Now().Unix()
	c.mu.Unlock()
	if !needed {
		return nil
	}
	return c.Refresh(ctx)
}

// Refresh performs the refresh_token grant and folds the new grant into the
// session. Concurrent callers share a single in-flight refresh: while one is
// outstanding, later calls attach to it instead of issuing another HTTP
// request.
func (c *Client) Refresh(ctx context.Context) error {
	// singleflight clears the key once the shared call settles, succeed or
	// fail, which is exactly the in-flight-marker contract.
	_, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		return nil, c.doRefresh(ctx)
	})
	return err
}

func (c *Client) doRefresh(ctx context.Context) error {
	c.mu.Lock()
	s := *c.state
	c.mu.Unlock()

	refreshToken := s.TokenResponse.RefreshToken()
	if refreshToken == "" {
		return errors.New("unable to refresh: no refresh_token found in the session")
	}
	if s.TokenURI == "" {
		return errors.New("unable to refresh: no tokenUri is known for this session")
	}
	scope := s.TokenResponse.Scope()
	if !strings.Contains(scope, "offline_access") && !strings.Contains(scope, "online_access") {
		return errors.New(`unable to refresh: the granted scope includes neither "offline_access" nor "online_access"`)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	grant, err := requestToken(ctx, c.hc, &s, form)
	if err != nil {
		// The refresh token is presumed dead; drop it so later calls do not
		// loop on it.
		c.mu.Lock()
		delete(c.state.TokenResponse, "refresh_token")
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	c.state.TokenResponse = c.state.TokenResponse.Merge(grant)
	c.state.ExpiresAt = tokenExpiration(c.state.TokenResponse, time.Now())
	snapshot := *c.state
	key := c.state.Key
	c.mu.Unlock()

	if key == "" {
		c.log.Debug("session has no storage key, skipping persistence of the refreshed token")
		return nil
	}
	if c.storage == nil {
		return nil
	}
	if err := saveSession(ctx, c.storage, &snapshot); err != nil {
		return err
	}
	return nil
}
