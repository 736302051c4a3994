package smart

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
)

// Environment abstracts the redirect surface of the host: where the app
// currently "is", how to navigate it, and how to resolve app-relative paths.
// Host applications supply their own; StaticEnvironment covers CLIs, servers
// and tests.
type Environment interface {
	// CurrentURL is the location the app was loaded from, including any
	// launch or redirect query parameters.
	CurrentURL() *url.URL
	// Redirect navigates this window to the given absolute URL.
	Redirect(ctx context.Context, to string) error
	// Resolve turns an app-relative path into an absolute URL against the
	// current location's directory.
	Resolve(p string) string
	// ReplaceURL rewrites the visible location (history replacement) without
	// triggering a navigation. Used to scrub code/state after the exchange.
	ReplaceURL(u *url.URL)
}

// Target identifies where an interactive launch should navigate.
type Target string

const (
	TargetSelf   Target = "_self"
	TargetBlank  Target = "_blank"
	TargetParent Target = "_parent"
	TargetTop    Target = "_top"
	TargetPopup  Target = "popup"
)

// popupFeatures is the fixed dimension string used when opening popups.
const popupFeatures = "height=768,width=1024,menubar=0,resizable=1,status=0,toolbar=0"

// WindowContext is implemented by environments that know whether they run
// inside a frame or popup. Environments without it are treated as top-level.
type WindowContext interface {
	InFrame() bool
	InPopup() bool
}

// Messenger carries the cross-window completion handshake: a frame/popup
// posts the redirect URL it landed on back to its opener, which finishes the
// authorization there.
type Messenger interface {
	// PostComplete sends a completeAuth message carrying redirectURL to the
	// opener/parent window.
	PostComplete(ctx context.Context, redirectURL string) error
	// Complete yields completeAuth messages posted by launched targets. The
	// flow controller consumes at most one per launch.
	Complete() <-chan string
}

// TargetOpener is implemented by environments that can open or relate other
// windows. OpenTarget returns the target's environment and storage so the
// session can be mirrored into it before navigation; a cross-origin failure
// is reported as an error and makes the launch fall back to the current
// window.
type TargetOpener interface {
	OpenTarget(ctx context.Context, target Target, features string) (Environment, Storage, error)
}

// StaticEnvironment is an Environment bound to a fixed current URL. Redirects
// and URL replacements are recorded rather than performed, which is exactly
// what non-browser hosts need.
type StaticEnvironment struct {
	mu      sync.Mutex
	current *url.URL

	// OnRedirect, when set, is invoked with every redirect target. The CLI
	// uses it to hand the authorize URL to a browser.
	OnRedirect func(ctx context.Context, to string) error

	redirects []string
}

// NewStaticEnvironment builds an environment located at current, which must
// be an absolute URL.
func NewStaticEnvironment(current string) (*StaticEnvironment, error) {
	u, err := url.Parse(current)
	if err != nil || !u.IsAbs() {
		return nil, fmt.Errorf("environment URL must be absolute, got %q", current)
	}
	return &StaticEnvironment{current: u}, nil
}

func (e *StaticEnvironment) CurrentURL() *url.URL {
	e.mu.Lock()
	defer e.mu.Unlock()
	clone := *e.current
	return &clone
}

func (e *StaticEnvironment) Redirect(ctx context.Context, to string) error {
	e.mu.Lock()
	e.redirects = append(e.redirects, to)
	cb := e.OnRedirect
	e.mu.Unlock()
	if cb != nil {
		return cb(ctx, to)
	}
	return nil
}

// Redirects returns every redirect issued so far, oldest first.
func (e *StaticEnvironment) Redirects() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.redirects...)
}

func (e *StaticEnvironment) Resolve(p string) string {
	if u, err := url.Parse(p); err == nil && u.IsAbs() {
		return u.String()
	}
	base := e.CurrentURL()
	base.RawQuery = ""
	base.Fragment = ""
	if p == "" || p == "." {
		// default: the current location's directory
		base.Path = strings.TrimSuffix(path.Dir(base.Path), "/") + "/"
		return base.String()
	}
	ref, err := url.Parse(p)
	if err != nil {
		return base.String()
	}
	return base.ResolveReference(ref).String()
}

func (e *StaticEnvironment) ReplaceURL(u *url.URL) {
	e.mu.Lock()
	defer e.mu.Unlock()
	clone := *u
	e.current = &clone
}
