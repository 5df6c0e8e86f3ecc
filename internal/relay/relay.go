// Package relay implements the opaque RelayState token carried through the
// SAML redirect dance: an encoded (subject, post-flow redirect target) pair
// attached to outgoing requests and handed back verbatim by the IdP.
package relay

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrExternalRedirect is returned by Encode when the requested destination
// resolves to a different host than the site. Accepting it would let an
// attacker authenticate a victim and then bounce them anywhere.
var ErrExternalRedirect = errors.New("destination must not be an external URL")

const delimiter = "+"

// Codec encodes and decodes RelayState tokens for one site.
type Codec struct {
	site *url.URL

	// FrontPath and PostLoginPath are the fallback landing routes used by
	// RedirectAfter when the token carries no usable target.
	FrontPath     string
	PostLoginPath string
}

// NewCodec builds a Codec for the given site base URL.
func NewCodec(siteURL string) (*Codec, error) {
	u, err := url.Parse(siteURL)
	if err != nil {
		return nil, fmt.Errorf("invalid site URL %q: %w", siteURL, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("site URL %q must be absolute", siteURL)
	}
	return &Codec{
		site:          u,
		FrontPath:     "/",
		PostLoginPath: "/user",
	}, nil
}

// Encode builds a RelayState token from a subject (IdP id on login, user id
// on logout) and a caller-supplied destination. The destination is resolved
// against the site before encoding; anything pointing at a foreign host is
// rejected outright.
func (c *Codec) Encode(subject, destination string) (string, error) {
	target, err := c.resolveDestination(destination)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString([]byte(subject + delimiter + target)), nil
}

// Decode splits a RelayState token back into (subject, redirectTarget).
// It never fails hard: the token travels through the client, and a mangled
// one must not take down an otherwise valid response. Malformed input
// yields ("", "").
func (c *Codec) Decode(token string) (subject, redirectTarget string) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return "", ""
	}
	parts := strings.SplitN(string(raw), delimiter, 2)
	if len(parts) != 2 {
		return "", ""
	}
	return parts[0], parts[1]
}

// resolveDestination turns the user-supplied destination parameter into an
// absolute same-site URL, or fails with ErrExternalRedirect.
func (c *Codec) resolveDestination(destination string) (string, error) {
	if destination == "" {
		return "", nil
	}
	u, err := url.Parse(destination)
	if err != nil {
		return "", fmt.Errorf("invalid destination %q: %w", destination, err)
	}
	if u.IsAbs() || u.Host != "" {
		if u.Host != c.site.Host || (u.Scheme != "" && u.Scheme != c.site.Scheme) {
			return "", fmt.Errorf("%w: %s", ErrExternalRedirect, destination)
		}
		return u.String(), nil
	}
	// Relative destinations are conventional; anchor them at the site root.
	if !strings.HasPrefix(destination, "/") {
		destination = "/" + destination
	}
	ref, err := url.Parse(destination)
	if err != nil {
		return "", fmt.Errorf("invalid destination %q: %w", destination, err)
	}
	return c.site.ResolveReference(ref).String(), nil
}

// RedirectAfter picks the URL to send the browser to once an inbound
// ACS/SLS leg has been processed. RelayState travels through the client
// and is not covered by the response signature, so the decoded target is
// held to the same same-origin rule as Encode: anything cross-origin is
// discarded in favor of the fallback route. A target pointing back at the
// bridge's own /auth/ endpoints (the default the toolkit fills in when
// none was requested) is ignored to avoid redirect loops.
func (c *Codec) RedirectAfter(redirectTarget string, loggedIn bool) string {
	if redirectTarget != "" {
		u, err := url.Parse(redirectTarget)
		if err == nil && u.Scheme == c.site.Scheme && u.Host == c.site.Host {
			self := strings.TrimSuffix(c.site.String(), "/") + "/auth/"
			if !strings.HasPrefix(redirectTarget, self) {
				return redirectTarget
			}
		}
	}
	path := c.FrontPath
	if loggedIn {
		path = c.PostLoginPath
	}
	return c.absolute(path)
}

// Front returns the absolute URL of the default landing route.
func (c *Codec) Front() string {
	return c.absolute(c.FrontPath)
}

func (c *Codec) absolute(path string) string {
	ref, err := url.Parse(path)
	if err != nil {
		return c.site.String()
	}
	return c.site.ResolveReference(ref).String()
}
