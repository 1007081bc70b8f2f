package kernels

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrBadURL reports an unusable server URL.
var ErrBadURL = errors.New("invalid server url")

// Connection addresses one compute server: its HTTP(S) base URL and the
// bearer token it expects. The zero value is not usable; build through
// Derive so the URL is validated and normalized.
type Connection struct {
	BaseURL string `json:"base_url" toml:"base_url"`
	Token   string `json:"token" toml:"token"`
}

// Derive validates a raw server URL and pairs it with its token.
// The URL must be absolute http or https; trailing slashes are dropped so
// path joins stay predictable.
func Derive(rawURL, token string) (Connection, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Connection{}, fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Connection{}, fmt.Errorf("%w: scheme %q", ErrBadURL, parsed.Scheme)
	}
	if parsed.Host == "" {
		return Connection{}, fmt.Errorf("%w: missing host", ErrBadURL)
	}
	parsed.Fragment = ""
	parsed.RawQuery = ""
	parsed.Path = strings.TrimRight(parsed.Path, "/")

	return Connection{BaseURL: parsed.String(), Token: token}, nil
}

// IsZero reports whether the connection is unset.
func (c Connection) IsZero() bool {
	return c.BaseURL == ""
}

// Host returns the hostname portion of the base URL.
func (c Connection) Host() string {
	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// WSBase derives the websocket base URL: the scheme mirrors the HTTP
// scheme (http to ws, https to wss), with one exception: a host
// containing "localhost" always gets plain ws, even for https bases.
// Local proxies and tunnels terminate TLS before the socket, so a wss
// handshake against localhost fails where plain ws works.
func (c Connection) WSBase() (string, error) {
	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadURL, err)
	}
	switch {
	case strings.Contains(parsed.Hostname(), "localhost"):
		parsed.Scheme = "ws"
	case parsed.Scheme == "https":
		parsed.Scheme = "wss"
	case parsed.Scheme == "http":
		parsed.Scheme = "ws"
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrBadURL, parsed.Scheme)
	}
	return parsed.String(), nil
}

// KindsURL returns the kind listing endpoint.
func (c Connection) KindsURL() string {
	return c.BaseURL + "/api/kinds"
}

// SessionsURL returns the session collection endpoint.
func (c Connection) SessionsURL() string {
	return c.BaseURL + "/api/sessions"
}

// SessionURL returns the endpoint for one session.
func (c Connection) SessionURL(sessionID string) string {
	return c.SessionsURL() + "/" + url.PathEscape(sessionID)
}

// ChannelURL returns the websocket endpoint for a session's channel.
func (c Connection) ChannelURL(sessionID string) (string, error) {
	base, err := c.WSBase()
	if err != nil {
		return "", err
	}
	return base + "/api/sessions/" + url.PathEscape(sessionID) + "/channels", nil
}

// AuthHeader returns the Authorization header value, empty when the server
// runs tokenless.
func (c Connection) AuthHeader() string {
	if c.Token == "" {
		return ""
	}
	return "token " + c.Token
}

// Redacted renders the connection for logs with the token masked.
func (c Connection) Redacted() string {
	if c.Token == "" {
		return c.BaseURL
	}
	tail := c.Token
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return fmt.Sprintf("%s (token ...%s)", c.BaseURL, tail)
}
