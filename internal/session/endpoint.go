package session

import (
	"fmt"
	"net/url"
)

// Endpoint builds the session URL for clientID from base. http(s)
// schemes map to ws(s); secure forces wss. An empty path defaults to
// /ws. Any existing query is kept and clientId is set.
func Endpoint(base, clientID string, secure bool) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse session URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "http":
		u.Scheme = "ws"
	case "wss", "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported session URL scheme %q", u.Scheme)
	}
	if secure {
		u.Scheme = "wss"
	}
	if u.Host == "" {
		return "", fmt.Errorf("session URL %q has no host", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	q := u.Query()
	q.Set("clientId", clientID)
	u.RawQuery = q.Encode()

	return u.String(), nil
}
