package source

import (
	"fmt"
	"net/http"
	"net/url"
)

// New selects a Resolver for id by its URL scheme prefix, per spec §9:
// "the core defines a small interface ... and selects an implementation
// by URL scheme prefix." "dfs"/"dfs2" sources require the session
// handshake; everything else is served directly.
func New(id string, client *http.Client) (Resolver, error) {
	u, err := url.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("source: invalid source identifier %q: %w", id, err)
	}
	switch u.Scheme {
	case "http", "https", "":
		return &DirectResolver{HTTP: client}, nil
	case "dfs", "dfs2":
		return &SessionResolver{HTTP: client}, nil
	default:
		return nil, fmt.Errorf("source: no resolver registered for scheme %q", u.Scheme)
	}
}
