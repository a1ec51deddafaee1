package source

import (
	"context"
	"net/http"
	"net/url"
)

// DirectResolver serves a source whose identifier is already a usable
// base URL: ResolveMetadata appends the manifest file name, and chunk
// URLs are resolved directly against the base, with no session
// handshake (spec §9: "the core ships only the direct-HTTP ... variant").
type DirectResolver struct {
	HTTP *http.Client
	// ManifestName is the file name appended to the base URL to form the
	// manifest location. Defaults to "metadata.json".
	ManifestName string
}

func (d *DirectResolver) httpClient() *http.Client {
	if d.HTTP != nil {
		return d.HTTP
	}
	return http.DefaultClient
}

func (d *DirectResolver) manifestName() string {
	if d.ManifestName != "" {
		return d.ManifestName
	}
	return "metadata.json"
}

func (d *DirectResolver) ResolveMetadata(ctx context.Context, id string) (Metadata, error) {
	base, err := normalizeBase(id)
	if err != nil {
		return Metadata{}, err
	}
	manifestURL, err := url.JoinPath(base, d.manifestName())
	if err != nil {
		return Metadata{}, err
	}
	return Metadata{ManifestURL: manifestURL, BaseURL: base}, nil
}

// CreateSession is a no-op: the direct resolver needs no handshake.
func (d *DirectResolver) CreateSession(ctx context.Context, meta Metadata) (*Session, error) {
	return nil, nil
}

func (d *DirectResolver) ResolveChunkURL(ctx context.Context, meta Metadata, sess *Session, name string) (string, error) {
	return url.JoinPath(meta.BaseURL, name)
}

// EndSession is a no-op for a resolver that never created one.
func (d *DirectResolver) EndSession(ctx context.Context, sess *Session) error {
	return nil
}

func normalizeBase(id string) (string, error) {
	u, err := url.Parse(id)
	if err != nil {
		return "", err
	}
	u.Path = trimTrailingSlash(u.Path)
	return u.String(), nil
}

func trimTrailingSlash(p string) string {
	for len(p) > 1 && p[len(p)-1] == '/' {
		p = p[:len(p)-1]
	}
	return p
}
