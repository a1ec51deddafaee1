// Package source implements the pluggable "how do I turn a package
// identifier into a sequence of fetchable URLs" resolvers described in
// spec §9. The core ships a direct-HTTP resolver and a session-based
// resolver; which one handles a given source is chosen by the source
// identifier's URL scheme prefix.
package source

import "context"

// Session is the opaque handle a session-based Resolver hands back from
// CreateSession. Resolvers that need no session handshake (the direct
// resolver) never produce one; callers must treat a nil Session as "no
// session in use" rather than an error.
type Session struct {
	ID string
	// Extra carries resolver-specific data a later ResolveChunkURL call
	// may need (e.g. a signed base URL), opaque to the core.
	Extra map[string]string
}

// Metadata is what ResolveMetadata returns for a source identifier: the
// manifest to fetch and the base location chunks are resolved against.
type Metadata struct {
	ManifestURL string
	BaseURL     string
}

// Resolver turns a source identifier into concrete HTTP locations. A
// resolver that needs no session returns (nil, nil) from CreateSession;
// EndSession on a nil Session is always a no-op.
type Resolver interface {
	// ResolveMetadata returns where to fetch the version manifest for id.
	ResolveMetadata(ctx context.Context, id string) (Metadata, error)
	// CreateSession performs any handshake required before chunks can be
	// fetched. Called once per install run, before the first ResolveChunkURL.
	CreateSession(ctx context.Context, meta Metadata) (*Session, error)
	// ResolveChunkURL returns the URL to GET (optionally with a Range
	// header) for the named payload, given the session CreateSession
	// returned (nil if none).
	ResolveChunkURL(ctx context.Context, meta Metadata, sess *Session, name string) (string, error)
	// EndSession releases a session created by CreateSession. Always
	// called during cleanup, even on a failed or cancelled run, if
	// CreateSession returned a non-nil Session.
	EndSession(ctx context.Context, sess *Session) error
}
