package rangeclient

import (
	"context"
	"fmt"
	"io"
)

// ReaderAt adapts Client to io.ReaderAt against one remote URL, so the
// same format.Parse used for a local file also works against a package
// hosted behind an HTTP range server (spec §4.3: "The same logic serves
// the local self-reader ... and the HTTP range remote reader").
type ReaderAt struct {
	Client *Client
	URL    string
	Ctx    context.Context
}

func (r *ReaderAt) context() context.Context {
	if r.Ctx != nil {
		return r.Ctx
	}
	return context.Background()
}

func (r *ReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	body, err := r.Client.FetchOne(r.context(), r.URL, ByteRange{Start: off, End: off + int64(len(p)) - 1})
	if err != nil {
		return 0, fmt.Errorf("rangeclient: ReadAt offset %d len %d: %w", off, len(p), err)
	}
	defer body.Close()
	n, err := io.ReadFull(body, p)
	if err == io.ErrUnexpectedEOF {
		// Server returned fewer bytes than requested, typically because
		// the range reached EOF; io.ReaderAt contracts this as a short
		// read without necessarily being an error, but callers reading
		// a non-final range should treat it as one.
		return n, io.EOF
	}
	return n, err
}
