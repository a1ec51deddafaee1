package builder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kachina-project/kachina/internal/format"
)

// PackOptions mirrors pack(stub_exe, config, theme, metadata?, hashed_dir?)
// -> out_exe from spec §4.1.
type PackOptions struct {
	Stub     io.Reader
	Config   []byte
	Theme    []byte
	Metadata []byte // encoded manifest document; omit for a stub-only build
	// HashedDir is a staging directory of content-addressed, already
	// zstd-compressed blobs (HashTree's OutDir), each one payload. Omit
	// for a metadata-only package with no embedded payloads.
	HashedDir string
}

// Pack writes the assembled package to w, returning the parsed index of
// what was written.
func Pack(w io.Writer, opts PackOptions) (*format.Index, error) {
	payloads, err := collectPayloads(opts.HashedDir)
	if err != nil {
		return nil, err
	}

	logf("builder: packing %d payload entries from %s", len(payloads), opts.HashedDir)
	idx, err := format.Write(w, &format.WriteOptions{
		Stub:     opts.Stub,
		Config:   opts.Config,
		Theme:    opts.Theme,
		Metadata: opts.Metadata,
		Payloads: payloads,
	})
	if err != nil {
		return nil, err
	}
	debugf("builder: wrote package, payload region starts at %d", idx.Footer.PayloadStart)
	return idx, nil
}

func collectPayloads(dir string) ([]format.PayloadSource, error) {
	if dir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("builder: reading staging dir: %w", err)
	}

	var out []format.PayloadSource
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("builder: %w", err)
		}
		if info.Size() > int64(^uint32(0)) {
			return nil, format.ErrPayloadTooLarge
		}
		name := e.Name()
		path := filepath.Join(dir, name)
		out = append(out, format.PayloadSource{
			Name: name,
			Size: uint32(info.Size()),
			Open: func() (io.ReadCloser, error) { return os.Open(path) },
		})
	}
	return out, nil
}
