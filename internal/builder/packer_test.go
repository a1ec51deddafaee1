package builder_test

import (
	"bytes"
	"os"
	"path/filepath"

	. "gopkg.in/check.v1"

	"github.com/kachina-project/kachina/internal/builder"
	"github.com/kachina-project/kachina/internal/format"
	"github.com/kachina-project/kachina/internal/hashkind"
)

func (s *S) TestPackRoundTripsThroughFormat(c *C) {
	src := c.MkDir()
	out := c.MkDir()
	writeFile(c, filepath.Join(src, "a.txt"), "alpha content")
	writeFile(c, filepath.Join(src, "b.txt"), "beta content")

	staged, err := builder.HashTree(builder.HashTreeOptions{
		Dir:       src,
		OutDir:    out,
		Algorithm: hashkind.MD5,
	})
	c.Assert(err, IsNil)
	c.Assert(staged, HasLen, 2)

	var pkg bytes.Buffer
	idx, err := builder.Pack(&pkg, builder.PackOptions{
		Stub:      bytes.NewReader([]byte("#!/bin/sh\nexit 0\n")),
		Config:    []byte(`{"name":"demo"}`),
		Metadata:  []byte(`{"tag_name":"v1"}`),
		HashedDir: out,
	})
	c.Assert(err, IsNil)
	c.Assert(idx.Entries, HasLen, 2)

	parsed, err := format.Parse(bytes.NewReader(pkg.Bytes()), int64(pkg.Len()))
	c.Assert(err, IsNil)
	c.Assert(parsed.Entries, HasLen, 2)
	c.Assert(string(parsed.Config), Equals, `{"name":"demo"}`)
	c.Assert(string(parsed.Metadata), Equals, `{"tag_name":"v1"}`)

	pkgReader := bytes.NewReader(pkg.Bytes())
	for _, f := range staged {
		entry, ok := parsed.Entries[f.Hash.Hex]
		c.Assert(ok, Equals, true)
		c.Assert(uint64(entry.Size), Equals, f.Size)

		sr, err := parsed.PayloadReaderAt(pkgReader, f.Hash.Hex)
		c.Assert(err, IsNil)
		buf := make([]byte, entry.Size)
		_, err = sr.ReadAt(buf, 0)
		c.Assert(err, IsNil)

		onDisk, err := os.ReadFile(filepath.Join(out, f.Hash.Hex))
		c.Assert(err, IsNil)
		c.Assert(buf, DeepEquals, onDisk)
	}
}

func (s *S) TestPackNoPayloadsOmitsIndex(c *C) {
	var pkg bytes.Buffer
	idx, err := builder.Pack(&pkg, builder.PackOptions{
		Stub:   bytes.NewReader([]byte("stub")),
		Config: []byte("cfg"),
	})
	c.Assert(err, IsNil)
	c.Assert(idx.Entries, HasLen, 0)
	c.Assert(idx.Footer.IndexSize, Equals, uint32(0))
}
