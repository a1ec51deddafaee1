package builder_test

import (
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	. "gopkg.in/check.v1"

	"github.com/kachina-project/kachina/internal/builder"
	"github.com/kachina-project/kachina/internal/hashkind"
)

func writeFile(c *C, path string, content string) {
	c.Assert(os.MkdirAll(filepath.Dir(path), 0o755), IsNil)
	c.Assert(os.WriteFile(path, []byte(content), 0o644), IsNil)
}

func (s *S) TestHashTreeStagesFiles(c *C) {
	src := c.MkDir()
	out := c.MkDir()
	writeFile(c, filepath.Join(src, "a.txt"), "hello world")
	writeFile(c, filepath.Join(src, "nested/b.txt"), "nested content")

	files, err := builder.HashTree(builder.HashTreeOptions{
		Dir:       src,
		OutDir:    out,
		Algorithm: hashkind.MD5,
		Jobs:      2,
	})
	c.Assert(err, IsNil)
	c.Assert(files, HasLen, 2)

	names := map[string]bool{}
	for _, f := range files {
		names[f.FileName] = true
		blobPath := filepath.Join(out, f.Hash.Hex)
		_, err := os.Stat(blobPath)
		c.Assert(err, IsNil)

		rf, err := os.Open(blobPath)
		c.Assert(err, IsNil)
		zr, err := zstd.NewReader(rf)
		c.Assert(err, IsNil)
		decoded, err := io.ReadAll(zr)
		c.Assert(err, IsNil)
		zr.Close()
		rf.Close()
		c.Assert(uint64(len(decoded)), Equals, f.Size)
	}
	c.Assert(names["a.txt"], Equals, true)
	c.Assert(names["nested/b.txt"], Equals, true)
}

func (s *S) TestHashTreeRespectsIgnore(c *C) {
	src := c.MkDir()
	out := c.MkDir()
	writeFile(c, filepath.Join(src, "keep.txt"), "keep me")
	writeFile(c, filepath.Join(src, "skip.tmp"), "drop me")

	files, err := builder.HashTree(builder.HashTreeOptions{
		Dir:       src,
		OutDir:    out,
		Algorithm: hashkind.MD5,
		Ignore:    builder.NewIgnoreRules([]string{"*.tmp"}),
	})
	c.Assert(err, IsNil)
	c.Assert(files, HasLen, 1)
	c.Assert(files[0].FileName, Equals, "keep.txt")
}

func (s *S) TestHashTreeDedupesIdenticalContent(c *C) {
	src := c.MkDir()
	out := c.MkDir()
	writeFile(c, filepath.Join(src, "a.txt"), "same bytes")
	writeFile(c, filepath.Join(src, "b.txt"), "same bytes")

	files, err := builder.HashTree(builder.HashTreeOptions{
		Dir:       src,
		OutDir:    out,
		Algorithm: hashkind.MD5,
	})
	c.Assert(err, IsNil)
	c.Assert(files, HasLen, 2)
	c.Assert(files[0].Hash.Equal(files[1].Hash), Equals, true)

	entries, err := os.ReadDir(out)
	c.Assert(err, IsNil)
	c.Assert(entries, HasLen, 1)
}
