package builder_test

import (
	"bytes"
	"path/filepath"
	"strings"

	. "gopkg.in/check.v1"

	"github.com/kachina-project/kachina/internal/builder"
	"github.com/kachina-project/kachina/internal/hashkind"
	"github.com/kachina-project/kachina/internal/patch"
)

func (s *S) TestDiffTreeProducesPatchForChangedFile(c *C) {
	oldDir := c.MkDir()
	newDir := c.MkDir()
	padding := strings.Repeat(" padding", 300)
	oldContent := "version one, long enough to clear the diff threshold gate," + padding
	newContent := "version TWO, long enough to clear the diff threshold gate," + padding
	writeFile(c, filepath.Join(oldDir, "app.txt"), oldContent)
	writeFile(c, filepath.Join(newDir, "app.txt"), newContent)

	records, err := builder.DiffTree(builder.DiffTreeOptions{
		OldDirs:   []string{oldDir},
		NewDir:    newDir,
		Algorithm: hashkind.MD5,
	})
	c.Assert(err, IsNil)
	c.Assert(records, HasLen, 1)

	oldHash, _, err := hashkind.Sum(hashkind.MD5, bytes.NewReader([]byte(oldContent)))
	c.Assert(err, IsNil)
	newHash, _, err := hashkind.Sum(hashkind.MD5, bytes.NewReader([]byte(newContent)))
	c.Assert(err, IsNil)

	c.Assert(records[0].From.Equal(oldHash), Equals, true)
	c.Assert(records[0].To.Equal(newHash), Equals, true)

	var out bytes.Buffer
	blob, err := patch.Generate([]byte(oldContent), []byte(newContent))
	c.Assert(err, IsNil)
	c.Assert(uint64(len(blob)), Equals, records[0].Size)
	c.Assert(patch.Apply([]byte(oldContent), blob, &out), IsNil)
	c.Assert(out.String(), Equals, newContent)
}

func (s *S) TestDiffTreeSkipsIdenticalFiles(c *C) {
	oldDir := c.MkDir()
	newDir := c.MkDir()
	writeFile(c, filepath.Join(oldDir, "same.txt"), "unchanged")
	writeFile(c, filepath.Join(newDir, "same.txt"), "unchanged")

	records, err := builder.DiffTree(builder.DiffTreeOptions{
		OldDirs:   []string{oldDir},
		NewDir:    newDir,
		Algorithm: hashkind.MD5,
	})
	c.Assert(err, IsNil)
	c.Assert(records, HasLen, 0)
}

func (s *S) TestDiffTreeSkipsBelowThreshold(c *C) {
	oldDir := c.MkDir()
	newDir := c.MkDir()
	writeFile(c, filepath.Join(oldDir, "tiny.txt"), "abc")
	writeFile(c, filepath.Join(newDir, "tiny.txt"), "xyz")

	records, err := builder.DiffTree(builder.DiffTreeOptions{
		OldDirs:   []string{oldDir},
		NewDir:    newDir,
		Algorithm: hashkind.MD5,
	})
	c.Assert(err, IsNil)
	c.Assert(records, HasLen, 0)
}

func (s *S) TestDiffTreeSkipsIdenticalAndBelowThresholdCandidates(c *C) {
	oldA := c.MkDir()
	oldB := c.MkDir()
	newDir := c.MkDir()
	base := "the quick brown fox jumps over the lazy dog, repeated for length, repeated for length"
	writeFile(c, filepath.Join(oldA, "f.txt"), base+" variant A tail section that differs substantially from the target")
	writeFile(c, filepath.Join(oldB, "f.txt"), base+" target")
	writeFile(c, filepath.Join(newDir, "f.txt"), base+" target")

	// oldB is already identical to new, so it's skipped as a candidate;
	// oldA differs, but together with the new file it stays below the
	// diff threshold gate, so it is skipped too.
	records, err := builder.DiffTree(builder.DiffTreeOptions{
		OldDirs:   []string{oldA, oldB},
		NewDir:    newDir,
		Algorithm: hashkind.MD5,
	})
	c.Assert(err, IsNil)
	c.Assert(records, HasLen, 0) // no candidate qualifies for a patch
}
