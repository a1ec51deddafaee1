package builder_test

import (
	"strings"

	. "gopkg.in/check.v1"

	"github.com/kachina-project/kachina/internal/builder"
)

func (s *S) TestIgnoreMatchesGlob(c *C) {
	ir := builder.NewIgnoreRules([]string{"*.tmp"})
	c.Assert(ir.Match("foo.tmp", false), Equals, true)
	c.Assert(ir.Match("sub/foo.tmp", false), Equals, true)
	c.Assert(ir.Match("foo.txt", false), Equals, false)
}

func (s *S) TestIgnoreAnchoredPattern(c *C) {
	ir := builder.NewIgnoreRules([]string{"/build"})
	c.Assert(ir.Match("build", true), Equals, true)
	c.Assert(ir.Match("sub/build", true), Equals, false)
}

func (s *S) TestIgnoreDirOnly(c *C) {
	ir := builder.NewIgnoreRules([]string{"cache/"})
	c.Assert(ir.Match("cache", true), Equals, true)
	c.Assert(ir.Match("cache", false), Equals, false)
}

func (s *S) TestIgnoreNegation(c *C) {
	ir := builder.NewIgnoreRules([]string{"*.log", "!keep.log"})
	c.Assert(ir.Match("debug.log", false), Equals, true)
	c.Assert(ir.Match("keep.log", false), Equals, false)
}

func (s *S) TestParseIgnoreRulesSkipsCommentsAndBlanks(c *C) {
	ir, err := builder.ParseIgnoreRules(strings.NewReader("# comment\n\n*.bak\n"))
	c.Assert(err, IsNil)
	c.Assert(ir.Match("file.bak", false), Equals, true)
	c.Assert(ir.Match("file.txt", false), Equals, false)
}
