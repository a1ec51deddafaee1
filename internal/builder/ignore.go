package builder

import (
	"bufio"
	"io"
	"path/filepath"
	"strings"
)

// IgnoreRules is a small gitignore-subset matcher used by hash_tree to
// exclude paths from the staged set (spec §4.2). No gitignore-pattern
// library appears anywhere in the retrieved example pack, so this
// implements the common subset directly: literal/glob segments, "*" and
// "?" wildcards via path.Match-style matching, a trailing "/" restricting
// a pattern to directories, a leading "/" anchoring to the root, and "!"
// negation. It does not implement "**" directory wildcards.
type IgnoreRules struct {
	rules []ignoreRule
}

type ignoreRule struct {
	pattern  string
	negate   bool
	dirOnly  bool
	anchored bool
}

// ParseIgnoreRules reads newline-separated gitignore-style patterns,
// skipping blank lines and "#" comments.
func ParseIgnoreRules(r io.Reader) (*IgnoreRules, error) {
	ir := &IgnoreRules{}
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), " \t")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		ir.rules = append(ir.rules, parseRule(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ir, nil
}

// NewIgnoreRules builds IgnoreRules directly from a list of pattern
// strings, for callers that already have them (e.g. a config field).
func NewIgnoreRules(patterns []string) *IgnoreRules {
	ir := &IgnoreRules{}
	for _, p := range patterns {
		if p == "" || strings.HasPrefix(p, "#") {
			continue
		}
		ir.rules = append(ir.rules, parseRule(p))
	}
	return ir
}

func parseRule(line string) ignoreRule {
	rule := ignoreRule{}
	if strings.HasPrefix(line, "!") {
		rule.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		rule.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	if strings.HasPrefix(line, "/") {
		rule.anchored = true
		line = strings.TrimPrefix(line, "/")
	}
	if strings.Contains(line, "/") {
		rule.anchored = true
	}
	rule.pattern = line
	return rule
}

// Match reports whether relPath (forward-slash, relative to the tree
// root) should be excluded. isDir indicates whether relPath names a
// directory, for dirOnly patterns.
func (ir *IgnoreRules) Match(relPath string, isDir bool) bool {
	if ir == nil {
		return false
	}
	ignored := false
	for _, rule := range ir.rules {
		if rule.dirOnly && !isDir {
			continue
		}
		if ruleMatches(rule, relPath) {
			ignored = !rule.negate
		}
	}
	return ignored
}

func ruleMatches(rule ignoreRule, relPath string) bool {
	if rule.anchored {
		ok, _ := filepath.Match(rule.pattern, relPath)
		return ok
	}
	// Unanchored: match against the full path or any path segment, the
	// way a plain "*.tmp" matches at any depth.
	if ok, _ := filepath.Match(rule.pattern, relPath); ok {
		return true
	}
	base := relPath
	if idx := strings.LastIndex(relPath, "/"); idx >= 0 {
		base = relPath[idx+1:]
	}
	ok, _ := filepath.Match(rule.pattern, base)
	return ok
}
