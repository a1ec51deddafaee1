package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	. "gopkg.in/check.v1"

	"github.com/kachina-project/kachina/internal/builder"
	"github.com/kachina-project/kachina/internal/engine"
	"github.com/kachina-project/kachina/internal/hashkind"
	"github.com/kachina-project/kachina/internal/manifest"
)

func Test(t *testing.T) { TestingT(t) }

type S struct{}

var _ = Suite(&S{})

func (s *S) SetUpTest(c *C) {
	Stdout = &bytes.Buffer{}
	Stderr = &bytes.Buffer{}
}

func zstdCompress(c *C, data []byte) []byte {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	c.Assert(err, IsNil)
	_, err = w.Write(data)
	c.Assert(err, IsNil)
	c.Assert(w.Close(), IsNil)
	return buf.Bytes()
}

func manifestBytes(c *C, m *manifest.Manifest) []byte {
	var buf bytes.Buffer
	c.Assert(manifest.Write(&buf, m), IsNil)
	return buf.Bytes()
}

func (s *S) TestExitCodeClassification(c *C) {
	c.Assert(exitCode(nil), Equals, 0)
	c.Assert(exitCode(engine.ErrDowngrade), Equals, 4)
	c.Assert(exitCode(engine.ErrUninstallStateMissing), Equals, 4)
}

func (s *S) TestResolveTargetDirPrefersPositional(c *C) {
	opts := options{TargetDir: "/from-flag"}
	opts.Positional.TargetDir = "/from-positional"
	dir, err := resolveTargetDir(opts)
	c.Assert(err, IsNil)
	c.Assert(dir, Equals, "/from-positional")
}

func (s *S) TestResolveTargetDirFallsBackToFlag(c *C) {
	opts := options{TargetDir: "/from-flag"}
	dir, err := resolveTargetDir(opts)
	c.Assert(err, IsNil)
	c.Assert(dir, Equals, "/from-flag")
}

func (s *S) TestUninstallWithNoPriorStateExitsWithStateError(c *C) {
	dir := c.MkDir()
	opts := options{Uninstall: true}
	opts.Positional.TargetDir = dir

	code := run(opts)
	c.Assert(code, Equals, 4)
}

func (s *S) TestUninstallRemovesPreviouslyInstalledFiles(c *C) {
	dir := c.MkDir()
	content := []byte("installed content")
	h, _, err := hashkind.Sum(hashkind.MD5, bytes.NewReader(content))
	c.Assert(err, IsNil)

	c.Assert(os.WriteFile(filepath.Join(dir, "app.txt"), content, 0o644), IsNil)
	m := &manifest.Manifest{
		TagName: "1.0.0",
		Hashed:  []manifest.HashedFile{{FileName: "app.txt", Size: uint64(len(content)), Hash: h}},
	}
	c.Assert(manifest.WriteFile(filepath.Join(dir, engine.StateFileName), m), IsNil)

	opts := options{Uninstall: true, Silent: true}
	opts.Positional.TargetDir = dir

	code := run(opts)
	c.Assert(code, Equals, 0)

	_, err = os.Stat(filepath.Join(dir, "app.txt"))
	c.Assert(os.IsNotExist(err), Equals, true)
}

func (s *S) TestOnlineInstallEndToEnd(c *C) {
	content := []byte("end-to-end install content over http range requests")
	h, _, err := hashkind.Sum(hashkind.MD5, bytes.NewReader(content))
	c.Assert(err, IsNil)

	m := &manifest.Manifest{
		TagName: "1.2.3",
		Hashed:  []manifest.HashedFile{{FileName: "app.txt", Size: uint64(len(content)), Hash: h}},
	}
	metaDoc := manifestBytes(c, m)

	staging := c.MkDir()
	c.Assert(os.WriteFile(filepath.Join(staging, h.Hex), zstdCompress(c, content), 0o644), IsNil)

	var pkg bytes.Buffer
	idx, err := builder.Pack(&pkg, builder.PackOptions{
		Stub:      bytes.NewReader([]byte("stub")),
		Config:    []byte(`{}`),
		HashedDir: staging,
	})
	c.Assert(err, IsNil)
	c.Assert(idx.Entries, HasLen, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/metadata.json", func(w http.ResponseWriter, r *http.Request) { w.Write(metaDoc) })
	mux.HandleFunc("/package", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "package", time.Time{}, bytes.NewReader(pkg.Bytes()))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	targetDir := c.MkDir()
	opts := options{Source: srv.URL, Silent: true, CacheDir: c.MkDir()}
	opts.Positional.TargetDir = targetDir

	code := run(opts)
	c.Assert(code, Equals, 0)

	got, err := os.ReadFile(filepath.Join(targetDir, "app.txt"))
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, content)
}
