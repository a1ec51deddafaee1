package engine_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	. "gopkg.in/check.v1"

	"github.com/kachina-project/kachina/internal/engine"
	"github.com/kachina-project/kachina/internal/format"
	"github.com/kachina-project/kachina/internal/hashkind"
	"github.com/kachina-project/kachina/internal/manifest"
)

func Test(t *testing.T) { TestingT(t) }

type S struct{}

var _ = Suite(&S{})

func zstdCompress(c *C, data []byte) []byte {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	c.Assert(err, IsNil)
	_, err = w.Write(data)
	c.Assert(err, IsNil)
	c.Assert(w.Close(), IsNil)
	return buf.Bytes()
}

// stageBlob writes content, zstd-compressed, under name in dir, as
// HashTree would for a content-addressed payload.
func stageBlob(c *C, dir, name string, content []byte) {
	c.Assert(os.MkdirAll(dir, 0o755), IsNil)
	c.Assert(os.WriteFile(filepath.Join(dir, name), zstdCompress(c, content), 0o644), IsNil)
}

func hashOf(c *C, content []byte) hashkind.Hash {
	h, _, err := hashkind.Sum(hashkind.MD5, bytes.NewReader(content))
	c.Assert(err, IsNil)
	return h
}

// buildPackage assembles one self-addressable package file containing the
// given metadata document and payload blobs (already staged under
// stagingDir, one file per blob named by its index entry name), writing
// the result to outPath.
func buildPackage(c *C, outPath, stagingDir string, meta []byte) *format.Index {
	f, err := os.Create(outPath)
	c.Assert(err, IsNil)
	defer f.Close()

	var payloads []format.PayloadSource
	if stagingDir != "" {
		entries, err := os.ReadDir(stagingDir)
		c.Assert(err, IsNil)
		for _, e := range entries {
			info, err := e.Info()
			c.Assert(err, IsNil)
			name := e.Name()
			path := filepath.Join(stagingDir, name)
			payloads = append(payloads, format.PayloadSource{
				Name: name,
				Size: uint32(info.Size()),
				Open: func() (io.ReadCloser, error) { return os.Open(path) },
			})
		}
	}

	idx, err := format.Write(f, &format.WriteOptions{
		Stub:     bytes.NewReader([]byte("stub-exe-bytes")),
		Config:   []byte(`{"app":"kachina-test"}`),
		Metadata: meta,
		Payloads: payloads,
	})
	c.Assert(err, IsNil)
	return idx
}

func manifestBytes(c *C, m *manifest.Manifest) []byte {
	var buf bytes.Buffer
	c.Assert(manifest.Write(&buf, m), IsNil)
	return buf.Bytes()
}

func (s *S) TestOfflineInstallLocalMode(c *C) {
	dir := c.MkDir()
	content := []byte("hello from the embedded payload")
	h := hashOf(c, content)

	staging := filepath.Join(dir, "staging")
	stageBlob(c, staging, h.Hex, content)

	m := &manifest.Manifest{
		TagName: "1.0.0",
		Hashed:  []manifest.HashedFile{{FileName: "app/data.txt", Size: uint64(len(content)), Hash: h}},
	}

	selfPath := filepath.Join(dir, "updater.exe")
	buildPackage(c, selfPath, staging, manifestBytes(c, m))

	targetDir := filepath.Join(dir, "target")
	c.Assert(os.MkdirAll(targetDir, 0o755), IsNil)

	res, err := engine.Run(context.Background(), engine.Options{
		TargetDir:   targetDir,
		SelfExePath: selfPath,
	})
	c.Assert(err, IsNil)
	c.Assert(res.NoOp, Equals, false)

	got, err := os.ReadFile(filepath.Join(targetDir, "app/data.txt"))
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, content)

	_, err = os.Stat(filepath.Join(targetDir, engine.StateFileName))
	c.Assert(err, IsNil)
	_, err = os.Stat(filepath.Join(targetDir, engine.RegistryFileName))
	c.Assert(err, IsNil)
}

func (s *S) TestOfflineInstallIsIdempotent(c *C) {
	dir := c.MkDir()
	content := []byte("already installed content")
	h := hashOf(c, content)

	staging := filepath.Join(dir, "staging")
	stageBlob(c, staging, h.Hex, content)

	m := &manifest.Manifest{
		TagName: "1.0.0",
		Hashed:  []manifest.HashedFile{{FileName: "app/data.txt", Size: uint64(len(content)), Hash: h}},
	}

	selfPath := filepath.Join(dir, "updater.exe")
	buildPackage(c, selfPath, staging, manifestBytes(c, m))

	targetDir := filepath.Join(dir, "target")
	c.Assert(os.MkdirAll(filepath.Join(targetDir, "app"), 0o755), IsNil)
	c.Assert(os.WriteFile(filepath.Join(targetDir, "app/data.txt"), content, 0o644), IsNil)

	res, err := engine.Run(context.Background(), engine.Options{
		TargetDir:   targetDir,
		SelfExePath: selfPath,
	})
	c.Assert(err, IsNil)
	c.Assert(res.NoOp, Equals, true)

	// A no-op run never persists state, so nothing is written yet.
	_, err = os.Stat(filepath.Join(targetDir, engine.StateFileName))
	c.Assert(os.IsNotExist(err), Equals, true)
}

func (s *S) TestOnlineInstallDirectMode(c *C) {
	dir := c.MkDir()
	content := []byte("remote direct-mode content, fetched over http range requests")
	h := hashOf(c, content)

	staging := filepath.Join(dir, "staging")
	stageBlob(c, staging, h.Hex, content)

	m := &manifest.Manifest{
		TagName: "2.0.0",
		Hashed:  []manifest.HashedFile{{FileName: "app/data.txt", Size: uint64(len(content)), Hash: h}},
	}
	metaDoc := manifestBytes(c, m)

	pkgPath := filepath.Join(dir, "package.bin")
	buildPackage(c, pkgPath, staging, nil) // no embedded \0META: force remote resolution
	pkgBytes, err := os.ReadFile(pkgPath)
	c.Assert(err, IsNil)

	mux := http.NewServeMux()
	mux.HandleFunc("/metadata.json", func(w http.ResponseWriter, r *http.Request) {
		w.Write(metaDoc)
	})
	mux.HandleFunc("/package", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "package", time.Time{}, bytes.NewReader(pkgBytes))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	targetDir := filepath.Join(dir, "target")
	c.Assert(os.MkdirAll(targetDir, 0o755), IsNil)

	res, err := engine.Run(context.Background(), engine.Options{
		TargetDir: targetDir,
		SourceID:  srv.URL,
		// no SelfExePath package: exercise the fully online path.
		SelfExePath: filepath.Join(dir, "nonexistent-self.exe"),
		CacheDir:    filepath.Join(dir, "range-cache"),
	})
	c.Assert(err, IsNil)
	c.Assert(res.NoOp, Equals, false)
	c.Assert(res.Manifest.TagName, Equals, "2.0.0")

	got, err := os.ReadFile(filepath.Join(targetDir, "app/data.txt"))
	c.Assert(err, IsNil)
	c.Assert(got, DeepEquals, content)
}

func (s *S) TestOnlineInstallMergesSmallFiles(c *C) {
	dir := c.MkDir()

	var hashed []manifest.HashedFile
	contents := map[string][]byte{}
	staging := filepath.Join(dir, "staging")
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("assets/small%d.txt", i)
		content := []byte(fmt.Sprintf("small file body number %d, short on purpose", i))
		h := hashOf(c, content)
		contents[name] = content
		stageBlob(c, staging, h.Hex, content)
		hashed = append(hashed, manifest.HashedFile{FileName: name, Size: uint64(len(content)), Hash: h})
	}

	m := &manifest.Manifest{TagName: "3.0.0", Hashed: hashed}
	metaDoc := manifestBytes(c, m)

	pkgPath := filepath.Join(dir, "package.bin")
	buildPackage(c, pkgPath, staging, nil)
	pkgBytes, err := os.ReadFile(pkgPath)
	c.Assert(err, IsNil)

	mux := http.NewServeMux()
	mux.HandleFunc("/metadata.json", func(w http.ResponseWriter, r *http.Request) { w.Write(metaDoc) })
	mux.HandleFunc("/package", func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "package", time.Time{}, bytes.NewReader(pkgBytes))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	targetDir := filepath.Join(dir, "target")
	c.Assert(os.MkdirAll(targetDir, 0o755), IsNil)

	res, err := engine.Run(context.Background(), engine.Options{
		TargetDir:   targetDir,
		SourceID:    srv.URL,
		SelfExePath: filepath.Join(dir, "nonexistent-self.exe"),
		CacheDir:    filepath.Join(dir, "range-cache"),
	})
	c.Assert(err, IsNil)
	c.Assert(res.Tasks, HasLen, 4)

	for name, content := range contents {
		got, err := os.ReadFile(filepath.Join(targetDir, name))
		c.Assert(err, IsNil)
		c.Assert(got, DeepEquals, content)
	}
}

func (s *S) TestRunRejectsDowngrade(c *C) {
	dir := c.MkDir()
	content := []byte("version two content")
	h := hashOf(c, content)
	staging := filepath.Join(dir, "staging")
	stageBlob(c, staging, h.Hex, content)

	target := &manifest.Manifest{
		TagName: "1.0.0",
		Hashed:  []manifest.HashedFile{{FileName: "app.txt", Size: uint64(len(content)), Hash: h}},
	}
	selfPath := filepath.Join(dir, "updater.exe")
	buildPackage(c, selfPath, staging, manifestBytes(c, target))

	targetDir := filepath.Join(dir, "target")
	c.Assert(os.MkdirAll(targetDir, 0o755), IsNil)

	installed := &manifest.Manifest{TagName: "5.0.0"}
	c.Assert(manifest.WriteFile(filepath.Join(targetDir, engine.StateFileName), installed), IsNil)

	_, err := engine.Run(context.Background(), engine.Options{
		TargetDir:   targetDir,
		SelfExePath: selfPath,
	})
	c.Assert(err, ErrorMatches, ".*not newer.*")
}

func (s *S) TestUninstallRemovesFilesAndSidecars(c *C) {
	dir := c.MkDir()
	content := []byte("to be removed")
	h := hashOf(c, content)

	targetDir := filepath.Join(dir, "target")
	c.Assert(os.MkdirAll(filepath.Join(targetDir, "app"), 0o755), IsNil)
	c.Assert(os.WriteFile(filepath.Join(targetDir, "app/data.txt"), content, 0o644), IsNil)

	m := &manifest.Manifest{
		TagName: "1.0.0",
		Hashed:  []manifest.HashedFile{{FileName: "app/data.txt", Size: uint64(len(content)), Hash: h}},
	}
	c.Assert(manifest.WriteFile(filepath.Join(targetDir, engine.StateFileName), m), IsNil)
	c.Assert(os.WriteFile(filepath.Join(targetDir, engine.RegistryFileName), []byte("{}"), 0o644), IsNil)

	res, err := engine.Uninstall(targetDir)
	c.Assert(err, IsNil)
	c.Assert(res.Deleted, DeepEquals, []string{"app/data.txt"})

	_, err = os.Stat(filepath.Join(targetDir, "app/data.txt"))
	c.Assert(os.IsNotExist(err), Equals, true)
	_, err = os.Stat(filepath.Join(targetDir, engine.StateFileName))
	c.Assert(os.IsNotExist(err), Equals, true)
	_, err = os.Stat(filepath.Join(targetDir, engine.RegistryFileName))
	c.Assert(os.IsNotExist(err), Equals, true)
}

func (s *S) TestUninstallWithoutStateFails(c *C) {
	dir := c.MkDir()
	_, err := engine.Uninstall(dir)
	c.Assert(err, Equals, engine.ErrUninstallStateMissing)
}
