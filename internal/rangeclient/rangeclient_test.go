package rangeclient_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "gopkg.in/check.v1"

	"github.com/kachina-project/kachina/internal/cache"
	"github.com/kachina-project/kachina/internal/rangeclient"
)

func Test(t *testing.T) { TestingT(t) }

type S struct{}

var _ = Suite(&S{})

var payload = []byte("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ")

func singleRangeServer(c *C) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", fmt.Sprint(len(payload)))
			w.WriteHeader(http.StatusOK)
			return
		}
		http.ServeContent(w, r, "pkg", timeZero, bytesReaderAt(payload))
	}))
}

func (s *S) TestFetchOneRange(c *C) {
	srv := singleRangeServer(c)
	defer srv.Close()

	cl := &rangeclient.Client{}
	body, err := cl.FetchOne(context.Background(), srv.URL, rangeclient.ByteRange{Start: 5, End: 9})
	c.Assert(err, IsNil)
	defer body.Close()

	got := readAll(c, body)
	c.Assert(string(got), Equals, "56789")
}

func (s *S) TestHeadReturnsSize(c *C) {
	srv := singleRangeServer(c)
	defer srv.Close()

	cl := &rangeclient.Client{}
	size, err := cl.Head(context.Background(), srv.URL)
	c.Assert(err, IsNil)
	c.Assert(size, Equals, int64(len(payload)))
}

func (s *S) TestReaderAtUsesRange(c *C) {
	srv := singleRangeServer(c)
	defer srv.Close()

	cl := &rangeclient.Client{}
	ra := &rangeclient.ReaderAt{Client: cl, URL: srv.URL}
	buf := make([]byte, 6)
	n, err := ra.ReadAt(buf, 10)
	c.Assert(err, IsNil)
	c.Assert(n, Equals, 6)
	c.Assert(string(buf), Equals, "ABCDEF")
}

func (s *S) TestFetchOneStallsAfterSlowTrickle(c *C) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-0/1")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("a"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		time.Sleep(50 * time.Millisecond)
	}))
	defer srv.Close()

	cl := &rangeclient.Client{StallTimeout: 5 * time.Millisecond}
	body, err := cl.FetchOne(context.Background(), srv.URL, rangeclient.ByteRange{Start: 0, End: 0})
	c.Assert(err, IsNil)
	defer body.Close()

	buf := make([]byte, 1)
	_, err = body.Read(buf)
	c.Assert(err, IsNil)

	_, err = body.Read(buf)
	c.Assert(errors.Is(err, rangeclient.ErrStalled), Equals, true)
}

func (s *S) TestCachedClientServesFromCache(c *C) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		http.ServeContent(w, r, "pkg", timeZero, bytesReaderAt(payload))
	}))
	defer srv.Close()

	ch := &cache.Cache{Dir: c.MkDir()}
	cc := rangeclient.NewCachedClient(&rangeclient.Client{}, ch)

	r := rangeclient.ByteRange{Start: 0, End: 4}
	b1, err := cc.FetchOne(context.Background(), srv.URL, r)
	c.Assert(err, IsNil)
	c.Assert(string(readAll(c, b1)), Equals, "01234")

	b2, err := cc.FetchOne(context.Background(), srv.URL, r)
	c.Assert(err, IsNil)
	c.Assert(string(readAll(c, b2)), Equals, "01234")

	c.Assert(hits, Equals, 1)
}
