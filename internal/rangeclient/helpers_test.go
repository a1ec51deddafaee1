package rangeclient_test

import (
	"bytes"
	"io"
	"time"

	. "gopkg.in/check.v1"
)

var timeZero time.Time

func bytesReaderAt(b []byte) io.ReadSeeker {
	return bytes.NewReader(b)
}

func readAll(c *C, r io.Reader) []byte {
	data, err := io.ReadAll(r)
	c.Assert(err, IsNil)
	return data
}
