// Package format implements the self-addressable package container: the
// stub executable prefix, the named header segments, the payload region,
// and the fixed tail footer that ties them together. Both the local
// self-reader and the HTTP range-based remote reader parse the same layout
// through the same Parse entry point.
package format

import (
	"errors"
	"fmt"
)

// Segment names, each 7-bit ASCII with a leading NUL byte as in the original
// tool's on-disk layout.
const (
	SegConfig = "\x00CONFIG"
	SegMeta   = "\x00META"
	SegTheme  = "\x00THEME"
	SegIndex  = "\x00INDEX"
)

// segMagic prefixes every framed segment in the header region.
const segMagic = "!IN\x00"

// footerMagic is the fixed ASCII string at the very tail of a package file.
const footerMagic = "!KachinaInstaller!"

// footerSize is the total byte length of the trailer: the magic string
// followed by five 4-byte big-endian unsigned integers.
const footerSize = len(footerMagic) + 4*5

var (
	ErrNoMagic               = errors.New("format: footer magic not found")
	ErrTruncatedFooter       = errors.New("format: truncated footer")
	ErrInvalidSegment        = errors.New("format: invalid segment")
	ErrIndexOffsetOutOfRange = errors.New("format: index entry offset out of range")
	ErrInvalidStub           = errors.New("format: invalid stub executable")
	ErrDuplicateHash         = errors.New("format: duplicate hash with differing size")
	ErrPayloadTooLarge       = errors.New("format: payload offset exceeds addressable range")
)

// Footer is the fixed-layout trailer described in spec §3.
type Footer struct {
	PayloadStart uint32
	ConfigSize   uint32
	ThemeSize    uint32
	IndexSize    uint32
	MetadataSize uint32
}

// SegmentRegionSize is the total size, in bytes, of the header segment
// region that follows PayloadStart.
func (f Footer) SegmentRegionSize() uint32 {
	return f.ConfigSize + f.ThemeSize + f.IndexSize + f.MetadataSize
}

// Segment is a single named chunk from the header region.
type Segment struct {
	Name    string
	Payload []byte
}

// IndexEntry is one densely packed record from the \0INDEX segment.
type IndexEntry struct {
	Name   string
	Size   uint32
	Offset uint32 // relative to Footer.PayloadStart
}

func validSegmentName(name string) bool {
	switch name {
	case SegConfig, SegMeta, SegTheme, SegIndex:
		return true
	default:
		return false
	}
}

func segmentNameError(name string) error {
	return fmt.Errorf("%w: unknown segment name %q", ErrInvalidSegment, name)
}
