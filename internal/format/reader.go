package format

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Index is the parsed result of reading a package's tail region, whether
// from a local file or from HTTP range responses against a remote one. It
// never holds payload bytes themselves, only where to find them.
type Index struct {
	Footer Footer
	// Size is the total size, in bytes, of the package file this Index was
	// parsed from.
	Size int64

	Config   []byte
	Theme    []byte
	Metadata []byte

	// Entries maps an index entry name (a content hash hex string, or a
	// tagged name such as "installer") to its record.
	Entries map[string]IndexEntry
}

// AbsoluteOffset returns the byte offset of entry within the package file,
// suitable for a Range request or a local ReadAt.
func (idx *Index) AbsoluteOffset(entry IndexEntry) int64 {
	return int64(idx.Footer.PayloadStart) + int64(entry.Offset)
}

// PayloadReaderAt reads the payload bytes for the named index entry. r must
// be the same source the Index was parsed from.
func (idx *Index) PayloadReaderAt(r io.ReaderAt, name string) (*io.SectionReader, error) {
	entry, ok := idx.Entries[name]
	if !ok {
		return nil, fmt.Errorf("format: no payload named %q in index", name)
	}
	return io.NewSectionReader(r, idx.AbsoluteOffset(entry), int64(entry.Size)), nil
}

// Parse reads the footer, header segments, and index from r, which has the
// given total size. The same logic serves the local self-reader (r wraps an
// *os.File) and the HTTP range remote reader (r wraps a rangeclient.ReaderAt).
func Parse(r io.ReaderAt, size int64) (*Index, error) {
	if size < footerSize {
		return nil, ErrTruncatedFooter
	}

	tail := make([]byte, footerSize)
	if _, err := r.ReadAt(tail, size-footerSize); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncatedFooter, err)
	}
	magicLen := len(footerMagic)
	if string(tail[:magicLen]) != footerMagic {
		return nil, ErrNoMagic
	}

	fields := tail[magicLen:]
	footer := Footer{
		PayloadStart: binary.BigEndian.Uint32(fields[0:4]),
		ConfigSize:   binary.BigEndian.Uint32(fields[4:8]),
		ThemeSize:    binary.BigEndian.Uint32(fields[8:12]),
		IndexSize:    binary.BigEndian.Uint32(fields[12:16]),
		MetadataSize: binary.BigEndian.Uint32(fields[16:20]),
	}

	regionEnd := int64(footer.PayloadStart) + int64(footer.SegmentRegionSize())
	if regionEnd > size {
		return nil, fmt.Errorf("%w: segment region [%d,%d) extends beyond file size %d",
			ErrTruncatedFooter, footer.PayloadStart, regionEnd, size)
	}

	region := make([]byte, footer.SegmentRegionSize())
	if len(region) > 0 {
		if _, err := r.ReadAt(region, int64(footer.PayloadStart)); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSegment, err)
		}
	}

	idx := &Index{Footer: footer, Size: size, Entries: map[string]IndexEntry{}}
	segCount := 0
	pos := 0
	for pos < len(region) {
		seg, n, err := parseSegment(region[pos:])
		if err != nil {
			return nil, err
		}
		pos += n
		segCount++
		switch seg.Name {
		case SegConfig:
			idx.Config = seg.Payload
		case SegTheme:
			idx.Theme = seg.Payload
		case SegMeta:
			idx.Metadata = seg.Payload
		case SegIndex:
			entries, err := parseIndexPayload(seg.Payload)
			if err != nil {
				return nil, err
			}
			for _, e := range entries {
				idx.Entries[e.Name] = e
			}
		default:
			return nil, segmentNameError(seg.Name)
		}
	}
	if segCount < 3 || segCount > 4 {
		return nil, fmt.Errorf("%w: expected 3 or 4 segments, got %d", ErrInvalidSegment, segCount)
	}

	// payloadAreaSize is the full span addressable from PayloadStart,
	// covering both the header segment region and the payload blobs that
	// follow it; index entry offsets are relative to PayloadStart (see
	// spec §3 Index Entry and §4.3 step 5).
	payloadAreaSize := size - footerSize - int64(footer.PayloadStart)
	for name, entry := range idx.Entries {
		if int64(entry.Offset)+int64(entry.Size) > payloadAreaSize {
			return nil, fmt.Errorf("%w: entry %q offset=%d size=%d", ErrIndexOffsetOutOfRange, name, entry.Offset, entry.Size)
		}
	}

	return idx, nil
}

// parseSegment decodes one framed segment (magic, name length, name,
// payload length, payload) from the start of buf, returning the segment and
// the number of bytes it consumed.
func parseSegment(buf []byte) (Segment, int, error) {
	if len(buf) < len(segMagic)+2 {
		return Segment{}, 0, fmt.Errorf("%w: truncated segment header", ErrInvalidSegment)
	}
	if string(buf[:len(segMagic)]) != segMagic {
		return Segment{}, 0, fmt.Errorf("%w: missing segment magic", ErrInvalidSegment)
	}
	pos := len(segMagic)
	nameLen := int(binary.BigEndian.Uint16(buf[pos : pos+2]))
	pos += 2
	if len(buf) < pos+nameLen+4 {
		return Segment{}, 0, fmt.Errorf("%w: truncated segment name/length", ErrInvalidSegment)
	}
	name := string(buf[pos : pos+nameLen])
	pos += nameLen
	payloadLen := int(binary.BigEndian.Uint32(buf[pos : pos+4]))
	pos += 4
	if !validSegmentName(name) {
		return Segment{}, 0, segmentNameError(name)
	}
	if len(buf) < pos+payloadLen {
		return Segment{}, 0, fmt.Errorf("%w: truncated segment payload for %q", ErrInvalidSegment, name)
	}
	payload := buf[pos : pos+payloadLen]
	pos += payloadLen
	return Segment{Name: name, Payload: payload}, pos, nil
}

// parseIndexPayload decodes the densely packed \0INDEX entries: name_len
// (u8), name, size (u32), offset (u32), repeated to the end of buf.
func parseIndexPayload(buf []byte) ([]IndexEntry, error) {
	var entries []IndexEntry
	pos := 0
	for pos < len(buf) {
		if pos+1 > len(buf) {
			return nil, fmt.Errorf("%w: truncated index entry", ErrInvalidSegment)
		}
		nameLen := int(buf[pos])
		pos++
		if pos+nameLen+8 > len(buf) {
			return nil, fmt.Errorf("%w: truncated index entry", ErrInvalidSegment)
		}
		name := string(buf[pos : pos+nameLen])
		pos += nameLen
		size := binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
		offset := binary.BigEndian.Uint32(buf[pos : pos+4])
		pos += 4
		entries = append(entries, IndexEntry{Name: name, Size: size, Offset: offset})
	}
	return entries, nil
}
