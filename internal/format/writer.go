package format

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"
)

// PayloadSource supplies one payload blob to be appended to the package
// body. Name is either a content hash hex string or a tagged name such as
// "installer"; Size must match the number of bytes Open's reader yields.
type PayloadSource struct {
	Name string
	Size uint32
	Open func() (io.ReadCloser, error)
}

// WriteOptions describes the inputs to Write, mirroring the operation
// pack(stub_exe, config, theme, metadata?, hashed_dir?) -> out_exe from
// spec §4.1.
type WriteOptions struct {
	Stub     io.Reader
	Config   []byte
	Theme    []byte // may be nil/empty
	Metadata []byte // may be nil/empty; the META segment is always written,
	// and the INDEX segment is omitted when both Metadata and Payloads are empty.
	Payloads []PayloadSource
}

// Write packs stub, the header segments, and the payload region into w,
// producing a single self-addressable executable as a single forward-only
// pass: payload offsets are computed from declared sizes before any bytes
// are written, so Write never needs to seek back and patch the index in
// place (spec §4.1 step 5, "by seeking back and patching, or by
// pre-reserving space" -- this implementation takes the pre-reserving
// route).
func Write(w io.Writer, options *WriteOptions) (*Index, error) {
	dedup, err := dedupPayloads(options.Payloads)
	if err != nil {
		return nil, err
	}

	hasMeta := len(options.Metadata) > 0 || len(dedup) > 0

	// Footer sizes and payload offsets count each segment as framed on
	// disk (magic, name length, name, payload length, payload).
	framed := func(name string, n int) uint32 { return uint32(len(segMagic) + 2 + len(name) + 4 + n) }
	configSize := framed(SegConfig, len(options.Config))
	themeSize := framed(SegTheme, len(options.Theme))
	metaSize := framed(SegMeta, len(options.Metadata))
	var indexSize uint32

	var indexPayload []byte
	var entries []IndexEntry
	if hasMeta {
		indexSize = framed(SegIndex, int(indexSizeOf(dedup)))
		entries = assignOffsets(dedup, configSize, themeSize, indexSize, metaSize)
		indexPayload = encodeIndexPayload(entries)
		if uint32(len(indexPayload)) != indexSizeOf(dedup) {
			return nil, fmt.Errorf("format: internal error: index size mismatch, predicted %d got %d", indexSizeOf(dedup), len(indexPayload))
		}
	}

	var written int64
	cw := &countingWriter{w: w, n: &written}

	if options.Stub != nil {
		if _, err := io.Copy(cw, options.Stub); err != nil {
			return nil, fmt.Errorf("%w: copying stub: %v", ErrInvalidStub, err)
		}
	}
	if written > int64(^uint32(0)) {
		return nil, ErrPayloadTooLarge
	}
	payloadStart := uint32(written)

	if err := writeSegment(cw, SegConfig, options.Config); err != nil {
		return nil, err
	}
	if err := writeSegment(cw, SegTheme, options.Theme); err != nil {
		return nil, err
	}
	if hasMeta {
		if err := writeSegment(cw, SegIndex, indexPayload); err != nil {
			return nil, err
		}
	}
	if err := writeSegment(cw, SegMeta, options.Metadata); err != nil {
		return nil, err
	}

	for _, p := range dedup {
		entry := findEntry(entries, p.Name)
		wantOffset := int64(payloadStart) + int64(entry.Offset)
		if written != wantOffset {
			return nil, fmt.Errorf("format: internal error: writer at %d, expected payload %q at %d", written, p.Name, wantOffset)
		}
		rc, err := p.Open()
		if err != nil {
			return nil, fmt.Errorf("opening payload %q: %w", p.Name, err)
		}
		n, err := io.Copy(cw, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("writing payload %q: %w", p.Name, err)
		}
		if uint32(n) != p.Size {
			return nil, fmt.Errorf("format: payload %q wrote %d bytes, expected %d", p.Name, n, p.Size)
		}
	}

	footer := Footer{
		PayloadStart: payloadStart,
		ConfigSize:   configSize,
		ThemeSize:    themeSize,
		IndexSize:    indexSize,
		MetadataSize: metaSize,
	}
	if err := writeFooter(cw, footer); err != nil {
		return nil, err
	}

	idx := &Index{
		Footer:   footer,
		Config:   options.Config,
		Theme:    options.Theme,
		Metadata: options.Metadata,
		Size:     written,
		Entries:  map[string]IndexEntry{},
	}
	for _, e := range entries {
		idx.Entries[e.Name] = e
	}
	return idx, nil
}

func findEntry(entries []IndexEntry, name string) IndexEntry {
	for _, e := range entries {
		if e.Name == name {
			return e
		}
	}
	return IndexEntry{}
}

// dedupPayloads drops repeated payload names, erroring if the same name
// appears with two different sizes (spec §4.1: DuplicateHash).
func dedupPayloads(payloads []PayloadSource) ([]PayloadSource, error) {
	seen := map[string]uint32{}
	var out []PayloadSource
	for _, p := range payloads {
		if prevSize, ok := seen[p.Name]; ok {
			if prevSize != p.Size {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateHash, p.Name)
			}
			continue
		}
		seen[p.Name] = p.Size
		out = append(out, p)
	}
	return out, nil
}

// indexSizeOf returns the encoded byte length of the \0INDEX payload for
// the given payload set -- independent of the offsets ultimately assigned,
// since every record is name_len(1) + name + size(4) + offset(4).
func indexSizeOf(payloads []PayloadSource) uint32 {
	var n uint32
	for _, p := range payloads {
		n += uint32(1 + len(p.Name) + 4 + 4)
	}
	return n
}

// assignOffsets computes each payload's offset relative to PayloadStart.
// Payload bytes follow the header segment region, so the first payload
// starts at configSize+themeSize+indexSize+metaSize.
func assignOffsets(payloads []PayloadSource, configSize, themeSize, indexSize, metaSize uint32) []IndexEntry {
	sorted := make([]PayloadSource, len(payloads))
	copy(sorted, payloads)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	entries := make([]IndexEntry, 0, len(sorted))
	offset := uint64(configSize) + uint64(themeSize) + uint64(indexSize) + uint64(metaSize)
	for _, p := range sorted {
		entries = append(entries, IndexEntry{Name: p.Name, Size: p.Size, Offset: uint32(offset)})
		offset += uint64(p.Size)
	}
	return entries
}

type countingWriter struct {
	w io.Writer
	n *int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	*cw.n += int64(n)
	return n, err
}

func writeSegment(w io.Writer, name string, payload []byte) error {
	buf := make([]byte, 0, len(segMagic)+2+len(name)+4+len(payload))
	buf = append(buf, segMagic...)
	var nameLen [2]byte
	binary.BigEndian.PutUint16(nameLen[:], uint16(len(name)))
	buf = append(buf, nameLen[:]...)
	buf = append(buf, name...)
	var payLen [4]byte
	binary.BigEndian.PutUint32(payLen[:], uint32(len(payload)))
	buf = append(buf, payLen[:]...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}

func encodeIndexPayload(entries []IndexEntry) []byte {
	var buf []byte
	for _, e := range entries {
		buf = append(buf, byte(len(e.Name)))
		buf = append(buf, e.Name...)
		var sz, off [4]byte
		binary.BigEndian.PutUint32(sz[:], e.Size)
		binary.BigEndian.PutUint32(off[:], e.Offset)
		buf = append(buf, sz[:]...)
		buf = append(buf, off[:]...)
	}
	return buf
}

func writeFooter(w io.Writer, f Footer) error {
	buf := make([]byte, 0, footerSize)
	buf = append(buf, footerMagic...)
	var field [4]byte
	for _, v := range []uint32{f.PayloadStart, f.ConfigSize, f.ThemeSize, f.IndexSize, f.MetadataSize} {
		binary.BigEndian.PutUint32(field[:], v)
		buf = append(buf, field[:]...)
	}
	_, err := w.Write(buf)
	return err
}
