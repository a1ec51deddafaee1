// Package patch implements the single-compressed-stream binary patch
// format used by spec §3's PatchRecord: a sequence of copy/insert
// instructions against an old file, wrapped in one zstd stream. No
// third-party binary-diff library (bsdiff, xdelta, HDiffPatch bindings)
// appears anywhere in the retrieved example pack, so the diff and patch
// algorithms here are built on the standard library, with zstd supplied
// by github.com/klauspost/compress -- the same compressor the spec's
// hash_tree operation already names for content staging.
package patch

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

const (
	opCopy byte = iota
	opInsert
)

// blockSize is the granularity at which Generate looks for matching runs
// between old and new. Smaller values find more matches at the cost of a
// larger instruction stream; spec §4.2's "combined size exceeds a minimum
// threshold" gate already filters out pairs too small to be worth diffing.
const blockSize = 64

// Generate produces a patch that, applied to old, reproduces new.
func Generate(old, new []byte) ([]byte, error) {
	ops := diff(old, new)

	var raw []byte
	lenBuf := make([]byte, 8)
	for _, op := range ops {
		raw = append(raw, op.tag)
		switch op.tag {
		case opCopy:
			binary.BigEndian.PutUint64(lenBuf, op.offset)
			raw = append(raw, lenBuf...)
			binary.BigEndian.PutUint64(lenBuf, op.length)
			raw = append(raw, lenBuf...)
		case opInsert:
			binary.BigEndian.PutUint32(lenBuf[:4], uint32(len(op.data)))
			raw = append(raw, lenBuf[:4]...)
			raw = append(raw, op.data...)
		}
	}

	var out bytes.Buffer
	w, err := zstd.NewWriter(&out)
	if err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, fmt.Errorf("patch: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("patch: %w", err)
	}
	return out.Bytes(), nil
}

// Apply reconstructs the new file by replaying patch's instructions
// against old, writing the result to w.
func Apply(old []byte, patchBytes []byte, w io.Writer) error {
	zr, err := zstd.NewReader(bytes.NewReader(patchBytes))
	if err != nil {
		return fmt.Errorf("patch: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(zr)
	if err != nil {
		return fmt.Errorf("patch: decompressing: %w", err)
	}

	bw := bufio.NewWriter(w)
	pos := 0
	for pos < len(raw) {
		tag := raw[pos]
		pos++
		switch tag {
		case opCopy:
			if pos+16 > len(raw) {
				return fmt.Errorf("patch: truncated copy instruction")
			}
			offset := binary.BigEndian.Uint64(raw[pos : pos+8])
			length := binary.BigEndian.Uint64(raw[pos+8 : pos+16])
			pos += 16
			if offset+length > uint64(len(old)) {
				return fmt.Errorf("patch: copy [%d,%d) exceeds source length %d", offset, offset+length, len(old))
			}
			if _, err := bw.Write(old[offset : offset+length]); err != nil {
				return err
			}
		case opInsert:
			if pos+4 > len(raw) {
				return fmt.Errorf("patch: truncated insert instruction")
			}
			n := binary.BigEndian.Uint32(raw[pos : pos+4])
			pos += 4
			if pos+int(n) > len(raw) {
				return fmt.Errorf("patch: truncated insert payload")
			}
			if _, err := bw.Write(raw[pos : pos+int(n)]); err != nil {
				return err
			}
			pos += int(n)
		default:
			return fmt.Errorf("patch: unknown instruction tag %d", tag)
		}
	}
	return bw.Flush()
}

type op struct {
	tag    byte
	offset uint64
	length uint64
	data   []byte
}

