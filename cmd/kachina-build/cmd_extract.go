package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/jessevdk/go-flags"
	"github.com/klauspost/compress/zstd"

	"github.com/kachina-project/kachina/internal/format"
)

var shortExtractHelp = "Inspect or extract a package file"
var longExtractHelp = `
The extract command reads a Kachina package file's index and either
lists its entries, extracts every payload to a directory, prints one
header segment, or extracts a single payload by name.
`

var extractDescs = map[string]string{
	"in":        "Package executable to read",
	"list":      "List header segments and payload entries",
	"all":       "Extract every payload into the given directory",
	"meta-name": "Print the content of one header segment (config, theme, or meta)",
	"name":      "Extract one payload entry by its index name",
}

type cmdExtract struct {
	In       string `short:"i" long:"in" value-name:"<package.exe>" required:"yes"`
	List     bool   `long:"list"`
	All      string `long:"all" value-name:"<out_dir>"`
	MetaName string `long:"meta-name" value-name:"<config|theme|meta>"`
	Name     string `long:"name" value-name:"<hash|installer>"`
}

func init() {
	addCommand("extract", shortExtractHelp, longExtractHelp, func() flags.Commander { return &cmdExtract{} }, extractDescs)
}

func (cmd *cmdExtract) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}

	f, err := os.Open(cmd.In)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	idx, err := format.Parse(f, info.Size())
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}

	switch {
	case cmd.List:
		return cmd.runList(idx)
	case cmd.All != "":
		return cmd.runAll(f, idx, cmd.All)
	case cmd.MetaName != "":
		return cmd.runMetaName(idx, cmd.MetaName)
	case cmd.Name != "":
		return cmd.runName(f, idx, cmd.Name)
	default:
		return fmt.Errorf("extract: one of --list, --all, --meta-name, --name is required")
	}
}

func (cmd *cmdExtract) runList(idx *format.Index) error {
	fmt.Fprintf(Stdout, "config: %d bytes\n", len(idx.Config))
	fmt.Fprintf(Stdout, "theme: %d bytes\n", len(idx.Theme))
	fmt.Fprintf(Stdout, "metadata: %d bytes\n", len(idx.Metadata))

	names := make([]string, 0, len(idx.Entries))
	for name := range idx.Entries {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e := idx.Entries[name]
		fmt.Fprintf(Stdout, "payload %s: %d bytes at offset %d\n", e.Name, e.Size, idx.AbsoluteOffset(e))
	}
	return nil
}

func (cmd *cmdExtract) runMetaName(idx *format.Index, name string) error {
	var payload []byte
	switch name {
	case "config":
		payload = idx.Config
	case "theme":
		payload = idx.Theme
	case "meta":
		payload = idx.Metadata
	default:
		return fmt.Errorf("extract: unknown segment %q, want config, theme, or meta", name)
	}
	_, err := Stdout.Write(payload)
	return err
}

func (cmd *cmdExtract) runName(f *os.File, idx *format.Index, name string) error {
	sr, err := idx.PayloadReaderAt(f, name)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	zr, err := zstd.NewReader(sr)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	defer zr.Close()
	_, err = io.Copy(Stdout, zr)
	return err
}

func (cmd *cmdExtract) runAll(f *os.File, idx *format.Index, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	for name := range idx.Entries {
		sr, err := idx.PayloadReaderAt(f, name)
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}
		zr, err := zstd.NewReader(sr)
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}
		dest, err := os.Create(filepath.Join(outDir, name))
		if err != nil {
			zr.Close()
			return fmt.Errorf("extract: %w", err)
		}
		_, err = io.Copy(dest, zr)
		zr.Close()
		dest.Close()
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}
	}
	return nil
}
