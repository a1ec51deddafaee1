package main

import (
	"fmt"
	"os"

	"github.com/jessevdk/go-flags"

	"github.com/kachina-project/kachina/internal/builder"
)

var shortPackHelp = "Assemble a package file"
var longPackHelp = `
The pack command assembles a stub executable, a config segment, an
optional theme segment, an optional metadata document, and an optional
staging directory of content-addressed payload blobs into one
self-addressable Kachina package executable.
`

var packDescs = map[string]string{
	"stub":       "Stub executable to prefix the package with",
	"config":     "Config JSON to embed in the CONFIG segment",
	"theme":      "Theme asset (CSS or image) to embed in the THEME segment",
	"metadata":   "Metadata JSON document (manifest) to embed in the META segment",
	"hashed-dir": "Staging directory of content-addressed payload blobs",
	"out":        "Path to write the resulting package executable",
}

type cmdPack struct {
	Stub      string `short:"s" long:"stub" value-name:"<exe>" required:"yes"`
	Config    string `short:"c" long:"config" value-name:"<config.json>" required:"yes"`
	Theme     string `long:"theme" value-name:"<file>"`
	Metadata  string `short:"m" long:"metadata" value-name:"<metadata.json>"`
	HashedDir string `short:"d" long:"hashed-dir" value-name:"<dir>"`
	Out       string `short:"o" long:"out" value-name:"<out.exe>" required:"yes"`
}

func init() {
	addCommand("pack", shortPackHelp, longPackHelp, func() flags.Commander { return &cmdPack{} }, packDescs)
}

func (cmd *cmdPack) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}

	stub, err := os.Open(cmd.Stub)
	if err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	defer stub.Close()

	config, err := os.ReadFile(cmd.Config)
	if err != nil {
		return fmt.Errorf("pack: %w", err)
	}

	var theme, metadata []byte
	if cmd.Theme != "" {
		theme, err = os.ReadFile(cmd.Theme)
		if err != nil {
			return fmt.Errorf("pack: %w", err)
		}
	}
	if cmd.Metadata != "" {
		metadata, err = os.ReadFile(cmd.Metadata)
		if err != nil {
			return fmt.Errorf("pack: %w", err)
		}
	}

	out, err := os.Create(cmd.Out)
	if err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	defer out.Close()

	idx, err := builder.Pack(out, builder.PackOptions{
		Stub:      stub,
		Config:    config,
		Theme:     theme,
		Metadata:  metadata,
		HashedDir: cmd.HashedDir,
	})
	if err != nil {
		return fmt.Errorf("pack: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("pack: %w", err)
	}

	fmt.Fprintf(Stdout, "wrote %s: %d payload entries, %s\n", cmd.Out, len(idx.Entries), humanSize(idx.Size))
	return nil
}
