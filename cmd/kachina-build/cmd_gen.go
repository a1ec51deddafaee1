package main

import (
	"fmt"
	"path/filepath"

	"github.com/jessevdk/go-flags"

	"github.com/kachina-project/kachina/internal/builder"
	"github.com/kachina-project/kachina/internal/hashkind"
	"github.com/kachina-project/kachina/internal/manifest"
)

var shortGenHelp = "Hash and diff an application tree into a manifest"
var longGenHelp = `
The gen command walks an application directory, stages a zstd-compressed,
content-addressed copy of every file into a hashed output directory, and
writes the resulting manifest document. When a previous version's
directory is supplied, it also generates patches between matching files.
`

var genDescs = map[string]string{
	"jobs":      "Concurrent hashing workers",
	"input":     "Application directory to stage",
	"metadata":  "Path to write the manifest document to",
	"prev":      "Previous version's application directory, for patch generation",
	"out":       "Output directory for staged, content-addressed payload blobs",
	"reg-name":  "Application registration name (OS install-registration metadata)",
	"tag":       "Version tag to record in the manifest",
	"updater":   "Updater executable to stage as the installer payload",
	"algorithm": "Hash algorithm to use throughout the manifest (md5 or xxh)",
}

type cmdGen struct {
	Jobs      int    `short:"j" long:"jobs" value-name:"<n>" default:"4"`
	InputDir  string `short:"i" long:"input" value-name:"<dir>" required:"yes"`
	Metadata  string `short:"m" long:"metadata" value-name:"<metadata.json>" required:"yes"`
	PrevDir   string `short:"d" long:"prev" value-name:"<dir>"`
	OutDir    string `short:"o" long:"out" value-name:"<dir>" required:"yes"`
	RegName   string `short:"r" long:"reg-name" value-name:"<name>"`
	Tag       string `short:"t" long:"tag" value-name:"<version>" required:"yes"`
	Updater   string `short:"u" long:"updater" value-name:"<updater.exe>"`
	Algorithm string `short:"a" long:"algorithm" value-name:"<md5|xxh>" default:"md5"`
}

func init() {
	addCommand("gen", shortGenHelp, longGenHelp, func() flags.Commander { return &cmdGen{} }, genDescs)
}

func (cmd *cmdGen) Execute(args []string) error {
	if len(args) > 0 {
		return ErrExtraArgs
	}

	alg := hashkind.Algorithm(cmd.Algorithm)
	if alg != hashkind.MD5 && alg != hashkind.XxH {
		return fmt.Errorf("gen: unknown algorithm %q, want md5 or xxh", cmd.Algorithm)
	}

	hashed, err := builder.HashTree(builder.HashTreeOptions{
		Dir:       cmd.InputDir,
		OutDir:    cmd.OutDir,
		Algorithm: alg,
		Jobs:      cmd.Jobs,
	})
	if err != nil {
		return fmt.Errorf("gen: %w", err)
	}

	m := &manifest.Manifest{TagName: cmd.Tag, Hashed: hashed}

	if cmd.PrevDir != "" {
		patches, err := builder.DiffTree(builder.DiffTreeOptions{
			OldDirs:   []string{cmd.PrevDir},
			NewDir:    cmd.InputDir,
			Algorithm: alg,
		})
		if err != nil {
			return fmt.Errorf("gen: %w", err)
		}
		m.Patches = patches

		deletes, err := builder.DeletedFiles(cmd.PrevDir, cmd.InputDir)
		if err != nil {
			return fmt.Errorf("gen: %w", err)
		}
		m.Deletes = deletes
	}

	if cmd.Updater != "" {
		info, err := builder.StageInstaller(cmd.Updater, cmd.OutDir, alg)
		if err != nil {
			return fmt.Errorf("gen: %w", err)
		}
		m.Installer = info

		// If the updater also lives inside the application tree, mark
		// its ordinary hashed entry so the planner treats it specially
		// (spec §4.4 step 3, §4.9): it gets this second, separately
		// staged "installer"-tagged blob for the self-patch path on top
		// of its normal content-addressed one.
		if rel, err := filepath.Rel(cmd.InputDir, cmd.Updater); err == nil {
			rel = filepath.ToSlash(rel)
			for i := range m.Hashed {
				if m.Hashed[i].FileName == rel {
					m.Hashed[i].Installer = true
				}
			}
		}
	}

	if err := manifest.WriteFile(cmd.Metadata, m); err != nil {
		return fmt.Errorf("gen: %w", err)
	}

	if cmd.RegName != "" {
		fmt.Fprintf(Stdout, "registration name %q recorded for OS install metadata (embed via pack -c)\n", cmd.RegName)
	}
	fmt.Fprintf(Stdout, "wrote %s: %d files, %d patches\n", cmd.Metadata, len(m.Hashed), len(m.Patches))
	return nil
}
