// Command kachina-installer is the consumer side of the Kachina package
// format: the same self-addressable executable that installs, updates, or
// uninstalls the application bundled alongside it, per spec §6's
// "CLI surface of the installer".
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"

	"github.com/kachina-project/kachina/internal/engine"
	"github.com/kachina-project/kachina/internal/source"
)

var (
	// Standard streams, redirected for testing.
	Stdin  io.Reader = os.Stdin
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

type options struct {
	TargetDir      string `short:"D" long:"target-dir" value-name:"<dir>" description:"Directory to install into (defaults to this executable's own directory)"`
	Silent         bool   `short:"S" long:"silent" description:"Suppress all progress and status output"`
	NonInteractive bool   `short:"I" long:"non-interactive" description:"Never wait on input; fail instead"`
	OnlineOnly     bool   `short:"O" long:"online-only" description:"Ignore any payload embedded in this executable"`
	Uninstall      bool   `short:"U" long:"uninstall" description:"Remove a previous install instead of installing or updating"`
	Source         string `long:"source" value-name:"<id>" description:"Remote source identifier: a base URL, or a dfs/dfs2 identifier"`
	DfsExtras      string `long:"dfs-extras" value-name:"<json>" description:"JSON object carrying dfs/dfs2 challenge-response secrets"`
	CacheDir       string `long:"cache-dir" value-name:"<dir>" description:"Where downloaded byte ranges are cached across retries (defaults to the user cache directory; \"-\" disables caching)"`

	Positional struct {
		TargetDir string `positional-arg-name:"<target_dir>"`
	} `positional-args:"yes"`
}

// Parser creates and populates a fresh parser, binding it to opts. A fresh
// instance per call keeps state isolated between test runs.
func Parser(opts *options) *flags.Parser {
	parser := flags.NewParser(opts, flags.Options(flags.PassDoubleDash))
	parser.ShortDescription = "Install, update, or uninstall the bundled application"
	parser.LongDescription = "kachina-installer reads its own embedded package, or a remote one named by --source, and brings the target directory to that version."
	return parser
}

func main() {
	var opts options
	parser := Parser(&opts)
	if _, err := parser.Parse(); err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			parser.WriteHelp(Stdout)
			os.Exit(0)
		}
		fmt.Fprintf(Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(run(opts))
}

func run(opts options) int {
	runID := uuid.New().String()[:8]

	targetDir, err := resolveTargetDir(opts)
	if err != nil {
		fmt.Fprintf(Stderr, "error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	if opts.Uninstall {
		res, err := engine.Uninstall(targetDir)
		if err != nil {
			reportErr(opts, runID, err)
			return exitCode(err)
		}
		if !opts.Silent {
			fmt.Fprintf(Stdout, "[%s] removed %d file(s) installed by %s\n", runID, len(res.Deleted), res.Manifest.TagName)
		}
		return 0
	}

	resolver, err := buildResolver(opts)
	if err != nil {
		reportErr(opts, runID, err)
		return exitCode(err)
	}

	result, err := engine.Run(ctx, engine.Options{
		TargetDir:  targetDir,
		SourceID:   opts.Source,
		Resolver:   resolver,
		OnlineOnly: opts.OnlineOnly,
		Progress:   progressPrinter(opts, runID),
		Registry:   readRegistryConfig(),
		CacheDir:   opts.CacheDir,
	})
	if err != nil {
		reportErr(opts, runID, err)
		return exitCode(err)
	}

	if !opts.Silent {
		if result.NoOp {
			fmt.Fprintf(Stdout, "[%s] already up to date\n", runID)
		} else {
			fmt.Fprintf(Stdout, "[%s] installed %s: %d file(s) written, %d deleted\n",
				runID, result.Manifest.TagName, len(result.Tasks), len(result.Deleted))
		}
	}
	return 0
}

func resolveTargetDir(opts options) (string, error) {
	if opts.Positional.TargetDir != "" {
		return opts.Positional.TargetDir, nil
	}
	if opts.TargetDir != "" {
		return opts.TargetDir, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolving install directory: %w", err)
	}
	return filepath.Dir(exe), nil
}

// buildResolver pre-configures a session resolver's challenge secret from
// --dfs-extras when the source scheme needs one (spec §9's dfs/dfs2
// handshake), leaving engine.Run to pick a plain resolver itself otherwise.
func buildResolver(opts options) (source.Resolver, error) {
	if opts.Source == "" || opts.DfsExtras == "" {
		return nil, nil
	}
	var extras map[string]string
	if err := json.Unmarshal([]byte(opts.DfsExtras), &extras); err != nil {
		return nil, fmt.Errorf("--dfs-extras: %w", err)
	}
	resolver, err := source.New(opts.Source, http.DefaultClient)
	if err != nil {
		return nil, err
	}
	if sr, ok := resolver.(*source.SessionResolver); ok {
		sr.Secret = extras["secret"]
	}
	return resolver, nil
}
