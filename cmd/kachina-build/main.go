// Command kachina-build implements the builder-side CLI from spec §6:
// pack, gen, and extract.
package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jessevdk/go-flags"
)

var (
	// Standard streams, redirected for testing.
	Stdin  io.Reader = os.Stdin
	Stdout io.Writer = os.Stdout
	Stderr io.Writer = os.Stderr
)

type options struct {
	Version func() `long:"version"`
}

var optionsData options

// ErrExtraArgs is returned if extra positional arguments are found.
var ErrExtraArgs = fmt.Errorf("too many arguments for command")

// cmdInfo holds what's needed to call parser.AddCommand.
type cmdInfo struct {
	name, shortHelp, longHelp string
	builder                   func() flags.Commander
	optDescs                  map[string]string
}

var commands []*cmdInfo

func addCommand(name, shortHelp, longHelp string, builder func() flags.Commander, optDescs map[string]string) {
	commands = append(commands, &cmdInfo{name: name, shortHelp: shortHelp, longHelp: longHelp, builder: builder, optDescs: optDescs})
}

// Parser creates and populates a fresh parser. A fresh instance per call
// keeps command-local state isolated between test runs.
func Parser() *flags.Parser {
	optionsData.Version = func() {
		fmt.Fprintln(Stdout, "kachina-build (development build)")
		panic(&exitStatus{0})
	}
	parser := flags.NewParser(&optionsData, flags.Options(flags.PassDoubleDash))
	parser.ShortDescription = "Build Kachina application packages"
	parser.LongDescription = "kachina-build packs, hashes, and diffs application trees into the self-addressable Kachina package format."
	parser.Usage = ""
	if version := parser.FindOptionByLongName("version"); version != nil {
		version.Description = "Print the version and exit"
		version.Hidden = true
	}

	for _, c := range commands {
		obj := c.builder()
		cmd, err := parser.AddCommand(c.name, c.shortHelp, strings.TrimSpace(c.longHelp), obj)
		if err != nil {
			panic(fmt.Sprintf("cannot add command %q: %v", c.name, err))
		}
		for _, opt := range cmd.Options() {
			name := opt.LongName
			if name == "" {
				name = string(opt.ShortName)
			}
			if desc, ok := c.optDescs[name]; ok {
				opt.Description = desc
			}
		}
	}
	return parser
}

// exitStatus is used in panic(&exitStatus{code}) to exit with a code
// other than 0 or 1 without threading it through every return path.
type exitStatus struct {
	code int
}

func (e *exitStatus) Error() string {
	return fmt.Sprintf("internal error: exitStatus{%d} being handled as a normal error", e.code)
}

func main() {
	defer func() {
		if v := recover(); v != nil {
			if e, ok := v.(*exitStatus); ok {
				os.Exit(e.code)
			}
			panic(v)
		}
	}()

	if err := run(); err != nil {
		fmt.Fprintf(Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	parser := Parser()
	xtra, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok {
			switch e.Type {
			case flags.ErrCommandRequired:
				parser.WriteHelp(Stdout)
				return nil
			case flags.ErrHelp:
				parser.WriteHelp(Stdout)
				return nil
			case flags.ErrUnknownCommand:
				sub := ""
				if len(xtra) > 0 {
					sub = xtra[0]
				}
				return fmt.Errorf("unknown command %q, see --help", sub)
			}
		}
		return err
	}
	return nil
}
