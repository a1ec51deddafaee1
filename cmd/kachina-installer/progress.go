package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/crypto/ssh/terminal"

	"github.com/kachina-project/kachina/internal/install"
)

// progressUpdateInterval throttles how often a given file's progress is
// re-printed, avoiding a flood of lines for many small files downloaded in
// quick succession.
const progressUpdateInterval = 150 * time.Millisecond

// progressPrinter returns an install.Progress callback that prints
// human-readable byte counts, or nil in silent mode (spec §6's -S flag).
// Workers invoke the callback concurrently, so it needs its own lock.
func progressPrinter(opts options, runID string) install.Progress {
	if opts.Silent {
		return nil
	}

	isTTY := terminal.IsTerminal(int(os.Stdout.Fd()))

	var mu sync.Mutex
	last := map[string]time.Time{}

	return func(fileName string, bytesDownloaded uint64) {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		if prev, ok := last[fileName]; ok && now.Sub(prev) < progressUpdateInterval {
			return
		}
		last[fileName] = now

		line := fmt.Sprintf("[%s] %s: %s", runID, fileName, humanize.Bytes(bytesDownloaded))
		if isTTY {
			fmt.Fprintf(Stdout, "\r\x1b[K%s", line)
		} else {
			fmt.Fprintln(Stdout, line)
		}
	}
}
