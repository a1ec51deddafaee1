// Package lockprobe detects files that cannot be written to because
// another process holds them open or locked, used by the diff planner
// (spec §4.4 step 3, "unwritable file" detection) and by the installer's
// self-patch guard (spec §4.9).
package lockprobe

import (
	"os"

	"github.com/gofrs/flock"
)

// Writable reports whether path can be opened for writing and briefly
// exclusively locked. A missing file is considered writable: there is
// nothing yet to contend over, and the caller is free to create it.
func Writable(path string) bool {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return os.IsNotExist(err)
	}
	f.Close()

	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return false
	}
	defer lock.Unlock()
	return locked
}

// Unwritable is the negation of Writable, reading better at call sites
// that build up a list of blocked targets.
func Unwritable(path string) bool {
	return !Writable(path)
}
