// Package hint maps common wire and filesystem errors to short,
// user-facing suggestions, per spec §7 ("a user-friendly error mapper
// translates common wire errors to hints"). The original error text is
// always preserved alongside the hint.
package hint

import (
	"errors"
	"net"
	"os"
	"strings"
	"syscall"
)

// For wraps err with a short suggestion a UI can show above the original
// error text. If no rule matches, err is returned unchanged.
func For(err error) string {
	if err == nil {
		return ""
	}
	if h := match(err); h != "" {
		return h + ": " + err.Error()
	}
	return err.Error()
}

func match(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "the download stalled, check your connection and retry"
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return "download server problem, switch source"
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return "connection dropped mid-download, retrying may help"
	}
	if errors.Is(err, os.ErrPermission) {
		return "target location is not writable, check permissions"
	}
	if errors.Is(err, syscall.ENOSPC) {
		return "disk is full"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"):
		return "download server problem, switch source"
	case strings.Contains(msg, "no such host"):
		return "could not resolve download server, check your connection"
	case strings.Contains(msg, "certificate"):
		return "download server's certificate could not be verified"
	case strings.Contains(msg, "no space left"):
		return "disk is full"
	}
	return ""
}
