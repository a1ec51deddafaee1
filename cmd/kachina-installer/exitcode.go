package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"

	"github.com/kachina-project/kachina/internal/engine"
	"github.com/kachina-project/kachina/internal/hint"
	"github.com/kachina-project/kachina/internal/planner"
	"github.com/kachina-project/kachina/internal/rangeclient"
)

// exitCode classifies err into the exit status taxonomy from spec §6.2:
// 0 success, 1 generic/format error, 2 network error, 3 filesystem error,
// 4 state error, 5 cancellation.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled):
		return 5
	case errors.Is(err, engine.ErrDowngrade), errors.Is(err, engine.ErrUninstallStateMissing):
		return 4
	case errors.Is(err, planner.ErrUnwritable),
		errors.Is(err, os.ErrPermission),
		errors.Is(err, syscall.ENOSPC):
		return 3
	case errors.Is(err, rangeclient.ErrStalled):
		return 2
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return 2
	}
	return 1
}

// reportErr prints err's user-facing hint to Stderr, unless silent mode
// was requested (spec §7: "On silent/non-interactive mode, errors flow to
// an exit code").
func reportErr(opts options, runID string, err error) {
	if opts.Silent {
		return
	}
	fmt.Fprintf(Stderr, "[%s] error: %s\n", runID, hint.For(err))
}
