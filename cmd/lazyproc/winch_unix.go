//go:build !windows
// +build !windows

package main

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/lazyproc/lazyproc/pkg/guest"
)

// watchWindowSize forwards terminal resizes to the guest.
func watchWindowSize(fd int, proc guest.Process) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGWINCH)
	defer signal.Stop(sigc)

	for range sigc {
		if _, exited := proc.TryWait(); exited {
			return
		}

		cols, rows, err := term.GetSize(fd)
		if err != nil {
			return
		}

		proc.Resize(uint16(cols), uint16(rows))
	}
}
