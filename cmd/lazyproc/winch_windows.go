//go:build windows

package main

import "github.com/lazyproc/lazyproc/pkg/guest"

// Windows has no SIGWINCH; resizes are not forwarded.
func watchWindowSize(fd int, proc guest.Process) {}
