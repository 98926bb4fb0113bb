// Package hostcap detects, once per process, which execution strategy the
// host can support. The result is fixed for the lifetime of the process so
// every spawn is backed by the same strategy.
package hostcap

import (
	"os"
	"runtime"
	"sync"
)

type Strategy int

const (
	// StrategyCoop interleaves guest execution with the host scheduler.
	// Blocked guest reads suspend cooperatively and are resumed when input
	// arrives. The only strategy available on single-threaded hosts.
	StrategyCoop Strategy = iota
	// StrategyBridge runs each guest on a dedicated OS thread that blocks
	// for real on a shared-memory handshake. The only strategy that can
	// guarantee interruption of a guest that never yields.
	StrategyBridge
)

func (s Strategy) String() string {
	switch s {
	case StrategyCoop:
		return "coop"
	case StrategyBridge:
		return "bridge"
	default:
		return "unknown"
	}
}

// Parse returns the strategy named by s, or (0, false).
func Parse(s string) (Strategy, bool) {
	switch s {
	case "coop":
		return StrategyCoop, true
	case "bridge":
		return StrategyBridge, true
	default:
		return 0, false
	}
}

var forced *Strategy

var detected = sync.OnceValue(func() Strategy {
	if s, ok := Parse(os.Getenv("LAZYPROC_STRATEGY")); ok {
		return s
	}

	// js and wasip1 hosts cannot give each guest its own OS thread, so
	// blocking a context for real would stall the whole scheduler.
	if runtime.GOOS == "js" || runtime.GOOS == "wasip1" {
		return StrategyCoop
	}

	return StrategyBridge
})

// Active returns the process-wide strategy. The first call fixes the value.
func Active() Strategy {
	if forced != nil {
		return *forced
	}
	return detected()
}

// Force overrides detection. It must be called during startup, before any
// guest has been spawned; changing strategy mid-run is not supported.
func Force(s Strategy) {
	forced = &s
}

// BridgeAvailable reports whether this host can run the blocking bridge at
// all, independent of the selected strategy.
func BridgeAvailable() bool {
	return runtime.GOOS != "js" && runtime.GOOS != "wasip1"
}
