//go:build windows

package guest

import "context"

// NativeProcess is not available on Windows: the pty-based terminal
// handoff the fallback relies on has no equivalent here.
type NativeProcess struct {
	Process
}

func NewNativeProcess(ctx context.Context, opts SpawnOptions) (*NativeProcess, error) {
	return nil, ErrNativeUnsupported
}
