package guest

import (
	"errors"
	"io"
	"sync/atomic"
	"time"
)

// The control area layout. Four machine words at fixed indices, agreed by
// both ends at compile time; a layout mismatch is a programming error, not
// a runtime condition.
const (
	ctrlRequestReady = iota
	ctrlResponseReady
	ctrlPayloadLen
	ctrlEOF
	ctrlWords
)

// DataCapacity is the size of the data area. Payloads larger than this are
// delivered as multiple round-trips.
const DataCapacity = 64 * 1024

// DefaultHandshakeTimeout bounds how long one side waits for the other
// before reporting a readiness failure.
const DefaultHandshakeTimeout = 30 * time.Second

var (
	// ErrNotReady reports a handshake that went unanswered past its bound.
	ErrNotReady = errors.New("shared channel peer not ready")
	// ErrChannelClosed reports use of a torn-down channel.
	ErrChannelClosed = errors.New("shared channel closed")
)

// Channel is a fixed-layout shared memory segment carrying bytes in one
// direction between exactly one producer and one consumer. The control
// area is a small set of word slots driven by atomic store/wait/notify;
// the data area holds at most one payload at a time and is never rewritten
// before the previous payload has been consumed.
//
// A fresh channel is allocated per spawn and per direction. Channels are
// never shared between processes or reused after exit.
type Channel struct {
	ctrl [ctrlWords]atomic.Uint32
	data [DataCapacity]byte

	// note carries at most one wake token; waiters re-check the control
	// words on every wake. At most one waiter can be parked per channel
	// because the two sides wait on contradictory conditions.
	note    chan struct{}
	closed  chan struct{}
	tornOff atomic.Bool

	trips   atomic.Uint64
	timeout time.Duration
}

func NewChannel(timeout time.Duration) *Channel {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	return &Channel{
		note:    make(chan struct{}, 1),
		closed:  make(chan struct{}),
		timeout: timeout,
	}
}

func (c *Channel) store(idx int, v uint32) {
	c.ctrl[idx].Store(v)
	select {
	case c.note <- struct{}{}:
	default:
	}
}

// wait blocks until ready reports true. A zero bound waits forever (real
// thread blocking, released only by progress or Close); a positive bound
// returns ErrNotReady when exceeded.
func (c *Channel) wait(bound time.Duration, ready func() bool) error {
	var timeout <-chan time.Time
	if bound > 0 {
		timer := time.NewTimer(bound)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		if c.tornOff.Load() {
			return ErrChannelClosed
		}
		if ready() {
			return nil
		}

		select {
		case <-c.note:
		case <-c.closed:
		case <-timeout:
			return ErrNotReady
		}
	}
}

// Send delivers payload to the consumer, splitting it into data-area-sized
// rounds. Each round blocks until the previous one has been consumed; a
// round that stays unconsumed past the channel bound fails with
// ErrNotReady.
func (c *Channel) Send(payload []byte) error {
	for len(payload) > 0 {
		n := min(len(payload), DataCapacity)

		if err := c.wait(c.timeout, func() bool {
			return c.ctrl[ctrlResponseReady].Load() == 0
		}); err != nil {
			return err
		}

		copy(c.data[:n], payload[:n])
		c.ctrl[ctrlPayloadLen].Store(uint32(n))
		c.store(ctrlResponseReady, 1)
		c.trips.Add(1)

		payload = payload[n:]
	}

	return nil
}

// CloseSend signals end-of-input. Any payload still in flight is delivered
// before the consumer observes EOF.
func (c *Channel) CloseSend() {
	c.store(ctrlEOF, 1)
}

// Recv blocks until a payload round or end-of-input arrives, returning
// io.EOF after the final payload has been drained. This is the guest-side
// blocking read: with a zero bound the calling context physically blocks
// until the producer notifies.
func (c *Channel) Recv() ([]byte, error) {
	return c.recv(0)
}

// RecvTimeout is Recv with a readiness bound for host-side polling.
func (c *Channel) RecvTimeout(bound time.Duration) ([]byte, error) {
	return c.recv(bound)
}

func (c *Channel) recv(bound time.Duration) ([]byte, error) {
	c.store(ctrlRequestReady, 1)
	defer c.store(ctrlRequestReady, 0)

	if err := c.wait(bound, func() bool {
		return c.ctrl[ctrlResponseReady].Load() == 1 || c.ctrl[ctrlEOF].Load() == 1
	}); err != nil {
		return nil, err
	}

	if c.ctrl[ctrlResponseReady].Load() != 1 {
		return nil, io.EOF
	}

	n := c.ctrl[ctrlPayloadLen].Load()
	payload := make([]byte, n)
	copy(payload, c.data[:n])

	c.store(ctrlResponseReady, 0)

	return payload, nil
}

// RoundTrips returns how many handshake rounds have completed. A payload
// of size s takes ceil(s/DataCapacity) rounds.
func (c *Channel) RoundTrips() uint64 {
	return c.trips.Load()
}

// Close tears the channel down, releasing both sides. Used when a process
// is force-terminated; a closed channel fails all further operations.
func (c *Channel) Close() {
	if c.tornOff.CompareAndSwap(false, true) {
		close(c.closed)
	}
}
