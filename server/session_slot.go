package server

import (
	"sync"
	"time"
)

// dataSlot holds the data channel of a session's matched data connection
// until a transfer command claims it.
//
// It has two states. It is armed when the router hands a data connection to
// a data handler, and empty again once a command takes the channel. Taking
// from an empty slot always fails; a channel is handed out at most once.
type dataSlot struct {
	mu sync.Mutex
	ch *dataChannel
	// armed is closed when ch is set and replaced when ch is taken.
	armed chan struct{}
}

func newDataSlot() *dataSlot {
	return &dataSlot{armed: make(chan struct{})}
}

// arm stores ch and returns the channel it replaced, if any. The caller is
// responsible for abandoning the replaced channel.
func (d *dataSlot) arm(ch *dataChannel) *dataChannel {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.ch
	d.ch = ch
	if prev == nil {
		close(d.armed)
	}
	return prev
}

// take empties the slot and returns what it held.
func (d *dataSlot) take() (*dataChannel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.takeLocked()
}

func (d *dataSlot) takeLocked() (*dataChannel, bool) {
	if d.ch == nil {
		return nil, false
	}
	ch := d.ch
	d.ch = nil
	d.armed = make(chan struct{})
	return ch, true
}

// clear empties the slot only if it still holds ch. Data handlers use it on
// their way out so a stale channel is never handed to a command.
func (d *dataSlot) clear(ch *dataChannel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ch != ch {
		return false
	}
	d.takeLocked()
	return true
}

// wait is take, but blocks up to timeout for the slot to be armed. It gives
// up early when done is closed.
func (d *dataSlot) wait(timeout time.Duration, done <-chan struct{}) (*dataChannel, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		d.mu.Lock()
		if ch, ok := d.takeLocked(); ok {
			d.mu.Unlock()
			return ch, true
		}
		armed := d.armed
		d.mu.Unlock()

		select {
		case <-armed:
		case <-timer.C:
			return nil, false
		case <-done:
			return nil, false
		}
	}
}
