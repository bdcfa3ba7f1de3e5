// Package ratelimit provides a token bucket used to throttle data
// transfers.
//
// A single Limiter may be shared by many readers and writers; together they
// never exceed its rate over any window longer than one second.
package ratelimit

import (
	"io"
	"sync"
	"time"
)

// chunkSize caps how many bytes a single Read or Write moves at once, which
// keeps individual waits short and the rate smooth.
const chunkSize = 32 * 1024

// Limiter is a token bucket measured in bytes per second.
//
// Tokens are reserved ahead of use: a caller that needs more than is
// available drives the balance negative and sleeps until it is paid back.
// Concurrent callers therefore queue fairly without polling.
type Limiter struct {
	rate  float64 // bytes per second
	burst float64 // bucket capacity

	mu     sync.Mutex
	tokens float64
	last   time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

// New returns a limiter allowing bytesPerSecond with a one second burst.
// A non-positive rate means unlimited and returns nil; a nil *Limiter is
// valid and never waits.
func New(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	rate := float64(bytesPerSecond)
	return &Limiter{
		rate:   rate,
		burst:  rate,
		tokens: rate,
		last:   time.Now(),
		now:    time.Now,
		sleep:  time.Sleep,
	}
}

// Rate returns the configured limit in bytes per second, or 0 for a nil
// limiter.
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return int64(l.rate)
}

// reserve takes n tokens and returns how long the caller must wait before
// using them.
func (l *Limiter) reserve(n int) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.last).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.last = now

	l.tokens -= float64(n)
	if l.tokens >= 0 {
		return 0
	}
	return time.Duration(-l.tokens / l.rate * float64(time.Second))
}

// wait blocks until n bytes may pass.
func (l *Limiter) wait(n int) {
	if l == nil || n <= 0 {
		return
	}
	if d := l.reserve(n); d > 0 {
		l.sleep(d)
	}
}

type reader struct {
	r       io.Reader
	limiter *Limiter
}

// NewReader returns r throttled by limiter.
// If limiter is nil, r is returned unchanged.
func NewReader(r io.Reader, limiter *Limiter) io.Reader {
	if limiter == nil {
		return r
	}
	return &reader{r: r, limiter: limiter}
}

// Read pays for the bytes actually read, after reading them, so a short read
// is never overcharged.
func (r *reader) Read(p []byte) (int, error) {
	if len(p) > chunkSize {
		p = p[:chunkSize]
	}
	n, err := r.r.Read(p)
	r.limiter.wait(n)
	return n, err
}

type writer struct {
	w       io.Writer
	limiter *Limiter
}

// NewWriter returns w throttled by limiter.
// If limiter is nil, w is returned unchanged.
func NewWriter(w io.Writer, limiter *Limiter) io.Writer {
	if limiter == nil {
		return w
	}
	return &writer{w: w, limiter: limiter}
}

// Write pays for each chunk before writing it, applying backpressure to the
// producer.
func (w *writer) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		end := min(written+chunkSize, len(p))
		w.limiter.wait(end - written)
		n, err := w.w.Write(p[written:end])
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
