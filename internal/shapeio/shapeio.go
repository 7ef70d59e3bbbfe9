// Package shapeio provides connection bandwidth shaping for the splice step
// of the connection handler. The throttling algorithm (token-bucket wait
// after each read/write) is based on https://github.com/fujiwara/shapeio,
// the same library the proxy this spec was distilled from wires in for its
// own splice loop.
package shapeio

import (
	"context"
	"io"
	"time"

	"golang.org/x/time/rate"
)

const burstLimit = 1000 * 1000 * 1000

// Reader wraps an io.Reader and, once rate-limited, blocks each Read until
// the token bucket has enough budget for the bytes just read. Waiting is
// bound to ctx, so a cancelled connection context (server shutdown, a
// handler-level timeout) unblocks a throttled reader immediately instead of
// leaving it waiting out its full token-bucket delay.
type Reader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

// Writer is the Reader's write-side counterpart.
type Writer struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

// NewReader wraps r, rate-limiting it to bytesPerSec bytes/sec. A
// bytesPerSec of 0 disables shaping entirely: Read then does no rate
// bookkeeping at all, so unshaped connections pay nothing for the wrapper.
func NewReader(ctx context.Context, r io.Reader, bytesPerSec float64) *Reader {
	return &Reader{ctx: ctx, r: r, limiter: newLimiter(bytesPerSec)}
}

// NewWriter wraps w, rate-limiting it to bytesPerSec bytes/sec. See
// NewReader for the bytesPerSec == 0 case.
func NewWriter(ctx context.Context, w io.Writer, bytesPerSec float64) *Writer {
	return &Writer{ctx: ctx, w: w, limiter: newLimiter(bytesPerSec)}
}

// newLimiter builds a token-bucket limiter pre-spent of its initial burst,
// so shaping takes effect from the very first Read/Write rather than
// letting one burst through unthrottled. Returns nil when bytesPerSec <= 0.
func newLimiter(bytesPerSec float64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	l := rate.NewLimiter(rate.Limit(bytesPerSec), burstLimit)
	l.AllowN(time.Now(), burstLimit)
	return l
}

// Read implements the io.Reader interface for *Reader.
func (s *Reader) Read(p []byte) (n int, err error) {
	n, err = s.r.Read(p)
	if err != nil || s.limiter == nil {
		return n, err
	}
	if werr := s.limiter.WaitN(s.ctx, n); werr != nil {
		return n, werr
	}
	return n, nil
}

// Write implements the io.Writer interface for *Writer.
func (s *Writer) Write(p []byte) (n int, err error) {
	n, err = s.w.Write(p)
	if err != nil || s.limiter == nil {
		return n, err
	}
	if werr := s.limiter.WaitN(s.ctx, n); werr != nil {
		return n, werr
	}
	return n, err
}
