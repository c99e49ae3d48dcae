package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/vango-go/tutor-relay/pkg/core"
	"github.com/vango-go/tutor-relay/pkg/gateway/sse"
)

// ChunkSize is the read buffer used when copying upstream bytes downstream.
const ChunkSize = 32 << 10

// PumpResult describes how a relayed stream ended.
type PumpResult struct {
	// Bytes is the number of body bytes written downstream.
	Bytes int64
	// Cancelled is set when the relay context was cancelled. It is not a failure.
	Cancelled bool
	// Err is set on any other fault. If Announced is false nothing was written
	// and the caller should report Err itself; otherwise the in-band marker
	// has already been sent.
	Err       error
	Announced bool
}

type chunk struct {
	data []byte
	err  error
}

// Pump copies upstream to w chunk by chunk, in read order, flushing after each
// write. It stops without writing anything further once ctx is cancelled.
//
// Reads run on their own goroutine so a cancel is seen even while a read
// blocks. The hand-off is unbuffered: while one chunk is being written, at
// most one more has been read ahead.
func Pump(ctx context.Context, w http.ResponseWriter, upstream io.Reader) PumpResult {
	sw, err := sse.New(w)
	if err != nil {
		return PumpResult{Err: err}
	}

	chunks := make(chan chunk)
	go func() {
		defer close(chunks)
		buf := make([]byte, ChunkSize)
		for {
			n, err := upstream.Read(buf)
			var c chunk
			if n > 0 {
				c.data = append([]byte(nil), buf[:n]...)
			}
			c.err = err
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	result := func(err error) PumpResult {
		return PumpResult{Bytes: sw.Written(), Err: err, Announced: sw.Announced()}
	}

	for {
		select {
		case <-ctx.Done():
			return pumpDone(ctx, sw)
		case c, ok := <-chunks:
			if !ok {
				return pumpDone(ctx, sw)
			}
			// A cancel may race with a ready chunk; never write after it.
			if ctx.Err() != nil {
				return pumpDone(ctx, sw)
			}
			if len(c.data) > 0 {
				if _, err := sw.Write(c.data); err != nil {
					return result(fmt.Errorf("write downstream: %w", err))
				}
			}
			if c.err == nil {
				continue
			}
			if errors.Is(c.err, io.EOF) {
				sw.Announce()
				return result(nil)
			}
			if ctx.Err() != nil {
				return pumpDone(ctx, sw)
			}
			return fail(sw, fmt.Errorf("read upstream: %w", c.err))
		}
	}
}

// pumpDone reports a context-ended stream. Cancellation is silent; a deadline
// is a fault and is reported like any other.
func pumpDone(ctx context.Context, sw *sse.Writer) PumpResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fail(sw, fmt.Errorf("stream exceeded max duration: %w", ctx.Err()))
	}
	return PumpResult{Bytes: sw.Written(), Cancelled: true, Announced: sw.Announced()}
}

func fail(sw *sse.Writer, err error) PumpResult {
	if !sw.Announced() {
		return PumpResult{Err: err}
	}
	_ = sw.SendErrorMarker(core.Detail(err))
	return PumpResult{Bytes: sw.Written(), Err: err, Announced: true}
}
