package photozip

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/minio/blake2b-simd"
)

// DefaultChunkSize is the largest chunk read from an archive process before it
// is written to the client.
const DefaultChunkSize = 100_000

// MaxChunkSize bounds the buffer allocated for every relay.
const MaxChunkSize = 16 << 20

// Source is the output of an archive process.
type Source interface {
	io.Reader
	// Wait blocks until the producer has exited and reports how it exited.
	Wait() error
	// Close terminates the producer and releases it.
	Close() error
}

// Outcome is how a relay ended.
type Outcome int

const (
	// Completed means the whole stream was written to the client.
	Completed Outcome = iota
	// Cancelled means the request went away before the stream ended.
	Cancelled
	// Failed means reading from the source or writing to the client failed.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result summarises a relay.
type Result struct {
	Outcome Outcome
	Chunks  int
	Bytes   int64
	// Checksum is the BLAKE2b-512 sum of everything written. It is only set
	// when the stream completed and the producer exited cleanly.
	Checksum []byte
}

// Relay copies a Source to a response one chunk at a time.
type Relay struct {
	// ChunkSize defaults to DefaultChunkSize and is capped at MaxChunkSize.
	ChunkSize int
	// Delay is slept after each chunk.
	Delay  time.Duration
	Logger *slog.Logger
}

// Run writes src to w until it is exhausted, ctx is done or an error occurs.
// The response headers must already be committed. src is closed before Run
// returns, whatever the outcome.
//
// A Completed result may be paired with a non-nil error when the producer
// exited unsuccessfully after its output was sent. Cancelled results carry the
// context's cause and Failed results a *RelayError.
func (r Relay) Run(ctx context.Context, w http.ResponseWriter, src Source) (res Result, err error) {
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	defer func() {
		if err := src.Close(); err != nil {
			log.Error("failed to terminate archive process", "err", err)
		}
	}()

	rc := http.NewResponseController(w)
	// Unblock a pending write once the request is gone.
	stop := context.AfterFunc(ctx, func() {
		_ = rc.SetWriteDeadline(time.Now())
	})
	defer stop()

	size := r.ChunkSize
	switch {
	case size <= 0:
		size = DefaultChunkSize
	case size > MaxChunkSize:
		size = MaxChunkSize
	}
	buf := make([]byte, size)
	h := blake2b.New512()

	var t *time.Timer
	for {
		n, rerr := src.Read(buf)
		if ctx.Err() != nil {
			return cancelled(ctx, res)
		}
		if n > 0 {
			res.Chunks++
			log.Debug("sending archive chunk", "chunk", res.Chunks, "size", n)
			if _, err := w.Write(buf[:n]); err != nil {
				return failed(ctx, res, "write", err)
			}
			if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return failed(ctx, res, "write", err)
			}
			h.Write(buf[:n])
			res.Bytes += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return failed(ctx, res, "read", rerr)
		}
		if n == 0 || r.Delay <= 0 {
			continue
		}
		if t == nil {
			t = time.NewTimer(r.Delay)
			defer t.Stop()
		} else {
			t.Reset(r.Delay)
		}
		select {
		case <-ctx.Done():
			return cancelled(ctx, res)
		case <-t.C:
		}
	}

	if err := src.Wait(); err != nil {
		if ctx.Err() != nil {
			return cancelled(ctx, res)
		}
		res.Outcome = Completed
		return res, err
	}
	res.Outcome = Completed
	res.Checksum = h.Sum(nil)
	return res, nil
}

func cancelled(ctx context.Context, res Result) (Result, error) {
	res.Outcome = Cancelled
	return res, context.Cause(ctx)
}

func failed(ctx context.Context, res Result, op string, err error) (Result, error) {
	// Writes fail once the client has gone; that is a cancellation.
	if ctx.Err() != nil {
		return cancelled(ctx, res)
	}
	res.Outcome = Failed
	return res, &RelayError{Op: op, Err: err}
}
