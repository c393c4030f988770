// Package mux implements the multiplexer half of the framed protocol: it
// reads from N local source streams and forwards each chunk as a tagged
// frame to one sink, emitting a channel-EOF frame when a source is
// exhausted.
package mux

import (
	"io"
	"log/slog"
	"os"
	"sync"

	"bombshell/internal/fdutil"
	"bombshell/internal/wire"
)

// readChunk caps a single OS read so one very fast producer can't starve
// fairness between channels.
const readChunk = 64 * 1024

// Source is one logical input stream tagged with its channel number.
type Source struct {
	Channel uint16
	Reader  io.Reader
}

// Run starts one goroutine per source, each doing a blocking read and
// forwarding the result as a frame through fw. A blocked goroutine costs no
// OS thread, so per-source blocking reads scale fine even though they
// can't use OS readiness polling directly on every kind of stream.
//
// Run blocks until every source has reached EOF (or a write to fw failed,
// which also ends that source's goroutine). It returns the first error
// encountered, if any; a write failure on one source does not stop the
// others — each terminates independently once its own stream is done.
func Run(sources []Source, fw *wire.FrameWriter, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(sources))

	for _, src := range sources {
		wg.Add(1)
		go func(s Source) {
			defer wg.Done()
			if err := runSource(s, fw, logger); err != nil {
				errs <- err
			}
		}(src)
	}

	wg.Wait()
	close(errs)

	var first error
	for err := range errs {
		if first == nil {
			first = err
		}
	}
	return first
}

func runSource(s Source, fw *wire.FrameWriter, logger *slog.Logger) error {
	if f, ok := s.Reader.(*os.File); ok {
		if err := fdutil.SetNonblocking(f); err != nil {
			logger.Debug("set non-blocking failed, continuing with blocking reads", "channel", s.Channel, "err", err)
		}
	}

	buf := make([]byte, readChunk)
	for {
		n, err := s.Reader.Read(buf)
		if n > 0 {
			// Never emit length=0,active=1: a zero-length OS read is EOF,
			// handled below, not a data frame.
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if werr := fw.WriteFrame(s.Channel, payload); werr != nil {
				return werr
			}
		}
		if err != nil {
			if err != io.EOF {
				// OS I/O error on a data fd: treated as premature EOF on
				// that channel; other channels continue independently.
				logger.Debug("source read error, treating as channel EOF", "channel", s.Channel, "err", err)
			}
			if werr := fw.WriteEOF(s.Channel); werr != nil {
				return werr
			}
			return nil
		}
	}
}
