// Package demux implements the demultiplexer half of the framed protocol:
// it reads tagged frames from one source and dispatches payloads to N
// local sink streams, closing a sink when its channel reports EOF.
package demux

import (
	"errors"
	"io"
	"log/slog"

	"bombshell/internal/wire"
)

// Sink is one logical output stream tagged with its channel number.
type Sink struct {
	Channel uint16
	Writer  io.Writer
}

// Run reads frames from r until transport-EOF or every sink has closed,
// dispatching data frames to the matching sink and closing a sink on its
// channel's EOF frame. Duplicate EOF for a channel, or a data frame on an
// unknown or already-closed channel, is a protocol error.
//
// If a sink's Write fails mid-session, Run logs it, closes that channel
// locally, and keeps draining (discarding) any further frames addressed to
// it rather than treating the whole session as failed.
func Run(r io.Reader, sinks []Sink, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	open := make(map[uint16]io.Writer, len(sinks))
	for _, s := range sinks {
		open[s.Channel] = s.Writer
	}
	discarded := make(map[uint16]bool)

	closeAll := func() {
		for ch, w := range open {
			closeWriter(w)
			delete(open, ch)
		}
	}

	for {
		frame, err := wire.ReadFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Transport-EOF before any new frame begins: close every
				// remaining sink and terminate.
				closeAll()
				return nil
			}
			closeAll()
			return err
		}

		if frame.Active {
			if discarded[frame.Channel] {
				continue
			}
			w, ok := open[frame.Channel]
			if !ok {
				closeAll()
				return wire.ErrProtocolViolation
			}
			if len(frame.Payload) > 0 {
				if _, werr := w.Write(frame.Payload); werr != nil {
					logger.Error("sink write failed, closing channel locally", "channel", frame.Channel, "err", werr)
					closeWriter(w)
					delete(open, frame.Channel)
					discarded[frame.Channel] = true
					continue
				}
			}
			if f, ok := w.(wire.Flusher); ok {
				if ferr := f.Flush(); ferr != nil {
					logger.Error("sink flush failed, closing channel locally", "channel", frame.Channel, "err", ferr)
					closeWriter(w)
					delete(open, frame.Channel)
					discarded[frame.Channel] = true
				}
			}
			continue
		}

		// EOF frame.
		if discarded[frame.Channel] {
			discarded[frame.Channel] = false // tolerate late EOF for a locally-discarded channel
			if len(open) == 0 {
				return nil
			}
			continue
		}
		w, ok := open[frame.Channel]
		if !ok {
			closeAll()
			return wire.ErrProtocolViolation
		}
		closeWriter(w)
		delete(open, frame.Channel)
		if len(open) == 0 {
			return nil
		}
	}
}

func closeWriter(w io.Writer) {
	if c, ok := w.(io.Closer); ok {
		_ = c.Close()
	}
}
