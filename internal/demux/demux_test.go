package demux

import (
	"bytes"
	"errors"
	"log/slog"
	"io"
	"testing"

	"bombshell/internal/wire"
)

func TestRunDispatchesDataAndClosesOnEOF(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var transport bytes.Buffer
	if err := wire.WriteFrame(&transport, 0, []byte("abc")); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteFrame(&transport, 1, []byte("def")); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteEOF(&transport, 0); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteEOF(&transport, 1); err != nil {
		t.Fatal(err)
	}

	var sink0, sink1 closeRecorder
	err := Run(&transport, []Sink{
		{Channel: 0, Writer: &sink0},
		{Channel: 1, Writer: &sink1},
	}, logger)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink0.String() != "abc" {
		t.Errorf("sink0 = %q, want %q", sink0.String(), "abc")
	}
	if sink1.String() != "def" {
		t.Errorf("sink1 = %q, want %q", sink1.String(), "def")
	}
	if !sink0.closed || !sink1.closed {
		t.Errorf("closed = (%v, %v), want both sinks closed on their EOF frames", sink0.closed, sink1.closed)
	}
}

// closeRecorder is a bytes.Buffer sink that records whether Run closed it.
type closeRecorder struct {
	bytes.Buffer
	closed bool
}

func (c *closeRecorder) Close() error {
	c.closed = true
	return nil
}

func TestRunTransportEOFClosesRemainingSinks(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var transport bytes.Buffer
	if err := wire.WriteFrame(&transport, 0, []byte("partial")); err != nil {
		t.Fatal(err)
	}
	// No EOF frame written: transport just ends.

	var sink0 closeRecorder
	err := Run(&transport, []Sink{{Channel: 0, Writer: &sink0}}, logger)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink0.String() != "partial" {
		t.Errorf("sink0 = %q, want %q", sink0.String(), "partial")
	}
	if !sink0.closed {
		t.Error("sink0 should be closed on transport EOF")
	}
}

func TestRunDuplicateEOFIsProtocolError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var transport bytes.Buffer
	if err := wire.WriteEOF(&transport, 0); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteEOF(&transport, 0); err != nil {
		t.Fatal(err)
	}

	// A second, still-open sink keeps Run reading past the first EOF, so the
	// duplicate is observed instead of Run ending once every sink is closed.
	var sink0, sink1 bytes.Buffer
	err := Run(&transport, []Sink{
		{Channel: 0, Writer: &sink0},
		{Channel: 1, Writer: &sink1},
	}, logger)
	if err == nil {
		t.Fatal("expected an error for duplicate EOF")
	}
}

func TestRunDataOnUnknownChannelIsProtocolError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var transport bytes.Buffer
	if err := wire.WriteFrame(&transport, 9, []byte("x")); err != nil {
		t.Fatal(err)
	}

	err := Run(&transport, nil, logger)
	if !errors.Is(err, wire.ErrProtocolViolation) {
		t.Errorf("err = %v, want ErrProtocolViolation", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("boom") }

func TestRunSinkWriteFailureClosesChannelLocallyAndContinues(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var transport bytes.Buffer
	if err := wire.WriteFrame(&transport, 0, []byte("x")); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteFrame(&transport, 1, []byte("still here")); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteEOF(&transport, 0); err != nil {
		t.Fatal(err)
	}
	if err := wire.WriteEOF(&transport, 1); err != nil {
		t.Fatal(err)
	}

	var sink1 bytes.Buffer
	err := Run(&transport, []Sink{
		{Channel: 0, Writer: failingWriter{}},
		{Channel: 1, Writer: &sink1},
	}, logger)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sink1.String() != "still here" {
		t.Errorf("sink1 = %q, want %q", sink1.String(), "still here")
	}
}
