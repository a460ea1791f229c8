// Package kfmt provides the kernel's console output facilities: Printf, the
// structured module loggers and Panic. Output produced before a console sink
// is attached is retained in a ring buffer and replayed once SetOutputSink is
// called.
package kfmt

import (
	"fmt"
	"io"
)

var (
	// earlyPrintBuffer is a ring buffer that stores output produced before
	// an output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is an io.Writer where Printf and the loggers send their
	// output. If set to nil, output is redirected to earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf formats according to a format specifier and writes to the active
// output sink.
func Printf(format string, args ...interface{}) {
	Fprintf(activeSink(), format, args...)
}

// Fprintf formats according to a format specifier and writes to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}

func activeSink() io.Writer {
	if outputSink != nil {
		return outputSink
	}
	return &earlyPrintBuffer
}

// sinkWriter forwards writes to whatever sink is active at the time of the
// write rather than at the time it was constructed.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	return activeSink().Write(p)
}
