package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	expStr := "the big brown fox jumped over the lazy dog"

	t.Run("read/write", func(t *testing.T) {
		var rb ringBuffer
		n, err := rb.Write([]byte(expStr))
		if err != nil {
			t.Fatal(err)
		}

		if n != len(expStr) {
			t.Fatalf("expected to write %d bytes; wrote %d", len(expStr), n)
		}

		if got := rb.Len(); got != len(expStr) {
			t.Fatalf("expected Len() to return %d; got %d", len(expStr), got)
		}

		if got := readByteByByte(&rb); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("overflow discards oldest bytes", func(t *testing.T) {
		var rb ringBuffer
		rb.wIndex = ringBufferSize - 1
		if _, err := rb.Write([]byte{'!'}); err != nil {
			t.Fatal(err)
		}

		if exp := 1; rb.rIndex != exp {
			t.Fatalf("expected write to push rIndex to %d; got %d", exp, rb.rIndex)
		}
	})

	t.Run("wrap around", func(t *testing.T) {
		var rb ringBuffer
		rb.wIndex = ringBufferSize - 2
		rb.rIndex = ringBufferSize - 2
		if _, err := rb.Write([]byte(expStr)); err != nil {
			t.Fatal(err)
		}

		var buf bytes.Buffer
		io.Copy(&buf, &rb)

		if got := buf.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})
}

func readByteByByte(r io.Reader) string {
	var (
		buf bytes.Buffer
		b   = make([]byte, 1)
	)
	for {
		if _, err := r.Read(b); err == io.EOF {
			break
		}
		buf.Write(b)
	}
	return buf.String()
}
