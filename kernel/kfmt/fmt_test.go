package kfmt

import (
	"bytes"
	"strings"
	"testing"
)

func TestPrintfToEarlyBuffer(t *testing.T) {
	defer func() {
		outputSink = nil
		earlyPrintBuffer = ringBuffer{}
	}()

	outputSink = nil
	earlyPrintBuffer = ringBuffer{}

	Printf("frame %d at 0x%08x", 3, 0x403000)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "frame 3 at 0x00403000", buf.String(); got != exp {
		t.Fatalf("expected SetOutputSink to replay %q; got %q", exp, got)
	}

	Printf("!")
	if exp, got := "frame 3 at 0x00403000!", buf.String(); got != exp {
		t.Fatalf("expected output %q; got %q", exp, got)
	}
}

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	SetOutputSink(&buf)
	defer func() {
		SetOutputSink(nil)
		SetLogLevel("info")
	}()

	log := Logger("vmm")
	log.Debug("hidden")
	log.WithField("frame", 7).Info("mapped")

	got := buf.String()
	if strings.Contains(got, "hidden") {
		t.Fatalf("expected debug entry to be filtered out; got %q", got)
	}
	for _, exp := range []string{"level=info", "msg=mapped", "module=vmm", "frame=7"} {
		if !strings.Contains(got, exp) {
			t.Errorf("expected log output to contain %q; got %q", exp, got)
		}
	}

	if err := SetLogLevel("debug"); err != nil {
		t.Fatal(err)
	}
	buf.Reset()
	log.Debug("visible")
	if !strings.Contains(buf.String(), "msg=visible") {
		t.Fatalf("expected debug entry after SetLogLevel; got %q", buf.String())
	}

	if err := SetLogLevel("chatty"); err == nil {
		t.Fatal("expected SetLogLevel to reject an unknown level")
	}
}
