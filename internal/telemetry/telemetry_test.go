package telemetry

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestRecord_Format(t *testing.T) {
	var buf bytes.Buffer
	r := &Recorder{w: &buf}
	r.Record("example.com:443", 1024, 1500*time.Millisecond)

	got := buf.String()
	want := "Hostname: example.com:443, Size: 1024 bytes, Time: 1.500 sec\n"
	if got != want {
		t.Fatalf("Record() wrote %q, want %q", got, want)
	}
}

func TestRecord_DisabledIsNoOp(t *testing.T) {
	r := Disabled()
	r.Record("example.com:443", 1024, time.Second) // must not panic
}

func TestRecord_NonASCIIHostname(t *testing.T) {
	var buf bytes.Buffer
	r := &Recorder{w: &buf}
	r.Record("xn--exmple-cva.com:443", 0, 0)
	if !strings.Contains(buf.String(), "xn--exmple-cva.com:443") {
		t.Fatal("expected hostname to appear verbatim in telemetry line")
	}
}
