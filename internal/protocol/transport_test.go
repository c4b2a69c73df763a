package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	docs := []string{
		`{"seq":1,"type":"request","command":"create"}`,
		`{"seq":2,"type":"response","success":true,"body":{"value":"42"}}`,
		`{}`,
	}

	var buf bytes.Buffer
	for _, doc := range docs {
		if err := writeFrame(&buf, json.RawMessage(doc)); err != nil {
			t.Fatalf("writeFrame: %v", err)
		}
	}

	reader := bufio.NewReader(&buf)
	for i, want := range docs {
		got, err := readFrame(reader)
		if err != nil {
			t.Fatalf("readFrame %d: %v", i, err)
		}
		if string(got) != want {
			t.Errorf("frame %d = %s, want %s", i, got, want)
		}
	}
}

func TestReadFrameHeaderCaseInsensitive(t *testing.T) {
	raw := "content-length: 2\r\n\r\n{}"
	got, err := readFrame(bufio.NewReader(strings.NewReader(raw)))
	if err != nil {
		t.Fatalf("readFrame: %v", err)
	}
	if string(got) != "{}" {
		t.Errorf("payload = %s, want {}", got)
	}
}

func TestReadFrameErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"missing content-length", "X-Other: 1\r\n\r\n{}"},
		{"invalid header line", "garbage\r\n\r\n{}"},
		{"non-numeric length", "Content-Length: abc\r\n\r\n{}"},
		{"zero length", "Content-Length: 0\r\n\r\n"},
		{"oversize length", "Content-Length: 99999999\r\n\r\n{}"},
		{"truncated payload", "Content-Length: 10\r\n\r\n{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := readFrame(bufio.NewReader(strings.NewReader(tt.raw))); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

// duplexBuffer is an in-memory ReadWriteCloser for RawTransport tests.
type duplexBuffer struct {
	bytes.Buffer
	closed bool
}

func (d *duplexBuffer) Close() error {
	d.closed = true
	return nil
}

func TestRawTransportRoundTrip(t *testing.T) {
	buf := &duplexBuffer{}
	transport := NewRawTransport(buf)

	doc := json.RawMessage(`{"seq":7,"type":"request","command":"update"}`)
	if err := transport.Send(doc); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := transport.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if string(got) != string(doc) {
		t.Errorf("Receive = %s, want %s", got, doc)
	}

	if err := transport.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !buf.closed {
		t.Error("underlying connection not closed")
	}
}
