package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
)

// Transport carries framed protocol documents to and from the backend.
type Transport interface {
	// Send writes one framed document to the backend.
	Send(doc json.RawMessage) error

	// Receive reads the next framed document from the backend.
	Receive() (json.RawMessage, error)

	// Close closes the transport.
	Close() error
}

// MaxFrameSize is the maximum allowed frame payload (4MB). Variable
// telemetry frames are small; anything larger indicates a broken stream.
const MaxFrameSize = 4 * 1024 * 1024

// StdioTransport frames documents over the stdin/stdout of a backend
// subprocess.
type StdioTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewStdioTransport starts the backend command and frames documents over
// its standard streams.
func NewStdioTransport(cmd *exec.Cmd) (*StdioTransport, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("get stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return nil, fmt.Errorf("start backend: %w", err)
	}

	return &StdioTransport{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		reader: bufio.NewReader(stdout),
	}, nil
}

// Send writes one framed document.
func (t *StdioTransport) Send(doc json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return writeFrame(t.stdin, doc)
}

// Receive reads the next framed document.
func (t *StdioTransport) Receive() (json.RawMessage, error) {
	return readFrame(t.reader)
}

// Close closes the streams and terminates the backend subprocess.
func (t *StdioTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stdin.Close()
	t.stdout.Close()

	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}

	return t.cmd.Wait()
}

// SocketTransport frames documents over a TCP connection to the backend.
type SocketTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewSocketTransport dials the backend at the given address.
func NewSocketTransport(address string) (*SocketTransport, error) {
	conn, err := net.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return NewSocketTransportFromConn(conn), nil
}

// NewSocketTransportFromConn wraps an existing connection.
func NewSocketTransportFromConn(conn net.Conn) *SocketTransport {
	return &SocketTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// Send writes one framed document.
func (t *SocketTransport) Send(doc json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return writeFrame(t.conn, doc)
}

// Receive reads the next framed document.
func (t *SocketTransport) Receive() (json.RawMessage, error) {
	return readFrame(t.reader)
}

// Close closes the connection.
func (t *SocketTransport) Close() error {
	return t.conn.Close()
}

// RawTransport wraps any io.ReadWriteCloser as a Transport.
type RawTransport struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewRawTransport creates a transport from any ReadWriteCloser.
func NewRawTransport(rwc io.ReadWriteCloser) *RawTransport {
	return &RawTransport{
		rwc:    rwc,
		reader: bufio.NewReader(rwc),
	}
}

// Send writes one framed document.
func (t *RawTransport) Send(doc json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return writeFrame(t.rwc, doc)
}

// Receive reads the next framed document.
func (t *RawTransport) Receive() (json.RawMessage, error) {
	return readFrame(t.reader)
}

// Close closes the underlying connection.
func (t *RawTransport) Close() error {
	return t.rwc.Close()
}

// writeFrame writes a Content-Length framed document.
func writeFrame(w io.Writer, doc json.RawMessage) error {
	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(doc))

	if _, err := w.Write([]byte(header)); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(doc); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}

	return nil
}

// readFrame reads a Content-Length framed document.
func readFrame(r *bufio.Reader) (json.RawMessage, error) {
	var length int

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read frame header: %w", err)
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // end of headers
		}

		parts := strings.SplitN(line, ": ", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid frame header: %s", line)
		}

		if strings.EqualFold(parts[0], "content-length") {
			n, err := strconv.Atoi(parts[1])
			if err != nil {
				return nil, fmt.Errorf("invalid content-length: %w", err)
			}
			if n <= 0 || n > MaxFrameSize {
				return nil, fmt.Errorf("content-length %d out of range (max %d)", n, MaxFrameSize)
			}
			length = n
		}
	}

	if length == 0 {
		return nil, fmt.Errorf("missing Content-Length header")
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	return payload, nil
}
