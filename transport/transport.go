// Package transport moves newline-delimited JSON messages over byte streams
// and websockets. The ACP handler, the upstream driver and the websocket
// bridge all frame their traffic through it.
package transport

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/plyght/amp-acp/errors"
)

// MaxLineSize bounds a single message. Upstream tool results can carry whole
// files, so the limit is generous.
const MaxLineSize = 10 * 1024 * 1024

// Conn is a bidirectional message channel. ReadMessage returns io.EOF once
// the peer is gone. WriteMessage and WriteRaw are safe for concurrent use;
// ReadMessage is called from a single read loop.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(v any) error
	WriteRaw(data []byte) error
	Close() error
}

// Reader splits a byte stream into lines.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &Reader{scanner: s}
}

// ReadLine returns the next line without its terminator. The slice is only
// valid until the next call.
func (r *Reader) ReadLine() ([]byte, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, errors.Wrapf(err, "read line")
		}
		return nil, io.EOF
	}
	return r.scanner.Bytes(), nil
}

// Writer writes one JSON document per line and flushes after each.
type Writer struct {
	mu  sync.Mutex
	out *bufio.Writer
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{out: bufio.NewWriter(w)}
}

// WriteJSON serializes v and writes it as a single line.
func (w *Writer) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize message")
	}
	return w.WriteLine(data)
}

// WriteLine writes data followed by a newline. data must not contain one.
func (w *Writer) WriteLine(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(data); err != nil {
		return err
	}
	// The newline tells the peer the message is complete.
	if err := w.out.WriteByte('\n'); err != nil {
		return err
	}
	return w.out.Flush()
}

// stdioConn is a Conn over a reader and writer pair, typically the process's
// own stdin and stdout.
type stdioConn struct {
	r      *Reader
	w      *Writer
	closer io.Closer
}

// Stdio returns a Conn reading lines from in and writing lines to out. If
// out implements io.Closer, Close closes it.
func Stdio(in io.Reader, out io.Writer) Conn {
	c := &stdioConn{r: NewReader(in), w: NewWriter(out)}
	if cl, ok := out.(io.Closer); ok {
		c.closer = cl
	}
	return c
}

func (c *stdioConn) ReadMessage() ([]byte, error) {
	for {
		line, err := c.r.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer.
		return append([]byte(nil), line...), nil
	}
}

func (c *stdioConn) WriteMessage(v any) error { return c.w.WriteJSON(v) }

func (c *stdioConn) WriteRaw(data []byte) error { return c.w.WriteLine(data) }

func (c *stdioConn) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer.Close()
}
