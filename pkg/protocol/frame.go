package protocol

import (
	"bytes"
	"errors"
	"io"
	"strconv"
)

const (
	// MaxHeaderBytes bounds the start line plus header block of a single message
	MaxHeaderBytes = 64 * 1024

	// DefaultMaxBodyBytes is the body limit used when none is configured (1 MB)
	DefaultMaxBodyBytes = 1024 * 1024

	contentLengthHeader = "Content-Length"
)

var (
	// Separator ends the header block of every message
	Separator = []byte("\r\n\r\n")

	crlf = []byte("\r\n")
)

var (
	ErrMalformedMessage = errors.New("malformed message")
	ErrHeaderTooLarge   = errors.New("header block exceeds maximum size")
	ErrBodyTooLarge     = errors.New("declared body exceeds maximum size")
	ErrUnknownStatus    = errors.New("unknown status code")
)

// Boundary describes where the first message in a buffer starts its body and
// how long that body claims to be.
type Boundary struct {
	HeaderEnd     int // offset just past the separator, -1 until the separator arrives
	ContentLength int // declared body length, -1 when the header is absent
}

// Scan locates the first message boundary in buf. A header block that has not
// fully arrived yields HeaderEnd == -1 and no error. A Content-Length that is
// present but not a non-negative integer is reported as ErrMalformedMessage.
func Scan(buf []byte) (Boundary, error) {
	b := Boundary{HeaderEnd: -1, ContentLength: -1}

	sep := bytes.Index(buf, Separator)
	if sep < 0 {
		return b, nil
	}
	b.HeaderEnd = sep + len(Separator)

	value, ok := headerValue(buf[:sep], contentLengthHeader)
	if !ok {
		return b, nil
	}

	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return b, ErrMalformedMessage
	}
	b.ContentLength = n
	return b, nil
}

// Length returns the offset of the end of the message, or -1 when the buffer
// does not hold the whole message yet.
func (b Boundary) Length(buffered int) int {
	if b.HeaderEnd < 0 {
		return -1
	}
	if b.ContentLength < 0 {
		return b.HeaderEnd
	}
	if buffered-b.HeaderEnd < b.ContentLength {
		return -1
	}
	return b.HeaderEnd + b.ContentLength
}

// CheckBody reports ErrBodyTooLarge when the declared body is longer than max
func (b Boundary) CheckBody(max int) error {
	if b.ContentLength > max {
		return ErrBodyTooLarge
	}
	return nil
}

// IsComplete reports whether buf starts with one complete framed message.
// A Content-Length larger than what has been received means "keep reading".
func IsComplete(buf []byte) bool {
	return FrameLength(buf) >= 0
}

// FrameLength returns the byte offset where the first complete message in buf
// ends (and the next one begins), or -1 if the first message is incomplete.
// A message with an unparseable Content-Length ends at its separator so the
// parser can reject it.
func FrameLength(buf []byte) int {
	b, err := Scan(buf)
	if err != nil {
		return b.HeaderEnd
	}
	return b.Length(len(buf))
}

// HeaderTooLarge reports whether buf has grown past MaxHeaderBytes without
// producing a header separator.
func HeaderTooLarge(buf []byte) bool {
	if len(buf) <= MaxHeaderBytes {
		return false
	}
	limit := min(len(buf), MaxHeaderBytes+len(Separator))
	return bytes.Index(buf[:limit], Separator) < 0
}

// headerValue finds a header by exact name inside a header block (start line
// included). Header names are case-sensitive.
func headerValue(block []byte, name string) (string, bool) {
	lines := bytes.Split(block, crlf)
	for _, line := range lines[1:] {
		key, value, ok := splitHeaderLine(line)
		if ok && key == name {
			return value, true
		}
	}
	return "", false
}

// splitHeaderLine splits "Name: Value". The value runs to the end of the line.
func splitHeaderLine(line []byte) (string, string, bool) {
	idx := bytes.Index(line, []byte(": "))
	if idx <= 0 {
		return "", "", false
	}
	return string(line[:idx]), string(line[idx+2:]), true
}

// Reader pulls complete messages off a byte stream, keeping any bytes that
// belong to the next message for the following call.
type Reader struct {
	r       io.Reader
	buf     []byte
	tmp     []byte
	maxBody int
}

// NewReader wraps r in a message Reader that accepts bodies up to
// DefaultMaxBodyBytes
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r, tmp: make([]byte, 4096), maxBody: DefaultMaxBodyBytes}
}

// SetMaxBodyBytes changes the largest declared body Next accepts
func (rd *Reader) SetMaxBodyBytes(n int) {
	rd.maxBody = n
}

// Next returns the raw bytes of the next complete message. A message whose
// Content-Length exceeds the body limit fails with ErrBodyTooLarge before
// its body is read.
func (rd *Reader) Next() ([]byte, error) {
	for {
		if b, err := Scan(rd.buf); err == nil {
			if err := b.CheckBody(rd.maxBody); err != nil {
				return nil, err
			}
		}
		if n := FrameLength(rd.buf); n >= 0 {
			frame := make([]byte, n)
			copy(frame, rd.buf[:n])
			rd.buf = rd.buf[n:]
			return frame, nil
		}
		if HeaderTooLarge(rd.buf) {
			return nil, ErrHeaderTooLarge
		}

		n, err := rd.r.Read(rd.tmp)
		rd.buf = append(rd.buf, rd.tmp[:n]...)
		if err != nil {
			if FrameLength(rd.buf) >= 0 {
				continue
			}
			if err == io.EOF && len(rd.buf) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// ReadRequest reads and parses the next request
func (rd *Reader) ReadRequest() (*Request, error) {
	frame, err := rd.Next()
	if err != nil {
		return nil, err
	}
	return ParseRequest(frame)
}

// ReadResponse reads and parses the next response
func (rd *Reader) ReadResponse() (*Response, error) {
	frame, err := rd.Next()
	if err != nil {
		return nil, err
	}
	return ParseResponse(frame)
}
