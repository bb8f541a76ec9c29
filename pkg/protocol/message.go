package protocol

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultVersion is the protocol version written on new messages
const DefaultVersion = "1.0"

// TimeFormat is the GMT date layout used by Date and cookie Expires values
const TimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

var (
	requestLineRegex  = regexp.MustCompile(`^([A-Za-z]+) (\S+) HTTP/(\d+\.\d+)$`)
	responseLineRegex = regexp.MustCompile(`^HTTP/(\d+\.\d+) (\d{3}) (.*)$`)
)

// Message holds the parts shared by requests and responses: a header map and
// a body whose Content-Length header is kept in sync on every assignment.
type Message struct {
	headers map[string]string
	body    []byte
}

func newMessage() Message {
	m := Message{headers: make(map[string]string)}
	m.SetBody(nil)
	return m
}

// Header returns the value of a header. Names are case-sensitive.
func (m *Message) Header(name string) (string, bool) {
	v, ok := m.headers[name]
	return v, ok
}

// SetHeader sets a header value. Content-Length is owned by SetBody and
// cannot be set directly.
func (m *Message) SetHeader(name, value string) {
	if name == contentLengthHeader {
		return
	}
	m.headers[name] = value
}

// DelHeader removes a header
func (m *Message) DelHeader(name string) {
	if name == contentLengthHeader {
		return
	}
	delete(m.headers, name)
}

// Headers returns a copy of all headers
func (m *Message) Headers() map[string]string {
	out := make(map[string]string, len(m.headers))
	for k, v := range m.headers {
		out[k] = v
	}
	return out
}

// Body returns the message body
func (m *Message) Body() []byte {
	return m.body
}

// SetBody replaces the body and updates Content-Length
func (m *Message) SetBody(body []byte) {
	m.body = body
	m.headers[contentLengthHeader] = strconv.Itoa(len(body))
}

// SetBodyString is SetBody for text bodies
func (m *Message) SetBodyString(body string) {
	m.SetBody([]byte(body))
}

func (m *Message) writeHeadersAndBody(buf *bytes.Buffer) {
	names := make([]string, 0, len(m.headers))
	for name := range m.headers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.WriteString(m.headers[name])
		buf.Write(crlf)
	}
	buf.Write(crlf)
	buf.Write(m.body)
}

// Request is a parsed client request
type Request struct {
	Message
	Method  string
	Target  string
	Version string
	Params  map[string]string
}

// NewRequest creates a request with an empty body
func NewRequest(method, target string) *Request {
	return &Request{
		Message: newMessage(),
		Method:  method,
		Target:  target,
		Version: DefaultVersion,
		Params:  make(map[string]string),
	}
}

// IsWrite reports whether the method carries form parameters in its body
func (r *Request) IsWrite() bool {
	return strings.EqualFold(r.Method, "POST")
}

// Param returns a decoded form parameter
func (r *Request) Param(name string) (string, bool) {
	v, ok := r.Params[name]
	return v, ok
}

// Cookie returns the value of the named cookie from the Cookie header
func (r *Request) Cookie(name string) (string, bool) {
	raw, ok := r.Header("Cookie")
	if !ok {
		return "", false
	}
	prefix := name + "="
	for _, item := range strings.Split(raw, ";") {
		item = strings.TrimSpace(item)
		if strings.HasPrefix(item, prefix) {
			return item[len(prefix):], true
		}
	}
	return "", false
}

// Bytes serializes the request
func (r *Request) Bytes() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s HTTP/%s\r\n", r.Method, r.Target, r.Version)
	r.writeHeadersAndBody(&buf)
	return buf.Bytes()
}

// WriteTo writes the serialized request to w
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}

// parseParams decodes an "a=1&b=2" body. Pairs without '=' are dropped.
func (r *Request) parseParams() {
	r.Params = make(map[string]string)
	if !r.IsWrite() || len(r.body) == 0 {
		return
	}
	for _, pair := range strings.Split(string(r.body), "&") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		r.Params[unescape(key)] = unescape(value)
	}
}

func unescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}

// Response is a server reply with a status from the fixed status table
type Response struct {
	Message
	Version string
	status  int
	phrase  string
}

// NewResponse creates a response with the given registered status code.
// It panics on an unregistered code since that is a programming error.
func NewResponse(status int) *Response {
	r := &Response{
		Message: newMessage(),
		Version: DefaultVersion,
	}
	r.MustSetStatus(status)
	r.SetHeader("Content-Type", "text/html; charset=utf-8")
	return r
}

// Status returns the numeric status code
func (r *Response) Status() int {
	return r.status
}

// Phrase returns the status phrase
func (r *Response) Phrase() string {
	return r.phrase
}

// SetStatus sets the status code and derives its phrase
func (r *Response) SetStatus(code int) error {
	phrase, ok := StatusText(code)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownStatus, code)
	}
	r.status = code
	r.phrase = phrase
	return nil
}

// MustSetStatus is SetStatus for compile-time constant codes
func (r *Response) MustSetStatus(code int) {
	if err := r.SetStatus(code); err != nil {
		panic(err)
	}
}

// SetCookie issues a cookie with path and absolute expiry
func (r *Response) SetCookie(name, value, path string, expires time.Time) {
	r.SetHeader("Set-Cookie", fmt.Sprintf("%s=%s; Path=%s; Expires=%s; HttpOnly",
		name, value, path, expires.UTC().Format(TimeFormat)))
}

// ClearCookie tells the client to drop a cookie
func (r *Response) ClearCookie(name string) {
	r.SetCookie(name, `""`, "/", time.Unix(0, 0))
}

// Bytes serializes the response
func (r *Response) Bytes() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/%s %d %s\r\n", r.Version, r.status, r.phrase)
	r.writeHeadersAndBody(&buf)
	return buf.Bytes()
}

// WriteTo writes the serialized response to w
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(r.Bytes())
	return int64(n), err
}

// ParseRequest parses one complete framed request
func ParseRequest(frame []byte) (*Request, error) {
	startLine, msg, err := parseFrame(frame)
	if err != nil {
		return nil, err
	}

	m := requestLineRegex.FindStringSubmatch(startLine)
	if m == nil {
		return nil, fmt.Errorf("%w: bad request line %q", ErrMalformedMessage, startLine)
	}

	req := &Request{
		Message: msg,
		Method:  m[1],
		Target:  m[2],
		Version: m[3],
	}
	req.parseParams()
	return req, nil
}

// ParseResponse parses one complete framed response. The phrase is taken
// from the wire as-is.
func ParseResponse(frame []byte) (*Response, error) {
	startLine, msg, err := parseFrame(frame)
	if err != nil {
		return nil, err
	}

	m := responseLineRegex.FindStringSubmatch(startLine)
	if m == nil {
		return nil, fmt.Errorf("%w: bad status line %q", ErrMalformedMessage, startLine)
	}
	code, _ := strconv.Atoi(m[2])

	return &Response{
		Message: msg,
		Version: m[1],
		status:  code,
		phrase:  m[3],
	}, nil
}

// parseFrame splits a frame into its start line and a Message
func parseFrame(frame []byte) (string, Message, error) {
	b, err := Scan(frame)
	if err != nil {
		return "", Message{}, err
	}
	if b.HeaderEnd < 0 {
		return "", Message{}, fmt.Errorf("%w: missing header separator", ErrMalformedMessage)
	}

	block := frame[:b.HeaderEnd-len(Separator)]
	lines := bytes.Split(block, crlf)

	msg := Message{headers: make(map[string]string, len(lines))}
	for _, line := range lines[1:] {
		if key, value, ok := splitHeaderLine(line); ok {
			msg.headers[key] = value
		}
	}

	body := frame[b.HeaderEnd:]
	if b.ContentLength >= 0 {
		if len(body) < b.ContentLength {
			return "", Message{}, fmt.Errorf("%w: truncated body", ErrMalformedMessage)
		}
		body = body[:b.ContentLength]
	}
	msg.SetBody(append([]byte(nil), body...))

	return string(lines[0]), msg, nil
}
