package rtsp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/opd-ai/airplay/av"
)

// MaxBodySize bounds the Content-Length of a request.
const MaxBodySize = 16 << 20

// ServerVersion is sent in the Server header of every response.
const ServerVersion = "AirTunes/220.68"

// ErrBodyTooLarge is returned by ReadRequest for bodies above MaxBodySize.
var ErrBodyTooLarge = errors.New("request body too large")

// Request is one RTSP or HTTP request read from a sender connection.
type Request struct {
	Method string
	Target string
	Proto  string
	Header textproto.MIMEHeader
	Body   []byte

	// Set by the server, not read from the wire.
	RemoteAddr net.Addr
	SessionID  string
}

// Path returns the path of the request target. RTSP verbs address an
// absolute rtsp:// URL, HTTP requests a plain path.
func (r *Request) Path() string {
	u, err := url.Parse(r.Target)
	if err != nil {
		return r.Target
	}
	return u.Path
}

// Query returns the decoded query string of the request target.
func (r *Request) Query() url.Values {
	u, err := url.Parse(r.Target)
	if err != nil {
		return url.Values{}
	}
	return u.Query()
}

// ContentType returns the media type of the body without parameters.
func (r *Request) ContentType() string {
	ct := r.Header.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.TrimSpace(ct)
}

// ReadRequest reads a request line, headers and a Content-Length body.
func ReadRequest(br *bufio.Reader) (*Request, error) {
	tp := textproto.NewReader(br)

	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(line)
	if len(parts) != 3 {
		return nil, fmt.Errorf("request line %q: %w", line, av.ErrProtocol)
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read headers: %w", err)
	}
	if header == nil {
		header = textproto.MIMEHeader{}
	}

	req := &Request{
		Method: parts[0],
		Target: parts[1],
		Proto:  parts[2],
		Header: header,
	}

	if v := header.Get("Content-Length"); v != "" {
		length, err := strconv.Atoi(v)
		if err != nil || length < 0 {
			return nil, fmt.Errorf("content length %q: %w", v, av.ErrProtocol)
		}
		if length > MaxBodySize {
			return nil, fmt.Errorf("content length %d: %w", length, ErrBodyTooLarge)
		}
		req.Body = make([]byte, length)
		if _, err := io.ReadFull(br, req.Body); err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	}

	return req, nil
}

// Response is written back on the connection a Request came from.
type Response struct {
	StatusCode int
	Proto      string
	Header     textproto.MIMEHeader
	Body       []byte
}

// NewResponse creates a 200 response echoing the request's CSeq.
func NewResponse(req *Request) *Response {
	resp := &Response{
		StatusCode: http.StatusOK,
		Proto:      "RTSP/1.0",
		Header:     textproto.MIMEHeader{},
	}
	if req != nil {
		if req.Proto != "" {
			resp.Proto = req.Proto
		}
		if cseq := req.Header.Get("CSeq"); cseq != "" {
			resp.Header.Set("CSeq", cseq)
		}
	}
	resp.Header.Set("Server", ServerVersion)
	return resp
}

// SetBody replaces the body and its Content-Type.
func (r *Response) SetBody(contentType string, body []byte) {
	r.Body = body
	if contentType != "" {
		r.Header.Set("Content-Type", contentType)
	}
}

// Fail turns the response into an empty error reply.
func (r *Response) Fail(status int) {
	r.StatusCode = status
	r.Body = nil
	r.Header.Del("Content-Type")
}

// wireNames restores the spelling senders expect for headers that
// textproto canonicalises differently.
var wireNames = map[string]string{
	"Cseq": "CSeq",
}

// Write serialises the response. CSeq leads the headers and Content-Length
// is always sent last.
func (r *Response) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)

	reason := http.StatusText(r.StatusCode)
	if reason == "" {
		reason = "Status"
	}
	fmt.Fprintf(bw, "%s %d %s\r\n", r.Proto, r.StatusCode, reason)

	keys := make([]string, 0, len(r.Header))
	for k := range r.Header {
		if k != "Content-Length" && k != "Cseq" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if _, ok := r.Header["Cseq"]; ok {
		keys = append([]string{"Cseq"}, keys...)
	}
	for _, k := range keys {
		name := k
		if wire, ok := wireNames[k]; ok {
			name = wire
		}
		for _, v := range r.Header[k] {
			fmt.Fprintf(bw, "%s: %s\r\n", name, v)
		}
	}
	fmt.Fprintf(bw, "Content-Length: %d\r\n\r\n", len(r.Body))

	if _, err := bw.Write(r.Body); err != nil {
		return err
	}
	return bw.Flush()
}
