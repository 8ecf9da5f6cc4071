// Package server is the HTTP front end: a syscall-level epoll accept loop, a
// pooled per-connection buffer arena, an incremental request parser and the
// routing layer that hands SOAP bodies to the service dispatchers.
package server

import (
	"bytes"

	"github.com/juju/errors"

	"github.com/SridarDhandapani/onvifd/soap"
)

const (
	// ErrIncomplete signals that more bytes must arrive before the request
	// can be framed; the connection stays open and the buffer is kept.
	ErrIncomplete = errors.ConstError("request incomplete")
	// ErrInvalid signals an unparseable request; the connection is closed.
	ErrInvalid = errors.ConstError("request invalid")
	// ErrTooLarge signals a declared or accumulated size past the ceiling.
	ErrTooLarge = errors.ConstError("request too large")
)

const maxHeaders = 32

var allowedMethods = [][]byte{
	[]byte("GET"),
	[]byte("POST"),
}

// header is a key/value pair pointing into the connection buffer.
type header struct {
	key, val []byte
}

// rawRequest frames one HTTP request. All slices alias the connection buffer
// and are only valid until the next parse on that connection.
type rawRequest struct {
	method   []byte
	path     []byte
	protocol []byte

	headers [maxHeaders]header
	hcount  int

	body []byte
}

func (r *rawRequest) reset() {
	r.method = nil
	r.path = nil
	r.protocol = nil
	r.hcount = 0
	r.body = nil
}

// headerValue returns the value of the named header, case-insensitively.
func (r *rawRequest) headerValue(name string) ([]byte, bool) {
	for i := 0; i < r.hcount; i++ {
		if len(r.headers[i].key) == len(name) && bytes.EqualFold(r.headers[i].key, []byte(name)) {
			return r.headers[i].val, true
		}
	}
	return nil, false
}

// wantsClose reports whether the client asked for the connection to be
// closed after this request.
func (r *rawRequest) wantsClose() bool {
	v, ok := r.headerValue("Connection")
	return ok && bytes.EqualFold(v, []byte("close"))
}

func (r *rawRequest) isGet() bool  { return bytes.Equal(r.method, []byte("GET")) }
func (r *rawRequest) isPost() bool { return bytes.Equal(r.method, []byte("POST")) }

// parseRequest frames a request out of raw and reports how many bytes it
// consumed. ErrIncomplete means raw holds a prefix of a valid request;
// everything else is fatal for the connection.
func parseRequest(raw []byte, req *rawRequest) (int, error) {
	req.reset()
	crs := 0

	findSep := func(start int, sep byte) int {
		idx := bytes.IndexByte(raw[start:], sep)
		if idx == -1 {
			return -1
		}
		return start + idx
	}

	// Request line: METHOD SP PATH SP PROTO CRLF.
	sep := findSep(crs, ' ')
	if sep == -1 {
		if len(raw) > maxMethodLen {
			return 0, ErrInvalid
		}
		return 0, ErrIncomplete
	}
	req.method = raw[crs:sep]

	valid := false
	for _, m := range allowedMethods {
		if bytes.Equal(m, req.method) {
			valid = true
			break
		}
	}
	if !valid {
		return 0, ErrInvalid
	}
	crs = sep + 1

	sep = findSep(crs, ' ')
	if sep == -1 {
		return 0, ErrIncomplete
	}
	req.path = raw[crs:sep]
	crs = sep + 1

	sep = findSep(crs, '\n')
	if sep == -1 {
		return 0, ErrIncomplete
	}
	if sep == crs || raw[sep-1] != '\r' {
		return 0, ErrInvalid
	}
	req.protocol = raw[crs : sep-1]
	if !bytes.HasPrefix(req.protocol, []byte("HTTP/1.")) {
		return 0, ErrInvalid
	}
	crs = sep + 1

	// Header block, terminated by an empty CRLF line.
	contentLen := 0
	for {
		if crs+1 >= len(raw) {
			return 0, ErrIncomplete
		}
		if raw[crs] == '\r' && raw[crs+1] == '\n' {
			crs += 2
			break
		}

		lf := findSep(crs, '\n')
		if lf == -1 {
			return 0, ErrIncomplete
		}
		if raw[lf-1] != '\r' {
			return 0, ErrInvalid
		}
		end := lf - 1

		colon := findSep(crs, ':')
		if colon == -1 || colon > end {
			return 0, ErrInvalid
		}
		valStart := colon + 1
		for valStart < end && raw[valStart] == ' ' {
			valStart++
		}

		key := raw[crs:colon]
		val := raw[valStart:end]
		if req.hcount < maxHeaders {
			req.headers[req.hcount] = header{key: key, val: val}
			req.hcount++
		}

		if len(key) == 14 && bytes.EqualFold(key, []byte("Content-Length")) {
			n, ok := parseDecimal(val)
			if !ok {
				return 0, ErrInvalid
			}
			if n > soap.MaxRequestSize {
				return 0, ErrTooLarge
			}
			contentLen = n
		}

		crs = lf + 1
	}

	if contentLen > 0 {
		if crs+contentLen > len(raw) {
			return 0, ErrIncomplete
		}
		req.body = raw[crs : crs+contentLen]
		crs += contentLen
	}

	return crs, nil
}

// maxMethodLen bounds how long a request line token may grow before the
// parser gives up waiting for the space separator.
const maxMethodLen = 8

func parseDecimal(b []byte) (int, bool) {
	if len(b) == 0 {
		return 0, false
	}
	n := 0
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int(c-'0')
		if n > soap.MaxRequestSize*2 {
			return n, true
		}
	}
	return n, true
}
