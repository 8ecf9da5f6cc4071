package server

import (
	"fmt"
	"strings"
)

var statusText = map[int]string{
	200: "OK",
	400: "Bad Request",
	401: "Unauthorized",
	404: "Not Found",
	413: "Payload Too Large",
	500: "Internal Server Error",
	503: "Service Unavailable",
}

// httpResponse carries everything the write path needs for one reply.
type httpResponse struct {
	status      int
	contentType string
	body        []byte
	closeConn   bool
	// extraHeaders are emitted verbatim, one per entry, without CRLF.
	extraHeaders []string
}

// render serializes the response into wire bytes.
func (r *httpResponse) render() []byte {
	text, ok := statusText[r.status]
	if !ok {
		text = "OK"
	}
	ct := r.contentType
	if ct == "" {
		ct = "text/plain"
	}

	var b strings.Builder
	b.Grow(len(r.body) + 256)
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.status, text)
	fmt.Fprintf(&b, "Content-Type: %s\r\n", ct)
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(r.body))
	if r.closeConn {
		b.WriteString("Connection: close\r\n")
	} else {
		b.WriteString("Connection: keep-alive\r\n")
	}
	for _, h := range r.extraHeaders {
		b.WriteString(h)
		b.WriteString("\r\n")
	}
	b.WriteString("Server: onvifd\r\n\r\n")
	b.Write(r.body)
	return []byte(b.String())
}

func plainResponse(status int, msg string, closeConn bool) *httpResponse {
	return &httpResponse{
		status:      status,
		contentType: "text/plain",
		body:        []byte(msg),
		closeConn:   closeConn,
	}
}
