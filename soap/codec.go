// Package soap implements the SOAP 1.2 envelope codec: a request-parsing
// state machine, a checked response-generation pipeline and standalone fault
// generation. All XML passes through one etree-based builder so escaping and
// validation live in a single place.
package soap

import (
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/juju/errors"
)

const (
	// MaxRequestSize caps an incoming SOAP payload.
	MaxRequestSize = 1 << 20
	// MaxResponseSize caps a serialized response; exceeding it is a hard
	// failure, never a silent truncation.
	MaxResponseSize = 256 << 10
)

const (
	// ErrParseFailed reports a malformed request body.
	ErrParseFailed = errors.ConstError("soap: parse failed")
	// ErrSerializationFailed reports a response that could not be produced.
	ErrSerializationFailed = errors.ConstError("soap: serialization failed")
)

// RequestState tracks one request-parsing cycle.
type RequestState struct {
	Initialized bool
	RequestSize int
	Operation   string
	ParseStart  time.Time
	ParseEnd    time.Time
}

// ResponseState tracks one response-generation cycle.
type ResponseState struct {
	BytesWritten int
	Start        time.Time
	End          time.Time
	Finalized    bool
}

// ErrorContext records the provenance of the last codec error.
type ErrorContext struct {
	LastErr  error
	Message  string
	Location string
}

// Context holds the per-request codec state. One Context serves one
// parse/generate cycle; Reset returns it to the initial state for reuse.
// Everything a parse allocates hangs off the context's document and is
// released together when the context goes out of scope.
type Context struct {
	raw []byte
	doc *etree.Document

	request  RequestState
	response ResponseState
	errCtx   ErrorContext
	out      []byte
}

// NewContext returns a fresh codec context.
func NewContext() *Context {
	return &Context{}
}

// Reset returns the context to its initial state for the next cycle.
func (c *Context) Reset() {
	c.raw = nil
	c.doc = nil
	c.out = nil
	c.request = RequestState{}
	c.response = ResponseState{}
	c.errCtx = ErrorContext{}
}

// Request exposes the request-parsing state.
func (c *Context) Request() RequestState { return c.request }

// Response exposes the response-generation state.
func (c *Context) Response() ResponseState { return c.response }

// LastError exposes the recorded error provenance.
func (c *Context) LastError() ErrorContext { return c.errCtx }

func (c *Context) setError(err error, location, message string) {
	c.errCtx = ErrorContext{LastErr: err, Message: message, Location: location}
}

// InitRequestParsing copies the request XML into codec-owned memory and arms
// the parsing state machine. Empty and oversized payloads are rejected before
// any XML work happens.
func (c *Context) InitRequestParsing(xml []byte) error {
	if len(xml) == 0 {
		err := errors.NotValidf("empty request")
		c.setError(err, "InitRequestParsing", "zero-length request body")
		return err
	}
	if len(xml) > MaxRequestSize {
		err := errors.NotValidf("request of %d bytes exceeds %d ceiling", len(xml), MaxRequestSize)
		c.setError(err, "InitRequestParsing", "request exceeds size ceiling")
		return err
	}

	c.raw = make([]byte, len(xml))
	copy(c.raw, xml)
	c.doc = nil

	c.request = RequestState{
		Initialized: true,
		RequestSize: len(xml),
		ParseStart:  time.Now(),
	}
	return nil
}

// ParseEnvelope deserializes the buffered request and returns the Body
// element. Requires InitRequestParsing; calling it on an unarmed context is a
// programmer error, not undefined behavior.
func (c *Context) ParseEnvelope() (*etree.Element, error) {
	if !c.request.Initialized {
		err := errors.NotValidf("parse before InitRequestParsing")
		c.setError(err, "ParseEnvelope", "parsing state not initialized")
		return nil, err
	}

	if c.doc == nil {
		doc := etree.NewDocument()
		if err := doc.ReadFromBytes(c.raw); err != nil {
			c.setError(ErrParseFailed, "ParseEnvelope", err.Error())
			return nil, errors.Annotate(ErrParseFailed, err.Error())
		}
		c.doc = doc
	}

	root := c.doc.Root()
	if root == nil || root.Tag != "Envelope" {
		c.setError(ErrParseFailed, "ParseEnvelope", "missing Envelope element")
		return nil, errors.Annotate(ErrParseFailed, "missing Envelope element")
	}
	body := childByTag(root, "Body")
	if body == nil {
		c.setError(ErrParseFailed, "ParseEnvelope", "missing Body element")
		return nil, errors.Annotate(ErrParseFailed, "missing Body element")
	}
	return body, nil
}

// FinalizeParse stamps the parse end time. Called on every outcome so timing
// instrumentation covers failures too.
func (c *Context) FinalizeParse(operation string) {
	c.request.Operation = operation
	c.request.ParseEnd = time.Now()
}

// ParseDuration reports the last parse cycle's duration.
func (c *Context) ParseDuration() time.Duration {
	if c.request.ParseStart.IsZero() || c.request.ParseEnd.IsZero() {
		return 0
	}
	return c.request.ParseEnd.Sub(c.request.ParseStart)
}

// ExtractOperationName returns the local name of the first element inside the
// SOAP Body, which names the requested operation.
func ExtractOperationName(xml []byte) (string, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(xml); err != nil {
		return "", errors.Annotate(ErrParseFailed, err.Error())
	}
	root := doc.Root()
	if root == nil {
		return "", errors.Annotate(ErrParseFailed, "empty document")
	}
	body := childByTag(root, "Body")
	if body == nil {
		return "", errors.Annotate(ErrParseFailed, "missing Body element")
	}
	children := body.ChildElements()
	if len(children) == 0 {
		return "", errors.Annotate(ErrParseFailed, "empty Body element")
	}
	return children[0].Tag, nil
}

// childByTag finds a direct child by local name, ignoring namespace prefixes.
func childByTag(el *etree.Element, tag string) *etree.Element {
	for _, ch := range el.ChildElements() {
		if ch.Tag == tag {
			return ch
		}
	}
	return nil
}

// findByTag does a depth-first search for the first descendant with the given
// local name.
func findByTag(el *etree.Element, tag string) *etree.Element {
	for _, ch := range el.ChildElements() {
		if ch.Tag == tag {
			return ch
		}
		if found := findByTag(ch, tag); found != nil {
			return found
		}
	}
	return nil
}

// childText returns the trimmed text of a direct child, or "".
func childText(el *etree.Element, tag string) string {
	if ch := childByTag(el, tag); ch != nil {
		return strings.TrimSpace(ch.Text())
	}
	return ""
}
