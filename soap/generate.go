package soap

import (
	"time"

	"github.com/beevik/etree"
	"github.com/juju/errors"
)

// BodyBuilder populates the response body element with operation content.
type BodyBuilder func(body *etree.Element) error

// newEnvelope creates a response document with the standard namespace
// declarations and returns it along with its Body element.
func newEnvelope(service ServiceType) (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	env := doc.CreateElement("soap:Envelope")
	env.CreateAttr("xmlns:soap", NSEnvelope)
	env.CreateAttr("xmlns:tt", NSSchema)
	if b, ok := serviceNamespaces[service]; ok {
		env.CreateAttr("xmlns:"+b.prefix, b.uri)
	}

	body := env.CreateElement("soap:Body")
	return doc, body
}

// GenerateResponse runs the response pipeline: envelope out, body out, the
// caller's content builder, then finalization. Every step is checked and any
// failure short-circuits with the output cleared.
func (c *Context) GenerateResponse(service ServiceType, build BodyBuilder) ([]byte, error) {
	c.response = ResponseState{Start: time.Now()}
	c.out = nil

	doc, body := newEnvelope(service)

	if err := build(body); err != nil {
		c.setError(err, "GenerateResponse", "body builder failed")
		c.response.End = time.Now()
		return nil, errors.Trace(err)
	}

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		c.setError(ErrSerializationFailed, "GenerateResponse", err.Error())
		c.response.End = time.Now()
		return nil, errors.Annotate(ErrSerializationFailed, err.Error())
	}
	if len(out) > MaxResponseSize {
		c.setError(ErrSerializationFailed, "GenerateResponse", "response exceeds size ceiling")
		c.response.End = time.Now()
		return nil, errors.Annotatef(ErrSerializationFailed,
			"response of %d bytes exceeds %d ceiling", len(out), MaxResponseSize)
	}

	c.out = out
	c.response.BytesWritten = len(out)
	c.response.End = time.Now()
	c.response.Finalized = true
	return out, nil
}

// Output returns the last finalized response, or nil.
func (c *Context) Output() []byte {
	if !c.response.Finalized {
		return nil
	}
	return c.out
}

// ActionResponse wraps build output in the conventional
// <prefix:ActionResponse> element for one operation.
func ActionResponse(service ServiceType, action string, fill func(resp *etree.Element)) BodyBuilder {
	return func(body *etree.Element) error {
		resp := body.CreateElement(PrefixFor(service) + ":" + action + "Response")
		if fill != nil {
			fill(resp)
		}
		return nil
	}
}
