package soap

import (
	"time"

	"github.com/juju/errors"
)

// FaultCode is the SOAP 1.2 fault class: Sender for client-caused errors,
// Receiver for server-side failures.
type FaultCode string

const (
	FaultSender   FaultCode = "soap:Sender"
	FaultReceiver FaultCode = "soap:Receiver"
)

// Fault describes one SOAP 1.2 fault to be serialized.
type Fault struct {
	Code    FaultCode
	Subcode string
	Reason  string
	Role    string
	Detail  string
}

// GenerateFaultResponse serializes a well-formed SOAP 1.2 Fault. It is
// independent of the success path: passing a nil context makes it create and
// own a temporary one, cleaned up before return.
func GenerateFaultResponse(ctx *Context, service ServiceType, f Fault) ([]byte, error) {
	owned := ctx == nil
	if owned {
		ctx = NewContext()
	}
	if f.Code == "" {
		f.Code = FaultReceiver
	}
	if f.Reason == "" {
		f.Reason = "Internal error"
	}

	ctx.response = ResponseState{Start: time.Now()}
	ctx.out = nil

	doc, body := newEnvelope(service)
	fault := body.CreateElement("soap:Fault")

	code := fault.CreateElement("soap:Code")
	code.CreateElement("soap:Value").SetText(string(f.Code))
	if f.Subcode != "" {
		sub := code.CreateElement("soap:Subcode")
		sub.CreateElement("soap:Value").SetText(f.Subcode)
	}

	reason := fault.CreateElement("soap:Reason")
	text := reason.CreateElement("soap:Text")
	text.CreateAttr("xml:lang", "en")
	text.SetText(f.Reason)

	if f.Role != "" {
		fault.CreateElement("soap:Role").SetText(f.Role)
	}
	if f.Detail != "" {
		detail := fault.CreateElement("soap:Detail")
		detail.CreateElement("soap:Text").SetText(f.Detail)
	}

	doc.Indent(2)
	out, err := doc.WriteToBytes()
	if err != nil {
		ctx.setError(ErrSerializationFailed, "GenerateFaultResponse", err.Error())
		if owned {
			ctx.Reset()
		}
		return nil, errors.Annotate(ErrSerializationFailed, err.Error())
	}

	ctx.response.BytesWritten = len(out)
	ctx.response.End = time.Now()
	ctx.response.Finalized = true
	if owned {
		// The owned context dies here; the caller only gets the bytes.
		ctx.Reset()
	} else {
		ctx.out = out
	}
	return out, nil
}

// FaultFromError maps a handler error onto the fault taxonomy: client-caused
// conditions become Sender faults, everything else a Receiver fault.
func FaultFromError(err error) Fault {
	switch {
	case errors.IsNotValid(err), errors.IsNotFound(err), errors.IsBadRequest(err):
		return Fault{Code: FaultSender, Reason: err.Error()}
	case errors.IsNotSupported(err), errors.IsNotImplemented(err):
		return Fault{
			Code:    FaultSender,
			Subcode: "ter:ActionNotSupported",
			Reason:  err.Error(),
		}
	default:
		return Fault{Code: FaultReceiver, Reason: "Internal service error"}
	}
}
