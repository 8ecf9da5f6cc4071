package service

import (
	"net/http"
	"testing"
	"time"

	"github.com/beevik/etree"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SridarDhandapani/onvifd/soap"
)

func okHandler(ctx *soap.Context, _ *Request, resp *Response) error {
	out, err := ctx.GenerateResponse(soap.ServiceDevice,
		soap.ActionResponse(soap.ServiceDevice, "GetHostname", nil))
	if err != nil {
		return err
	}
	resp.Body = out
	return nil
}

func failingHandler(_ *soap.Context, _ *Request, _ *Response) error {
	return errors.NotValidf("bad parameter")
}

func newTestHandler() *Handler {
	return NewHandler(soap.ServiceDevice, []Action{
		{ActionGetHostname, "GetHostname", okHandler, false},
		{ActionSetHostname, "SetHostname", failingHandler, false},
	}, zerolog.Nop())
}

func findTag(el *etree.Element, tag string) *etree.Element {
	for _, ch := range el.ChildElements() {
		if ch.Tag == tag {
			return ch
		}
		if found := findTag(ch, tag); found != nil {
			return found
		}
	}
	return nil
}

func faultReason(t *testing.T, body []byte) string {
	t.Helper()
	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(body))
	text := findTag(doc.Root(), "Text")
	require.NotNil(t, text)
	return text.Text()
}

func TestHandleRequestSuccess(t *testing.T) {
	h := newTestHandler()
	resp := &Response{}
	err := h.HandleRequest(ActionGetHostname, &Request{Action: "GetHostname"}, resp)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "application/soap+xml", resp.ContentType)
	assert.Contains(t, string(resp.Body), "GetHostnameResponse")

	st := h.SnapshotStats()
	assert.Equal(t, uint64(1), st.TotalRequests)
	assert.Equal(t, uint64(1), st.TotalSuccess)
}

func TestHandleRequestUnknownActionFault(t *testing.T) {
	h := newTestHandler()

	// Every unregistered action yields a well-formed Sender fault over 200,
	// never a crash or leaked error code.
	for _, action := range []ActionType{ActionUnknown, ActionGetProfiles, ActionAbsoluteMove} {
		resp := &Response{}
		err := h.HandleRequest(action, &Request{Action: "Bogus"}, resp)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.Status)

		doc := etree.NewDocument()
		require.NoError(t, doc.ReadFromBytes(resp.Body))
		require.NotNil(t, findTag(doc.Root(), "Fault"))
		assert.Contains(t, string(resp.Body), "soap:Sender")
	}
}

func TestHandleRequestHandlerErrorBecomesFault(t *testing.T) {
	h := newTestHandler()
	resp := &Response{}
	err := h.HandleRequest(ActionSetHostname, &Request{Action: "SetHostname"}, resp)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Contains(t, string(resp.Body), "soap:Sender")
	assert.Contains(t, faultReason(t, resp.Body), "bad parameter")

	st := h.SnapshotStats()
	assert.Equal(t, uint64(1), st.TotalErrors)
}

func TestHandleRequestRequiresBody(t *testing.T) {
	h := NewHandler(soap.ServiceDevice, []Action{
		{ActionSetHostname, "SetHostname", okHandler, true},
	}, zerolog.Nop())

	resp := &Response{}
	err := h.HandleRequest(ActionSetHostname, &Request{Action: "SetHostname"}, resp)
	require.NoError(t, err)
	assert.Contains(t, string(resp.Body), "soap:Sender")
}

func TestStatsRunningAverage(t *testing.T) {
	h := newTestHandler()
	for i := 0; i < 3; i++ {
		resp := &Response{}
		require.NoError(t, h.HandleRequest(ActionGetHostname, &Request{Action: "GetHostname"}, resp))
	}

	st := h.SnapshotStats()
	var entry *ActionStats
	for i := range st.Actions {
		if st.Actions[i].Name == "GetHostname" {
			entry = &st.Actions[i]
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, uint64(3), entry.CallCount)
	assert.Equal(t, uint64(0), entry.ErrorCount)
	assert.True(t, entry.AvgResponseTime >= 0)
}

func TestRunningAverageFormula(t *testing.T) {
	h := newTestHandler()

	// Drive recordOutcome directly with known samples.
	samples := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	for _, s := range samples {
		h.recordOutcome("GetHostname", s, nil)
	}

	st := h.SnapshotStats()
	for _, a := range st.Actions {
		if a.Name == "GetHostname" {
			assert.Equal(t, 20*time.Millisecond, a.AvgResponseTime)
		}
	}
}

func TestRegisterDuplicateRejected(t *testing.T) {
	h := newTestHandler()
	err := h.Register(Action{ActionGetHostname, "GetHostname", okHandler, false})
	assert.True(t, errors.IsAlreadyExists(err))

	err = h.Register(Action{Type: ActionGetProfiles})
	assert.True(t, errors.IsNotValid(err))
}

func TestRegisterUnregisterRoundTrip(t *testing.T) {
	h := newTestHandler()
	require.NoError(t, h.Register(Action{ActionGetProfiles, "GetProfiles", okHandler, false}))
	assert.Equal(t, ActionGetProfiles, h.Resolve("GetProfiles"))

	require.NoError(t, h.Unregister(ActionGetProfiles))
	assert.Equal(t, ActionUnknown, h.Resolve("GetProfiles"))

	err := h.Unregister(ActionGetProfiles)
	assert.True(t, errors.IsNotFound(err))
}

func TestUnregisterDropsStats(t *testing.T) {
	h := newTestHandler()
	require.NoError(t, h.Register(Action{ActionGetProfiles, "GetProfiles", okHandler, false}))
	require.NoError(t, h.HandleRequest(ActionGetProfiles, &Request{Action: "GetProfiles"}, &Response{}))
	require.NoError(t, h.Unregister(ActionGetProfiles))

	for _, a := range h.SnapshotStats().Actions {
		assert.NotEqual(t, "GetProfiles", a.Name)
	}

	// Re-registering starts counting from scratch.
	require.NoError(t, h.Register(Action{ActionGetProfiles, "GetProfiles", okHandler, false}))
	st := h.SnapshotStats()
	var entry *ActionStats
	for i := range st.Actions {
		if st.Actions[i].Name == "GetProfiles" {
			entry = &st.Actions[i]
		}
	}
	require.NotNil(t, entry)
	assert.Equal(t, uint64(0), entry.CallCount)
}

func TestResolve(t *testing.T) {
	h := newTestHandler()
	assert.Equal(t, ActionGetHostname, h.Resolve("GetHostname"))
	assert.Equal(t, ActionUnknown, h.Resolve("NoSuchOperation"))
}
