// Package service implements the ONVIF service dispatch layer: per-service
// action tables, uniform statistics and fault wrapping around the action
// handlers, and the Device/Media/PTZ/Imaging handlers themselves.
package service

import (
	"net/http"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/SridarDhandapani/onvifd/soap"
)

// ActionType enumerates the dispatchable ONVIF operations.
type ActionType int

const (
	ActionUnknown ActionType = iota

	ActionGetDeviceInformation
	ActionGetCapabilities
	ActionGetSystemDateAndTime
	ActionGetServices
	ActionGetHostname
	ActionSetHostname

	ActionGetProfiles
	ActionGetVideoEncoderConfigurations
	ActionGetStreamURI
	ActionGetSnapshotURI

	ActionAbsoluteMove
	ActionRelativeMove
	ActionContinuousMove
	ActionStop
	ActionGetStatus
	ActionGetPresets
	ActionSetPreset
	ActionRemovePreset
	ActionGotoPreset

	ActionGetImagingSettings
	ActionSetImagingSettings
	ActionGetOptions
)

// Request is the SOAP payload handed to a handler after routing.
type Request struct {
	Action string
	Body   []byte
}

// Response is filled by the handler (or the dispatcher's fault paths) and
// written back by the HTTP layer.
type Response struct {
	Status      int
	ContentType string
	Body        []byte
}

// ActionHandler implements one ONVIF operation.
type ActionHandler func(ctx *soap.Context, req *Request, resp *Response) error

// Action binds one operation into a service's dispatch table.
type Action struct {
	Type         ActionType
	Name         string
	Handler      ActionHandler
	RequiresBody bool
}

// ActionStats accumulates per-action dispatch metrics.
type ActionStats struct {
	Name            string
	CallCount       uint64
	ErrorCount      uint64
	AvgResponseTime time.Duration
}

// Stats is the per-handler metrics block.
type Stats struct {
	TotalRequests uint64
	TotalErrors   uint64
	TotalSuccess  uint64
	Actions       []ActionStats
}

// Handler dispatches decoded actions for one ONVIF service. The action table
// is read-mostly; Register/Unregister support runtime extension.
type Handler struct {
	service soap.ServiceType
	log     zerolog.Logger

	mu      sync.Mutex
	actions []Action
	stats   Stats

	// dispatchMu serializes HandleRequest so concurrent workers never share
	// the scratch codec mid-request.
	dispatchMu sync.Mutex
	// codec is the per-handler scratch context, reset at the start of every
	// dispatch so no content leaks between requests.
	codec *soap.Context
}

// NewHandler creates a dispatcher for one service with its initial action
// table.
func NewHandler(service soap.ServiceType, actions []Action, log zerolog.Logger) *Handler {
	h := &Handler{
		service: service,
		log:     log.With().Str("component", "dispatch").Str("service", service.String()).Logger(),
		actions: append([]Action(nil), actions...),
		codec:   soap.NewContext(),
	}
	h.stats.Actions = make([]ActionStats, 0, len(actions))
	for _, a := range actions {
		h.stats.Actions = append(h.stats.Actions, ActionStats{Name: a.Name})
	}
	return h
}

// Service reports which ONVIF service this handler serves.
func (h *Handler) Service() soap.ServiceType { return h.service }

// Resolve maps an operation name to its action type, or ActionUnknown.
func (h *Handler) Resolve(name string) ActionType {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range h.actions {
		if a.Name == name {
			return a.Type
		}
	}
	return ActionUnknown
}

// Register adds an action to the dispatch table at runtime. Duplicate types
// or names are rejected.
func (h *Handler) Register(action Action) error {
	if action.Handler == nil || action.Name == "" || action.Type == ActionUnknown {
		return errors.NotValidf("action registration")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, a := range h.actions {
		if a.Type == action.Type || a.Name == action.Name {
			return errors.AlreadyExistsf("action %s", action.Name)
		}
	}
	h.actions = append(h.actions, action)
	h.stats.Actions = append(h.stats.Actions, ActionStats{Name: action.Name})
	return nil
}

// Unregister removes an action from the dispatch table.
func (h *Handler) Unregister(actionType ActionType) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, a := range h.actions {
		if a.Type == actionType {
			h.actions = append(h.actions[:i], h.actions[i+1:]...)
			for j := range h.stats.Actions {
				if h.stats.Actions[j].Name == a.Name {
					h.stats.Actions = append(h.stats.Actions[:j], h.stats.Actions[j+1:]...)
					break
				}
			}
			return nil
		}
	}
	return errors.NotFoundf("action type %d", int(actionType))
}

// HandleRequest locates and invokes the handler for a decoded action.
// Unknown actions produce a well-formed Sender fault, never an error leak;
// handler failures become in-band SOAP faults on HTTP 200 per SOAP 1.2.
func (h *Handler) HandleRequest(action ActionType, req *Request, resp *Response) error {
	if req == nil || resp == nil {
		return errors.NotValidf("nil request or response")
	}

	h.dispatchMu.Lock()
	defer h.dispatchMu.Unlock()

	h.mu.Lock()
	var def *Action
	for i := range h.actions {
		if h.actions[i].Type == action {
			def = &h.actions[i]
			break
		}
	}
	if def == nil {
		h.mu.Unlock()
		h.log.Warn().Str("action", req.Action).Msg("unsupported action")
		return h.faultResponse(resp, soap.Fault{
			Code:    soap.FaultSender,
			Subcode: "ter:ActionNotSupported",
			Reason:  "Unsupported action",
			Detail:  req.Action,
		})
	}
	run := *def
	h.stats.TotalRequests++
	h.mu.Unlock()

	// Fresh scratch state for every dispatch.
	h.codec.Reset()

	var err error
	start := time.Now()
	if run.RequiresBody && len(req.Body) == 0 {
		err = errors.NotValidf("missing request body for %s", run.Name)
	} else {
		if len(req.Body) > 0 {
			err = h.codec.InitRequestParsing(req.Body)
		}
		if err == nil {
			err = run.Handler(h.codec, req, resp)
		}
	}
	elapsed := time.Since(start)

	h.recordOutcome(run.Name, elapsed, err)

	if err != nil {
		fault := soap.FaultFromError(err)
		h.log.Error().
			Str("action", run.Name).
			Err(err).
			Str("fault_code", string(fault.Code)).
			Dur("elapsed", elapsed).
			Msg("action handler failed")
		return h.faultResponse(resp, fault)
	}

	if resp.Status == 0 {
		resp.Status = http.StatusOK
	}
	if resp.ContentType == "" {
		resp.ContentType = "application/soap+xml"
	}
	return nil
}

// recordOutcome updates the per-action stats entry under the handler mutex.
// The average response time is a running mean.
func (h *Handler) recordOutcome(name string, elapsed time.Duration, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err != nil {
		h.stats.TotalErrors++
	} else {
		h.stats.TotalSuccess++
	}

	for i := range h.stats.Actions {
		if h.stats.Actions[i].Name != name {
			continue
		}
		st := &h.stats.Actions[i]
		st.CallCount++
		if err != nil {
			st.ErrorCount++
		}
		n := time.Duration(st.CallCount)
		st.AvgResponseTime = (st.AvgResponseTime*(n-1) + elapsed) / n
		return
	}
}

// faultResponse serializes a fault into resp. SOAP faults ride HTTP 200; only
// a failure to build the fault itself surfaces as a server error.
func (h *Handler) faultResponse(resp *Response, fault soap.Fault) error {
	out, err := soap.GenerateFaultResponse(nil, h.service, fault)
	if err != nil {
		resp.Status = http.StatusInternalServerError
		resp.ContentType = "text/plain"
		resp.Body = []byte("fault generation failed")
		return errors.Trace(err)
	}
	resp.Status = http.StatusOK
	resp.ContentType = "application/soap+xml"
	resp.Body = out
	return nil
}

// SnapshotStats returns a copy of the stats block.
func (h *Handler) SnapshotStats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.stats
	out.Actions = append([]ActionStats(nil), h.stats.Actions...)
	return out
}
