package server

import (
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/juju/errors"
	"github.com/rs/zerolog"

	"github.com/SridarDhandapani/onvifd/config"
	"github.com/SridarDhandapani/onvifd/platform"
	"github.com/SridarDhandapani/onvifd/service"
	"github.com/SridarDhandapani/onvifd/soap"
)

// Service endpoint paths. The SOAP services are POST-only; snapshot and
// utilization are plain GET resources.
const (
	pathDevice      = "/onvif/device_service"
	pathMedia       = "/onvif/media_service"
	pathPTZ         = "/onvif/ptz_service"
	pathImaging     = "/onvif/imaging_service"
	pathSnapshot    = "/onvif/snapshot.jpeg"
	pathUtilization = "/onvif/utilization"
)

// Counters are the server-wide atomic metrics.
type Counters struct {
	ActiveConnections int64
	TotalConnections  uint64
	TotalRequests     uint64
	TotalErrors       uint64
}

// Server routes parsed HTTP requests to the ONVIF service dispatchers, the
// snapshot source and the utilization endpoint.
type Server struct {
	store    *config.Store
	log      zerolog.Logger
	auth     *authenticator
	snapshot platform.SnapshotSource
	sysinfo  *platform.SysInfo

	handlers map[string]*service.Handler

	activeConns int64
	totalConns  uint64
	totalReqs   uint64
	totalErrs   uint64

	table *connTable

	loop *epollLoop
}

// New builds a server over the given store and service handlers. The
// handlers map is keyed by endpoint path.
func New(store *config.Store, handlers map[string]*service.Handler,
	snapshot platform.SnapshotSource, sysinfo *platform.SysInfo, log zerolog.Logger) *Server {

	maxConns := 100
	if v, err := store.GetInt(config.SectionServer, "max_connections"); err == nil {
		maxConns = v
	}

	s := &Server{
		store:    store,
		log:      log.With().Str("component", "http").Logger(),
		snapshot: snapshot,
		sysinfo:  sysinfo,
		handlers: handlers,
		table:    newConnTable(maxConns),
	}
	s.auth = newAuthenticator("onvifd", s.credentials)
	return s
}

func (s *Server) credentials() (string, string, bool, error) {
	enabled, err := s.store.GetBool(config.SectionONVIF, "auth_enabled")
	if err != nil {
		return "", "", false, errors.Trace(err)
	}
	if !enabled {
		return "", "", false, nil
	}
	user, err := s.store.GetString(config.SectionONVIF, "username")
	if err != nil {
		return "", "", false, errors.Trace(err)
	}
	pass, err := s.store.GetString(config.SectionONVIF, "password")
	if err != nil {
		return "", "", false, errors.Trace(err)
	}
	return user, pass, true, nil
}

// Stats returns a snapshot of the server-wide counters.
func (s *Server) Stats() Counters {
	return Counters{
		ActiveConnections: atomic.LoadInt64(&s.activeConns),
		TotalConnections:  atomic.LoadUint64(&s.totalConns),
		TotalRequests:     atomic.LoadUint64(&s.totalReqs),
		TotalErrors:       atomic.LoadUint64(&s.totalErrs),
	}
}

// processRequest turns one framed request into a response. It never returns
// nil: every outcome, including validation failures, has a concrete reply.
func (s *Server) processRequest(req *rawRequest) *httpResponse {
	atomic.AddUint64(&s.totalReqs, 1)
	path := string(req.path)

	resp := s.route(req, path)
	if resp.status >= 400 {
		atomic.AddUint64(&s.totalErrs, 1)
	}
	return resp
}

func (s *Server) route(req *rawRequest, path string) *httpResponse {
	switch path {
	case pathDevice, pathMedia, pathPTZ, pathImaging:
		if !req.isPost() {
			return plainResponse(400, "SOAP endpoints require POST", true)
		}
		return s.serveSOAP(req, path)
	case pathSnapshot:
		if !req.isGet() {
			return plainResponse(400, "snapshot requires GET", true)
		}
		return s.serveSnapshot()
	case pathUtilization:
		if !req.isGet() {
			return plainResponse(400, "utilization requires GET", true)
		}
		return s.serveUtilization()
	}

	s.log.Debug().Str("path", path).Msg("unknown path")
	return plainResponse(404, "Not Found", true)
}

func (s *Server) serveSOAP(req *rawRequest, path string) *httpResponse {
	if len(req.body) == 0 {
		return plainResponse(400, "empty SOAP body", true)
	}
	if err := soap.ValidateXML(req.body); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("rejected request body")
		return plainResponse(400, "invalid request body", true)
	}

	if resp := s.checkAuth(req, path); resp != nil {
		return resp
	}

	h := s.handlers[path]
	if h == nil {
		return plainResponse(404, "service not available", true)
	}

	op, err := soap.ExtractOperationName(req.body)
	if err != nil {
		return plainResponse(400, "malformed SOAP envelope", true)
	}

	var out service.Response
	action := h.Resolve(op)
	if err := h.HandleRequest(action, &service.Request{Action: op, Body: req.body}, &out); err != nil {
		s.log.Error().Err(err).Str("operation", op).Msg("dispatch failed")
		return plainResponse(500, "internal error", true)
	}

	return &httpResponse{
		status:      out.Status,
		contentType: out.ContentType,
		body:        out.Body,
	}
}

// checkAuth enforces authentication when enabled. A WS-Security token in the
// envelope satisfies it; otherwise HTTP Digest is required and a challenge
// is returned.
func (s *Server) checkAuth(req *rawRequest, path string) *httpResponse {
	user, pass, enabled, err := s.credentials()
	if err != nil {
		return plainResponse(500, "internal error", true)
	}
	if !enabled {
		return nil
	}

	// WS-Security UsernameToken takes precedence when present.
	ctx := soap.NewContext()
	if err := ctx.InitRequestParsing(req.body); err == nil {
		if token, terr := ctx.ParseUsernameToken(); terr == nil {
			if token.Username == user {
				if verr := token.Verify(pass); verr == nil {
					return nil
				}
			}
			s.log.Warn().Str("path", path).Msg("ws-security verification failed")
			return plainResponse(401, "authentication failed", false)
		}
	}

	if authz, ok := req.headerValue("Authorization"); ok {
		if err := s.auth.verify(string(authz), string(req.method), path); err == nil {
			return nil
		}
		s.log.Warn().Str("path", path).Msg("digest verification failed")
	}

	challenge, err := s.auth.challenge()
	if err != nil {
		return plainResponse(500, "internal error", true)
	}
	resp := plainResponse(401, "authentication required", false)
	resp.extraHeaders = append(resp.extraHeaders, challenge)
	return resp
}

func (s *Server) serveSnapshot() *httpResponse {
	if s.snapshot == nil {
		return plainResponse(503, "snapshot source not available", false)
	}
	jpeg, err := s.snapshot.Capture()
	if err != nil {
		s.log.Error().Err(err).Msg("snapshot capture failed")
		return plainResponse(500, "snapshot failed", false)
	}
	return &httpResponse{status: 200, contentType: "image/jpeg", body: jpeg}
}

func (s *Server) serveUtilization() *httpResponse {
	if s.sysinfo == nil {
		return plainResponse(503, "system stats not available", false)
	}
	stats, err := s.sysinfo.Sample()
	if err != nil {
		s.log.Error().Err(err).Msg("sampling system stats failed")
		return plainResponse(500, "stats unavailable", false)
	}
	body, err := json.Marshal(stats)
	if err != nil {
		return plainResponse(500, "stats unavailable", false)
	}
	return &httpResponse{status: 200, contentType: "application/json", body: body}
}

// handleReadable consumes newly arrived bytes on a connection and writes any
// complete responses. It returns false when the connection must close.
func (s *Server) handleReadable(c *conn, write func([]byte) error) bool {
	for {
		consumed, err := parseRequest((*c.buf)[:c.offset], &c.req)
		switch {
		case err == nil:
			// fall through to dispatch below
		case errors.Is(err, ErrIncomplete):
			c.setState(stateReadingHeaders)
			if c.offset >= len(*c.buf) {
				// Buffer full without a complete request; grow toward the
				// parse ceiling before giving up.
				if !c.grow() {
					write(plainResponse(413, "request too large", true).render())
					return false
				}
			}
			return true
		case errors.Is(err, ErrTooLarge):
			write(plainResponse(413, "request too large", true).render())
			return false
		default:
			write(plainResponse(400, "malformed request", true).render())
			return false
		}

		c.setState(stateProcessing)
		c.served++
		c.touch()

		resp := s.processRequest(&c.req)
		// The keep-alive ceiling and the client's own wish both force close.
		mustClose := resp.closeConn || c.req.wantsClose() || c.served >= maxKeepAliveRequests
		resp.closeConn = mustClose

		if err := write(resp.render()); err != nil {
			return false
		}
		if mustClose {
			return false
		}

		// Shift any pipelined remainder to the front of the buffer.
		rem := c.offset - consumed
		if rem > 0 {
			copy(*c.buf, (*c.buf)[consumed:c.offset])
		}
		c.offset = rem
		c.setState(stateReadingHeaders)
		if rem == 0 {
			return true
		}
	}
}

// Addr formats the listen address from the configured HTTP port.
func (s *Server) Addr() (string, error) {
	port, err := s.store.GetInt(config.SectionONVIF, "http_port")
	if err != nil {
		return "", errors.Trace(err)
	}
	return fmt.Sprintf(":%d", port), nil
}
