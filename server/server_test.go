package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SridarDhandapani/onvifd/config"
	"github.com/SridarDhandapani/onvifd/platform"
	"github.com/SridarDhandapani/onvifd/service"
)

func testServer(t *testing.T) (*Server, *config.Store) {
	t.Helper()
	store := config.NewStore(filepath.Join(t.TempDir(), "cfg.ini"), zerolog.Nop())
	require.NoError(t, store.Bootstrap())

	snapshotPath := filepath.Join(t.TempDir(), "frame.jpeg")
	require.NoError(t, os.WriteFile(snapshotPath, []byte("\xff\xd8jpegdata"), 0o644))

	host := func() string { return "127.0.0.1" }
	handlers := map[string]*service.Handler{
		pathDevice: service.NewDeviceHandler(store, host, zerolog.Nop()),
		pathMedia:  service.NewMediaHandler(store, host, zerolog.Nop()),
	}
	srv := New(store, handlers, &platform.FileSnapshotSource{Path: snapshotPath},
		platform.NewSysInfo(), zerolog.Nop())
	return srv, store
}

func parsed(t *testing.T, raw []byte) *rawRequest {
	t.Helper()
	req := &rawRequest{}
	_, err := parseRequest(raw, req)
	require.NoError(t, err)
	return req
}

func soapEnvelope(inner string) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<s:Envelope xmlns:s="http://www.w3.org/2003/05/soap-envelope"
            xmlns:tds="http://www.onvif.org/ver10/device/wsdl">
  <s:Body>%s</s:Body>
</s:Envelope>`, inner)
}

func TestRouteUnknownPath(t *testing.T) {
	srv, _ := testServer(t)
	req := parsed(t, request("GET", "/nonexistent", nil, ""))
	resp := srv.processRequest(req)
	assert.Equal(t, 404, resp.status)
	assert.True(t, resp.closeConn)
}

func TestRouteUnknownServicePath(t *testing.T) {
	srv, _ := testServer(t)
	body := soapEnvelope("<tds:GetDeviceInformation/>")
	req := parsed(t, request("POST", "/onvif/unknown_service", nil, body))
	resp := srv.processRequest(req)
	assert.Equal(t, 404, resp.status)
	assert.True(t, resp.closeConn)
}

func TestRouteSOAPRequiresPOST(t *testing.T) {
	srv, _ := testServer(t)
	req := parsed(t, request("GET", pathDevice, nil, ""))
	resp := srv.processRequest(req)
	assert.Equal(t, 400, resp.status)
	assert.True(t, resp.closeConn)
}

func TestRouteDeviceOperation(t *testing.T) {
	srv, _ := testServer(t)
	body := soapEnvelope("<tds:GetDeviceInformation/>")
	req := parsed(t, request("POST", pathDevice, nil, body))

	resp := srv.processRequest(req)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, "application/soap+xml", resp.contentType)
	assert.Contains(t, string(resp.body), "GetDeviceInformationResponse")
}

func TestRouteUnknownOperationFaults(t *testing.T) {
	srv, _ := testServer(t)
	body := soapEnvelope("<tds:NoSuchOperation/>")
	req := parsed(t, request("POST", pathDevice, nil, body))

	// Unknown operations stay in-band: SOAP fault over HTTP 200.
	resp := srv.processRequest(req)
	assert.Equal(t, 200, resp.status)
	assert.Contains(t, string(resp.body), "soap:Fault")
	assert.Contains(t, string(resp.body), "ActionNotSupported")
}

func TestValidationFailuresTearDownConnection(t *testing.T) {
	srv, _ := testServer(t)

	cases := []struct {
		name   string
		raw    []byte
		status int
	}{
		{"empty body", request("POST", pathDevice, nil, ""), 400},
		{"unknown path", request("POST", "/onvif/unknown_service", nil, soapEnvelope("<tds:GetHostname/>")), 404},
		{"malformed envelope", request("POST", pathDevice, nil, "<NotAnEnvelope/>"), 400},
	}
	for _, tc := range cases {
		resp := srv.processRequest(parsed(t, tc.raw))
		assert.Equal(t, tc.status, resp.status, tc.name)
		assert.True(t, resp.closeConn, tc.name)
	}
}

func TestRouteRejectsDoctype(t *testing.T) {
	srv, _ := testServer(t)
	body := `<?xml version="1.0"?><!DOCTYPE foo [<!ENTITY x "y">]><Envelope/>`
	req := parsed(t, request("POST", pathDevice, nil, body))

	resp := srv.processRequest(req)
	assert.Equal(t, 400, resp.status)
}

func TestRouteSnapshot(t *testing.T) {
	srv, _ := testServer(t)
	req := parsed(t, request("GET", pathSnapshot, nil, ""))

	resp := srv.processRequest(req)
	assert.Equal(t, 200, resp.status)
	assert.Equal(t, "image/jpeg", resp.contentType)
	assert.Contains(t, string(resp.body), "jpegdata")
}

func TestRouteUtilizationJSON(t *testing.T) {
	srv, _ := testServer(t)
	req := parsed(t, request("GET", pathUtilization, nil, ""))

	resp := srv.processRequest(req)
	require.Equal(t, 200, resp.status)
	assert.Equal(t, "application/json", resp.contentType)

	var stats map[string]any
	require.NoError(t, json.Unmarshal(resp.body, &stats))
	for _, key := range []string{"cpu_usage", "memory_total", "memory_free", "uptime_ms", "timestamp"} {
		assert.Contains(t, stats, key)
	}
}

func TestAuthChallengeWhenEnabled(t *testing.T) {
	srv, store := testServer(t)
	require.NoError(t, store.SetBool(config.SectionONVIF, "auth_enabled", true))

	body := soapEnvelope("<tds:GetDeviceInformation/>")
	req := parsed(t, request("POST", pathDevice, nil, body))

	resp := srv.processRequest(req)
	assert.Equal(t, 401, resp.status)
	require.Len(t, resp.extraHeaders, 1)
	assert.Contains(t, resp.extraHeaders[0], "WWW-Authenticate: Digest")
	assert.Contains(t, resp.extraHeaders[0], `realm="onvifd"`)
}

func TestAuthDigestRoundTrip(t *testing.T) {
	srv, store := testServer(t)
	require.NoError(t, store.SetBool(config.SectionONVIF, "auth_enabled", true))

	challenge, err := srv.auth.challenge()
	require.NoError(t, err)
	nonce := extractField(t, challenge, "nonce")

	ha1 := md5hex("admin:onvifd:admin")
	ha2 := md5hex("POST:" + pathDevice)
	response := md5hex(ha1 + ":" + nonce + ":" + ha2)
	authz := fmt.Sprintf(`Digest username="admin", realm="onvifd", nonce="%s", uri="%s", response="%s"`,
		nonce, pathDevice, response)

	body := soapEnvelope("<tds:GetDeviceInformation/>")
	req := parsed(t, request("POST", pathDevice, map[string]string{"Authorization": authz}, body))

	resp := srv.processRequest(req)
	assert.Equal(t, 200, resp.status)
	assert.Contains(t, string(resp.body), "GetDeviceInformationResponse")
}

func TestAuthDigestWrongPassword(t *testing.T) {
	srv, store := testServer(t)
	require.NoError(t, store.SetBool(config.SectionONVIF, "auth_enabled", true))

	challenge, err := srv.auth.challenge()
	require.NoError(t, err)
	nonce := extractField(t, challenge, "nonce")

	ha1 := md5hex("admin:onvifd:wrong")
	ha2 := md5hex("POST:" + pathDevice)
	response := md5hex(ha1 + ":" + nonce + ":" + ha2)
	authz := fmt.Sprintf(`Digest username="admin", nonce="%s", uri="%s", response="%s"`,
		nonce, pathDevice, response)

	body := soapEnvelope("<tds:GetDeviceInformation/>")
	req := parsed(t, request("POST", pathDevice, map[string]string{"Authorization": authz}, body))

	resp := srv.processRequest(req)
	assert.Equal(t, 401, resp.status)
}

func extractField(t *testing.T, header, field string) string {
	t.Helper()
	marker := field + `="`
	idx := strings.Index(header, marker)
	require.GreaterOrEqual(t, idx, 0)
	rest := header[idx+len(marker):]
	end := strings.IndexByte(rest, '"')
	require.GreaterOrEqual(t, end, 0)
	return rest[:end]
}

func TestKeepAliveCeiling(t *testing.T) {
	srv, _ := testServer(t)

	c := &conn{fd: -1}
	c.ensureBuf()
	defer c.releaseBuf()

	var responses [][]byte
	write := func(out []byte) error {
		responses = append(responses, append([]byte(nil), out...))
		return nil
	}

	raw := request("GET", pathUtilization, nil, "")
	for i := 0; i < maxKeepAliveRequests; i++ {
		copy(*c.buf, raw)
		c.offset = len(raw)
		keepOpen := srv.handleReadable(c, write)
		if i < maxKeepAliveRequests-1 {
			require.True(t, keepOpen, "request %d should keep the connection open", i)
		} else {
			assert.False(t, keepOpen, "request at the ceiling must close")
		}
	}

	require.Len(t, responses, maxKeepAliveRequests)
	last := string(responses[len(responses)-1])
	assert.Contains(t, last, "Connection: close")
	assert.Contains(t, string(responses[0]), "Connection: keep-alive")
}

func TestHandleReadableIncompleteKeepsConnection(t *testing.T) {
	srv, _ := testServer(t)

	c := &conn{fd: -1}
	c.ensureBuf()
	defer c.releaseBuf()

	partial := []byte("POST /onvif/device_service HTTP/1.1\r\nContent-Le")
	copy(*c.buf, partial)
	c.offset = len(partial)

	keepOpen := srv.handleReadable(c, func([]byte) error { return nil })
	assert.True(t, keepOpen)
	assert.Equal(t, len(partial), c.offset)
}

func TestHandleReadableMalformedCloses(t *testing.T) {
	srv, _ := testServer(t)

	c := &conn{fd: -1}
	c.ensureBuf()
	defer c.releaseBuf()

	raw := []byte("BOGUS /x HTTP/1.1\r\n\r\n")
	copy(*c.buf, raw)
	c.offset = len(raw)

	var last []byte
	keepOpen := srv.handleReadable(c, func(out []byte) error {
		last = out
		return nil
	})
	assert.False(t, keepOpen)
	assert.Contains(t, string(last), "400")
}

func TestLargeRequestGrowsBuffer(t *testing.T) {
	srv, _ := testServer(t)

	padding := strings.Repeat("x", 100<<10)
	body := soapEnvelope("<tds:GetDeviceInformation/><!-- " + padding + " -->")
	raw := request("POST", pathDevice, nil, body)
	require.Greater(t, len(raw), connBufSize)

	c := &conn{fd: -1}
	c.ensureBuf()
	defer c.releaseBuf()

	var last []byte
	write := func(out []byte) error {
		last = append([]byte(nil), out...)
		return nil
	}

	// Feed the wire bytes the way a worker would: fill whatever space the
	// buffer has, let the handler grow it, repeat.
	for len(raw) > 0 {
		n := copy((*c.buf)[c.offset:], raw)
		require.Greater(t, n, 0)
		c.offset += n
		raw = raw[n:]
		require.True(t, srv.handleReadable(c, write))
	}

	require.NotNil(t, last)
	assert.Contains(t, string(last), "200 OK")
	assert.Contains(t, string(last), "GetDeviceInformationResponse")
}

func TestConnBufferGrowthCap(t *testing.T) {
	c := &conn{fd: -1}
	c.ensureBuf()
	defer c.releaseBuf()

	for c.grow() {
	}
	assert.Equal(t, maxConnBuf, len(*c.buf))
	assert.False(t, c.grow())
}

func TestSweeperSkipsOwnedConnections(t *testing.T) {
	table := newConnTable(4)
	c, ok := table.add(7)
	require.True(t, ok)
	c.lastActivity.Store(time.Now().Add(-time.Hour).UnixNano())

	// An owned connection is never a sweep candidate, even when idle.
	require.True(t, c.acquire())
	assert.Empty(t, table.stale(time.Minute))

	c.release()
	assert.Equal(t, []int{7}, table.stale(time.Minute))
}

func TestConnOwnershipIsExclusive(t *testing.T) {
	c := &conn{fd: -1}
	require.True(t, c.acquire())
	assert.False(t, c.acquire())
	c.release()
	assert.True(t, c.acquire())
}

func TestStaleScanConcurrentWithActivity(t *testing.T) {
	table := newConnTable(8)
	c, ok := table.add(9)
	require.True(t, ok)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			c.touch()
			c.setState(stateProcessing)
			c.setState(stateReadingHeaders)
		}
	}()
	for i := 0; i < 1000; i++ {
		table.stale(time.Minute)
	}
	<-done
}

func TestConnTableCap(t *testing.T) {
	table := newConnTable(2)
	_, ok := table.add(3)
	require.True(t, ok)
	_, ok = table.add(4)
	require.True(t, ok)
	_, ok = table.add(5)
	assert.False(t, ok)

	table.remove(3)
	_, ok = table.add(5)
	assert.True(t, ok)
	assert.Equal(t, 2, table.count())
}

func TestStatsCounters(t *testing.T) {
	srv, _ := testServer(t)

	srv.processRequest(parsed(t, request("GET", pathUtilization, nil, "")))
	srv.processRequest(parsed(t, request("GET", "/bogus", nil, "")))

	stats := srv.Stats()
	assert.Equal(t, uint64(2), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.TotalErrors)
}
