// Package discovery implements the WS-Discovery responder: multicast
// Hello/Bye announcements and unicast ProbeMatch replies that let ONVIF
// clients find the camera without prior configuration.
package discovery

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/beevik/etree"
	"github.com/gofrs/uuid"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
)

const (
	multicastGroup = "239.255.255.250"

	// helloInterval re-announces presence so clients that missed the
	// initial Hello still find the device.
	helloInterval = 5 * time.Minute

	// shutdownGrace bounds how long Stop waits for the receive loop before
	// giving up on a clean exit.
	shutdownGrace = 2 * time.Second

	nsDiscovery  = "http://schemas.xmlsoap.org/ws/2005/04/discovery"
	nsAddressing = "http://schemas.xmlsoap.org/ws/2004/08/addressing"
	nsEnvelope   = "http://www.w3.org/2003/05/soap-envelope"

	deviceTypes = "dn:NetworkVideoTransmitter"
)

// endpointNamespace seeds the deterministic device UUID so the endpoint
// address survives restarts.
var endpointNamespace = uuid.NewV5(uuid.NamespaceDNS, "onvifd.local")

// Config carries everything the responder needs to describe the device.
type Config struct {
	Port         int
	XAddr        string
	Name         string
	Hardware     string
	Location     string
	ListenPacket func(network, address string) (net.PacketConn, error)
}

// Responder answers WS-Discovery traffic on the multicast group.
type Responder struct {
	cfg Config
	log zerolog.Logger

	endpointID uuid.UUID
	instanceID int64
	msgSeq     uint64

	mu     sync.Mutex
	conn   net.PacketConn
	done   chan struct{}
	exited chan struct{}
}

// NewResponder builds a responder. The endpoint UUID is derived from the
// advertised name so it is stable across restarts.
func NewResponder(cfg Config, log zerolog.Logger) *Responder {
	if cfg.ListenPacket == nil {
		cfg.ListenPacket = net.ListenPacket
	}
	seed := cfg.Name
	if seed == "" {
		seed = "onvifd"
	}
	return &Responder{
		cfg:        cfg,
		log:        log.With().Str("component", "discovery").Logger(),
		endpointID: uuid.NewV5(endpointNamespace, seed),
		instanceID: time.Now().Unix(),
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
	}
}

func (r *Responder) joinGroups(pc *ipv4.PacketConn) {
	group := net.ParseIP(multicastGroup)
	joined := false
	ifaces, _ := net.Interfaces()
	for i := range ifaces {
		iface := ifaces[i]
		if iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		if err := pc.JoinGroup(&iface, &net.UDPAddr{IP: group}); err == nil {
			joined = true
		}
	}
	if !joined {
		// Fall back to the default interface. A failed join is survivable:
		// unicast probes still work, multicast ones will not arrive.
		if err := pc.JoinGroup(nil, &net.UDPAddr{IP: group}); err != nil {
			r.log.Warn().Err(err).Msg("multicast join failed, probes may not arrive")
		}
	}
}

// EndpointAddress returns the stable urn:uuid endpoint reference.
func (r *Responder) EndpointAddress() string {
	return "urn:uuid:" + r.endpointID.String()
}

// Start joins the multicast group, sends the initial Hello and begins
// serving probes.
func (r *Responder) Start() error {
	conn, err := r.cfg.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", r.cfg.Port))
	if err != nil {
		return errors.Annotate(err, "binding discovery socket")
	}

	// ipv4.NewPacketConn requires a real socket; injected conns that are
	// not a net.Conn stay unicast-only.
	if _, ok := conn.(net.Conn); ok {
		r.joinGroups(ipv4.NewPacketConn(conn))
	} else {
		r.log.Warn().Msg("packet conn does not support multicast, probes may not arrive")
	}

	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()

	if err := r.sendHello(); err != nil {
		r.log.Warn().Err(err).Msg("initial hello failed")
	}

	go r.serve()
	go r.announceLoop()

	r.log.Info().Int("port", r.cfg.Port).Str("endpoint", r.EndpointAddress()).
		Msg("ws-discovery responder started")
	return nil
}

// Stop sends Bye and tears the responder down, escalating to a hard socket
// close when the receive loop does not exit within the grace period.
func (r *Responder) Stop() {
	select {
	case <-r.done:
		return
	default:
	}

	if err := r.sendBye(); err != nil {
		r.log.Warn().Err(err).Msg("bye failed")
	}
	close(r.done)

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	select {
	case <-r.exited:
	case <-time.After(shutdownGrace):
		r.log.Warn().Msg("receive loop did not exit in time, forcing close")
	}
	if conn != nil {
		conn.Close()
	}
	r.log.Info().Msg("ws-discovery responder stopped")
}

func (r *Responder) serve() {
	defer close(r.exited)
	buf := make([]byte, 64<<10)
	for {
		select {
		case <-r.done:
			return
		default:
		}

		r.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-r.done:
				return
			default:
				r.log.Debug().Err(err).Msg("discovery read failed")
				continue
			}
		}

		r.handlePacket(buf[:n], addr)
	}
}

func (r *Responder) announceLoop() {
	ticker := time.NewTicker(helloInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.sendHello(); err != nil {
				r.log.Warn().Err(err).Msg("periodic hello failed")
			}
		}
	}
}

// handlePacket answers Probe messages addressed to our device type with a
// unicast ProbeMatch; everything else is ignored.
func (r *Responder) handlePacket(pkt []byte, from net.Addr) {
	probe, ok := parseProbe(pkt)
	if !ok {
		return
	}
	if probe.Types != "" && !matchesTypes(probe.Types) {
		return
	}

	out, err := r.probeMatch(probe.MessageID)
	if err != nil {
		r.log.Error().Err(err).Msg("building probe match")
		return
	}
	if _, err := r.conn.WriteTo(out, from); err != nil {
		r.log.Warn().Err(err).Str("to", from.String()).Msg("probe match send failed")
		return
	}
	r.log.Debug().Str("to", from.String()).Msg("probe match sent")
}

// probeRequest is the subset of a WS-Discovery Probe we care about.
type probeRequest struct {
	MessageID string
	Types     string
}

func parseProbe(pkt []byte) (probeRequest, bool) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(pkt); err != nil {
		return probeRequest{}, false
	}
	root := doc.Root()
	if root == nil || root.Tag != "Envelope" {
		return probeRequest{}, false
	}

	var req probeRequest
	var probeFound bool
	for _, child := range root.ChildElements() {
		switch child.Tag {
		case "Header":
			for _, h := range child.ChildElements() {
				switch h.Tag {
				case "MessageID":
					req.MessageID = strings.TrimSpace(h.Text())
				case "Action":
					if !strings.HasSuffix(strings.TrimSpace(h.Text()), "/Probe") {
						return probeRequest{}, false
					}
				}
			}
		case "Body":
			if probe := findByTag(child, "Probe"); probe != nil {
				probeFound = true
				if types := findByTag(probe, "Types"); types != nil {
					req.Types = strings.TrimSpace(types.Text())
				}
			}
		}
	}
	return req, probeFound
}

func findByTag(el *etree.Element, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			return child
		}
		if found := findByTag(child, tag); found != nil {
			return found
		}
	}
	return nil
}

// matchesTypes accepts probes for NetworkVideoTransmitter or the bare
// Device type regardless of namespace prefix.
func matchesTypes(types string) bool {
	for _, t := range strings.Fields(types) {
		if i := strings.IndexByte(t, ':'); i >= 0 {
			t = t[i+1:]
		}
		if t == "NetworkVideoTransmitter" || t == "Device" {
			return true
		}
	}
	return false
}

func (r *Responder) scopes() string {
	scopes := []string{
		"onvif://www.onvif.org/type/video_encoder",
		"onvif://www.onvif.org/type/ptz",
	}
	if r.cfg.Name != "" {
		scopes = append(scopes, "onvif://www.onvif.org/name/"+strings.ReplaceAll(r.cfg.Name, " ", "_"))
	}
	if r.cfg.Hardware != "" {
		scopes = append(scopes, "onvif://www.onvif.org/hardware/"+strings.ReplaceAll(r.cfg.Hardware, " ", "_"))
	}
	if r.cfg.Location != "" {
		scopes = append(scopes, "onvif://www.onvif.org/location/"+strings.ReplaceAll(r.cfg.Location, " ", "_"))
	}
	return strings.Join(scopes, " ")
}

func (r *Responder) sendHello() error {
	msg, err := r.announcement("Hello")
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.sendMulticast(msg))
}

func (r *Responder) sendBye() error {
	msg, err := r.announcement("Bye")
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(r.sendMulticast(msg))
}

func (r *Responder) sendMulticast(msg []byte) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errors.NotProvisionedf("responder socket")
	}
	dst := &net.UDPAddr{IP: net.ParseIP(multicastGroup), Port: r.cfg.Port}
	_, err := conn.WriteTo(msg, dst)
	return errors.Trace(err)
}

// announcement builds a Hello or Bye envelope.
func (r *Responder) announcement(kind string) ([]byte, error) {
	messageID, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Trace(err)
	}
	seq := atomic.AddUint64(&r.msgSeq, 1)

	doc, env := r.envelopeSkeleton()
	hdr := env.CreateElement("s:Header")
	hdr.CreateElement("a:Action").SetText(nsDiscovery + "/" + kind)
	hdr.CreateElement("a:MessageID").SetText("urn:uuid:" + messageID.String())
	hdr.CreateElement("a:To").SetText("urn:schemas-xmlsoap-org:ws:2005:04:discovery")
	appSeq := hdr.CreateElement("d:AppSequence")
	appSeq.CreateAttr("InstanceId", fmt.Sprintf("%d", r.instanceID))
	appSeq.CreateAttr("MessageNumber", fmt.Sprintf("%d", seq))

	body := env.CreateElement("s:Body")
	el := body.CreateElement("d:" + kind)
	ref := el.CreateElement("a:EndpointReference")
	ref.CreateElement("a:Address").SetText(r.EndpointAddress())
	if kind != "Bye" {
		el.CreateElement("d:Types").SetText(deviceTypes)
		el.CreateElement("d:Scopes").SetText(r.scopes())
		el.CreateElement("d:XAddrs").SetText(r.cfg.XAddr)
		el.CreateElement("d:MetadataVersion").SetText("1")
	}

	return serialize(doc)
}

// probeMatch builds the unicast reply to a Probe, relating it to the probe's
// MessageID.
func (r *Responder) probeMatch(relatesTo string) ([]byte, error) {
	messageID, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Trace(err)
	}
	seq := atomic.AddUint64(&r.msgSeq, 1)

	doc, env := r.envelopeSkeleton()
	hdr := env.CreateElement("s:Header")
	hdr.CreateElement("a:Action").SetText(nsDiscovery + "/ProbeMatches")
	hdr.CreateElement("a:MessageID").SetText("urn:uuid:" + messageID.String())
	if relatesTo != "" {
		hdr.CreateElement("a:RelatesTo").SetText(relatesTo)
	}
	hdr.CreateElement("a:To").SetText(nsAddressing + "/role/anonymous")
	appSeq := hdr.CreateElement("d:AppSequence")
	appSeq.CreateAttr("InstanceId", fmt.Sprintf("%d", r.instanceID))
	appSeq.CreateAttr("MessageNumber", fmt.Sprintf("%d", seq))

	body := env.CreateElement("s:Body")
	matches := body.CreateElement("d:ProbeMatches")
	match := matches.CreateElement("d:ProbeMatch")
	ref := match.CreateElement("a:EndpointReference")
	ref.CreateElement("a:Address").SetText(r.EndpointAddress())
	match.CreateElement("d:Types").SetText(deviceTypes)
	match.CreateElement("d:Scopes").SetText(r.scopes())
	match.CreateElement("d:XAddrs").SetText(r.cfg.XAddr)
	match.CreateElement("d:MetadataVersion").SetText("1")

	return serialize(doc)
}

func (r *Responder) envelopeSkeleton() (*etree.Document, *etree.Element) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	env := doc.CreateElement("s:Envelope")
	env.CreateAttr("xmlns:s", nsEnvelope)
	env.CreateAttr("xmlns:a", nsAddressing)
	env.CreateAttr("xmlns:d", nsDiscovery)
	env.CreateAttr("xmlns:dn", "http://www.onvif.org/ver10/network/wsdl")
	return doc, env
}

func serialize(doc *etree.Document) ([]byte, error) {
	out, err := doc.WriteToBytes()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return out, nil
}
