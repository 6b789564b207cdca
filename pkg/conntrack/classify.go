package conntrack

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/psaab/flowpipe/pkg/flow"
)

// Classification is the CT view of one packet.
type Classification struct {
	Tuple flow.Tuple
	Type  flow.CTMetaType
	// Found reports whether a session holds the tuple; Session and Reply
	// are only set then.
	Found   bool
	Reply   bool
	Session flow.CTSession
	// VNI is set when the tuple was taken from a VXLAN inner packet.
	Tunneled bool
	VNI      uint32
	// Queue is the queue that owns the connection.
	Queue uint16
}

// Classifier parses raw frames in software and matches them against the
// sessions of one port.
type Classifier struct {
	ct   *flow.CT
	port flow.PortHandle
	zone uint32

	mu      sync.Mutex
	eth     layers.Ethernet
	ip4     layers.IPv4
	ip6     layers.IPv6
	tcp     layers.TCP
	udp     layers.UDP
	vxlan   layers.VXLAN
	parser  *gopacket.DecodingLayerParser
	decoded []gopacket.LayerType
}

// NewClassifier returns a classifier for port ph. Packets are keyed in
// zone. Software parsing must be enabled in the CT configuration.
func NewClassifier(ct *flow.CT, ph flow.PortHandle, zone uint32) (*Classifier, error) {
	if ct == nil {
		return nil, fmt.Errorf("classifier: %w: connection tracking not initialized", flow.ErrBadState)
	}
	if ct.Config().Flags&flow.CTFlagSwPktParsing == 0 {
		return nil, fmt.Errorf("classifier: %w: software packet parsing disabled", flow.ErrNotSupported)
	}
	c := &Classifier{ct: ct, port: ph, zone: zone}
	c.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet,
		&c.eth, &c.ip4, &c.ip6, &c.tcp, &c.udp)
	c.parser.IgnoreUnsupported = true
	return c, nil
}

// Classify decodes an Ethernet frame and looks its tuple up.
func (c *Classifier) Classify(frame []byte) (Classification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var res Classification
	t, err := c.decode(frame)
	if err != nil {
		return res, err
	}
	if t.Proto == uint8(layers.IPProtocolUDP) && c.inner() && uint16(c.udp.DstPort) == c.ct.VxlanDstPort() {
		if err := c.vxlan.DecodeFromBytes(c.udp.Payload, gopacket.NilDecodeFeedback); err != nil {
			return res, fmt.Errorf("classify: %w: vxlan: %v", flow.ErrInvalidValue, err)
		}
		res.Tunneled = true
		res.VNI = c.vxlan.VNI
		if t, err = c.decode(c.vxlan.Payload); err != nil {
			return res, fmt.Errorf("inner packet: %w", err)
		}
	}
	res.Tuple = t
	res.Queue = c.ct.QueueOf(t)

	s, isReply, err := c.ct.Lookup(c.port, t)
	switch {
	case err == nil:
		res.Found, res.Reply, res.Session = true, isReply, s
	case !errors.Is(err, flow.ErrNotFound):
		return res, err
	}
	res.Type = c.metaType(t.Proto, res.Found)
	return res, nil
}

// inner reports whether VXLAN packets are keyed on their inner headers:
// always with a VXLAN tunnel type, and in managed mode when a direction
// asks for it.
func (c *Classifier) inner() bool {
	cfg := c.ct.Config()
	if cfg.TunnelType == flow.TunVXLAN {
		return true
	}
	return cfg.Flags&flow.CTFlagManaged != 0 && (cfg.Direction[0].MatchInner || cfg.Direction[1].MatchInner)
}

// decode parses one frame into a tuple. Called with c.mu held.
func (c *Classifier) decode(frame []byte) (flow.Tuple, error) {
	var t flow.Tuple
	if err := c.parser.DecodeLayers(frame, &c.decoded); err != nil {
		return t, fmt.Errorf("classify: %w: %v", flow.ErrInvalidValue, err)
	}
	var l3, l4 bool
	for _, lt := range c.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			t.Src, _ = netip.AddrFromSlice(c.ip4.SrcIP.To4())
			t.Dst, _ = netip.AddrFromSlice(c.ip4.DstIP.To4())
			t.Proto = uint8(c.ip4.Protocol)
			l3 = true
		case layers.LayerTypeIPv6:
			t.Src, _ = netip.AddrFromSlice(c.ip6.SrcIP)
			t.Dst, _ = netip.AddrFromSlice(c.ip6.DstIP)
			t.Proto = uint8(c.ip6.NextHeader)
			l3 = true
		case layers.LayerTypeTCP:
			t.SrcPort, t.DstPort = uint16(c.tcp.SrcPort), uint16(c.tcp.DstPort)
			l4 = true
		case layers.LayerTypeUDP:
			t.SrcPort, t.DstPort = uint16(c.udp.SrcPort), uint16(c.udp.DstPort)
			l4 = true
		}
	}
	if !l3 {
		return t, fmt.Errorf("classify: %w: not an IP packet", flow.ErrNotSupported)
	}
	if !l4 {
		return t, fmt.Errorf("classify: %w: protocol %d is not tracked", flow.ErrNotSupported, t.Proto)
	}
	t.Zone = c.zone
	return t, nil
}

// metaType derives the connection type: SYN or the first UDP packet
// opens, FIN or RST closes. Called with c.mu held after decode.
func (c *Classifier) metaType(proto uint8, found bool) flow.CTMetaType {
	if proto == uint8(layers.IPProtocolTCP) {
		switch {
		case c.tcp.RST || c.tcp.FIN:
			return flow.CTMetaEnd
		case c.tcp.SYN && !c.tcp.ACK && !found:
			return flow.CTMetaNew
		}
		return flow.CTMetaNone
	}
	if !found {
		return flow.CTMetaNew
	}
	return flow.CTMetaNone
}
