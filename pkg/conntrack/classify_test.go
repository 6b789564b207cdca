package conntrack

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/psaab/flowpipe/pkg/dataplane/swdp"
	"github.com/psaab/flowpipe/pkg/flow"
)

func ctEngine(t *testing.T, flags flow.CTFlags) (*flow.Engine, *flow.CT, flow.PortHandle) {
	t.Helper()
	return ctEngineWith(t, flow.CTConfig{
		NbArmSessions: [flow.CTSessionMax]uint32{flow.CTSessionBoth: 16},
		Flags:         flags,
		TunnelType:    flow.TunVXLAN,
		ZoneBits:      8,
	})
}

func ctEngineWith(t *testing.T, cfg flow.CTConfig) (*flow.Engine, *flow.CT, flow.PortHandle) {
	t.Helper()
	e, err := flow.New(flow.Config{Mode: "vnf", Queues: 1, Logger: quietLogger()}, swdp.New())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Destroy() })
	ct, err := e.InitCT(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ph, err := e.PortStart(flow.PortConfig{PortID: 0})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreatePipe(flow.PipeConfig{Attr: flow.PipeAttr{Type: flow.PipeCT}, Port: ph}, nil, nil); err != nil {
		t.Fatal(err)
	}
	return e, ct, ph
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func ethIP4(src, dst string, proto layers.IPProtocol) (*layers.Ethernet, *layers.IPv4) {
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.ParseIP(src).To4(),
		DstIP:    net.ParseIP(dst).To4(),
	}
	return eth, ip
}

func tcpFrame(t *testing.T, src, dst string, sport, dport uint16, set func(*layers.TCP)) []byte {
	t.Helper()
	eth, ip := ethIP4(src, dst, layers.IPProtocolTCP)
	tcp := &layers.TCP{SrcPort: layers.TCPPort(sport), DstPort: layers.TCPPort(dport), Window: 1024}
	if set != nil {
		set(tcp)
	}
	tcp.SetNetworkLayerForChecksum(ip)
	return serialize(t, eth, ip, tcp)
}

func udpLayers(src, dst string, sport, dport uint16) (*layers.Ethernet, *layers.IPv4, *layers.UDP) {
	eth, ip := ethIP4(src, dst, layers.IPProtocolUDP)
	udp := &layers.UDP{SrcPort: layers.UDPPort(sport), DstPort: layers.UDPPort(dport)}
	udp.SetNetworkLayerForChecksum(ip)
	return eth, ip, udp
}

func TestNewClassifierNeedsSwParsing(t *testing.T) {
	_, ct, ph := ctEngine(t, 0)
	_, err := NewClassifier(ct, ph, 0)
	if !errors.Is(err, flow.ErrNotSupported) {
		t.Fatalf("err = %v", err)
	}
	if _, err := NewClassifier(nil, ph, 0); !errors.Is(err, flow.ErrBadState) {
		t.Fatalf("nil ct: %v", err)
	}
}

func TestClassifyTCP(t *testing.T) {
	e, ct, ph := ctEngine(t, flow.CTFlagSwPktParsing)
	c, err := NewClassifier(ct, ph, 3)
	if err != nil {
		t.Fatal(err)
	}

	syn := tcpFrame(t, "10.0.0.1", "10.0.0.2", 40000, 80, func(l *layers.TCP) { l.SYN = true })
	res, err := c.Classify(syn)
	if err != nil {
		t.Fatal(err)
	}
	want := flow.Tuple{
		Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 40000, DstPort: 80, Proto: 6, Zone: 3,
	}
	if res.Tuple != want || res.Type != flow.CTMetaNew || res.Found {
		t.Fatalf("syn = %+v", res)
	}

	h, err := ct.AddEntry(ph, 0, 0, &res.Tuple, nil, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.EntriesProcess(ph, 0, 0, 0); err != nil {
		t.Fatal(err)
	}

	synAck := tcpFrame(t, "10.0.0.2", "10.0.0.1", 80, 40000, func(l *layers.TCP) { l.SYN, l.ACK = true, true })
	res, err = c.Classify(synAck)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Found || !res.Reply || res.Session.Handle != h || res.Type != flow.CTMetaNone {
		t.Fatalf("syn-ack = %+v", res)
	}

	fin := tcpFrame(t, "10.0.0.1", "10.0.0.2", 40000, 80, func(l *layers.TCP) { l.FIN, l.ACK = true, true })
	if res, _ = c.Classify(fin); res.Type != flow.CTMetaEnd || res.Reply {
		t.Fatalf("fin = %+v", res)
	}
	rst := tcpFrame(t, "10.0.0.9", "10.0.0.2", 1, 80, func(l *layers.TCP) { l.RST = true })
	if res, _ = c.Classify(rst); res.Type != flow.CTMetaEnd || res.Found {
		t.Fatalf("rst = %+v", res)
	}
}

func TestClassifyUDP(t *testing.T) {
	e, ct, ph := ctEngine(t, flow.CTFlagSwPktParsing)
	c, err := NewClassifier(ct, ph, 0)
	if err != nil {
		t.Fatal(err)
	}
	eth, ip, udp := udpLayers("10.0.0.1", "10.0.0.53", 5353, 53)
	frame := serialize(t, eth, ip, udp, gopacket.Payload([]byte("query")))
	res, err := c.Classify(frame)
	if err != nil {
		t.Fatal(err)
	}
	if res.Type != flow.CTMetaNew {
		t.Fatalf("first udp packet = %+v", res)
	}
	if _, err := ct.AddEntry(ph, 0, 0, &res.Tuple, nil, 0, 0, nil); err != nil {
		t.Fatal(err)
	}
	e.EntriesProcess(ph, 0, 0, 0)
	if res, _ = c.Classify(frame); res.Type != flow.CTMetaNone || !res.Found {
		t.Fatalf("second udp packet = %+v", res)
	}
}

func TestClassifyVXLAN(t *testing.T) {
	_, ct, ph := ctEngine(t, flow.CTFlagSwPktParsing)
	ct.SetVxlanDstPort(8472)
	c, err := NewClassifier(ct, ph, 0)
	if err != nil {
		t.Fatal(err)
	}
	oeth, oip, oudp := udpLayers("192.0.2.1", "192.0.2.2", 49152, 8472)
	ieth, iip := ethIP4("172.16.0.1", "172.16.0.2", layers.IPProtocolTCP)
	itcp := &layers.TCP{SrcPort: 1234, DstPort: 443, SYN: true, Window: 1024}
	itcp.SetNetworkLayerForChecksum(iip)
	frame := serialize(t, oeth, oip, oudp,
		&layers.VXLAN{ValidIDFlag: true, VNI: 42}, ieth, iip, itcp)

	res, err := c.Classify(frame)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Tunneled || res.VNI != 42 {
		t.Fatalf("tunnel = %+v", res)
	}
	if res.Tuple.Src != netip.MustParseAddr("172.16.0.1") || res.Tuple.DstPort != 443 || res.Type != flow.CTMetaNew {
		t.Fatalf("inner tuple = %+v", res)
	}
}

func TestClassifyRejects(t *testing.T) {
	_, ct, ph := ctEngine(t, flow.CTFlagSwPktParsing)
	c, err := NewClassifier(ct, ph, 0)
	if err != nil {
		t.Fatal(err)
	}
	eth, ip := ethIP4("10.0.0.1", "10.0.0.2", layers.IPProtocolICMPv4)
	icmp := serialize(t, eth, ip, &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(8, 0)})
	if _, err := c.Classify(icmp); !errors.Is(err, flow.ErrNotSupported) {
		t.Errorf("icmp: %v", err)
	}
	arp := serialize(t, &layers.Ethernet{
		SrcMAC: net.HardwareAddr{2, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		EthernetType: layers.EthernetTypeARP,
	}, gopacket.Payload(make([]byte, 28)))
	if _, err := c.Classify(arp); !errors.Is(err, flow.ErrNotSupported) {
		t.Errorf("arp: %v", err)
	}
}

func TestClassifyManagedMatchInner(t *testing.T) {
	oeth, oip, oudp := udpLayers("192.0.2.1", "192.0.2.2", 49152, flow.DefaultVxlanDstPort)
	ieth, iip := ethIP4("172.16.0.1", "172.16.0.2", layers.IPProtocolTCP)
	itcp := &layers.TCP{SrcPort: 1234, DstPort: 443, SYN: true, Window: 1024}
	itcp.SetNetworkLayerForChecksum(iip)
	frame := serialize(t, oeth, oip, oudp,
		&layers.VXLAN{ValidIDFlag: true, VNI: 7}, ieth, iip, itcp)

	for _, inner := range []bool{false, true} {
		cfg := flow.CTConfig{
			NbArmSessions: [flow.CTSessionMax]uint32{flow.CTSessionBoth: 16},
			Flags:         flow.CTFlagSwPktParsing | flow.CTFlagManaged,
			ZoneBits:      8,
		}
		cfg.Direction[0].MatchInner = inner
		_, ct, ph := ctEngineWith(t, cfg)
		c, err := NewClassifier(ct, ph, 0)
		if err != nil {
			t.Fatal(err)
		}
		res, err := c.Classify(frame)
		if err != nil {
			t.Fatal(err)
		}
		if res.Tunneled != inner || res.Queue != 0 {
			t.Errorf("match inner %t: %+v", inner, res)
		}
		if inner && res.Tuple.DstPort != 443 {
			t.Errorf("inner tuple = %v", res.Tuple)
		}
	}
}
