package daemon

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/psaab/flowpipe/pkg/config"
	"github.com/psaab/flowpipe/pkg/conntrack"
	"github.com/psaab/flowpipe/pkg/dataplane/swdp"
	"github.com/psaab/flowpipe/pkg/device"
	"github.com/psaab/flowpipe/pkg/flow"
	"github.com/psaab/flowpipe/pkg/logging"
)

const buildConfig = `
system {
    mode-args "vnf,hws";
    queues 2;
    queue-depth 64;
}
resources {
    counters 64;
    shared { counter 4; meter 2; rss 1; }
}
ports {
    port 0 { interface eth0; }
    port 1 { pair 0; }
}
shared-resources {
    counter 1 { port 0; }
    meter 1 { cir 1000000; cbs 65536; algorithm rfc2698; eir 2000000; ebs 65536; }
    rss 1 { queues [ 0 1 ]; hash [ ipv4 udp ]; }
}
pipes {
    pipe root {
        port 0;
        type basic;
        root;
        match [ outer.ip4.dst ];
        monitor [ count ];
        counter 1;
        forward pipe filter;
        miss drop;
        entry dns { match-value outer.ip4.dst 10.0.0.53; }
        entry web { match-value outer.ip4.dst 10.0.0.80; forward port 1; }
    }
    pipe filter {
        port 0;
        type acl;
        match [ outer.ip4.src ];
        forward shared-rss 1;
        miss drop;
        entry lan { match-value outer.ip4.src 192.168.0.0/16; forward drop; }
        entry host { match-value outer.ip4.src 192.168.1.1; }
    }
    pipe sessions {
        port 1;
        type ct;
    }
}
connection-tracking {
    queues 1;
    sessions both 64;
    zone-bits 8;
    udp-timeout 30;
    tunnel vxlan;
    vxlan-port 8472;
    software-parsing;
}
`

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testBuilder(probed *[]string) *Builder {
	return &Builder{
		Driver: swdp.New(),
		Probe: func(ifname string) (device.Device, error) {
			if probed != nil {
				*probed = append(*probed, ifname)
			}
			return device.NewStatic(ifname, 4), nil
		},
		Logger: quietLogger(),
	}
}

func loadConfig(t *testing.T, text string) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfig(text)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestBuild(t *testing.T) {
	cfg := loadConfig(t, buildConfig)
	var probed []string
	rt, err := testBuilder(&probed).Build(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer rt.Close()

	if len(probed) != 1 || probed[0] != "eth0" {
		t.Errorf("probed = %v", probed)
	}
	if rt.Queues != 2 || len(rt.Ports) != 2 || len(rt.Pipes) != 3 || len(rt.Entries) != 4 {
		t.Fatalf("runtime: queues=%d ports=%d pipes=%d entries=%d",
			rt.Queues, len(rt.Ports), len(rt.Pipes), len(rt.Entries))
	}
	if rt.CT == nil || rt.CT.VxlanDstPort() != 8472 {
		t.Fatalf("ct = %v", rt.CT)
	}

	ports := make(map[uint16]flow.PortInfo)
	for _, p := range rt.Engine.Ports() {
		ports[p.ID] = p
	}
	if ports[0].Device != "eth0" || ports[1].Device != "sw" {
		t.Errorf("devices = %q %q", ports[0].Device, ports[1].Device)
	}
	if ports[0].PairID != 1 || ports[1].PairID != 0 {
		t.Errorf("pairs = %d %d", ports[0].PairID, ports[1].PairID)
	}

	// The forward target is created before the pipe that forwards to it.
	pipes, err := rt.Engine.Pipes(rt.Ports[0])
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range pipes {
		names = append(names, p.Name)
	}
	if got := strings.Join(names, ","); got != "filter,root" {
		t.Errorf("port 0 pipes = %s", got)
	}

	for key, h := range rt.Entries {
		st, err := rt.Engine.EntryStatus(h)
		if err != nil || st != flow.StatusSuccess {
			t.Errorf("%s: status %v err %v", key, st, err)
		}
	}

	res := rt.Engine.Resources()
	if len(res) != 3 {
		t.Fatalf("resources = %+v", res)
	}
	for _, r := range res {
		switch r.Type {
		case flow.ResourceCount:
			if r.Global || r.Bindings != 1 {
				t.Errorf("counter binding = %+v", r)
			}
		case flow.ResourceMeter, flow.ResourceRSS:
			if !r.Global {
				t.Errorf("%s not bound globally: %+v", r.Type, r)
			}
		}
	}

	if err := rt.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestBuildFailureTearsDown(t *testing.T) {
	tests := []struct {
		name string
		text string
		want error
	}{
		{
			name: "forward to root pipe",
			text: `ports { port 0; }
pipes {
    pipe a { port 0; root; forward pipe b; }
    pipe b { port 0; root; }
}`,
			want: flow.ErrInvalidValue,
		},
		{
			name: "undefined forward pipe",
			text: `ports { port 0; }
pipes { pipe a { port 0; forward pipe nowhere; } }`,
			want: flow.ErrNotFound,
		},
		{
			name: "pipe on missing port",
			text: `ports { port 0; }
pipes { pipe a { port 3; } }`,
			want: flow.ErrNotFound,
		},
		{
			name: "acl without match",
			text: `ports { port 0; }
pipes { pipe a { port 0; type acl; } }`,
			want: flow.ErrInvalidValue,
		},
		{
			name: "static entry on ct pipe",
			text: `ports { port 0; }
pipes { pipe a { port 0; type ct; entry x { forward drop; } } }
connection-tracking { sessions ipv4 8; }`,
			want: flow.ErrNotSupported,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := testBuilder(nil)
			_, err := b.Build(loadConfig(t, tt.text))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBuildProbeFailure(t *testing.T) {
	b := &Builder{
		Driver: swdp.New(),
		Probe: func(string) (device.Device, error) {
			return nil, errors.New("no such device")
		},
		Logger: quietLogger(),
	}
	_, err := b.Build(loadConfig(t, `system { mode-args "vnf"; }
ports { port 0 { interface eth9; } }`))
	if err == nil || !strings.Contains(err.Error(), "port 0: no such device") {
		t.Fatalf("err = %v", err)
	}
}

func TestPipeOrderLoop(t *testing.T) {
	cfg := loadConfig(t, `pipes {
    pipe a { forward pipe b; }
    pipe b { miss pipe c; }
    pipe c { entry x { forward pipe a; } }
}`)
	if _, err := pipeOrder(cfg.Pipes); !errors.Is(err, flow.ErrInvalidValue) ||
		!strings.Contains(err.Error(), "forwarding loop") {
		t.Fatalf("err = %v", err)
	}
}

func TestPipeOrder(t *testing.T) {
	cfg := loadConfig(t, `pipes {
    pipe a { forward pipe b; miss pipe c; }
    pipe b { forward pipe c; }
    pipe c { forward drop; }
    pipe d { forward port 0; }
}`)
	order, err := pipeOrder(cfg.Pipes)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, p := range order {
		names = append(names, p.Name)
	}
	if got := strings.Join(names, ","); got != "c,b,a,d" {
		t.Errorf("order = %s", got)
	}
}

func TestEngineConfig(t *testing.T) {
	cfg := loadConfig(t, `system {
    mode-args "vnf,hws,cpds";
    queues 3;
    queue-depth 256;
    acl-collisions 4;
    pipe-miss-monitor;
    rss-key "01:02:03:04";
}
resources { counters 10; meters 5; shared { mirror 2; crypto 1; } }`)
	fc, err := engineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if fc.Mode != "vnf,hws,cpds" || fc.Queues != 3 || fc.QueueDepth != 256 || fc.NrACLCollisions != 4 {
		t.Errorf("config = %+v", fc)
	}
	if fc.Flags&flow.CfgPipeMissMon == 0 {
		t.Error("pipe miss monitor flag not set")
	}
	if string(fc.RSSKey) != "\x01\x02\x03\x04" {
		t.Errorf("rss key = %x", fc.RSSKey)
	}
	if fc.Resources.NbCounters != 10 || fc.Resources.NbMeters != 5 {
		t.Errorf("resources = %+v", fc.Resources)
	}
	if fc.SharedResources[flow.ResourceMirror] != 2 || fc.SharedResources[flow.ResourceCrypto] != 1 {
		t.Errorf("shared = %v", fc.SharedResources)
	}
}

func TestCTConfig(t *testing.T) {
	cfg := loadConfig(t, `connection-tracking {
    queues 2;
    sessions ipv4 100;
    sessions ipv6 50;
    tcp-timeout 300;
    udp-timeout 20;
    asymmetric;
    stats;
    symmetric-hash;
    tunnel vxlan;
}`)
	fc := ctConfig(cfg.CT)
	if fc.NbArmQueues != 2 || fc.TCPTimeout != 300 || fc.UDPTimeout != 20 || fc.AgingCore != -1 {
		t.Errorf("ct config = %+v", fc)
	}
	if fc.NbArmSessions[flow.CTSessionIPv4] != 100 || fc.NbArmSessions[flow.CTSessionIPv6] != 50 {
		t.Errorf("sessions = %v", fc.NbArmSessions)
	}
	want := flow.CTFlagAsymmetric | flow.CTFlagStats
	if fc.Flags != want {
		t.Errorf("flags = %v, want %v", fc.Flags, want)
	}
	if fc.TunnelType != flow.TunVXLAN || fc.HashType != flow.CTHashSymmetric {
		t.Errorf("tunnel %v hash %v", fc.TunnelType, fc.HashType)
	}
}

func TestCTConfigManaged(t *testing.T) {
	cfg := loadConfig(t, `connection-tracking {
    sessions both 10;
    worker-stats;
    managed;
    direction reply { match-inner; zone-match-mask 0x0f; meta-modify-mask 0xf0; }
}`)
	fc := ctConfig(cfg.CT)
	if want := flow.CTFlagWorkerStats | flow.CTFlagManaged; fc.Flags != want {
		t.Errorf("flags = %v, want %v", fc.Flags, want)
	}
	want := flow.CTDirectionConfig{MatchInner: true, ZoneMatchMask: 0x0f, MetaModifyMask: 0xf0}
	if fc.Direction[0] != (flow.CTDirectionConfig{}) || fc.Direction[1] != want {
		t.Errorf("directions = %+v", fc.Direction)
	}
}

func TestRSSFlags(t *testing.T) {
	tests := []struct {
		in   []string
		want flow.RSSFlags
		err  bool
	}{
		{nil, defaultRSSFlags, false},
		{[]string{"ipv4"}, flow.RSSIPv4, false},
		{[]string{"ipv6", "tcp"}, flow.RSSIPv6 | flow.RSSTCP, false},
		{[]string{"sctp"}, 0, true},
	}
	for _, tt := range tests {
		got, err := rssFlags(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("rssFlags(%v) = %v, %v", tt.in, got, err)
		}
	}
}

func TestResourceConfig(t *testing.T) {
	tests := []struct {
		name string
		r    config.SharedResourceConfig
		want flow.ResourceConfig
		err  error
	}{
		{
			name: "counter",
			r:    config.SharedResourceConfig{Type: "counter", ID: 1},
			want: flow.CounterConfig{},
		},
		{
			name: "packet meter",
			r:    config.SharedResourceConfig{Type: "meter", ID: 1, CIR: 100, CBS: 10, LimitType: "packets"},
			want: flow.MeterConfig{Alg: flow.MeterRFC2697, LimitType: flow.MeterLimitPackets, CIR: 100, CBS: 10},
		},
		{
			name: "unknown algorithm",
			r:    config.SharedResourceConfig{Type: "meter", ID: 1, Algorithm: "leaky"},
			err:  flow.ErrInvalidValue,
		},
		{
			name: "mirror to pipe",
			r: config.SharedResourceConfig{Type: "mirror", ID: 1,
				Targets: []*config.ForwardConfig{{Kind: "pipe", Pipe: "x"}}},
			err: flow.ErrNotSupported,
		},
		{
			name: "crypto",
			r:    config.SharedResourceConfig{Type: "crypto", ID: 1},
			err:  flow.ErrNotSupported,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, rc, err := resourceConfig(&tt.r)
			if tt.err != nil {
				if !errors.Is(err, tt.err) {
					t.Fatalf("err = %v, want %v", err, tt.err)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if rc != tt.want {
				t.Errorf("config = %+v, want %+v", rc, tt.want)
			}
		})
	}
}

func TestCompletionRecorder(t *testing.T) {
	buf := logging.NewEventBuffer(8)
	now := time.Unix(1_700_000_000, 0)
	rec := completionRecorder(buf, map[flow.PortHandle]uint16{7: 3}, func() time.Time { return now })

	rec(conntrack.Target{Port: 7, Queue: 1}, flow.Completion{
		Entry: 0x20, Queue: 1, Op: flow.OpAdd, Status: flow.StatusSuccess, UserCtx: "root",
	})
	rec(conntrack.Target{Port: 7, Queue: 0}, flow.Completion{
		Entry: 0x21, Op: flow.OpAged, Status: flow.StatusError, Err: flow.ErrDriver,
	})

	got := buf.Latest(10)
	if len(got) != 2 {
		t.Fatalf("events = %+v", got)
	}
	if got[1].Port != 3 || got[1].Pipe != "root" || got[1].Op != "add" || !got[1].Time.Equal(now) {
		t.Errorf("first event = %+v", got[1])
	}
	if got[0].Pipe != "" || got[0].Status != "error" || got[0].Err == "" {
		t.Errorf("second event = %+v", got[0])
	}
}
