package config

import (
	"slices"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
system {
    mode-args "vnf,hws";
    queues 4;
    queue-depth 128;
    dataplane-type sw;
    syslog {
        host 192.0.2.10 { facility local3; severity warning; }
    }
}
resources {
    counters 1024;
    meters 64;
    shared { counter 16; meter 8; mirror 2; rss 2; crypto 0; }
}
ports {
    port 0 { interface eth0; }
    port 1 { interface eth1; pair 0; }
}
shared-resources {
    counter 1 { port 0; }
    meter 2 { cir 1000000; cbs 65536; algorithm rfc2697; port 0; }
    rss 1 { queues [ 0 1 2 3 ]; hash [ ipv4 tcp ]; port 0; }
    mirror 1 { target port 1; port 0; }
}
pipes {
    pipe root {
        port 0;
        type basic;
        root;
        match [ outer.ip4.dst outer.l4.dst_port ];
        match-value outer.ip4.proto 6;
        monitor [ count aging ];
        aging 30;
        counter 1;
        forward port 1;
        miss drop;
        entry web {
            match-value outer.ip4.dst 10.0.0.1;
            match-value outer.l4.dst_port 80;
            forward pipe sessions;
        }
    }
    pipe sessions {
        port 0;
        type ct;
        forward rss 0 1;
        miss pipe root;
    }
}
connection-tracking {
    queues 2;
    sessions ipv4 65536;
    zone-bits 8;
    action-bits 4;
    user-bits 8;
    tcp-timeout 300;
    udp-timeout 30;
    aging-interval 1;
}
api {
    http 127.0.0.1:8080;
    grpc 127.0.0.1:50051;
}
`

func TestCompileSample(t *testing.T) {
	cfg, err := LoadConfig(sampleConfig)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Warnings) > 0 {
		t.Errorf("warnings: %v", cfg.Warnings)
	}

	sys := cfg.System
	if sys.ModeArgs != "vnf,hws" || sys.Queues != 4 || sys.QueueDepth != 128 || sys.DataplaneType != "sw" {
		t.Errorf("system = %+v", sys)
	}
	if len(sys.Syslog) != 1 || sys.Syslog[0].Host != "192.0.2.10" || sys.Syslog[0].Severity != "warning" {
		t.Errorf("syslog = %+v", sys.Syslog)
	}
	if cfg.Resources.Counters != 1024 || cfg.Resources.Shared["meter"] != 8 {
		t.Errorf("resources = %+v", cfg.Resources)
	}
	if v, ok := cfg.Resources.Shared["crypto"]; !ok || v != 0 {
		t.Errorf("crypto quota = %d, %v", v, ok)
	}

	if len(cfg.Ports) != 2 || cfg.Ports[0].Pair != -1 || cfg.Ports[1].Pair != 0 || cfg.Ports[1].Interface != "eth1" {
		t.Errorf("ports = %+v %+v", cfg.Ports[0], cfg.Ports[1])
	}

	if len(cfg.SharedResources) != 4 {
		t.Fatalf("shared resources = %d", len(cfg.SharedResources))
	}
	meter := cfg.SharedResources[1]
	if meter.Type != "meter" || meter.ID != 2 || meter.CIR != 1000000 || meter.CBS != 65536 ||
		meter.Algorithm != "rfc2697" || !slices.Equal(meter.BindPorts, []uint16{0}) {
		t.Errorf("meter = %+v", meter)
	}
	rss := cfg.SharedResources[2]
	if !slices.Equal(rss.Queues, []uint16{0, 1, 2, 3}) || !slices.Equal(rss.Hash, []string{"ipv4", "tcp"}) {
		t.Errorf("rss = %+v", rss)
	}
	if m := cfg.SharedResources[3]; len(m.Targets) != 1 || m.Targets[0].Kind != "port" || m.Targets[0].Port != 1 {
		t.Errorf("mirror = %+v", m)
	}

	root := cfg.FindPipe("root")
	if root == nil {
		t.Fatal("pipe root missing")
	}
	if !root.Root || root.Type != "basic" || root.Domain != "default" || root.AgingSec != 30 || root.CounterID != 1 {
		t.Errorf("root = %+v", root)
	}
	if !slices.Equal(root.Match, []string{"outer.ip4.dst", "outer.l4.dst_port"}) ||
		!slices.Equal(root.Monitor, []string{"count", "aging"}) {
		t.Errorf("root match/monitor = %v %v", root.Match, root.Monitor)
	}
	if root.MatchValues[0] != (FieldValue{"outer.ip4.proto", "6"}) {
		t.Errorf("match values = %v", root.MatchValues)
	}
	if root.Forward.Kind != "port" || root.Forward.Port != 1 || root.Miss.Kind != "drop" {
		t.Errorf("root forward = %+v miss = %+v", root.Forward, root.Miss)
	}
	if len(root.Entries) != 1 || root.Entries[0].Forward.Pipe != "sessions" || len(root.Entries[0].Values) != 2 {
		t.Errorf("entries = %+v", root.Entries)
	}
	sessions := cfg.FindPipe("sessions")
	if sessions.Type != "ct" || !slices.Equal(sessions.Forward.Queues, []uint16{0, 1}) || sessions.Miss.Pipe != "root" {
		t.Errorf("sessions = %+v", sessions)
	}

	ct := cfg.CT
	if ct == nil {
		t.Fatal("connection-tracking missing")
	}
	if ct.Queues != 2 || ct.Sessions["ipv4"] != 65536 || ct.ZoneBits != 8 || ct.TCPTimeout != 300 ||
		ct.UDPTimeout != 30 || ct.AgingInterval != time.Second || ct.AgingCore != -1 || !ct.AutoRemove {
		t.Errorf("ct = %+v", ct)
	}
	if cfg.API.HTTP != "127.0.0.1:8080" || cfg.API.GRPC != "127.0.0.1:50051" {
		t.Errorf("api = %+v", cfg.API)
	}
}

func TestCompileCTManaged(t *testing.T) {
	cfg, err := LoadConfig(`
connection-tracking {
    sessions both 1024;
    worker-stats;
    managed;
    direction origin { zone-match-mask 0xff; }
    direction reply { match-inner; meta-modify-mask 0xf0; }
}
`)
	if err != nil {
		t.Fatal(err)
	}
	ct := cfg.CT
	if !ct.WorkerStats || !ct.Managed {
		t.Errorf("ct = %+v", ct)
	}
	want := [2]CTDirection{
		{ZoneMatchMask: 0xff},
		{MatchInner: true, MetaModifyMask: 0xf0},
	}
	if ct.Direction != want {
		t.Errorf("directions = %+v, want %+v", ct.Direction, want)
	}
}

func TestCompileAPI(t *testing.T) {
	cfg, err := LoadConfig(`
api {
    http 127.0.0.1:8080;
    https 0.0.0.0:8443;
    cert-dir /var/lib/flowpipe/tls;
    api-key k1;
    user ops s3cret;
}
`)
	if err != nil {
		t.Fatal(err)
	}
	api := cfg.API
	if api.HTTPS != "0.0.0.0:8443" || api.CertDir != "/var/lib/flowpipe/tls" || api.Users["ops"] != "s3cret" {
		t.Errorf("api = %+v", api)
	}
	if _, err := LoadConfig("api { user ops; }"); err == nil || !strings.Contains(err.Error(), "<name> <password>") {
		t.Errorf("user without password: %v", err)
	}
}

func TestCompileDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.System.ModeArgs != DefaultModeArgs || cfg.System.Queues != DefaultQueues || cfg.System.QueueDepth != DefaultQueueDepth ||
		cfg.System.DataplaneType != "sw" || cfg.CT != nil {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"unknown top level", "bogus { }", `unknown statement "bogus"`},
		{"zero queues", "system { queues 0; }", "at least 1"},
		{"bad number", "system { queue-depth lots; }", `invalid value "lots"`},
		{"dataplane", "system { dataplane-type dpdk; }", "unknown dataplane-type"},
		{"shared type", "resources { shared { tunnel 1; } }", "unknown shared resource type"},
		{"duplicate port", "ports { port 1; port 1; }", "defined twice"},
		{"duplicate pipe", "pipes { pipe a { port 0; } pipe a { port 0; } }", `pipe "a" defined twice`},
		{"pipe type", "pipes { pipe a { type tree; } }", "unknown pipe type"},
		{"forward target", "pipes { pipe a { forward nowhere; } }", "unknown target"},
		{"forward port", "pipes { pipe a { forward port x; } }", "invalid port"},
		{"entry field", "pipes { pipe a { entry e { match-value outer.ip4.dst; } } }", "expected <field> <value>"},
		{"shared id zero", "shared-resources { counter 0; }", "at least 1"},
		{"ct without sessions", "connection-tracking { zone-bits 8; }", "no sessions"},
		{"ct session type", "connection-tracking { sessions ipx 1; }", "unknown type"},
		{"ct tunnel", "connection-tracking { sessions both 1; tunnel gre; }", "unknown tunnel"},
		{"ct direction", "connection-tracking { sessions both 1; managed; direction sideways { } }", "unknown direction"},
		{"ct direction unmanaged", "connection-tracking { sessions both 1; direction reply { match-inner; } }", "needs managed mode"},
		{"ct managed tunnel", "connection-tracking { sessions both 1; managed; tunnel vxlan; }", "managed mode excludes"},
		{"ct asymmetric counter", "connection-tracking { sessions both 1; asymmetric-counter; }", "needs stats"},
		{"parse error", "system { queues 4 }", "missing ';'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(tt.input)
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	cfg, err := LoadConfig(`
resources { shared { counter 1; } }
ports { port 0 { pair 5; } }
shared-resources { counter 2 { port 3; } }
pipes {
    pipe a {
        port 1;
        match [ outer.ip4.dst ];
        counter 9;
        forward pipe missing;
        entry e { match-value outer.ip6.dst ::1; forward port 7; }
    }
}
connection-tracking { sessions both 10; }
`)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"port 0: pair port 5 not defined",
		"shared counter 2: id exceeds the configured quota 1",
		"shared counter 2: port 3 not defined",
		`pipe "a": port 1 not defined`,
		`pipe "a": shared counter 9 not defined`,
		`pipe "a": forward pipe "missing" not defined`,
		`pipe "a" entry "e": forward port 7 not defined`,
		`pipe "a" entry "e": field outer.ip6.dst is not in the pipe match`,
		"connection-tracking: no pipe of type ct",
	}
	if !slices.Equal(cfg.Warnings, want) {
		t.Errorf("warnings:\n%s\nwant:\n%s", strings.Join(cfg.Warnings, "\n"), strings.Join(want, "\n"))
	}
}
