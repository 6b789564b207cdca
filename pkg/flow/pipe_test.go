package flow

import (
	"strings"
	"testing"

	"github.com/psaab/flowpipe/pkg/device"
)

func TestDestroyPipeInUse(t *testing.T) {
	f := newFixture(t, nil)
	ph := f.port(t, 0)
	pipe := f.basicPipe(t, ph, "root", nil)
	table := f.table(t, pipe)

	if _, err := f.e.AddEntry(0, pipe, dst(10, 0, 0, 1, 80), nil, nil, nil, NoWait, nil); err != nil {
		t.Fatal(err)
	}
	wantErr(t, f.e.DestroyPipe(pipe), ErrInUse)

	f.process(t, ph, 0)
	if err := f.e.DestroyPipe(pipe); err != nil {
		t.Fatal(err)
	}
	if n := f.drv.Tables(0); n != 0 {
		t.Fatalf("driver tables = %d after destroy", n)
	}
	if n := f.drv.Rules(0, table); n != 0 {
		t.Fatalf("driver rules = %d after destroy", n)
	}
	wantErr(t, f.e.DestroyPipe(pipe), ErrNotFound)
}

func TestPortStopCascades(t *testing.T) {
	var unbound []uint32
	f := newFixture(t, func(c *Config) {
		c.UnbindFunc = func(_ ResourceType, id uint32, _ BindTarget) { unbound = append(unbound, id) }
	})
	ph := f.port(t, 0)
	next := f.basicPipe(t, ph, "next", nil)
	root := f.basicPipe(t, ph, "root", nil)

	if err := f.e.ConfigureResource(ResourceCount, 1, CounterConfig{}); err != nil {
		t.Fatal(err)
	}
	if err := f.e.BindResources(ResourceCount, []uint32{1}, root); err != nil {
		t.Fatal(err)
	}
	var entries []EntryHandle
	for i := byte(1); i <= 3; i++ {
		h, err := f.e.AddEntry(0, root, dst(10, 0, 0, i, 80), nil,
			&Monitor{Flags: MonitorCount, SharedCounterID: 1}, FwdPipe{Pipe: next}, NoWait, nil)
		if err != nil {
			t.Fatal(err)
		}
		entries = append(entries, h)
	}
	// Leave the entries in flight; stop must still tear everything down.
	if err := f.e.PortStop(ph); err != nil {
		t.Fatal(err)
	}
	for _, h := range entries {
		_, err := f.e.EntryStatus(h)
		wantErr(t, err, ErrNotFound)
	}
	for _, p := range []PipeHandle{next, root} {
		_, err := f.e.PipeEntries(p)
		wantErr(t, err, ErrNotFound)
	}
	if len(unbound) != 1 || unbound[0] != 1 {
		t.Errorf("unbind callbacks = %v", unbound)
	}
	// The counter is free to reconfigure once no entry references it.
	if err := f.e.ConfigureResource(ResourceCount, 1, CounterConfig{}); err != nil {
		t.Errorf("reconfigure after stop: %v", err)
	}
}

func TestPortPipesFlush(t *testing.T) {
	f := newFixture(t, nil)
	ph := f.port(t, 0)
	f.basicPipe(t, ph, "a", nil)
	f.basicPipe(t, ph, "b", nil)
	if err := f.e.PortPipesFlush(ph); err != nil {
		t.Fatal(err)
	}
	pipes, err := f.e.Pipes(ph)
	if err != nil {
		t.Fatal(err)
	}
	if len(pipes) != 0 {
		t.Fatalf("pipes after flush = %d", len(pipes))
	}
	// The port stays usable.
	f.basicPipe(t, ph, "c", nil)
}

func TestCreatePipeValidation(t *testing.T) {
	f := newFixture(t, nil)
	ph := f.port(t, 0)
	root := f.basicPipe(t, ph, "root", nil)
	if _, err := f.e.CreatePipe(PipeConfig{Attr: PipeAttr{Name: "r2", Type: PipeBasic, IsRoot: true}, Port: ph}, nil, nil); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		cfg   PipeConfig
		fwd   Fwd
		class error
	}{
		{
			name:  "ct before init",
			cfg:   PipeConfig{Attr: PipeAttr{Type: PipeCT}, Port: ph},
			class: ErrBadState,
		},
		{
			name:  "forward to root pipe",
			cfg:   PipeConfig{Attr: PipeAttr{Type: PipeBasic}, Port: ph},
			fwd:   FwdPipe{Pipe: root},
			class: ErrInvalidValue,
		},
		{
			name: "crypto outside secure domain",
			cfg: PipeConfig{Attr: PipeAttr{Type: PipeBasic}, Port: ph,
				Actions: []*Actions{{Security: Security{Proto: CryptoProtoESP}}}},
			class: ErrInvalidValue,
		},
		{
			name:  "too many actions",
			cfg:   PipeConfig{Attr: PipeAttr{Type: PipeBasic, NbActions: 1}, Port: ph, Actions: []*Actions{{}, {}}},
			class: ErrInvalidValue,
		},
		{
			name:  "acl without match",
			cfg:   PipeConfig{Attr: PipeAttr{Type: PipeACL}, Port: ph},
			class: ErrInvalidValue,
		},
		{
			name:  "rss queue out of range",
			cfg:   PipeConfig{Attr: PipeAttr{Type: PipeBasic}, Port: ph},
			fwd:   FwdRSS{Queues: []uint16{7}},
			class: ErrInvalidValue,
		},
		{
			name:  "mirror without id",
			cfg:   PipeConfig{Attr: PipeAttr{Type: PipeBasic}, Port: ph, Monitor: &Monitor{Flags: MonitorMirror}},
			class: ErrInvalidValue,
		},
		{
			name:  "stale port",
			cfg:   PipeConfig{Attr: PipeAttr{Type: PipeBasic}, Port: PortHandle(0x5_0000_0009)},
			class: ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.e.CreatePipe(tt.cfg, tt.fwd, nil)
			wantErr(t, err, tt.class)
		})
	}
}

func TestCreatePipeUnsupportedDevice(t *testing.T) {
	f := newFixture(t, nil)
	dev := device.NewStatic("basic-nic", 2, device.FeatureBasic, device.FeatureCounter)
	ph, err := f.e.PortStart(PortConfig{PortID: 4, Device: dev})
	if err != nil {
		t.Fatal(err)
	}
	var m Match
	SetFieldOnes(&m, "outer.ip4.dst")
	_, err = f.e.CreatePipe(PipeConfig{Attr: PipeAttr{Type: PipeLPM}, Port: ph, Match: &m}, nil, nil)
	wantErr(t, err, ErrNotSupported)
	_, err = f.e.CreatePipe(PipeConfig{Attr: PipeAttr{Type: PipeBasic}, Port: ph,
		Monitor: &Monitor{Flags: MonitorAging, AgingSec: 5}}, nil, nil)
	wantErr(t, err, ErrNotSupported)

	_, err = f.e.PortStart(PortConfig{PortID: 5, Device: device.NewStatic("tiny", 1)})
	wantErr(t, err, ErrNotSupported)
}

func TestQueryPipeMiss(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.Flags = CfgPipeMissMon })
	ph := f.port(t, 0)
	pipe := f.basicPipe(t, ph, "root", nil)
	for i := 0; i < 3; i++ {
		f.drv.Miss(0, f.table(t, pipe), 64)
	}
	q, err := f.e.QueryPipeMiss(pipe)
	if err != nil {
		t.Fatal(err)
	}
	if q.TotalPkts != 3 || q.TotalBytes != 192 {
		t.Errorf("miss = %+v", q)
	}

	g := newFixture(t, nil)
	gp := g.basicPipe(t, g.port(t, 0), "root", nil)
	_, err = g.e.QueryPipeMiss(gp)
	wantErr(t, err, ErrNotSupported)
}

func TestDumpPort(t *testing.T) {
	f := newFixture(t, nil)
	ph := f.port(t, 0)
	pipe := f.basicPipe(t, ph, "root", &Monitor{Flags: MonitorAging, AgingSec: 30})
	if _, err := f.e.AddEntry(0, pipe, dst(10, 0, 0, 1, 443), nil, nil, nil, NoWait, nil); err != nil {
		t.Fatal(err)
	}
	f.process(t, ph, 0)

	var sb strings.Builder
	if err := f.e.DumpPort(ph, &sb); err != nil {
		t.Fatal(err)
	}
	out := sb.String()
	for _, want := range []string{
		`pipe "root" type basic`,
		"match outer.ip4.dst",
		"per entry",
		"outer.ip4.dst=10.0.0.1",
		"outer.l4.dst_port=0x1bb",
		"success",
		"aging 30s",
		"forward drop",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}

func TestPipeByName(t *testing.T) {
	f := newFixture(t, nil)
	ph := f.port(t, 0)
	want := f.basicPipe(t, ph, "edge", nil)
	got, err := f.e.PipeByName(ph, "edge")
	if err != nil || got != want {
		t.Fatalf("PipeByName = %#x, %v", uint64(got), err)
	}
	_, err = f.e.PipeByName(ph, "core")
	wantErr(t, err, ErrNotFound)
}
