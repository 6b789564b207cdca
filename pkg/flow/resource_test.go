package flow

import (
	"testing"

	"github.com/psaab/flowpipe/pkg/dataplane"
)

func TestBindBeforeConfigure(t *testing.T) {
	f := newFixture(t, nil)
	f.port(t, 0)
	wantErr(t, f.e.BindResources(ResourceCount, []uint32{1}, nil), ErrInvalidValue)

	if err := f.e.ConfigureResource(ResourceCount, 1, CounterConfig{}); err != nil {
		t.Fatal(err)
	}
	if err := f.e.BindResources(ResourceCount, []uint32{1}, nil); err != nil {
		t.Fatal(err)
	}
	// Idempotent per target.
	if err := f.e.BindResources(ResourceCount, []uint32{1}, nil); err != nil {
		t.Fatal(err)
	}
	infos := f.e.Resources()
	if len(infos) != 1 || !infos[0].Global || infos[0].Bindings != 1 {
		t.Fatalf("resources = %+v", infos)
	}
}

func TestConfigureResourceValidation(t *testing.T) {
	f := newFixture(t, nil)
	tests := []struct {
		name  string
		typ   ResourceType
		id    uint32
		cfg   ResourceConfig
		class error
	}{
		{"id zero", ResourceCount, 0, CounterConfig{}, ErrInvalidValue},
		{"beyond quota", ResourceCount, 9, CounterConfig{}, ErrInvalidValue},
		{"no quota", ResourceCrypto, 1, CryptoConfig{}, ErrNotSupported},
		{"type mismatch", ResourceMeter, 1, CounterConfig{}, ErrInvalidValue},
		{"nil config", ResourceMeter, 1, nil, ErrInvalidValue},
		{"meter without rate", ResourceMeter, 1, MeterConfig{}, ErrInvalidValue},
		{"rss without hash flags", ResourceRSS, 1, RSSConfig{Queues: []uint16{1}}, ErrInvalidValue},
		{"mirror to drop", ResourceMirror, 1, MirrorConfig{Targets: []Fwd{FwdDrop{}}}, ErrInvalidValue},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wantErr(t, f.e.ConfigureResource(tt.typ, tt.id, tt.cfg), tt.class)
		})
	}
}

func TestResourceInUse(t *testing.T) {
	f := newFixture(t, nil)
	ph := f.port(t, 0)
	pipe := f.basicPipe(t, ph, "root", nil)
	meter := MeterConfig{LimitType: MeterLimitBytes, CIR: 1_000_000, CBS: 65536}
	if err := f.e.ConfigureResource(ResourceMeter, 2, meter); err != nil {
		t.Fatal(err)
	}

	// Referencing an unbound resource fails.
	mon := &Monitor{Flags: MonitorMeter, SharedMeterID: 2}
	_, err := f.e.AddEntry(0, pipe, dst(10, 0, 0, 1, 80), nil, mon, nil, NoWait, nil)
	wantErr(t, err, ErrInvalidValue)

	if err := f.e.BindResources(ResourceMeter, []uint32{2}, ph); err != nil {
		t.Fatal(err)
	}
	h, err := f.e.AddEntry(0, pipe, dst(10, 0, 0, 1, 80), nil, mon, nil, NoWait, nil)
	if err != nil {
		t.Fatal(err)
	}
	wantErr(t, f.e.ConfigureResource(ResourceMeter, 2, meter), ErrInUse)

	f.process(t, ph, 0)
	if err := f.e.RmEntry(0, NoWait, h); err != nil {
		t.Fatal(err)
	}
	f.process(t, ph, 0)
	if err := f.e.ConfigureResource(ResourceMeter, 2, meter); err != nil {
		t.Fatalf("reconfigure after removal: %v", err)
	}
}

func TestQueryResources(t *testing.T) {
	f := newFixture(t, nil)
	f.port(t, 0)
	f.port(t, 1)
	if err := f.e.ConfigureResource(ResourceCount, 3, CounterConfig{}); err != nil {
		t.Fatal(err)
	}
	if err := f.e.BindResources(ResourceCount, []uint32{3}, nil); err != nil {
		t.Fatal(err)
	}
	f.drv.HitShared(0, dataplane.SharedCounter, 3, 100)
	f.drv.HitShared(1, dataplane.SharedCounter, 3, 50)

	res, err := f.e.QueryResources(ResourceCount, []uint32{3})
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Counter.TotalPkts != 2 || res[0].Counter.TotalBytes != 150 {
		t.Fatalf("query = %+v", res)
	}
	_, err = f.e.QueryResources(ResourceMeter, []uint32{1})
	wantErr(t, err, ErrNotSupported)
	_, err = f.e.QueryResources(ResourceCount, []uint32{4})
	wantErr(t, err, ErrInvalidValue)
}

func TestBindReserveFailure(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Resources.NbCounters = 2
	})
	f.port(t, 0)
	if err := f.e.ConfigureResource(ResourceCount, 5, CounterConfig{}); err != nil {
		t.Fatal(err)
	}
	wantErr(t, f.e.BindResources(ResourceCount, []uint32{5}, nil), ErrNoMemory)
}

func TestGlobalBindingReachesNewPorts(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.e.ConfigureResource(ResourceCount, 1, CounterConfig{}); err != nil {
		t.Fatal(err)
	}
	if err := f.e.BindResources(ResourceCount, []uint32{1}, nil); err != nil {
		t.Fatal(err)
	}
	f.port(t, 2)
	if err := f.drv.HitShared(2, dataplane.SharedCounter, 1, 10); err != nil {
		t.Fatalf("counter not reserved on a port started after binding: %v", err)
	}
}
