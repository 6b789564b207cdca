package conntrack

import (
	"context"
	"io"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/psaab/flowpipe/pkg/dataplane/swdp"
	"github.com/psaab/flowpipe/pkg/flow"
)

// mockAger scripts AgingHandle results and records removals.
// Embeds Ager so unused methods panic if called.
type mockAger struct {
	Ager
	mu      sync.Mutex
	results []int
	calls   int
	aged    []flow.EntryHandle
	removed []flow.EntryHandle
	gone    map[flow.EntryHandle]bool
}

func (m *mockAger) AgingHandle(flow.PortHandle, uint16, time.Duration, uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.results) == 0 {
		return -1, nil
	}
	n := m.results[0]
	m.results = m.results[1:]
	return n, nil
}

func (m *mockAger) EntriesProcess(_ flow.PortHandle, queue uint16, _ time.Duration, _ int) ([]flow.Completion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []flow.Completion
	for _, h := range m.aged {
		out = append(out, flow.Completion{Entry: h, Queue: queue, Op: flow.OpAged, Status: flow.StatusSuccess})
	}
	m.aged = nil
	for _, h := range m.removed {
		out = append(out, flow.Completion{Entry: h, Queue: queue, Op: flow.OpDel, Status: flow.StatusSuccess})
	}
	m.removed = nil
	return out, nil
}

func (m *mockAger) RmEntry(_ uint16, _ flow.Flags, h flow.EntryHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gone[h] {
		return flow.ErrNotFound
	}
	m.removed = append(m.removed, h)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGCSweepCountsCycle(t *testing.T) {
	m := &mockAger{results: []int{2, 0, 1, -1}}
	gc := NewGC(m, GCConfig{Core: -1, Logger: quietLogger()}, Target{Port: 1, Queue: 0})
	st := gc.Sweep()
	if st.Aged != 3 || st.Removed != 0 {
		t.Fatalf("sweep = %+v", st)
	}
	if m.calls != 4 {
		t.Errorf("AgingHandle calls = %d, want 4", m.calls)
	}
	if s := gc.Stats(); s.Sweeps != 1 || s.Aged != 3 {
		t.Errorf("stats = %+v", s)
	}
}

func TestGCAutoRemove(t *testing.T) {
	m := &mockAger{
		results: []int{3, -1},
		aged:    []flow.EntryHandle{10, 11, 12},
		gone:    map[flow.EntryHandle]bool{11: true},
	}
	var seen []flow.Completion
	gc := NewGC(m, GCConfig{
		Core:         -1,
		AutoRemove:   true,
		Logger:       quietLogger(),
		OnCompletion: func(_ Target, c flow.Completion) { seen = append(seen, c) },
	}, Target{Port: 1, Queue: 0})

	st := gc.Sweep()
	// Entry 11 vanished before the GC got to it.
	if st.Removed != 2 || st.Errors != 0 {
		t.Fatalf("sweep = %+v", st)
	}
	if len(seen) != 5 {
		t.Errorf("completion hook saw %d completions, want 5", len(seen))
	}
}

func TestGCRunStops(t *testing.T) {
	m := &mockAger{}
	gc := NewGC(m, GCConfig{Interval: time.Millisecond, Core: -1, Logger: quietLogger()}, Target{Port: 1})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gc.Run(ctx)
		close(done)
	}()
	deadline := time.After(5 * time.Second)
	for gc.Stats().Sweeps < 2 {
		select {
		case <-deadline:
			t.Fatal("GC did not sweep")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("GC did not stop")
	}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// TestGCRemovesAgedSessions drives a real engine on the software driver.
func TestGCRemovesAgedSessions(t *testing.T) {
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	drv := swdp.New(swdp.WithClock(clk.Now))
	e, err := flow.New(flow.Config{
		Mode:       "vnf,hws",
		Queues:     1,
		QueueDepth: 16,
		Logger:     quietLogger(),
		Clock:      clk.Now,
	}, drv)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Destroy()
	ct, err := e.InitCT(flow.CTConfig{
		NbArmSessions: [flow.CTSessionMax]uint32{flow.CTSessionBoth: 8},
		ZoneBits:      8,
		UDPTimeout:    10,
		TCPTimeout:    100,
	})
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
	udp := flow.Tuple{
		Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 5353, DstPort: 53, Proto: 17,
	}
	tcp := udp
	tcp.Proto = 6
	hu, err := ct.AddEntry(ph, 0, 0, &udp, nil, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	ht, err := ct.AddEntry(ph, 0, 0, &tcp, nil, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}

	var dels []flow.EntryHandle
	gc := NewGC(e, GCConfig{
		Core:       -1,
		AutoRemove: true,
		Logger:     quietLogger(),
		OnCompletion: func(_ Target, c flow.Completion) {
			if c.Op == flow.OpDel {
				dels = append(dels, c.Entry)
			}
		},
	}, Target{Port: ph, Queue: 0})

	// The first sweep only collects the add completions.
	if st := gc.Sweep(); st.Aged != 0 {
		t.Fatalf("first sweep = %+v", st)
	}
	clk.Advance(30 * time.Second)
	st := gc.Sweep()
	if st.Aged != 1 || st.Removed != 1 {
		t.Fatalf("sweep = %+v", st)
	}
	if len(dels) != 1 || dels[0] != hu {
		t.Fatalf("removed = %v, want udp session", dels)
	}
	if _, err := ct.GetEntry(hu); err == nil {
		t.Error("udp session still present")
	}
	if _, err := ct.GetEntry(ht); err != nil {
		t.Errorf("tcp session: %v", err)
	}
}
