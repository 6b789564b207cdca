package api

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/psaab/flowpipe/pkg/conntrack"
	"github.com/psaab/flowpipe/pkg/dataplane/swdp"
	"github.com/psaab/flowpipe/pkg/flow"
	"github.com/psaab/flowpipe/pkg/logging"
)

type testEnv struct {
	srv   *Server
	e     *flow.Engine
	port  flow.PortHandle
	pipe  flow.PipeHandle
	entry flow.EntryHandle
}

// newTestEnv starts port 0 with a counting basic pipe "root" holding one
// entry, and a CT pipe when ctFlags is non-negative.
func newTestEnv(t *testing.T, ctFlags int) *testEnv {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	e, err := flow.New(flow.Config{
		Mode:            "vnf,hws",
		Queues:          1,
		QueueDepth:      16,
		Resources:       flow.Resources{NbCounters: 16},
		SharedResources: [flow.ResourceMax]uint32{flow.ResourceCount: 2},
		Logger:          log,
	}, swdp.New())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Destroy() })
	if ctFlags >= 0 {
		if _, err := e.InitCT(flow.CTConfig{
			NbArmSessions: [flow.CTSessionMax]uint32{flow.CTSessionBoth: 8},
			Flags:         flow.CTFlags(ctFlags),
			ZoneBits:      8,
		}); err != nil {
			t.Fatal(err)
		}
	}
	ph, err := e.PortStart(flow.PortConfig{PortID: 0})
	if err != nil {
		t.Fatal(err)
	}
	var m flow.Match
	if err := flow.SetFieldOnes(&m, "outer.ip4.dst"); err != nil {
		t.Fatal(err)
	}
	pipe, err := e.CreatePipe(flow.PipeConfig{
		Attr:    flow.PipeAttr{Name: "root", Type: flow.PipeBasic},
		Port:    ph,
		Match:   &m,
		Monitor: &flow.Monitor{Flags: flow.MonitorCount},
	}, flow.FwdDrop{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	var em flow.Match
	em.Outer.IP4.Dst = [4]byte{10, 0, 0, 1}
	h, err := e.AddEntry(0, pipe, &em, nil, nil, nil, flow.NoWait, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ctFlags >= 0 {
		if _, err := e.CreatePipe(flow.PipeConfig{Attr: flow.PipeAttr{Name: "ct", Type: flow.PipeCT}, Port: ph}, nil, nil); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := e.EntriesProcess(ph, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	gc := conntrack.NewGC(e, conntrack.GCConfig{Core: -1, Logger: log}, conntrack.Target{Port: ph})
	srv := NewServer(Config{Engine: e, EventBuf: logging.NewEventBuffer(16), GC: gc})
	return &testEnv{srv: srv, e: e, port: ph, pipe: pipe, entry: h}
}

func (env *testEnv) do(t *testing.T, method, path, body string) (int, json.RawMessage, string) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	var resp struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return w.Code, resp.Data, resp.Error
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
	return v
}

func TestStatusAndPorts(t *testing.T) {
	env := newTestEnv(t, -1)
	code, data, _ := env.do(t, "GET", "/api/v1/status", "")
	if code != http.StatusOK {
		t.Fatalf("status code %d", code)
	}
	st := decode[StatusResponse](t, data)
	if st.Mode != "vnf,hws" || st.Driver != "sw" || st.PortCount != 1 || st.PipeCount != 1 ||
		st.EntryCount != 1 || st.CTEnabled {
		t.Errorf("status = %+v", st)
	}

	_, data, _ = env.do(t, "GET", "/api/v1/ports", "")
	ports := decode[[]PortEntry](t, data)
	if len(ports) != 1 || ports[0].ID != 0 || ports[0].Pipes != 1 || ports[0].Pair != -1 {
		t.Errorf("ports = %+v", ports)
	}

	_, data, _ = env.do(t, "GET", "/api/v1/ports/0/queues", "")
	if qs := decode[[]QueueEntry](t, data); len(qs) != 1 || qs[0].Pending != 0 {
		t.Errorf("queues = %+v", qs)
	}
}

func TestPipeEndpoints(t *testing.T) {
	env := newTestEnv(t, -1)

	_, data, _ := env.do(t, "GET", "/api/v1/ports/0/pipes", "")
	pipes := decode[[]PipeEntry](t, data)
	if len(pipes) != 1 || pipes[0].Name != "root" || pipes[0].Type != "basic" ||
		pipes[0].Entries != 1 || pipes[0].Added != 1 || pipes[0].Forward != "drop" {
		t.Fatalf("pipes = %+v", pipes)
	}

	_, data, _ = env.do(t, "GET", "/api/v1/ports/0/pipes/root/entries", "")
	list := decode[EntryListResponse](t, data)
	if list.Total != 1 || len(list.Entries) != 1 {
		t.Fatalf("entries = %+v", list)
	}
	ent := list.Entries[0]
	if ent.Handle != uint64(env.entry) || ent.Status != "success" || ent.Counter == nil || ent.Counter.Packets != 0 {
		t.Errorf("entry = %+v", ent)
	}

	if _, data, _ = env.do(t, "GET", "/api/v1/ports/0/pipes/root/entries?offset=1", ""); len(decode[EntryListResponse](t, data).Entries) != 0 {
		t.Error("offset past the end returned entries")
	}

	code, data, _ := env.do(t, "GET", "/api/v1/ports/0/pipes/root/dump", "")
	if code != http.StatusOK || !strings.Contains(decode[TextResponse](t, data).Output, "root") {
		t.Errorf("dump = %d %s", code, data)
	}
	if code, _, _ := env.do(t, "GET", "/api/v1/ports/0/dump", ""); code != http.StatusOK {
		t.Errorf("port dump = %d", code)
	}
}

func TestEndpointErrors(t *testing.T) {
	env := newTestEnv(t, -1)
	tests := []struct {
		method, path string
		want         int
	}{
		{"GET", "/api/v1/ports/x/pipes", http.StatusBadRequest},
		{"GET", "/api/v1/ports/7/pipes", http.StatusNotFound},
		{"GET", "/api/v1/ports/0/pipes/nope/entries", http.StatusNotFound},
		{"DELETE", "/api/v1/entries/zz", http.StatusBadRequest},
		{"DELETE", "/api/v1/entries/0x7fffffff00000099", http.StatusNotFound},
		{"GET", "/api/v1/ports/0/sessions", http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			if code, _, _ := env.do(t, tt.method, tt.path, ""); code != tt.want {
				t.Errorf("code = %d, want %d", code, tt.want)
			}
		})
	}
}

func TestRemoveEntry(t *testing.T) {
	env := newTestEnv(t, -1)
	path := fmt.Sprintf("/api/v1/entries/%d?queue=0", uint64(env.entry))
	if code, _, msg := env.do(t, "DELETE", path, ""); code != http.StatusOK {
		t.Fatalf("remove = %d %s", code, msg)
	}
	// Still in process until the queue is drained.
	if code, _, _ := env.do(t, "DELETE", path, ""); code != http.StatusConflict {
		t.Errorf("second remove = %d", code)
	}
	comps, err := env.e.EntriesProcess(env.port, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(comps) != 1 || comps[0].Op != flow.OpDel {
		t.Fatalf("completions = %+v", comps)
	}
	if code, _, _ := env.do(t, "DELETE", path, ""); code != http.StatusNotFound {
		t.Errorf("remove after drain = %d", code)
	}
}

func TestResources(t *testing.T) {
	env := newTestEnv(t, -1)
	if err := env.e.ConfigureResource(flow.ResourceCount, 1, flow.CounterConfig{}); err != nil {
		t.Fatal(err)
	}
	if err := env.e.BindResources(flow.ResourceCount, []uint32{1}, flow.BindTarget{Port: env.port}); err != nil {
		t.Fatal(err)
	}
	_, data, _ := env.do(t, "GET", "/api/v1/resources", "")
	res := decode[[]ResourceEntry](t, data)
	if len(res) != 1 || res[0].Type != "counter" || res[0].ID != 1 || res[0].Bindings != 1 || res[0].Counter == nil {
		t.Errorf("resources = %+v", res)
	}
}

func tcpSyn(t *testing.T) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC: net.HardwareAddr{2, 0, 0, 0, 0, 1}, DstMAC: net.HardwareAddr{2, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP,
		SrcIP: net.IPv4(10, 0, 0, 1).To4(), DstIP: net.IPv4(10, 0, 0, 2).To4()}
	tcp := &layers.TCP{SrcPort: 40000, DstPort: 80, SYN: true, Window: 1024}
	tcp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true},
		eth, ip, tcp); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestSessionsAndClassify(t *testing.T) {
	env := newTestEnv(t, int(flow.CTFlagSwPktParsing))
	ct := env.e.CT()

	body := fmt.Sprintf(`{"port":0,"frame":%q}`, hex.EncodeToString(tcpSyn(t)))
	code, data, msg := env.do(t, "POST", "/api/v1/ct/classify", body)
	if code != http.StatusOK {
		t.Fatalf("classify = %d %s", code, msg)
	}
	cls := decode[ClassifyResponse](t, data)
	if cls.Type != "new" || cls.Found {
		t.Fatalf("classify = %+v", cls)
	}

	origin := flow.Tuple{
		Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 40000, DstPort: 80, Proto: 6,
	}
	h, err := ct.AddEntry(env.port, 0, 0, &origin, nil, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.e.EntriesProcess(env.port, 0, 0, 0); err != nil {
		t.Fatal(err)
	}

	_, data, _ = env.do(t, "GET", "/api/v1/ports/0/sessions?protocol=tcp", "")
	list := decode[SessionListResponse](t, data)
	if list.Total != 1 || list.Sessions[0].Handle != uint64(h) || list.Sessions[0].Protocol != "TCP" {
		t.Fatalf("sessions = %+v", list)
	}
	if _, data, _ = env.do(t, "GET", "/api/v1/ports/0/sessions?protocol=udp", ""); decode[SessionListResponse](t, data).Total != 0 {
		t.Error("protocol filter ignored")
	}
	_, data, _ = env.do(t, "GET", "/api/v1/ports/0/sessions/summary", "")
	if sum := decode[SessionSummary](t, data); sum.Total != 1 || sum.IPv4Sessions != 1 || sum.TCPSessions != 1 {
		t.Errorf("summary = %+v", sum)
	}

	_, data, _ = env.do(t, "POST", "/api/v1/ct/classify", body)
	if cls = decode[ClassifyResponse](t, data); !cls.Found || cls.Session != uint64(h) {
		t.Errorf("classify after add = %+v", cls)
	}

	if code, _, _ := env.do(t, "POST", "/api/v1/ct/classify", `{"port":0,"frame":"xyz"}`); code != http.StatusBadRequest {
		t.Errorf("bad hex = %d", code)
	}
}

func TestClassifyNeedsSoftwareParsing(t *testing.T) {
	env := newTestEnv(t, 0)
	body := fmt.Sprintf(`{"port":0,"frame":%q}`, hex.EncodeToString(tcpSyn(t)))
	if code, _, _ := env.do(t, "POST", "/api/v1/ct/classify", body); code != http.StatusNotImplemented {
		t.Errorf("code = %d", code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t, -1)
	for _, op := range []string{"add", "aged", "del"} {
		env.srv.eventBuf.Add(logging.EventRecord{Pipe: "root", Op: op, Status: "success"})
	}
	_, data, _ := env.do(t, "GET", "/api/v1/events?op=aged", "")
	evs := decode[[]EventEntry](t, data)
	if len(evs) != 1 || evs[0].Op != "aged" || evs[0].Seq != 2 {
		t.Errorf("events = %+v", evs)
	}
	_, data, _ = env.do(t, "GET", "/api/v1/events?limit=2", "")
	if evs = decode[[]EventEntry](t, data); len(evs) != 2 || evs[0].Op != "del" {
		t.Errorf("latest = %+v", evs)
	}
}

func TestMetrics(t *testing.T) {
	env := newTestEnv(t, -1)
	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	body := w.Body.String()
	for _, want := range []string{
		"flowpipe_ports 1",
		`flowpipe_pipe_entries{pipe="root",port="0",type="basic"} 1`,
		`flowpipe_pipe_operations_total{pipe="root",port="0",result="added"} 1`,
		`flowpipe_queue_pending{port="0",queue="0"} 0`,
		"flowpipe_gc_sweeps_total 0",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestSessionStatsAndWorkerMetrics(t *testing.T) {
	env := newTestEnv(t, int(flow.CTFlagStats|flow.CTFlagWorkerStats))
	origin := flow.Tuple{
		Src: netip.MustParseAddr("10.0.0.1"), Dst: netip.MustParseAddr("10.0.0.2"),
		SrcPort: 40000, DstPort: 80, Proto: 6,
	}
	if _, err := env.e.CT().AddEntry(env.port, 0, 0, &origin, nil, 0, 0, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := env.e.EntriesProcess(env.port, 0, 0, 0); err != nil {
		t.Fatal(err)
	}

	_, data, _ := env.do(t, "GET", "/api/v1/ports/0/sessions", "")
	list := decode[SessionListResponse](t, data)
	if list.Total != 1 || list.Sessions[0].OriginCtr == nil {
		t.Fatalf("sessions = %+v", list)
	}

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	if want := `flowpipe_ct_worker_operations_total{op="added",queue="0"} 1`; !strings.Contains(w.Body.String(), want) {
		t.Errorf("metrics missing %q", want)
	}
}
