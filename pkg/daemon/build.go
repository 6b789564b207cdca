package daemon

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.uber.org/multierr"

	"github.com/psaab/flowpipe/pkg/config"
	"github.com/psaab/flowpipe/pkg/dataplane"
	"github.com/psaab/flowpipe/pkg/device"
	"github.com/psaab/flowpipe/pkg/flow"
)

// Runtime is an engine built from a configuration together with the
// handles of everything the configuration named.
type Runtime struct {
	Engine  *flow.Engine
	Driver  dataplane.Driver
	CT      *flow.CT
	Ports   map[uint16]flow.PortHandle
	Pipes   map[string]flow.PipeHandle
	Entries map[string]flow.EntryHandle // keyed "pipe/entry"
	Queues  uint16
}

// Builder turns a compiled configuration into a running engine.
type Builder struct {
	Driver dataplane.Driver
	// Probe resolves a port interface to a device; nil uses device.Probe.
	Probe  func(ifname string) (device.Device, error)
	Logger *slog.Logger
	Clock  func() time.Time
}

// entrySettleTimeout bounds the wait for static entry completions.
const entrySettleTimeout = 5 * time.Second

func probeNetDevice(ifname string) (device.Device, error) {
	return device.Probe(ifname)
}

// Build creates the engine, starts ports, configures shared resources,
// creates pipes and installs static entries. On failure everything
// created so far is torn down.
func (b *Builder) Build(cfg *config.Config) (rt *Runtime, err error) {
	log := b.Logger
	if log == nil {
		log = slog.Default()
	}
	fcfg, err := engineConfig(cfg)
	if err != nil {
		return nil, err
	}
	fcfg.Logger = log
	fcfg.Clock = b.Clock

	e, err := flow.New(fcfg, b.Driver)
	if err != nil {
		return nil, fmt.Errorf("flow engine: %w", err)
	}
	rt = &Runtime{
		Engine:  e,
		Driver:  b.Driver,
		Ports:   make(map[uint16]flow.PortHandle),
		Pipes:   make(map[string]flow.PipeHandle),
		Entries: make(map[string]flow.EntryHandle),
		Queues:  fcfg.Queues,
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, e.Destroy())
			rt = nil
		}
	}()

	// CT must be initialized before any port starts.
	if cfg.CT != nil {
		if rt.CT, err = e.InitCT(ctConfig(cfg.CT)); err != nil {
			return nil, fmt.Errorf("connection-tracking: %w", err)
		}
		if cfg.CT.VxlanPort != 0 {
			rt.CT.SetVxlanDstPort(cfg.CT.VxlanPort)
		}
	}
	if err = b.startPorts(rt, cfg); err != nil {
		return nil, err
	}
	if err = configureShared(rt, cfg); err != nil {
		return nil, err
	}
	if err = createPipes(rt, cfg); err != nil {
		return nil, err
	}
	if err = installEntries(rt, cfg); err != nil {
		return nil, err
	}
	log.Info("configuration applied",
		"ports", len(rt.Ports), "pipes", len(rt.Pipes), "entries", len(rt.Entries))
	return rt, nil
}

// Close destroys the engine and closes the driver.
func (rt *Runtime) Close() error {
	return multierr.Combine(rt.Engine.Destroy(), rt.Driver.Close())
}

func engineConfig(cfg *config.Config) (flow.Config, error) {
	fc := flow.Config{
		Mode:            cfg.System.ModeArgs,
		Queues:          cfg.System.Queues,
		QueueDepth:      cfg.System.QueueDepth,
		NrACLCollisions: cfg.System.ACLCollisions,
		RSSKey:          cfg.System.RSSKey,
		Resources: flow.Resources{
			NbCounters: cfg.Resources.Counters,
			NbMeters:   cfg.Resources.Meters,
		},
	}
	if cfg.System.PipeMissMonitor {
		fc.Flags |= flow.CfgPipeMissMon
	}
	for name, n := range cfg.Resources.Shared {
		typ, err := flow.ParseResourceType(name)
		if err != nil {
			return fc, fmt.Errorf("resources: %w", err)
		}
		fc.SharedResources[typ] = n
	}
	return fc, nil
}

var ctSessionTypes = map[string]flow.CTSessionType{
	"ipv4": flow.CTSessionIPv4,
	"ipv6": flow.CTSessionIPv6,
	"both": flow.CTSessionBoth,
}

func ctConfig(c *config.CTConfig) flow.CTConfig {
	fc := flow.CTConfig{
		NbArmQueues:   c.Queues,
		TCPTimeout:    c.TCPTimeout,
		TCPSessionDel: c.TCPSessionDel,
		UDPTimeout:    c.UDPTimeout,
		AgingCore:     c.AgingCore,
		VxlanDstPort:  c.VxlanPort,
		ZoneBits:      c.ZoneBits,
		ActionBits:    c.ActionBits,
		UserBits:      c.UserBits,
	}
	for name, n := range c.Sessions {
		fc.NbArmSessions[ctSessionTypes[name]] = n
	}
	for _, f := range []struct {
		on   bool
		flag flow.CTFlags
	}{
		{c.Stats, flow.CTFlagStats},
		{c.NoAging, flow.CTFlagNoAging},
		{c.SwParsing, flow.CTFlagSwPktParsing},
		{c.Asymmetric, flow.CTFlagAsymmetric},
		{c.AsymmetricCounter, flow.CTFlagAsymmetricCounter},
		{c.WorkerStats, flow.CTFlagWorkerStats},
		{c.Managed, flow.CTFlagManaged},
	} {
		if f.on {
			fc.Flags |= f.flag
		}
	}
	if c.Tunnel == "vxlan" {
		fc.TunnelType = flow.TunVXLAN
	}
	if c.SymmetricHash {
		fc.HashType = flow.CTHashSymmetric
	}
	for i, d := range c.Direction {
		fc.Direction[i] = flow.CTDirectionConfig{
			MatchInner:     d.MatchInner,
			ZoneMatchMask:  d.ZoneMatchMask,
			MetaModifyMask: d.MetaModifyMask,
		}
	}
	return fc
}

func (b *Builder) startPorts(rt *Runtime, cfg *config.Config) error {
	probe := b.Probe
	if probe == nil {
		probe = probeNetDevice
	}
	for _, pc := range cfg.Ports {
		pcfg := flow.PortConfig{
			PortID:       pc.ID,
			Devargs:      pc.Devargs,
			PrivDataSize: pc.PrivDataSize,
		}
		if pc.Interface != "" {
			dev, err := probe(pc.Interface)
			if err != nil {
				return fmt.Errorf("port %d: %w", pc.ID, err)
			}
			pcfg.Device = dev
		}
		ph, err := rt.Engine.PortStart(pcfg)
		if err != nil {
			return fmt.Errorf("port %d: %w", pc.ID, err)
		}
		rt.Ports[pc.ID] = ph
	}
	for _, pc := range cfg.Ports {
		if pc.Pair < 0 {
			continue
		}
		peer, ok := rt.Ports[uint16(pc.Pair)]
		if !ok {
			return fmt.Errorf("port %d: pair port %d not started", pc.ID, pc.Pair)
		}
		if err := rt.Engine.PortPair(rt.Ports[pc.ID], peer); err != nil {
			return fmt.Errorf("port %d: %w", pc.ID, err)
		}
	}
	return nil
}

var meterAlgorithms = map[string]flow.MeterAlgorithm{
	"":        flow.MeterRFC2697,
	"rfc2697": flow.MeterRFC2697,
	"rfc2698": flow.MeterRFC2698,
	"rfc4115": flow.MeterRFC4115,
}

var rssHashFlags = map[string]flow.RSSFlags{
	"ipv4": flow.RSSIPv4,
	"ipv6": flow.RSSIPv6,
	"tcp":  flow.RSSTCP,
	"udp":  flow.RSSUDP,
}

const defaultRSSFlags = flow.RSSIPv4 | flow.RSSIPv6 | flow.RSSTCP | flow.RSSUDP

func rssFlags(names []string) (flow.RSSFlags, error) {
	if len(names) == 0 {
		return defaultRSSFlags, nil
	}
	var f flow.RSSFlags
	for _, n := range names {
		v, ok := rssHashFlags[n]
		if !ok {
			return 0, fmt.Errorf("%w: unknown rss hash %q", flow.ErrInvalidValue, n)
		}
		f |= v
	}
	return f, nil
}

// resourceConfig translates a shared resource. Mirror targets are
// resolved against the started ports only, since pipes do not exist yet.
func resourceConfig(r *config.SharedResourceConfig) (flow.ResourceType, flow.ResourceConfig, error) {
	typ, err := flow.ParseResourceType(r.Type)
	if err != nil {
		return 0, nil, err
	}
	switch typ {
	case flow.ResourceCount:
		return typ, flow.CounterConfig{}, nil
	case flow.ResourceMeter:
		alg, ok := meterAlgorithms[r.Algorithm]
		if !ok {
			return 0, nil, fmt.Errorf("%w: unknown meter algorithm %q", flow.ErrInvalidValue, r.Algorithm)
		}
		mc := flow.MeterConfig{Alg: alg, CIR: r.CIR, CBS: r.CBS, EIR: r.EIR, EBS: r.EBS}
		if r.LimitType == "packets" {
			mc.LimitType = flow.MeterLimitPackets
		}
		return typ, mc, nil
	case flow.ResourceRSS:
		flags, err := rssFlags(r.Hash)
		if err != nil {
			return 0, nil, err
		}
		return typ, flow.RSSConfig{Queues: r.Queues, OuterFlags: flags}, nil
	case flow.ResourceMirror:
		mc := flow.MirrorConfig{}
		for _, t := range r.Targets {
			if t.Kind != "port" {
				return 0, nil, fmt.Errorf("%w: mirror target %s must be a port", flow.ErrNotSupported, t.Kind)
			}
			mc.Targets = append(mc.Targets, flow.FwdPort{PortID: t.Port})
		}
		return typ, mc, nil
	}
	return 0, nil, fmt.Errorf("%w: shared %s cannot be configured from the config file", flow.ErrNotSupported, typ)
}

func configureShared(rt *Runtime, cfg *config.Config) error {
	for _, r := range cfg.SharedResources {
		typ, rc, err := resourceConfig(r)
		if err != nil {
			return fmt.Errorf("shared %s %d: %w", r.Type, r.ID, err)
		}
		if err := rt.Engine.ConfigureResource(typ, r.ID, rc); err != nil {
			return fmt.Errorf("shared %s %d: %w", r.Type, r.ID, err)
		}
		if len(r.BindPorts) == 0 {
			if err := rt.Engine.BindResources(typ, []uint32{r.ID}, nil); err != nil {
				return fmt.Errorf("shared %s %d: bind global: %w", r.Type, r.ID, err)
			}
			continue
		}
		for _, id := range r.BindPorts {
			ph, ok := rt.Ports[id]
			if !ok {
				return fmt.Errorf("shared %s %d: port %d not started", r.Type, r.ID, id)
			}
			if err := rt.Engine.BindResources(typ, []uint32{r.ID}, ph); err != nil {
				return fmt.Errorf("shared %s %d: bind port %d: %w", r.Type, r.ID, id, err)
			}
		}
	}
	return nil
}

// forward resolves a forward target against the pipes created so far.
func forward(rt *Runtime, fc *config.ForwardConfig) (flow.Fwd, error) {
	if fc == nil {
		return nil, nil
	}
	switch fc.Kind {
	case "none", "":
		return nil, nil
	case "drop":
		return flow.FwdDrop{}, nil
	case "port":
		return flow.FwdPort{PortID: fc.Port}, nil
	case "pipe":
		h, ok := rt.Pipes[fc.Pipe]
		if !ok {
			return nil, fmt.Errorf("%w: pipe %q not created", flow.ErrNotFound, fc.Pipe)
		}
		return flow.FwdPipe{Pipe: h}, nil
	case "rss":
		return flow.FwdRSS{Queues: fc.Queues, OuterFlags: defaultRSSFlags}, nil
	case "shared-rss":
		return flow.FwdRSS{SharedRSSID: fc.RSSID}, nil
	}
	return nil, fmt.Errorf("%w: unknown forward kind %q", flow.ErrInvalidValue, fc.Kind)
}

// pipeOrder sorts pipes so that every pipe comes after the pipes it
// forwards to.
func pipeOrder(pipes []*config.PipeConfig) ([]*config.PipeConfig, error) {
	byName := make(map[string]*config.PipeConfig, len(pipes))
	for _, p := range pipes {
		byName[p.Name] = p
	}
	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(pipes))
	var order []*config.PipeConfig
	var visit func(p *config.PipeConfig) error
	visit = func(p *config.PipeConfig) error {
		switch state[p.Name] {
		case visiting:
			return fmt.Errorf("%w: forwarding loop through pipe %q", flow.ErrInvalidValue, p.Name)
		case done:
			return nil
		}
		state[p.Name] = visiting
		targets := []*config.ForwardConfig{p.Forward, p.Miss}
		for _, e := range p.Entries {
			targets = append(targets, e.Forward)
		}
		for _, t := range targets {
			if t == nil || t.Kind != "pipe" {
				continue
			}
			dep, ok := byName[t.Pipe]
			if !ok {
				return fmt.Errorf("pipe %q: %w: forward target %q undefined", p.Name, flow.ErrNotFound, t.Pipe)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[p.Name] = done
		order = append(order, p)
		return nil
	}
	for _, p := range pipes {
		if err := visit(p); err != nil {
			return nil, err
		}
	}
	return order, nil
}

var monitorFlags = map[string]flow.MonitorFlags{
	"count":  flow.MonitorCount,
	"meter":  flow.MonitorMeter,
	"aging":  flow.MonitorAging,
	"mirror": flow.MonitorMirror,
}

func pipeMonitor(pc *config.PipeConfig) (*flow.Monitor, error) {
	m := &flow.Monitor{
		AgingSec:        pc.AgingSec,
		SharedCounterID: pc.CounterID,
		SharedMeterID:   pc.MeterID,
		SharedMirrorID:  pc.MirrorID,
	}
	for _, name := range pc.Monitor {
		f, ok := monitorFlags[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown monitor %q", flow.ErrInvalidValue, name)
		}
		m.Flags |= f
	}
	if *m == (flow.Monitor{}) {
		return nil, nil
	}
	return m, nil
}

// setValues writes textual field values into match, and their masks into
// mask when a value only covers part of the field.
func setValues(match, mask *flow.Match, values []config.FieldValue) (hasMask bool, err error) {
	for _, fv := range values {
		v, mk, err := flow.ParseFieldValue(fv.Field, fv.Value)
		if err != nil {
			return false, err
		}
		if err := flow.SetField(match, fv.Field, v); err != nil {
			return false, err
		}
		if !bytes.Equal(mk, bytes.Repeat([]byte{0xff}, len(mk))) {
			if err := flow.SetField(mask, fv.Field, mk); err != nil {
				return false, err
			}
			hasMask = true
		}
	}
	return hasMask, nil
}

func createPipes(rt *Runtime, cfg *config.Config) error {
	order, err := pipeOrder(cfg.Pipes)
	if err != nil {
		return err
	}
	for _, pc := range order {
		h, err := createPipe(rt, pc)
		if err != nil {
			return fmt.Errorf("pipe %q: %w", pc.Name, err)
		}
		rt.Pipes[pc.Name] = h
	}
	return nil
}

func createPipe(rt *Runtime, pc *config.PipeConfig) (flow.PipeHandle, error) {
	ph, ok := rt.Ports[pc.Port]
	if !ok {
		return 0, fmt.Errorf("%w: port %d not started", flow.ErrNotFound, pc.Port)
	}
	typ, err := flow.ParsePipeType(pc.Type)
	if err != nil {
		return 0, err
	}
	dom, err := flow.ParseDomain(pc.Domain)
	if err != nil {
		return 0, err
	}
	cfg := flow.PipeConfig{
		Attr: flow.PipeAttr{
			Name:    pc.Name,
			Type:    typ,
			Domain:  dom,
			IsRoot:  pc.Root,
			NbFlows: pc.NbFlows,
		},
		Port: ph,
	}
	var match, mask flow.Match
	for _, name := range pc.Match {
		if err := flow.SetFieldOnes(&match, name); err != nil {
			return 0, err
		}
	}
	hasMask, err := setValues(&match, &mask, pc.MatchValues)
	if err != nil {
		return 0, err
	}
	if match != (flow.Match{}) {
		cfg.Match = &match
	}
	if hasMask {
		cfg.MatchMask = &mask
	}
	if cfg.Monitor, err = pipeMonitor(pc); err != nil {
		return 0, err
	}
	fwd, err := forward(rt, pc.Forward)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	miss, err := forward(rt, pc.Miss)
	if err != nil {
		return 0, fmt.Errorf("miss: %w", err)
	}
	return rt.Engine.CreatePipe(cfg, fwd, miss)
}

// entryMonitor builds the monitor of a static entry. An entry without
// aging-sec takes the pipe's, since a monitor with 0 turns aging off.
func entryMonitor(pc *config.PipeConfig, ec *config.EntryConfig) *flow.Monitor {
	aging := ec.AgingSec
	if aging == 0 && ec.CounterID|ec.MeterID != 0 && slices.Contains(pc.Monitor, "aging") {
		aging = pc.AgingSec
	}
	m := &flow.Monitor{
		AgingSec:        aging,
		SharedCounterID: ec.CounterID,
		SharedMeterID:   ec.MeterID,
	}
	if aging != 0 {
		m.Flags |= flow.MonitorAging
	}
	if ec.CounterID != 0 {
		m.Flags |= flow.MonitorCount
	}
	if ec.MeterID != 0 {
		m.Flags |= flow.MonitorMeter
	}
	if *m == (flow.Monitor{}) {
		return nil
	}
	return m
}

// addEntry installs one static entry on queue 0 with the add function of
// the pipe type. ACL and control entries take their position as priority;
// hash entries take it as index.
func addEntry(rt *Runtime, pc *config.PipeConfig, pos int, ec *config.EntryConfig) (flow.EntryHandle, error) {
	pipe := rt.Pipes[pc.Name]
	var match, mask flow.Match
	hasMask, err := setValues(&match, &mask, ec.Values)
	if err != nil {
		return 0, err
	}
	var maskp *flow.Match
	if hasMask {
		maskp = &mask
	}
	fwd, err := forward(rt, ec.Forward)
	if err != nil {
		return 0, fmt.Errorf("forward: %w", err)
	}
	mon := entryMonitor(pc, ec)
	ctx := pc.Name
	e := rt.Engine
	switch pc.Type {
	case "basic":
		return e.AddEntry(0, pipe, &match, nil, mon, fwd, flow.WaitForBatch, ctx)
	case "lpm":
		return e.LPMAddEntry(0, pipe, &match, maskp, nil, mon, fwd, flow.WaitForBatch, ctx)
	case "acl":
		return e.ACLAddEntry(0, pipe, &match, maskp, uint32(pos+1), fwd, flow.WaitForBatch, ctx)
	case "control":
		return e.ControlAddEntry(0, uint32(pos+1), pipe, &match, maskp, nil, nil, nil, mon, fwd, ctx)
	case "hash":
		return e.HashAddEntry(0, pipe, uint32(pos), nil, mon, fwd, flow.WaitForBatch, ctx)
	}
	return 0, fmt.Errorf("%w: static entries on %s pipes", flow.ErrNotSupported, pc.Type)
}

func installEntries(rt *Runtime, cfg *config.Config) error {
	pending := make(map[flow.PortHandle]int)
	for _, pc := range cfg.Pipes {
		for i, ec := range pc.Entries {
			h, err := addEntry(rt, pc, i, ec)
			if err != nil {
				return fmt.Errorf("pipe %q entry %q: %w", pc.Name, ec.Name, err)
			}
			rt.Entries[pc.Name+"/"+ec.Name] = h
			pending[rt.Ports[pc.Port]]++
		}
	}
	var errs error
	deadline := time.Now().Add(entrySettleTimeout)
	for ph, n := range pending {
		for n > 0 && time.Now().Before(deadline) {
			comps, err := rt.Engine.EntriesProcess(ph, 0, 100*time.Millisecond, 0)
			if err != nil {
				return fmt.Errorf("process static entries: %w", err)
			}
			for _, c := range comps {
				if c.Op != flow.OpAdd {
					continue
				}
				n--
				if c.Status == flow.StatusError {
					errs = multierr.Append(errs, fmt.Errorf("entry %#x in pipe %v: %w", uint64(c.Entry), c.UserCtx, c.Err))
				}
			}
		}
		if n > 0 {
			errs = multierr.Append(errs, fmt.Errorf("%w: %d static entries did not complete", flow.ErrDriver, n))
		}
	}
	return errs
}
