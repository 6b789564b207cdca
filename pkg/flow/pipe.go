package flow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/psaab/flowpipe/pkg/dataplane"
	"github.com/psaab/flowpipe/pkg/device"
)

// PipeAttr are the creation attributes of a pipe.
type PipeAttr struct {
	Name           string
	Type           PipeType
	Domain         Domain
	IsRoot         bool
	NbFlows        uint32 // default 8192
	NbActions      uint8  // default 1; excludes NbOrderedLists
	NbOrderedLists uint8
	DirInfo        DirectionInfo
}

// PipeConfig describes a pipe template.
//
// A field of Match that is zero is not matched, all ones is set per entry
// and any other value is a constant for every entry. A non-zero MatchMask
// field is matched under that mask.
type PipeConfig struct {
	Attr         PipeAttr
	Port         PortHandle
	Match        *Match
	MatchMask    *Match
	Actions      []*Actions
	ActionMasks  []*Actions
	ActionDescs  [][]ActionDesc
	Monitor      *Monitor
	OrderedLists []*OrderedList
}

type pipe struct {
	handle   PipeHandle
	port     *port
	attr     PipeAttr
	table    uint32
	kind     dataplane.TableKind
	match    Match
	mask     Match
	hasMask  bool
	matched  fieldSet
	keySize  int
	lpmField int

	actions     []Actions
	actionMasks []Actions
	descs       [][]ActionDesc
	monitor     Monitor
	lists       []*OrderedList
	fwd         Fwd
	fwdMiss     Fwd

	// guarded by Engine.entMu
	entries  map[EntryHandle]struct{}
	slots    map[uint32]EntryHandle
	inflight int
	stats    pipeStats
}

type pipeStats struct {
	added   uint64
	removed uint64
	failed  uint64
	aged    uint64
}

var pipeFeature = map[PipeType]device.Feature{
	PipeBasic:       device.FeatureBasic,
	PipeControl:     device.FeatureControl,
	PipeLPM:         device.FeatureLPM,
	PipeCT:          device.FeatureCT,
	PipeACL:         device.FeatureACL,
	PipeOrderedList: device.FeatureOrderedList,
	PipeHash:        device.FeatureHash,
}

var lpmCapable = func() fieldSet {
	var s fieldSet
	for _, n := range []string{
		"outer.ip4.src", "outer.ip4.dst", "outer.ip6.src", "outer.ip6.dst",
		"inner.ip4.src", "inner.ip4.dst", "inner.ip6.src", "inner.ip6.dst",
	} {
		s.add(fieldIndex[n])
	}
	return s
}()

// CreatePipe validates cfg, creates the backing driver table and returns
// the new pipe. fwd is the default forward of matching packets and fwdMiss
// of missing ones; either may be nil.
func (e *Engine) CreatePipe(cfg PipeConfig, fwd, fwdMiss Fwd) (PipeHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(); err != nil {
		return 0, err
	}
	prt, err := e.portLocked(cfg.Port)
	if err != nil {
		return 0, err
	}
	attr := cfg.Attr
	feat, ok := pipeFeature[attr.Type]
	if !ok {
		return 0, errorf(ErrInvalidValue, "unknown pipe type %d", attr.Type)
	}
	if !prt.dev.Supported(feat) {
		return 0, errorf(ErrNotSupported, "device %s does not support %s pipes", prt.dev.Name(), attr.Type)
	}
	if attr.Domain > DomainSecureEgress {
		return 0, errorf(ErrInvalidValue, "unknown domain %d", attr.Domain)
	}
	if attr.NbFlows == 0 {
		attr.NbFlows = DefaultNbFlows
	}
	if attr.Name == "" {
		attr.Name = fmt.Sprintf("%s-%d", attr.Type, e.nextTable+1)
	}

	pp := &pipe{
		port:     prt,
		attr:     attr,
		lpmField: -1,
		fwd:      copyFwd(fwd),
		fwdMiss:  copyFwd(fwdMiss),
		entries:  make(map[EntryHandle]struct{}),
		slots:    make(map[uint32]EntryHandle),
	}
	if cfg.Match != nil {
		pp.match = *cfg.Match
	}
	if cfg.MatchMask != nil {
		pp.mask = *cfg.MatchMask
		pp.hasMask = !usedFields(cfg.MatchMask).empty()
	}
	pp.matched = usedFields(&pp.match).union(usedFields(&pp.mask))

	if err := e.validatePipeActions(pp, cfg); err != nil {
		return 0, err
	}
	if cfg.Monitor != nil {
		if err := e.validateMonitor(prt, cfg.Monitor); err != nil {
			return 0, err
		}
		pp.monitor = *cfg.Monitor
	}
	if err := e.validatePipeShape(pp, cfg); err != nil {
		return 0, err
	}
	if err := e.validateFwd(prt, fwd, "forward"); err != nil {
		return 0, err
	}
	if err := e.validateFwd(prt, fwdMiss, "miss forward"); err != nil {
		return 0, err
	}

	pp.table = e.allocTable()
	spec := dataplane.TableSpec{
		ID:         pp.table,
		Name:       attr.Name,
		Kind:       pp.kind,
		KeySize:    pp.keySize,
		ValueSize:  entryValueSize,
		MaxEntries: attr.NbFlows,
		Root:       attr.IsRoot,
		MissStats:  e.cfg.Flags&CfgPipeMissMon != 0,
	}
	if attr.Type == PipeCT {
		spec.MaxEntries = 2 * e.ct.capacity()
	}
	if err := e.drv.CreateTable(prt.id, spec); err != nil {
		return 0, driverErr(fmt.Sprintf("create table for pipe %q", attr.Name), err)
	}

	pp.handle = PipeHandle(e.pipes.insert(pp))
	prt.pipes = append(prt.pipes, pp.handle)
	if attr.Type == PipeCT {
		prt.ctPipe = pp.handle
	}
	e.log.Info("pipe created", "port", prt.id, "pipe", attr.Name, "type", attr.Type.String(),
		"root", attr.IsRoot, "fields", len(pp.matched.names()))
	return pp.handle, nil
}

func (e *Engine) validatePipeActions(pp *pipe, cfg PipeConfig) error {
	attr := &pp.attr
	if attr.Type == PipeOrderedList {
		if attr.NbActions != 0 || len(cfg.Actions) > 0 {
			return errorf(ErrInvalidValue, "ordered-list pipe %q cannot have actions", attr.Name)
		}
	} else {
		if attr.NbOrderedLists != 0 || len(cfg.OrderedLists) > 0 {
			return errorf(ErrInvalidValue, "only ordered-list pipes have ordered lists")
		}
		if attr.NbActions == 0 {
			attr.NbActions = 1
		}
	}
	if len(cfg.Actions) > int(attr.NbActions) {
		return errorf(ErrInvalidValue, "pipe %q has %d actions, nb_actions is %d", attr.Name, len(cfg.Actions), attr.NbActions)
	}
	if len(cfg.ActionMasks) > len(cfg.Actions) || len(cfg.ActionDescs) > len(cfg.Actions) {
		return errorf(ErrInvalidValue, "pipe %q: more action masks or descs than actions", attr.Name)
	}
	for _, a := range cfg.Actions {
		if a == nil {
			return errorf(ErrInvalidValue, "pipe %q: nil actions", attr.Name)
		}
		if err := e.validateActions(pp.port, attr.Domain, a); err != nil {
			return err
		}
		pp.actions = append(pp.actions, *a)
	}
	for _, m := range cfg.ActionMasks {
		if m == nil {
			pp.actionMasks = append(pp.actionMasks, Actions{})
			continue
		}
		pp.actionMasks = append(pp.actionMasks, *m)
	}
	for _, descs := range cfg.ActionDescs {
		if err := validateDescs(descs); err != nil {
			return err
		}
		pp.descs = append(pp.descs, slices.Clone(descs))
	}
	return nil
}

func (e *Engine) validateActions(prt *port, dom Domain, a *Actions) error {
	if a.Security.Proto != CryptoProtoNone {
		if !dom.Secure() {
			return errorf(ErrInvalidValue, "crypto action outside a secure domain (%s)", dom)
		}
		if !prt.dev.Supported(device.FeatureCrypto) {
			return errorf(ErrNotSupported, "device %s lacks crypto offload", prt.dev.Name())
		}
	}
	if a.HasEncap && a.Decap && a.Encap.Tun.Type == TunNone {
		return errorf(ErrInvalidValue, "encap without tunnel type")
	}
	return nil
}

func validateDescs(descs []ActionDesc) error {
	for _, d := range descs {
		size := FieldSize(d.Field)
		if size == 0 {
			return errorf(ErrInvalidValue, "action desc: unknown field %q", d.Field)
		}
		if d.Width == 0 || d.Offset+d.Width > uint32(size*8) {
			return errorf(ErrInvalidValue, "action desc: bits %d+%d outside %s", d.Offset, d.Width, d.Field)
		}
		switch d.Type {
		case ActionAuto, ActionAdd:
		case ActionCopy:
			if FieldSize(d.Src) == 0 {
				return errorf(ErrInvalidValue, "action desc: unknown copy source %q", d.Src)
			}
		default:
			return errorf(ErrInvalidValue, "action desc: unknown type %d", d.Type)
		}
	}
	return nil
}

func (e *Engine) validateMonitor(prt *port, m *Monitor) error {
	check := func(flag MonitorFlags, f device.Feature) error {
		if m.Flags&flag != 0 && !prt.dev.Supported(f) {
			return errorf(ErrNotSupported, "device %s lacks %s support", prt.dev.Name(), f)
		}
		return nil
	}
	for _, c := range []struct {
		flag MonitorFlags
		feat device.Feature
	}{
		{MonitorMeter, device.FeatureMeter},
		{MonitorCount, device.FeatureCounter},
		{MonitorAging, device.FeatureAging},
		{MonitorMirror, device.FeatureMirror},
	} {
		if err := check(c.flag, c.feat); err != nil {
			return err
		}
	}
	if m.Flags&MonitorMirror != 0 && m.SharedMirrorID == 0 {
		return errorf(ErrInvalidValue, "mirror monitor needs a shared mirror id")
	}
	return nil
}

// validatePipeShape applies the per-type rules and derives the key layout.
func (e *Engine) validatePipeShape(pp *pipe, cfg PipeConfig) error {
	attr := pp.attr
	pp.keySize = 0
	for i, f := range fields {
		if pp.matched.has(i) {
			pp.keySize += f.size
		}
	}
	switch attr.Type {
	case PipeBasic:
		pp.kind = dataplane.TableExact
	case PipeControl:
		pp.kind = dataplane.TableTernary
	case PipeACL:
		if pp.matched.empty() {
			return errorf(ErrInvalidValue, "acl pipe %q matches nothing", attr.Name)
		}
		pp.kind = dataplane.TableTernary
	case PipeLPM:
		if pp.matched.len() != 1 || !pp.matched.subsetOf(lpmCapable) {
			return errorf(ErrInvalidValue, "lpm pipe %q must match exactly one ip address field, got %v",
				attr.Name, pp.matched.names())
		}
		for i := range fields {
			if pp.matched.has(i) {
				pp.lpmField = i
			}
		}
		if pp.hasMask {
			if prefixLen(fields[pp.lpmField].get(&pp.mask)) < 0 {
				return errorf(ErrInvalidValue, "lpm pipe %q mask is not a prefix", attr.Name)
			}
		}
		pp.kind = dataplane.TableLPM
	case PipeHash:
		if !pp.hasMask {
			return errorf(ErrInvalidValue, "hash pipe %q needs a match mask", attr.Name)
		}
		pp.kind = dataplane.TableIndexed
		pp.keySize = 4
	case PipeOrderedList:
		if attr.NbOrderedLists == 0 || int(attr.NbOrderedLists) != len(cfg.OrderedLists) {
			return errorf(ErrInvalidValue, "ordered-list pipe %q: nb_ordered_lists %d, %d lists given",
				attr.Name, attr.NbOrderedLists, len(cfg.OrderedLists))
		}
		for i, l := range cfg.OrderedLists {
			if l == nil || l.Idx != uint32(i) {
				return errorf(ErrInvalidValue, "ordered list %d missing or out of order", i)
			}
			if err := validateOrderedList(l); err != nil {
				return err
			}
			if err := e.validateListElements(pp, l); err != nil {
				return err
			}
			pp.lists = append(pp.lists, l.clone())
		}
		pp.kind = dataplane.TableIndexed
		pp.keySize = 4
	case PipeCT:
		if e.ct == nil {
			return errorf(ErrBadState, "ct pipe %q created before connection tracking init", attr.Name)
		}
		if pp.port.ctPipe.IsValid() {
			return errorf(ErrAlreadyExists, "port %d already has a ct pipe", pp.port.id)
		}
		pp.kind = dataplane.TableExact
		pp.keySize = ctKeySize
	}
	return nil
}

// validateOrderedList checks element sequencing: a mask or descriptor
// element must follow the actions it applies to.
func validateOrderedList(l *OrderedList) error {
	if len(l.Elements) == 0 {
		return errorf(ErrInvalidValue, "ordered list %d is empty", l.Idx)
	}
	prev := OrderedListElementType(255)
	for i, el := range l.Elements {
		if el == nil {
			return errorf(ErrInvalidValue, "ordered list %d element %d is nil", l.Idx, i)
		}
		switch el.(type) {
		case ListActions, ListMonitor:
		case ListActionsMask:
			if prev != ElementActions {
				return errorf(ErrInvalidValue, "ordered list %d element %d: actions mask must follow actions", l.Idx, i)
			}
		case ListActionDescs:
			if prev != ElementActions && prev != ElementActionsMask {
				return errorf(ErrInvalidValue, "ordered list %d element %d: action descs must follow actions", l.Idx, i)
			}
		default:
			return errorf(ErrInvalidValue, "ordered list %d element %d: unknown element %T", l.Idx, i, el)
		}
		prev = el.ElementType()
	}
	return nil
}

func (e *Engine) validateListElements(pp *pipe, l *OrderedList) error {
	for _, el := range l.Elements {
		switch v := el.(type) {
		case ListActions:
			if err := e.validateActions(pp.port, pp.attr.Domain, &v.Actions); err != nil {
				return err
			}
		case ListActionDescs:
			if err := validateDescs(v.Descs); err != nil {
				return err
			}
		case ListMonitor:
			if err := e.validateMonitor(pp.port, &v.Monitor); err != nil {
				return err
			}
		case ListActionsMask:
		}
	}
	return nil
}

// validateFwd checks a forward descriptor against the pipes and ports it
// names.
func (e *Engine) validateFwd(prt *port, f Fwd, what string) error {
	switch v := f.(type) {
	case nil:
		return nil
	case FwdRSS:
		if len(v.Queues) == 0 && v.SharedRSSID == 0 {
			return errorf(ErrInvalidValue, "%s: rss without queues", what)
		}
		for _, q := range v.Queues {
			if q >= e.cfg.Queues {
				return errorf(ErrInvalidValue, "%s: rss queue %d out of range", what, q)
			}
		}
		if v.SharedRSSID != 0 {
			if _, ok := e.resources[resourceKey{ResourceRSS, v.SharedRSSID}]; !ok {
				return errorf(ErrInvalidValue, "%s: shared rss %d not configured", what, v.SharedRSSID)
			}
		}
		if !prt.dev.Supported(device.FeatureRSS) {
			return errorf(ErrNotSupported, "%s: device %s lacks rss", what, prt.dev.Name())
		}
	case FwdPort:
		if _, ok := e.portIDs[v.PortID]; !ok {
			return errorf(ErrInvalidValue, "%s: port %d not started", what, v.PortID)
		}
	case FwdPipe:
		if _, err := e.fwdTarget(prt, v.Pipe, what); err != nil {
			return err
		}
	case FwdOrderedList:
		target, err := e.fwdTarget(prt, v.Pipe, what)
		if err != nil {
			return err
		}
		if target.attr.Type != PipeOrderedList {
			return errorf(ErrInvalidValue, "%s: pipe %q is not an ordered-list pipe", what, target.attr.Name)
		}
		if v.Idx >= uint32(target.attr.NbOrderedLists) {
			return errorf(ErrInvalidValue, "%s: list %d out of range", what, v.Idx)
		}
	case FwdDrop:
	case FwdTarget:
		if v.Target != TargetKernel {
			return errorf(ErrInvalidValue, "%s: unknown target %d", what, v.Target)
		}
	default:
		return errorf(ErrInvalidValue, "%s: unknown forward %T", what, f)
	}
	return nil
}

func (e *Engine) fwdTarget(prt *port, h PipeHandle, what string) (*pipe, error) {
	target, ok := e.pipes.get(uint64(h))
	if !ok {
		return nil, errorf(ErrInvalidValue, "%s: pipe %#x not found", what, uint64(h))
	}
	if target.port != prt {
		return nil, errorf(ErrInvalidValue, "%s: pipe %q belongs to another port", what, target.attr.Name)
	}
	if target.attr.IsRoot {
		return nil, errorf(ErrInvalidValue, "%s: root pipe %q cannot be a forward target", what, target.attr.Name)
	}
	return target, nil
}

// DestroyPipe removes a pipe, its entries and its bindings. It fails with
// ErrInUse while any entry is still in process; drain the queues first.
func (e *Engine) DestroyPipe(h PipeHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.destroyPipeLocked(h, false)
}

func (e *Engine) destroyPipeLocked(h PipeHandle, force bool) error {
	pp, err := e.pipeLocked(h)
	if err != nil {
		return err
	}
	e.entMu.Lock()
	if !force && pp.inflight > 0 {
		n := pp.inflight
		e.entMu.Unlock()
		return errorf(ErrInUse, "pipe %q has %d entries in process", pp.attr.Name, n)
	}
	for eh := range pp.entries {
		if ent, ok := e.entries.get(uint64(eh)); ok {
			e.releaseEntryLocked(ent)
		}
	}
	e.entMu.Unlock()

	for _, q := range pp.port.queues {
		q.mu.Lock()
		q.purgeTable(pp.table)
		q.mu.Unlock()
	}
	e.unbindTargetLocked(h)
	if pp.port.ctPipe == h {
		pp.port.ctPipe = 0
	}
	if !force {
		pp.port.pipes = slices.DeleteFunc(pp.port.pipes, func(x PipeHandle) bool { return x == h })
	}
	e.pipes.remove(uint64(h))
	e.log.Info("pipe destroyed", "port", pp.port.id, "pipe", pp.attr.Name)
	if err := e.drv.DestroyTable(pp.port.id, pp.table); err != nil {
		return driverErr(fmt.Sprintf("destroy table of pipe %q", pp.attr.Name), err)
	}
	return nil
}

// QueryPipeMiss returns the miss counter of a pipe. It needs CfgPipeMissMon.
func (e *Engine) QueryPipeMiss(h PipeHandle) (Query, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.cfg.Flags&CfgPipeMissMon == 0 {
		return Query{}, errorf(ErrNotSupported, "pipe miss counters are disabled")
	}
	pp, err := e.pipeLocked(h)
	if err != nil {
		return Query{}, err
	}
	s, err := e.drv.MissStats(pp.port.id, pp.table)
	if err != nil {
		return Query{}, driverErr("query pipe miss", err)
	}
	return Query{TotalBytes: s.Bytes, TotalPkts: s.Packets}, nil
}

// PipeInfo is a snapshot of a pipe.
type PipeInfo struct {
	Handle   PipeHandle
	Name     string
	Type     PipeType
	Domain   Domain
	PortID   uint16
	Root     bool
	NbFlows  uint32
	Fields   []string
	Entries  int
	InFlight int
	Added    uint64
	Removed  uint64
	Failed   uint64
	Aged     uint64
	Fwd      string
	FwdMiss  string
}

// Pipes lists the pipes of a port in creation order.
func (e *Engine) Pipes(h PortHandle) ([]PipeInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	prt, err := e.portLocked(h)
	if err != nil {
		return nil, err
	}
	e.entMu.Lock()
	defer e.entMu.Unlock()
	out := make([]PipeInfo, 0, len(prt.pipes))
	for _, ph := range prt.pipes {
		pp, ok := e.pipes.get(uint64(ph))
		if !ok {
			continue
		}
		out = append(out, e.pipeInfoLocked(pp))
	}
	return out, nil
}

// PipeByName finds a pipe of a port by name.
func (e *Engine) PipeByName(h PortHandle, name string) (PipeHandle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	prt, err := e.portLocked(h)
	if err != nil {
		return 0, err
	}
	for _, ph := range prt.pipes {
		if pp, ok := e.pipes.get(uint64(ph)); ok && pp.attr.Name == name {
			return ph, nil
		}
	}
	return 0, errorf(ErrNotFound, "pipe %q on port %d", name, prt.id)
}

func (e *Engine) pipeInfoLocked(pp *pipe) PipeInfo {
	return PipeInfo{
		Handle:   pp.handle,
		Name:     pp.attr.Name,
		Type:     pp.attr.Type,
		Domain:   pp.attr.Domain,
		PortID:   pp.port.id,
		Root:     pp.attr.IsRoot,
		NbFlows:  pp.attr.NbFlows,
		Fields:   pp.matched.names(),
		Entries:  len(pp.entries),
		InFlight: pp.inflight,
		Added:    pp.stats.added,
		Removed:  pp.stats.removed,
		Failed:   pp.stats.failed,
		Aged:     pp.stats.aged,
		Fwd:      e.describeFwd(pp.fwd),
		FwdMiss:  e.describeFwd(pp.fwdMiss),
	}
}

func (e *Engine) describeFwd(f Fwd) string {
	switch v := f.(type) {
	case nil:
		return "none"
	case FwdRSS:
		qs := make([]string, len(v.Queues))
		for i, q := range v.Queues {
			qs[i] = fmt.Sprint(q)
		}
		if v.SharedRSSID != 0 {
			return fmt.Sprintf("rss shared %d", v.SharedRSSID)
		}
		return "rss queues [" + strings.Join(qs, " ") + "]"
	case FwdPort:
		return fmt.Sprintf("port %d", v.PortID)
	case FwdPipe:
		return "pipe " + e.pipeName(v.Pipe)
	case FwdOrderedList:
		return fmt.Sprintf("ordered-list %s[%d]", e.pipeName(v.Pipe), v.Idx)
	case FwdDrop:
		return "drop"
	case FwdTarget:
		return "target kernel"
	}
	return fwdTypeOf(f).String()
}

func (e *Engine) pipeName(h PipeHandle) string {
	if pp, ok := e.pipes.get(uint64(h)); ok {
		return fmt.Sprintf("%q", pp.attr.Name)
	}
	return fmt.Sprintf("<stale %#x>", uint64(h))
}
