package flow

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/psaab/flowpipe/pkg/dataplane"
)

// Rule cookies are entry handles; CT reply rules set the top bit.
const replyBit = 1 << 63

// anyPipe lets updateEntry accept every non-CT pipe type.
const anyPipe PipeType = 255

const (
	ruleOrigin uint8 = 1 << 0
	ruleReply  uint8 = 1 << 1
)

func ruleCookie(h EntryHandle, reply bool) uint64 {
	if reply {
		return uint64(h) | replyBit
	}
	return uint64(h)
}

func entryOf(cookie uint64) EntryHandle {
	return EntryHandle(cookie &^ replyBit)
}

type entry struct {
	handle   EntryHandle
	pipe     *pipe
	queue    uint16
	match    Match
	mask     Match
	actions  Actions
	monitor  Monitor
	fwd      Fwd
	priority uint32
	index    uint32
	list     *OrderedList
	userCtx  any

	status   EntryStatus
	op       EntryOp
	rules    uint8 // directions installed in the driver
	awaiting int   // driver results outstanding for op
	opErr    error
	staged   *staged
	refs     []*resource

	agingSec uint32
	aged     bool
	lastSeen time.Time

	ct *ctSession
}

// staged holds update values applied when the update succeeds.
type staged struct {
	actions  Actions
	monitor  Monitor
	fwd      Fwd
	refs     []*resource
	agingSec uint32
	metaO    uint32
	metaR    uint32
}

// entrySpec carries the per-type inputs of an add.
type entrySpec struct {
	match    *Match
	mask     *Match
	actions  *Actions
	monitor  *Monitor
	fwd      Fwd
	priority uint32
	index    uint32
	indexed  bool
	list     *OrderedList
}

// AddEntry adds an entry to a basic pipe.
func (e *Engine) AddEntry(queue uint16, pipe PipeHandle, match *Match, actions *Actions, monitor *Monitor,
	fwd Fwd, flags Flags, userCtx any) (EntryHandle, error) {
	return e.addEntry(queue, pipe, PipeBasic, entrySpec{
		match:   match,
		actions: actions,
		monitor: monitor,
		fwd:     fwd,
	}, flags, userCtx)
}

// ControlAddEntry adds a prioritized masked entry to a control pipe. Lower
// priority values win. The doorbell is rung immediately.
func (e *Engine) ControlAddEntry(queue uint16, priority uint32, pipe PipeHandle, match, matchMask *Match,
	actions, actionsMask *Actions, descs []ActionDesc, monitor *Monitor, fwd Fwd, userCtx any) (EntryHandle, error) {
	if err := validateDescs(descs); err != nil {
		return 0, err
	}
	return e.addEntry(queue, pipe, PipeControl, entrySpec{
		match:    match,
		mask:     matchMask,
		actions:  actions,
		monitor:  monitor,
		fwd:      fwd,
		priority: priority,
	}, NoWait, userCtx)
}

// LPMAddEntry adds a prefix to an LPM pipe; the prefix length comes from
// the mask of the pipe's address field.
func (e *Engine) LPMAddEntry(queue uint16, pipe PipeHandle, match, matchMask *Match, actions *Actions,
	monitor *Monitor, fwd Fwd, flags Flags, userCtx any) (EntryHandle, error) {
	return e.addEntry(queue, pipe, PipeLPM, entrySpec{
		match:   match,
		mask:    matchMask,
		actions: actions,
		monitor: monitor,
		fwd:     fwd,
	}, flags, userCtx)
}

// LPMUpdateEntry rewrites the actions, monitor and forward of an LPM entry.
func (e *Engine) LPMUpdateEntry(queue uint16, pipe PipeHandle, actions *Actions, monitor *Monitor, fwd Fwd,
	flags Flags, entry EntryHandle) error {
	return e.updateEntry(queue, pipe, PipeLPM, actions, monitor, fwd, flags, entry)
}

// ACLAddEntry adds a masked entry to an ACL pipe. Priority must be non-zero.
func (e *Engine) ACLAddEntry(queue uint16, pipe PipeHandle, match, matchMask *Match, priority uint32,
	fwd Fwd, flags Flags, userCtx any) (EntryHandle, error) {
	if priority == 0 {
		return 0, errorf(ErrInvalidValue, "acl entry needs a non-zero priority")
	}
	return e.addEntry(queue, pipe, PipeACL, entrySpec{
		match:    match,
		mask:     matchMask,
		fwd:      fwd,
		priority: priority,
	}, flags, userCtx)
}

// HashAddEntry installs an entry at a fixed index of a hash pipe.
func (e *Engine) HashAddEntry(queue uint16, pipe PipeHandle, index uint32, actions *Actions, monitor *Monitor,
	fwd Fwd, flags Flags, userCtx any) (EntryHandle, error) {
	return e.addEntry(queue, pipe, PipeHash, entrySpec{
		actions: actions,
		monitor: monitor,
		fwd:     fwd,
		index:   index,
		indexed: true,
	}, flags, userCtx)
}

// OrderedListAddEntry instantiates list idx of an ordered-list pipe.
func (e *Engine) OrderedListAddEntry(queue uint16, pipe PipeHandle, idx uint32, list *OrderedList, fwd Fwd,
	flags Flags, userCtx any) (EntryHandle, error) {
	if list == nil {
		return 0, errorf(ErrInvalidValue, "nil ordered list")
	}
	return e.addEntry(queue, pipe, PipeOrderedList, entrySpec{
		fwd:     fwd,
		index:   idx,
		indexed: true,
		list:    list,
	}, flags, userCtx)
}

func (e *Engine) addEntry(queueID uint16, ph PipeHandle, want PipeType, s entrySpec, flags Flags, userCtx any) (EntryHandle, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkLive(); err != nil {
		return 0, err
	}
	pp, err := e.pipeLocked(ph)
	if err != nil {
		return 0, err
	}
	if pp.attr.Type != want {
		return 0, errorf(ErrInvalidValue, "pipe %q is a %s pipe, not %s", pp.attr.Name, pp.attr.Type, want)
	}
	q, err := e.queueOf(pp.port, queueID)
	if err != nil {
		return 0, err
	}

	ent := &entry{
		pipe:     pp,
		queue:    queueID,
		fwd:      copyFwd(s.fwd),
		priority: s.priority,
		index:    s.index,
		userCtx:  userCtx,
		status:   StatusInProcess,
		op:       OpAdd,
	}
	if err := e.conform(pp, s.match, s.mask); err != nil {
		return 0, err
	}
	if s.match != nil {
		ent.match = *s.match
	}
	if s.mask != nil {
		ent.mask = *s.mask
	}
	if s.actions != nil {
		if err := e.checkEntryActions(pp, s.actions); err != nil {
			return 0, err
		}
		ent.actions = *s.actions
	}
	if s.monitor != nil {
		if err := e.validateMonitor(pp.port, s.monitor); err != nil {
			return 0, err
		}
		ent.monitor = *s.monitor
	}
	if err := e.validateFwd(pp.port, s.fwd, "entry forward"); err != nil {
		return 0, err
	}
	if s.indexed {
		if err := checkIndex(pp, s); err != nil {
			return 0, err
		}
		ent.list = s.list.clone()
	}
	refs, err := e.monitorRefs(pp, &ent.monitor)
	if err != nil {
		return 0, err
	}
	ent.refs = refs
	ent.agingSec = agingOf(pp, s.monitor)

	op := dataplane.Op{
		Kind:     dataplane.OpInsert,
		Table:    pp.table,
		Priority: ent.priority,
		Value:    e.encodeValue(&ent.actions, e.effectiveMonitor(pp, &ent.monitor), e.effectiveFwd(pp, ent.fwd)),
	}
	switch pp.kind {
	case dataplane.TableIndexed:
		op.Key = binary.BigEndian.AppendUint32(nil, ent.index)
	case dataplane.TableLPM:
		op.Key, op.Mask = pp.encodeKey(&ent.match, s.mask)
		op.PrefixLen = prefixLen(op.Mask)
		if op.PrefixLen < 0 {
			return 0, errorf(ErrInvalidValue, "lpm entry mask is not a prefix")
		}
	default:
		op.Key, op.Mask = pp.encodeKey(&ent.match, s.mask)
	}

	e.entMu.Lock()
	if uint32(len(pp.entries)) >= pp.attr.NbFlows {
		e.entMu.Unlock()
		return 0, errorf(ErrNoMemory, "pipe %q is full (%d entries)", pp.attr.Name, pp.attr.NbFlows)
	}
	if s.indexed {
		if _, busy := pp.slots[s.index]; busy {
			e.entMu.Unlock()
			return 0, errorf(ErrInUse, "pipe %q index %d already holds an entry", pp.attr.Name, s.index)
		}
	}
	h := EntryHandle(e.entries.insert(ent))
	ent.handle = h
	e.trackEntryLocked(ent, s.indexed)
	ent.awaiting = 1
	e.entMu.Unlock()

	op.Rule = ruleCookie(h, false)
	if err := e.enqueue(pp.port, q, h, []dataplane.Op{op}, flags); err != nil {
		e.entMu.Lock()
		e.releaseEntryLocked(ent)
		e.entMu.Unlock()
		return 0, err
	}
	return h, nil
}

// trackEntryLocked links a freshly inserted entry to its pipe.
func (e *Engine) trackEntryLocked(ent *entry, indexed bool) {
	pp := ent.pipe
	pp.entries[ent.handle] = struct{}{}
	if indexed {
		pp.slots[ent.index] = ent.handle
	}
	for _, r := range ent.refs {
		r.refs++
	}
	pp.inflight++
}

// releaseEntryLocked forgets an entry. The driver rules, if any, must be
// gone already or be dropped with the table.
func (e *Engine) releaseEntryLocked(ent *entry) {
	pp := ent.pipe
	if _, ok := e.entries.remove(uint64(ent.handle)); !ok {
		return
	}
	delete(pp.entries, ent.handle)
	if h, ok := pp.slots[ent.index]; ok && h == ent.handle {
		delete(pp.slots, ent.index)
	}
	for _, r := range ent.refs {
		r.refs--
	}
	if ent.status == StatusInProcess {
		pp.inflight--
	}
	if ent.ct != nil && e.ct != nil {
		e.ct.forgetLocked(pp.port, ent)
	}
}

// conform checks that an entry matches only fields of its pipe template.
func (e *Engine) conform(pp *pipe, match, mask *Match) error {
	for _, m := range []*Match{match, mask} {
		used := usedFields(m)
		if used.subsetOf(pp.matched) {
			continue
		}
		var extra fieldSet
		for i := range fields {
			if used.has(i) && !pp.matched.has(i) {
				extra.add(i)
			}
		}
		return errorf(ErrInvalidValue, "pipe %q does not match %v", pp.attr.Name, extra.names())
	}
	return nil
}

func (e *Engine) checkEntryActions(pp *pipe, a *Actions) error {
	if len(pp.actions) > 0 && int(a.ActionIdx) >= len(pp.actions) {
		return errorf(ErrInvalidValue, "action index %d out of range (pipe %q has %d)", a.ActionIdx, pp.attr.Name, len(pp.actions))
	}
	return e.validateActions(pp.port, pp.attr.Domain, a)
}

func checkIndex(pp *pipe, s entrySpec) error {
	switch pp.attr.Type {
	case PipeHash:
		if s.index >= pp.attr.NbFlows {
			return errorf(ErrInvalidValue, "hash index %d out of range (nb_flows %d)", s.index, pp.attr.NbFlows)
		}
	case PipeOrderedList:
		if s.index >= uint32(len(pp.lists)) {
			return errorf(ErrInvalidValue, "ordered list %d out of range", s.index)
		}
		tmpl := pp.lists[s.index]
		if len(s.list.Elements) != len(tmpl.Elements) {
			return errorf(ErrInvalidValue, "ordered list %d has %d elements, template %d",
				s.index, len(s.list.Elements), len(tmpl.Elements))
		}
		for i, el := range s.list.Elements {
			if el == nil || el.ElementType() != tmpl.Elements[i].ElementType() {
				return errorf(ErrInvalidValue, "ordered list %d element %d does not match the template", s.index, i)
			}
		}
	}
	return nil
}

// monitorRefs resolves the shared resources a monitor references. Each
// must be configured and bound to the pipe, its port or globally.
func (e *Engine) monitorRefs(pp *pipe, m *Monitor) ([]*resource, error) {
	var refs []*resource
	for _, ref := range []struct {
		typ ResourceType
		id  uint32
	}{
		{ResourceCount, m.SharedCounterID},
		{ResourceMeter, m.SharedMeterID},
		{ResourceMirror, m.SharedMirrorID},
	} {
		if ref.id == 0 {
			continue
		}
		r, ok := e.resources[resourceKey{ref.typ, ref.id}]
		if !ok {
			return nil, errorf(ErrInvalidValue, "shared %s %d not configured", ref.typ, ref.id)
		}
		if !r.boundFor(pp) {
			return nil, errorf(ErrInvalidValue, "shared %s %d not bound to pipe %q", ref.typ, ref.id, pp.attr.Name)
		}
		refs = append(refs, r)
	}
	return refs, nil
}

// agingOf resolves the aging time of an entry. An entry without a monitor
// inherits the pipe's; an entry monitor sets it whenever aging is on at
// either level, and its AgingSec of 0 turns aging off for that entry.
func agingOf(pp *pipe, m *Monitor) uint32 {
	pipeAging := pp.monitor.Flags&MonitorAging != 0
	switch {
	case m == nil && pipeAging:
		return pp.monitor.AgingSec
	case m == nil:
		return 0
	case pipeAging || m.Flags&MonitorAging != 0:
		return m.AgingSec
	}
	return 0
}

func (e *Engine) effectiveMonitor(pp *pipe, m *Monitor) *Monitor {
	eff := *m
	eff.Flags |= pp.monitor.Flags
	return &eff
}

func (e *Engine) effectiveFwd(pp *pipe, f Fwd) Fwd {
	if f != nil {
		return f
	}
	return pp.fwd
}

// encodeKey lays the matched fields out in registry order. Constant
// template values override the entry's; the mask comes from the entry,
// then the pipe, then defaults to exact.
func (pp *pipe) encodeKey(m, mask *Match) (key, kmask []byte) {
	for i, f := range fields {
		if !pp.matched.has(i) {
			continue
		}
		v := f.get(m)
		if tv := f.get(&pp.match); !isZero(tv) && !isOnes(tv) {
			v = tv
		}
		var mk []byte
		switch {
		case mask != nil && !isZero(f.get(mask)):
			mk = f.get(mask)
		case pp.hasMask && !isZero(f.get(&pp.mask)):
			mk = f.get(&pp.mask)
		default:
			mk = make([]byte, f.size)
			for j := range mk {
				mk[j] = 0xff
			}
		}
		key = append(key, v...)
		kmask = append(kmask, mk...)
	}
	return key, kmask
}

// encodeValue packs the result of a rule for the driver:
//
//	0 fwd type | 1 action idx | 2 monitor flags | 3 init color
//	4 fwd arg  | 8 fwd arg2   | 12 counter | 16 meter | 20 mirror
//	24 pkt_meta | 28 mark
func (e *Engine) encodeValue(a *Actions, m *Monitor, f Fwd) []byte {
	v := make([]byte, entryValueSize)
	le := binary.LittleEndian
	v[0] = byte(fwdTypeOf(f))
	if a != nil {
		v[1] = a.ActionIdx
		le.PutUint32(v[24:], a.Meta.PktMeta)
		le.PutUint32(v[28:], a.Meta.Mark)
	}
	if m != nil {
		v[2] = byte(m.Flags)
		v[3] = byte(m.MeterInitColor)
		le.PutUint32(v[12:], m.SharedCounterID)
		le.PutUint32(v[16:], m.SharedMeterID)
		le.PutUint32(v[20:], m.SharedMirrorID)
	}
	switch t := f.(type) {
	case nil, FwdDrop:
	case FwdRSS:
		if t.SharedRSSID != 0 {
			le.PutUint32(v[4:], t.SharedRSSID)
		} else if len(t.Queues) > 0 {
			le.PutUint32(v[4:], uint32(t.Queues[0]))
			le.PutUint32(v[8:], uint32(len(t.Queues)))
		}
	case FwdPort:
		le.PutUint32(v[4:], uint32(t.PortID))
	case FwdPipe:
		if target, ok := e.pipes.get(uint64(t.Pipe)); ok {
			le.PutUint32(v[4:], target.table)
		}
	case FwdOrderedList:
		if target, ok := e.pipes.get(uint64(t.Pipe)); ok {
			le.PutUint32(v[4:], target.table)
		}
		le.PutUint32(v[8:], t.Idx)
	case FwdTarget:
		le.PutUint32(v[4:], uint32(t.Target))
	}
	return v
}

// UpdateEntry rewrites the actions, monitor and forward of an entry that
// completed successfully.
func (e *Engine) UpdateEntry(queue uint16, pipe PipeHandle, actions *Actions, monitor *Monitor, fwd Fwd,
	flags Flags, entry EntryHandle) error {
	return e.updateEntry(queue, pipe, anyPipe, actions, monitor, fwd, flags, entry)
}

func (e *Engine) updateEntry(queueID uint16, ph PipeHandle, want PipeType, actions *Actions, monitor *Monitor,
	fwd Fwd, flags Flags, h EntryHandle) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pp, err := e.pipeLocked(ph)
	if err != nil {
		return err
	}
	if want != anyPipe && pp.attr.Type != want {
		return errorf(ErrInvalidValue, "pipe %q is a %s pipe, not %s", pp.attr.Name, pp.attr.Type, want)
	}
	if pp.attr.Type == PipeCT {
		return errorf(ErrInvalidValue, "ct sessions are updated through the ct engine")
	}
	q, err := e.queueOf(pp.port, queueID)
	if err != nil {
		return err
	}
	st := &staged{fwd: copyFwd(fwd)}
	if actions != nil {
		if err := e.checkEntryActions(pp, actions); err != nil {
			return err
		}
		st.actions = *actions
	}
	if monitor != nil {
		if err := e.validateMonitor(pp.port, monitor); err != nil {
			return err
		}
		st.monitor = *monitor
	}
	if err := e.validateFwd(pp.port, fwd, "entry forward"); err != nil {
		return err
	}
	if st.refs, err = e.monitorRefs(pp, &st.monitor); err != nil {
		return err
	}
	st.agingSec = agingOf(pp, monitor)

	e.entMu.Lock()
	ent, ok := e.entries.get(uint64(h))
	if !ok {
		e.entMu.Unlock()
		return errorf(ErrNotFound, "entry %#x", uint64(h))
	}
	if ent.pipe != pp {
		e.entMu.Unlock()
		return errorf(ErrInvalidValue, "entry %#x does not belong to pipe %q", uint64(h), pp.attr.Name)
	}
	if ent.status != StatusSuccess {
		e.entMu.Unlock()
		return errorf(ErrBadState, "entry %#x is %s, update needs success", uint64(h), ent.status)
	}
	prevQueue := ent.queue
	ent.staged = st
	ent.status = StatusInProcess
	ent.op = OpUpd
	ent.queue = queueID
	ent.awaiting = 1
	pp.inflight++
	e.entMu.Unlock()

	op := dataplane.Op{
		Kind:  dataplane.OpModify,
		Table: pp.table,
		Rule:  ruleCookie(h, false),
		Value: e.encodeValue(&st.actions, e.effectiveMonitor(pp, &st.monitor), e.effectiveFwd(pp, st.fwd)),
	}
	if err := e.enqueue(pp.port, q, h, []dataplane.Op{op}, flags); err != nil {
		e.entMu.Lock()
		if ent, ok := e.entries.get(uint64(h)); ok {
			ent.staged = nil
			ent.status = StatusSuccess
			ent.queue = prevQueue
			ent.awaiting = 0
			pp.inflight--
		}
		e.entMu.Unlock()
		return err
	}
	return nil
}

// RmEntry removes an entry asynchronously; the removal completes through
// EntriesProcess on queue. Entries still in process cannot be removed.
func (e *Engine) RmEntry(queueID uint16, flags Flags, h EntryHandle) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rmEntryLocked(queueID, flags, h)
}

func (e *Engine) rmEntryLocked(queueID uint16, flags Flags, h EntryHandle) error {
	e.entMu.Lock()
	ent, ok := e.entries.get(uint64(h))
	if !ok {
		e.entMu.Unlock()
		return errorf(ErrNotFound, "entry %#x", uint64(h))
	}
	if ent.status == StatusInProcess {
		e.entMu.Unlock()
		return errorf(ErrBadState, "entry %#x is still in process", uint64(h))
	}
	pp := ent.pipe
	q, err := e.queueOf(pp.port, queueID)
	if err != nil {
		e.entMu.Unlock()
		return err
	}
	var ops []dataplane.Op
	for _, dir := range []struct {
		bit   uint8
		reply bool
	}{{ruleOrigin, false}, {ruleReply, true}} {
		if ent.rules&dir.bit != 0 {
			ops = append(ops, dataplane.Op{Kind: dataplane.OpRemove, Table: pp.table, Rule: ruleCookie(h, dir.reply)})
		}
	}
	prev, prevQueue := ent.status, ent.queue
	ent.status = StatusInProcess
	ent.op = OpDel
	ent.queue = queueID
	ent.awaiting = max(len(ops), 1)
	pp.inflight++
	e.entMu.Unlock()

	if len(ops) == 0 {
		// Nothing reached the driver; complete locally.
		q.mu.Lock()
		q.complete(dataplane.Result{Rule: ruleCookie(h, false), Kind: dataplane.OpRemove})
		var ferr error
		if flags&WaitForBatch == 0 {
			ferr = e.flushLocked(pp.port, q, 0)
		}
		q.mu.Unlock()
		if ferr != nil {
			e.log.Warn("doorbell failed", "port", pp.port.id, "queue", queueID, "err", ferr)
		}
		return nil
	}
	if err := e.enqueue(pp.port, q, h, ops, flags); err != nil {
		e.entMu.Lock()
		if ent, ok := e.entries.get(uint64(h)); ok {
			ent.status = prev
			ent.queue = prevQueue
			ent.awaiting = 0
			pp.inflight--
		}
		e.entMu.Unlock()
		return err
	}
	return nil
}

// applyResult folds one driver result into its entry. It returns the
// completion once every result of the entry's operation is in, and
// whether the entry joins the aging set of its queue.
func (e *Engine) applyResult(queueID uint16, res dataplane.Result) (c Completion, done, aging bool) {
	e.entMu.Lock()
	defer e.entMu.Unlock()
	h := entryOf(res.Rule)
	ent, ok := e.entries.get(uint64(h))
	if !ok || ent.awaiting == 0 {
		return c, false, false
	}
	err := res.Err
	if res.Kind == dataplane.OpRemove && errors.Is(err, dataplane.ErrUnknownRule) {
		err = nil
	}
	bit := ruleOrigin
	if res.Rule&replyBit != 0 {
		bit = ruleReply
	}
	if err != nil {
		if ent.opErr == nil {
			ent.opErr = err
		}
	} else {
		switch res.Kind {
		case dataplane.OpInsert:
			ent.rules |= bit
		case dataplane.OpRemove:
			ent.rules &^= bit
		}
	}
	ent.awaiting--
	if ent.awaiting > 0 {
		return c, false, false
	}

	pp := ent.pipe
	pp.inflight--
	c = Completion{Entry: h, Queue: queueID, Op: ent.op, UserCtx: ent.userCtx}
	if ent.ct != nil && e.ct != nil {
		defer e.ct.recordLocked(&c)
	}
	if ent.opErr != nil {
		ent.status = StatusError
		ent.staged = nil
		pp.stats.failed++
		if errors.Is(ent.opErr, ErrDriver) || errors.Is(ent.opErr, ErrNoMemory) {
			c.Err = ent.opErr
		} else {
			c.Err = fmt.Errorf("%w: %w", ErrDriver, ent.opErr)
		}
		ent.opErr = nil
		c.Status = StatusError
		return c, true, false
	}

	ent.status = StatusSuccess
	c.Status = StatusSuccess
	switch ent.op {
	case OpAdd:
		pp.stats.added++
		ent.lastSeen = e.clock()
		aging = ent.agingSec > 0
	case OpUpd:
		e.commitLocked(ent)
		ent.aged = false
		ent.lastSeen = e.clock()
		aging = ent.agingSec > 0
	case OpDel:
		pp.stats.removed++
		e.releaseEntryLocked(ent)
	}
	return c, true, aging
}

func (e *Engine) commitLocked(ent *entry) {
	st := ent.staged
	if st == nil {
		return
	}
	ent.staged = nil
	if ent.ct != nil {
		ent.ct.metaO, ent.ct.metaR = st.metaO, st.metaR
		if e.ct != nil {
			ent.agingSec = e.ct.sessionAging(ent.ct)
		}
		return
	}
	for _, r := range ent.refs {
		r.refs--
	}
	for _, r := range st.refs {
		r.refs++
	}
	ent.refs = st.refs
	ent.actions = st.actions
	ent.monitor = st.monitor
	ent.fwd = st.fwd
	ent.agingSec = st.agingSec
}

// EntryStatus returns the last known status of an entry.
func (e *Engine) EntryStatus(h EntryHandle) (EntryStatus, error) {
	e.entMu.Lock()
	defer e.entMu.Unlock()
	ent, ok := e.entries.get(uint64(h))
	if !ok {
		return 0, errorf(ErrNotFound, "entry %#x", uint64(h))
	}
	return ent.status, nil
}

// QueryEntry reads the counter of an entry with a count monitor.
func (e *Engine) QueryEntry(h EntryHandle) (Query, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.entMu.Lock()
	ent, ok := e.entries.get(uint64(h))
	if !ok {
		e.entMu.Unlock()
		return Query{}, errorf(ErrNotFound, "entry %#x", uint64(h))
	}
	pp := ent.pipe
	if ent.ct != nil {
		e.entMu.Unlock()
		return Query{}, errorf(ErrInvalidValue, "ct sessions are queried through the ct engine")
	}
	if (pp.monitor.Flags|ent.monitor.Flags)&MonitorCount == 0 {
		e.entMu.Unlock()
		return Query{}, errorf(ErrNotSupported, "entry %#x has no counter", uint64(h))
	}
	if ent.rules&ruleOrigin == 0 {
		e.entMu.Unlock()
		return Query{}, errorf(ErrBadState, "entry %#x is not installed", uint64(h))
	}
	shared := ent.monitor.SharedCounterID
	portID, table := pp.port.id, pp.table
	e.entMu.Unlock()

	var s dataplane.Stats
	var err error
	if shared != 0 {
		s, err = e.drv.SharedStats(portID, dataplane.SharedCounter, shared)
	} else {
		s, err = e.drv.RuleStats(portID, table, ruleCookie(h, false))
	}
	if err != nil {
		return Query{}, driverErr("query entry", err)
	}
	return Query{TotalBytes: s.Bytes, TotalPkts: s.Packets}, nil
}

// EntryInfo is a snapshot of one entry.
type EntryInfo struct {
	Handle   EntryHandle
	Queue    uint16
	Status   EntryStatus
	Priority uint32
	Index    uint32
	AgingSec uint32
	Aged     bool
}

// PipeEntries lists the entries of a pipe.
func (e *Engine) PipeEntries(ph PipeHandle) ([]EntryInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pp, err := e.pipeLocked(ph)
	if err != nil {
		return nil, err
	}
	e.entMu.Lock()
	defer e.entMu.Unlock()
	out := make([]EntryInfo, 0, len(pp.entries))
	e.entries.each(func(_ uint64, ent *entry) bool {
		if ent.pipe == pp {
			out = append(out, EntryInfo{
				Handle:   ent.handle,
				Queue:    ent.queue,
				Status:   ent.status,
				Priority: ent.priority,
				Index:    ent.index,
				AgingSec: ent.agingSec,
				Aged:     ent.aged,
			})
		}
		return true
	})
	return out, nil
}
