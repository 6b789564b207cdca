package flow

import (
	"bytes"
	"net/netip"
	"slices"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"

	"github.com/psaab/flowpipe/pkg/dataplane"
)

// CTFlags tune the CT engine.
type CTFlags uint32

const (
	CTFlagStats             CTFlags = 1 << 0 // every session counted
	CTFlagWorkerStats       CTFlags = 1 << 1 // per-queue operation counts
	CTFlagNoAging           CTFlags = 1 << 2
	CTFlagSwPktParsing      CTFlags = 1 << 3
	CTFlagManaged           CTFlags = 1 << 4 // per-direction settings apply
	CTFlagAsymmetric        CTFlags = 1 << 5 // independent reply tuples and meta fields
	CTFlagAsymmetricCounter CTFlags = 1 << 6 // stats counts each direction apart
)

// CTSessionType indexes CTConfig.NbArmSessions.
type CTSessionType uint8

const (
	CTSessionIPv4 CTSessionType = iota
	CTSessionIPv6
	CTSessionBoth
	CTSessionMax
)

func (t CTSessionType) String() string {
	switch t {
	case CTSessionIPv4:
		return "ipv4"
	case CTSessionIPv6:
		return "ipv6"
	case CTSessionBoth:
		return "both"
	}
	return "unknown"
}

// CTHashType selects the connection hash of the CT table.
type CTHashType uint8

const (
	CTHashNone CTHashType = iota
	CTHashSymmetric
)

// CTEntryFlags modify a CT session operation.
type CTEntryFlags uint32

const (
	CTEntryWaitForBatch  CTEntryFlags = 1 << 0
	CTEntryCounterOrigin CTEntryFlags = 1 << 1
	CTEntryCounterReply  CTEntryFlags = 1 << 2
	// CTEntryCounterShared counts both directions into one counter and
	// excludes the per-direction counters.
	CTEntryCounterShared CTEntryFlags = 1 << 3
)

const DefaultVxlanDstPort = 4789

// CTDirectionConfig configures one direction in managed mode. Zero masks
// cover every bit.
type CTDirectionConfig struct {
	// MatchInner keys tunneled packets on their inner headers.
	MatchInner bool
	// ZoneMatchMask selects the zone bits a tuple is keyed on.
	ZoneMatchMask uint32
	// MetaModifyMask selects the meta bits an update may change.
	MetaModifyMask uint32
}

// CTWorkerStats counts the completed session operations of one queue.
type CTWorkerStats struct {
	Queue   uint16
	Added   uint64
	Updated uint64
	Removed uint64
	Aged    uint64
	Failed  uint64
}

// CTConfig configures the CT engine.
type CTConfig struct {
	NbArmQueues   uint16
	NbArmSessions [CTSessionMax]uint32
	Flags         CTFlags
	// Timeouts in seconds; 0 disables aging of that protocol.
	TCPTimeout uint16
	// TCPSessionDel replaces the TCP timeout once an update marks the
	// session closing with a CTMetaEnd meta word; 0 keeps TCPTimeout.
	TCPSessionDel uint16
	UDPTimeout    uint16
	AgingCore     int
	Direction     [2]CTDirectionConfig
	TunnelType    TunType
	VxlanDstPort  uint16
	HashType      CTHashType
	ZoneBits      uint32
	ActionBits    uint32
	UserBits      uint32
}

// CT tracks bidirectional sessions on the CT pipe of each port. Each
// session owns two driver rules, one per direction, and completes once
// both are in.
type CT struct {
	e      *Engine
	cfg    CTConfig
	layout MetaLayout

	// guarded by e.entMu
	sessions map[ctKey]EntryHandle
	count    [CTSessionBoth]int
	workers  map[uint16]*CTWorkerStats

	// guarded by e.mu
	vxlanPort uint16
}

type ctKey struct {
	port uint16
	key  string
}

type ctSession struct {
	origin, reply Tuple
	metaO, metaR  uint32
	flags         CTEntryFlags
}

// InitCT initializes connection tracking. It must run once, before any
// port is started.
func (e *Engine) InitCT(cfg CTConfig) (*CT, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkLive(); err != nil {
		return nil, err
	}
	if e.ct != nil {
		return nil, errorf(ErrBadState, "connection tracking already initialized")
	}
	if e.portStarted {
		return nil, errorf(ErrBadState, "connection tracking must be initialized before port start")
	}
	layout, err := NewMetaLayout(cfg.ZoneBits, cfg.ActionBits, cfg.UserBits, cfg.Flags&CTFlagAsymmetric != 0)
	if err != nil {
		return nil, err
	}
	s := cfg.NbArmSessions
	if s[CTSessionBoth] == 0 && s[CTSessionIPv4] == 0 && s[CTSessionIPv6] == 0 {
		return nil, errorf(ErrInvalidValue, "connection tracking needs a session count")
	}
	if cfg.Flags&CTFlagManaged != 0 {
		if cfg.TunnelType != TunNone || cfg.HashType != CTHashNone {
			return nil, errorf(ErrInvalidValue, "tunnel type and hash type do not apply in managed mode")
		}
	} else if cfg.Direction != ([2]CTDirectionConfig{}) {
		return nil, errorf(ErrInvalidValue, "direction settings need managed mode")
	}
	if cfg.Flags&CTFlagAsymmetricCounter != 0 && cfg.Flags&CTFlagStats == 0 {
		return nil, errorf(ErrInvalidValue, "asymmetric counters need stats")
	}
	if cfg.VxlanDstPort == 0 {
		cfg.VxlanDstPort = DefaultVxlanDstPort
	}
	c := &CT{
		e:         e,
		cfg:       cfg,
		layout:    layout,
		sessions:  make(map[ctKey]EntryHandle),
		workers:   make(map[uint16]*CTWorkerStats),
		vxlanPort: cfg.VxlanDstPort,
	}
	e.setCT(c)
	e.log.Info("connection tracking initialized",
		"arm_queues", cfg.NbArmQueues, "sessions", c.capacity(),
		"zone_bits", cfg.ZoneBits, "action_bits", cfg.ActionBits, "user_bits", cfg.UserBits,
		"asymmetric", layout.Asymmetric)
	return c, nil
}

// setCT swaps the CT engine. Called with e.mu held.
func (e *Engine) setCT(c *CT) {
	e.entMu.Lock()
	e.ct = c
	e.entMu.Unlock()
}

// CT returns the CT engine, or nil before InitCT.
func (e *Engine) CT() *CT {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ct
}

func (c *CT) capacity() uint32 {
	s := c.cfg.NbArmSessions
	if s[CTSessionBoth] > 0 {
		return s[CTSessionBoth]
	}
	return s[CTSessionIPv4] + s[CTSessionIPv6]
}

// Config returns the effective CT configuration.
func (c *CT) Config() CTConfig { return c.cfg }

// Layout returns the meta word layout fixed at init.
func (c *CT) Layout() MetaLayout { return c.layout }

// SetVxlanDstPort sets the outer UDP port recognized as VXLAN.
func (c *CT) SetVxlanDstPort(port uint16) {
	c.e.mu.Lock()
	defer c.e.mu.Unlock()
	c.vxlanPort = port
}

func (c *CT) VxlanDstPort() uint16 {
	c.e.mu.RLock()
	defer c.e.mu.RUnlock()
	return c.vxlanPort
}

// Queues returns the range of queues reserved for sessions. n is 0
// when sessions share the regular queues.
func (c *CT) Queues() (first, n uint16) {
	return c.e.cfg.Queues, c.cfg.NbArmQueues
}

// live returns the port and CT pipe a session operation runs on. Called
// with e.mu held.
func (c *CT) live(ph PortHandle, queueID uint16) (*port, *pipe, *queue, error) {
	e := c.e
	if err := e.checkLive(); err != nil {
		return nil, nil, nil, err
	}
	if e.ct != c {
		return nil, nil, nil, errorf(ErrBadState, "connection tracking destroyed")
	}
	p, err := e.portLocked(ph)
	if err != nil {
		return nil, nil, nil, err
	}
	pp, ok := e.pipes.get(uint64(p.ctPipe))
	if !ok {
		return nil, nil, nil, errorf(ErrBadState, "port %d has no ct pipe", p.id)
	}
	if n := c.cfg.NbArmQueues; n > 0 {
		first := e.cfg.Queues
		if queueID < first || queueID >= first+n {
			return nil, nil, nil, errorf(ErrInvalidValue, "queue %d is not a ct queue (ct queues %d..%d)",
				queueID, first, first+n-1)
		}
	}
	q, err := e.queueOf(p, queueID)
	if err != nil {
		return nil, nil, nil, err
	}
	return p, pp, q, nil
}

func sessionType(t Tuple) CTSessionType {
	if t.IsIPv6() {
		return CTSessionIPv6
	}
	return CTSessionIPv4
}

func (c *CT) agingOf(t Tuple) uint32 {
	if c.cfg.Flags&CTFlagNoAging != 0 {
		return 0
	}
	if t.Proto == 6 {
		return uint32(c.cfg.TCPTimeout)
	}
	return uint32(c.cfg.UDPTimeout)
}

// sessionAging is the aging time of s with its current meta words. A TCP
// session whose meta marks it closing ages after TCPSessionDel.
func (c *CT) sessionAging(s *ctSession) uint32 {
	if c.cfg.Flags&CTFlagNoAging != 0 {
		return 0
	}
	closing := c.layout.Type(s.metaO) == CTMetaEnd || c.layout.Type(s.metaR) == CTMetaEnd
	if s.origin.Proto == 6 && closing && c.cfg.TCPSessionDel > 0 {
		return uint32(c.cfg.TCPSessionDel)
	}
	return c.agingOf(s.origin)
}

func (c *CT) direction(reply bool) *CTDirectionConfig {
	if c.cfg.Flags&CTFlagManaged == 0 {
		return nil
	}
	return &c.cfg.Direction[b2u(reply)]
}

// keyOf is the table key of one direction. In managed mode the zone is
// masked by the direction's zone match mask.
func (c *CT) keyOf(t Tuple, reply bool) []byte {
	if d := c.direction(reply); d != nil && d.ZoneMatchMask != 0 {
		t.Zone &= d.ZoneMatchMask
	}
	return t.key()
}

// modifyMeta merges an updated meta word under the direction's meta
// modify mask.
func (c *CT) modifyMeta(cur, next uint32, reply bool) uint32 {
	d := c.direction(reply)
	if d == nil || d.MetaModifyMask == 0 {
		return next
	}
	return cur&^d.MetaModifyMask | next&d.MetaModifyMask
}

// reserveLocked checks capacity and claims the tuples of a session.
func (c *CT) reserveLocked(portID uint16, h EntryHandle, s *ctSession) error {
	st := sessionType(s.origin)
	lim := c.cfg.NbArmSessions
	total := c.count[CTSessionIPv4] + c.count[CTSessionIPv6]
	if lim[CTSessionBoth] > 0 {
		if total >= int(lim[CTSessionBoth]) {
			return errorf(ErrNoMemory, "ct session table full (%d sessions)", total)
		}
	} else if c.count[st] >= int(lim[st]) {
		return errorf(ErrNoMemory, "ct %s session table full (%d sessions)", st, c.count[st])
	}
	ko := ctKey{portID, string(c.keyOf(s.origin, false))}
	kr := ctKey{portID, string(c.keyOf(s.reply, true))}
	for _, k := range []ctKey{ko, kr} {
		if _, dup := c.sessions[k]; dup {
			return errorf(ErrAlreadyExists, "ct session for %v already exists", s.origin)
		}
	}
	c.sessions[ko] = h
	c.sessions[kr] = h
	c.count[st]++
	return nil
}

// forgetLocked drops the tuples of a released session.
func (c *CT) forgetLocked(p *port, ent *entry) {
	s := ent.ct
	for _, k := range []ctKey{
		{p.id, string(c.keyOf(s.origin, false))},
		{p.id, string(c.keyOf(s.reply, true))},
	} {
		if h, ok := c.sessions[k]; ok && h == ent.handle {
			delete(c.sessions, k)
		}
	}
	if st := sessionType(s.origin); c.count[st] > 0 {
		c.count[st]--
	}
}

func checkCounterFlags(flags CTEntryFlags) error {
	if flags&CTEntryCounterShared != 0 && flags&(CTEntryCounterOrigin|CTEntryCounterReply) != 0 {
		return errorf(ErrInvalidValue, "shared ct counter excludes per-direction counters")
	}
	return nil
}

func entryFlags(f CTEntryFlags) Flags {
	if f&CTEntryWaitForBatch != 0 {
		return WaitForBatch
	}
	return NoWait
}

// ruleValue encodes the result of one direction: the meta word and the
// counter it feeds.
func (c *CT) ruleValue(meta uint32, counted bool) []byte {
	a := Actions{Meta: Meta{PktMeta: meta}}
	var m Monitor
	if counted {
		m.Flags = MonitorCount
	}
	return c.e.encodeValue(&a, &m, nil)
}

const ctCounterFlags = CTEntryCounterOrigin | CTEntryCounterReply | CTEntryCounterShared

// counted reports whether a direction of s feeds a counter. Sessions
// without counter flags of their own are counted when stats are on.
func (c *CT) counted(s *ctSession, reply bool) bool {
	switch {
	case s.flags&CTEntryCounterShared != 0:
		return true
	case s.flags&ctCounterFlags == 0:
		return c.cfg.Flags&CTFlagStats != 0
	case reply:
		return s.flags&CTEntryCounterReply != 0
	default:
		return s.flags&CTEntryCounterOrigin != 0
	}
}

// shared reports whether both directions of s sum into one count.
func (c *CT) shared(s *ctSession) bool {
	if s.flags&ctCounterFlags != 0 {
		return s.flags&CTEntryCounterShared != 0
	}
	return c.cfg.Flags&CTFlagAsymmetricCounter == 0
}

// AddEntry adds a session. A nil reply means origin.Reverse() and is only
// allowed in symmetric mode; in symmetric mode an explicit reply must be
// that reverse.
func (c *CT) AddEntry(ph PortHandle, queueID uint16, flags CTEntryFlags, origin, reply *Tuple,
	metaOrigin, metaReply uint32, userCtx any) (EntryHandle, error) {
	e := c.e
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, pp, q, err := c.live(ph, queueID)
	if err != nil {
		return 0, err
	}
	if origin == nil {
		return 0, errorf(ErrInvalidValue, "ct session needs an origin tuple")
	}
	if err := origin.validate(); err != nil {
		return 0, err
	}
	s := &ctSession{origin: *origin, metaO: metaOrigin, metaR: metaReply, flags: flags}
	switch {
	case reply == nil && c.layout.Asymmetric:
		return 0, errorf(ErrInvalidValue, "asymmetric ct session needs a reply tuple")
	case reply == nil:
		s.reply = origin.Reverse()
	case !c.layout.Asymmetric && *reply != origin.Reverse():
		return 0, errorf(ErrInvalidValue, "reply %v is not the reverse of %v in symmetric mode", *reply, *origin)
	default:
		if err := reply.validate(); err != nil {
			return 0, err
		}
		s.reply = *reply
	}
	if err := checkCounterFlags(flags); err != nil {
		return 0, err
	}

	ent := &entry{
		pipe:     pp,
		queue:    queueID,
		userCtx:  userCtx,
		status:   StatusInProcess,
		op:       OpAdd,
		agingSec: c.agingOf(s.origin),
		ct:       s,
	}
	e.entMu.Lock()
	if uint32(len(pp.entries)) >= c.capacity() {
		e.entMu.Unlock()
		return 0, errorf(ErrNoMemory, "ct pipe of port %d is full", p.id)
	}
	h := EntryHandle(e.entries.insert(ent))
	ent.handle = h
	if err := c.reserveLocked(p.id, h, s); err != nil {
		e.entries.remove(uint64(h))
		e.entMu.Unlock()
		return 0, err
	}
	e.trackEntryLocked(ent, false)
	e.entMu.Unlock()

	ops := []dataplane.Op{
		{Kind: dataplane.OpInsert, Table: pp.table, Rule: ruleCookie(h, false),
			Key: c.keyOf(s.origin, false), Value: c.ruleValue(s.metaO, c.counted(s, false))},
	}
	// Symmetric tuples of a self-addressed session share one key.
	if kr := c.keyOf(s.reply, true); !bytes.Equal(ops[0].Key, kr) {
		ops = append(ops, dataplane.Op{Kind: dataplane.OpInsert, Table: pp.table, Rule: ruleCookie(h, true),
			Key: kr, Value: c.ruleValue(s.metaR, c.counted(s, true))})
	}
	e.entMu.Lock()
	ent.awaiting = len(ops)
	e.entMu.Unlock()
	if err := e.enqueue(p, q, h, ops, entryFlags(flags)); err != nil {
		e.entMu.Lock()
		e.releaseEntryLocked(ent)
		e.entMu.Unlock()
		return 0, err
	}
	return h, nil
}

// UpdateEntry rewrites the meta words of a session that completed
// successfully. A successful update restarts its aging.
func (c *CT) UpdateEntry(ph PortHandle, queueID uint16, flags CTEntryFlags, h EntryHandle,
	metaOrigin, metaReply uint32) error {
	e := c.e
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, pp, q, err := c.live(ph, queueID)
	if err != nil {
		return err
	}
	e.entMu.Lock()
	ent, err := c.sessionLocked(pp, h)
	if err != nil {
		e.entMu.Unlock()
		return err
	}
	if ent.status != StatusSuccess {
		e.entMu.Unlock()
		return errorf(ErrBadState, "ct session %#x is %s, update needs success", uint64(h), ent.status)
	}
	metaOrigin = c.modifyMeta(ent.ct.metaO, metaOrigin, false)
	metaReply = c.modifyMeta(ent.ct.metaR, metaReply, true)
	var ops []dataplane.Op
	if ent.rules&ruleOrigin != 0 {
		ops = append(ops, dataplane.Op{Kind: dataplane.OpModify, Table: pp.table, Rule: ruleCookie(h, false),
			Value: c.ruleValue(metaOrigin, c.counted(ent.ct, false))})
	}
	if ent.rules&ruleReply != 0 {
		ops = append(ops, dataplane.Op{Kind: dataplane.OpModify, Table: pp.table, Rule: ruleCookie(h, true),
			Value: c.ruleValue(metaReply, c.counted(ent.ct, true))})
	}
	prevQueue := ent.queue
	ent.staged = &staged{metaO: metaOrigin, metaR: metaReply}
	ent.status = StatusInProcess
	ent.op = OpUpd
	ent.queue = queueID
	ent.awaiting = len(ops)
	pp.inflight++
	e.entMu.Unlock()

	if err := e.enqueue(p, q, h, ops, entryFlags(flags)); err != nil {
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

// RmEntry removes a session; both directions go in one batch.
func (c *CT) RmEntry(ph PortHandle, queueID uint16, flags CTEntryFlags, h EntryHandle) error {
	e := c.e
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, pp, _, err := c.live(ph, queueID)
	if err != nil {
		return err
	}
	e.entMu.Lock()
	_, err = c.sessionLocked(pp, h)
	e.entMu.Unlock()
	if err != nil {
		return err
	}
	return e.rmEntryLocked(queueID, entryFlags(flags), h)
}

func (c *CT) sessionLocked(pp *pipe, h EntryHandle) (*entry, error) {
	ent, ok := c.e.entries.get(uint64(h))
	if !ok {
		return nil, errorf(ErrNotFound, "ct session %#x", uint64(h))
	}
	if ent.ct == nil || ent.pipe != pp {
		return nil, errorf(ErrInvalidValue, "entry %#x is not a ct session of port %d", uint64(h), pp.port.id)
	}
	return ent, nil
}

// CTSession is a snapshot of one session.
type CTSession struct {
	Handle     EntryHandle
	Origin     Tuple
	Reply      Tuple
	MetaOrigin uint32
	MetaReply  uint32
	Flags      CTEntryFlags
	Status     EntryStatus
	Aged       bool
}

func snapshot(ent *entry) CTSession {
	s := ent.ct
	return CTSession{
		Handle:     ent.handle,
		Origin:     s.origin,
		Reply:      s.reply,
		MetaOrigin: s.metaO,
		MetaReply:  s.metaR,
		Flags:      s.flags,
		Status:     ent.status,
		Aged:       ent.aged,
	}
}

// GetEntry returns both directions of a session.
func (c *CT) GetEntry(h EntryHandle) (CTSession, error) {
	e := c.e
	e.entMu.Lock()
	defer e.entMu.Unlock()
	ent, ok := e.entries.get(uint64(h))
	if !ok {
		return CTSession{}, errorf(ErrNotFound, "ct session %#x", uint64(h))
	}
	if ent.ct == nil {
		return CTSession{}, errorf(ErrInvalidValue, "entry %#x is not a ct session", uint64(h))
	}
	return snapshot(ent), nil
}

// Lookup finds the session holding t on a port and reports whether t is
// its reply direction.
func (c *CT) Lookup(ph PortHandle, t Tuple) (CTSession, bool, error) {
	e := c.e
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, err := e.portLocked(ph)
	if err != nil {
		return CTSession{}, false, err
	}
	e.entMu.Lock()
	defer e.entMu.Unlock()
	for _, reply := range []bool{false, true} {
		k := c.keyOf(t, reply)
		h, ok := c.sessions[ctKey{p.id, string(k)}]
		if !ok {
			continue
		}
		ent, ok := e.entries.get(uint64(h))
		if !ok {
			continue
		}
		switch {
		case bytes.Equal(c.keyOf(ent.ct.origin, false), k):
			return snapshot(ent), false, nil
		case bytes.Equal(c.keyOf(ent.ct.reply, true), k):
			return snapshot(ent), true, nil
		}
	}
	return CTSession{}, false, errorf(ErrNotFound, "no ct session for %v", t)
}

// Sessions lists the sessions of a port ordered by handle.
func (c *CT) Sessions(ph PortHandle) ([]CTSession, error) {
	e := c.e
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, err := e.portLocked(ph)
	if err != nil {
		return nil, err
	}
	pp, ok := e.pipes.get(uint64(p.ctPipe))
	if !ok {
		return nil, nil
	}
	e.entMu.Lock()
	defer e.entMu.Unlock()
	out := make([]CTSession, 0, len(pp.entries))
	for h := range pp.entries {
		if ent, ok := e.entries.get(uint64(h)); ok {
			out = append(out, snapshot(ent))
		}
	}
	slices.SortFunc(out, func(a, b CTSession) int {
		switch {
		case a.Handle < b.Handle:
			return -1
		case a.Handle > b.Handle:
			return 1
		}
		return 0
	})
	return out, nil
}

// QueryEntry reads the counters of a session. A shared counter reports
// both directions in origin; with stats on, sessions without counter
// flags are counted shared unless asymmetric counters are on.
func (c *CT) QueryEntry(h EntryHandle) (origin, reply Query, err error) {
	e := c.e
	e.mu.RLock()
	defer e.mu.RUnlock()
	e.entMu.Lock()
	ent, ok := e.entries.get(uint64(h))
	if !ok || ent.ct == nil {
		e.entMu.Unlock()
		return origin, reply, errorf(ErrNotFound, "ct session %#x", uint64(h))
	}
	s := *ent.ct
	rules := ent.rules
	portID, table := ent.pipe.port.id, ent.pipe.table
	e.entMu.Unlock()

	if !c.counted(&s, false) && !c.counted(&s, true) {
		return origin, reply, errorf(ErrNotSupported, "ct session %#x has no counter", uint64(h))
	}
	read := func(isReply bool) (Query, error) {
		bit := ruleOrigin
		if isReply {
			bit = ruleReply
		}
		if rules&bit == 0 {
			return Query{}, nil
		}
		st, err := e.drv.RuleStats(portID, table, ruleCookie(h, isReply))
		if err != nil {
			return Query{}, driverErr("query ct session", err)
		}
		return Query{TotalBytes: st.Bytes, TotalPkts: st.Packets}, nil
	}
	if c.counted(&s, false) {
		if origin, err = read(false); err != nil {
			return origin, reply, err
		}
	}
	if c.counted(&s, true) {
		if reply, err = read(true); err != nil {
			return origin, reply, err
		}
	}
	if c.shared(&s) {
		origin.TotalBytes += reply.TotalBytes
		origin.TotalPkts += reply.TotalPkts
		reply = Query{}
	}
	return origin, reply, nil
}

// recordLocked counts a session completion on its queue.
func (c *CT) recordLocked(comp *Completion) {
	if c.cfg.Flags&CTFlagWorkerStats == 0 {
		return
	}
	w := c.workers[comp.Queue]
	if w == nil {
		w = &CTWorkerStats{Queue: comp.Queue}
		c.workers[comp.Queue] = w
	}
	switch {
	case comp.Status == StatusError:
		w.Failed++
	case comp.Op == OpAdd:
		w.Added++
	case comp.Op == OpUpd:
		w.Updated++
	case comp.Op == OpDel:
		w.Removed++
	case comp.Op == OpAged:
		w.Aged++
	}
}

// WorkerStats returns the session operation counts of every queue that
// completed one, ordered by queue.
func (c *CT) WorkerStats() ([]CTWorkerStats, error) {
	if c.cfg.Flags&CTFlagWorkerStats == 0 {
		return nil, errorf(ErrNotSupported, "ct worker stats disabled")
	}
	e := c.e
	e.entMu.Lock()
	defer e.entMu.Unlock()
	out := make([]CTWorkerStats, 0, len(c.workers))
	for _, w := range c.workers {
		out = append(out, *w)
	}
	slices.SortFunc(out, func(a, b CTWorkerStats) int { return int(a.Queue) - int(b.Queue) })
	return out, nil
}

// QueueOf picks the queue that owns the connection of t: one of the CT
// queues, or of the regular queues when there are none. With a symmetric
// hash both directions of a connection pick the same queue; without one
// every connection goes to the first.
func (c *CT) QueueOf(t Tuple) uint16 {
	first, n := uint16(0), c.cfg.NbArmQueues
	if n > 0 {
		first = c.e.cfg.Queues
	} else {
		n = c.e.cfg.Queues
	}
	if c.cfg.HashType != CTHashSymmetric || n <= 1 {
		return first
	}
	return first + uint16(connHash(t)%uint64(n))
}

// connHash hashes a tuple with its endpoints in a fixed order so a
// tuple and its reverse hash alike.
func connHash(t Tuple) uint64 {
	a := netip.AddrPortFrom(t.Src.Unmap(), t.SrcPort)
	b := netip.AddrPortFrom(t.Dst.Unmap(), t.DstPort)
	if a.Compare(b) > 0 {
		a, b = b, a
	}
	d := xxhash.New()
	for _, ap := range []netip.AddrPort{a, b} {
		raw, _ := ap.MarshalBinary()
		d.Write(raw)
	}
	d.Write([]byte{t.Proto})
	return d.Sum64()
}

// Destroy removes the CT pipe of every port with its sessions and tears
// the CT engine down.
func (c *CT) Destroy() error {
	e := c.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ct != c {
		return nil
	}
	var err error
	e.ports.each(func(_ uint64, p *port) bool {
		if h := p.ctPipe; h.IsValid() {
			err = multierr.Append(err, e.destroyPipeLocked(h, true))
			p.pipes = slices.DeleteFunc(p.pipes, func(x PipeHandle) bool { return x == h })
		}
		return true
	})
	e.setCT(nil)
	e.log.Info("connection tracking destroyed")
	return err
}
