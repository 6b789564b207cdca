package dataplane

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var _ Driver = (*EBPF)(nil)

// ruleHeaderSize is the fixed prefix of every rule value:
// rule cookie, packets, bytes, last hit (CLOCK_MONOTONIC ns).
const ruleHeaderSize = 32

const maxMissTables = 1024

var memlockOnce sync.Once

// EBPF keeps every pipe table in its own BPF map so a TC/XDP program can
// look rules up directly. Rule operations are applied synchronously and
// their results parked on the port queue until polled.
type EBPF struct {
	mu    sync.Mutex
	ports map[uint16]*ebpfPort
}

type ebpfPort struct {
	spec     PortSpec
	tables   map[uint32]*ebpfTable
	counters *ebpf.Map
	misses   *ebpf.Map
	reserved map[sharedRef]bool
	queues   [][]Result
}

type sharedRef struct {
	kind SharedKind
	id   uint32
}

type ebpfTable struct {
	spec      TableSpec
	m         *ebpf.Map
	keys      map[uint64][]byte
	installed map[uint64]time.Time
}

// NewEBPF creates an eBPF map backed driver.
func NewEBPF() *EBPF {
	return &EBPF{ports: make(map[uint16]*ebpfPort)}
}

func (d *EBPF) Name() string { return TypeEBPF }

func (d *EBPF) OpenPort(spec PortSpec) error {
	memlockOnce.Do(func() {
		if err := rlimit.RemoveMemlock(); err != nil {
			slog.Warn("failed to remove memlock limit", "err", err)
		}
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ports[spec.ID]; ok {
		return fmt.Errorf("port %d: %w", spec.ID, ErrPortBusy)
	}

	counters, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       fmt.Sprintf("fp%d_ctr", spec.ID),
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  16,
		MaxEntries: max(spec.Counters, 1),
	})
	if err != nil {
		return fmt.Errorf("create counter map for port %d: %w", spec.ID, err)
	}
	misses, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       fmt.Sprintf("fp%d_miss", spec.ID),
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  16,
		MaxEntries: maxMissTables,
	})
	if err != nil {
		counters.Close()
		return fmt.Errorf("create miss map for port %d: %w", spec.ID, err)
	}

	d.ports[spec.ID] = &ebpfPort{
		spec:     spec,
		tables:   make(map[uint32]*ebpfTable),
		counters: counters,
		misses:   misses,
		reserved: make(map[sharedRef]bool),
		queues:   make([][]Result, spec.Queues),
	}
	slog.Info("opened ebpf port", "port", spec.ID, "queues", spec.Queues)
	return nil
}

func (d *EBPF) ClosePort(port uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.ports[port]
	if !ok {
		return fmt.Errorf("port %d: %w", port, ErrUnknownPort)
	}
	delete(d.ports, port)
	return p.close()
}

func (p *ebpfPort) close() error {
	var err error
	for _, t := range p.tables {
		err = multierr.Append(err, t.m.Close())
	}
	err = multierr.Append(err, p.counters.Close())
	err = multierr.Append(err, p.misses.Close())
	return err
}

func (d *EBPF) port(id uint16) (*ebpfPort, error) {
	p, ok := d.ports[id]
	if !ok {
		return nil, fmt.Errorf("port %d: %w", id, ErrUnknownPort)
	}
	return p, nil
}

func (p *ebpfPort) table(id uint32) (*ebpfTable, error) {
	t, ok := p.tables[id]
	if !ok {
		return nil, fmt.Errorf("table %d: %w", id, ErrUnknownTable)
	}
	return t, nil
}

// mapKeySize is the BPF key size for a table of the given shape.
func mapKeySize(spec TableSpec) uint32 {
	switch spec.Kind {
	case TableLPM:
		return uint32(4 + spec.KeySize)
	case TableTernary:
		// masked key, mask and priority so overlapping rules coexist
		return uint32(2*spec.KeySize + 4)
	case TableIndexed:
		return 4
	}
	return uint32(spec.KeySize)
}

// maxMapName is the kernel object name limit less the trailing NUL.
const maxMapName = 15

func mapName(port uint16, table uint32) string {
	name := fmt.Sprintf("fp%d_t%d", port, table)
	if len(name) > maxMapName {
		name = name[:maxMapName]
	}
	return name
}

func (d *EBPF) CreateTable(port uint16, spec TableSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(port)
	if err != nil {
		return err
	}
	if _, ok := p.tables[spec.ID]; ok {
		return fmt.Errorf("table %d already exists on port %d", spec.ID, port)
	}
	if spec.KeySize <= 0 && spec.Kind != TableIndexed {
		spec.KeySize = 1
	}

	ms := &ebpf.MapSpec{
		Name:       mapName(port, spec.ID),
		Type:       ebpf.Hash,
		KeySize:    mapKeySize(spec),
		ValueSize:  uint32(ruleHeaderSize + spec.ValueSize),
		MaxEntries: max(spec.MaxEntries, 1),
	}
	if spec.Kind == TableLPM {
		ms.Type = ebpf.LPMTrie
		ms.Flags = unix.BPF_F_NO_PREALLOC
	}
	m, err := ebpf.NewMap(ms)
	if err != nil {
		return fmt.Errorf("create map for table %q: %w", spec.Name, err)
	}
	p.tables[spec.ID] = &ebpfTable{
		spec:      spec,
		m:         m,
		keys:      make(map[uint64][]byte),
		installed: make(map[uint64]time.Time),
	}
	slog.Debug("created ebpf table", "port", port, "table", spec.Name, "kind", spec.Kind, "max_entries", ms.MaxEntries)
	return nil
}

func (d *EBPF) DestroyTable(port uint16, table uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(port)
	if err != nil {
		return err
	}
	t, err := p.table(table)
	if err != nil {
		return err
	}
	delete(p.tables, table)
	return t.m.Close()
}

func (d *EBPF) Reserve(port uint16, kind SharedKind, id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(port)
	if err != nil {
		return err
	}
	if kind == SharedCounter && id >= p.counters.MaxEntries() {
		return fmt.Errorf("counter %d: %w", id, ErrNoSpace)
	}
	p.reserved[sharedRef{kind, id}] = true
	return nil
}

// Submit applies the batch to the maps immediately; results are queued
// for Poll in submission order.
func (d *EBPF) Submit(port, queue uint16, ops []Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(port)
	if err != nil {
		return err
	}
	if int(queue) >= len(p.queues) {
		return fmt.Errorf("queue %d out of range", queue)
	}
	if depth := int(p.spec.QueueDepth); depth > 0 && len(p.queues[queue])+len(ops) > depth {
		return ErrQueueFull
	}
	for _, op := range ops {
		p.queues[queue] = append(p.queues[queue], Result{
			Rule: op.Rule,
			Kind: op.Kind,
			Err:  p.apply(op),
		})
	}
	return nil
}

func (p *ebpfPort) apply(op Op) error {
	t, err := p.table(op.Table)
	if err != nil {
		return err
	}
	switch op.Kind {
	case OpInsert:
		key := t.mapKey(op)
		if err := t.m.Update(key, t.value(op, nil), ebpf.UpdateNoExist); err != nil {
			return mapErr(err)
		}
		t.keys[op.Rule] = key
		t.installed[op.Rule] = time.Now()
	case OpModify:
		key, ok := t.keys[op.Rule]
		if !ok {
			return ErrUnknownRule
		}
		old, err := t.m.LookupBytes(key)
		if err != nil {
			return mapErr(err)
		}
		if err := t.m.Update(key, t.value(op, old), ebpf.UpdateExist); err != nil {
			return mapErr(err)
		}
	case OpRemove:
		key, ok := t.keys[op.Rule]
		if !ok {
			return ErrUnknownRule
		}
		if err := t.m.Delete(key); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return mapErr(err)
		}
		delete(t.keys, op.Rule)
		delete(t.installed, op.Rule)
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return nil
}

func mapErr(err error) error {
	if errors.Is(err, unix.E2BIG) || errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.ENOSPC) {
		return fmt.Errorf("%w: %w", ErrNoSpace, err)
	}
	return err
}

func (t *ebpfTable) mapKey(op Op) []byte {
	switch t.spec.Kind {
	case TableLPM:
		key := make([]byte, 4+t.spec.KeySize)
		binary.LittleEndian.PutUint32(key, uint32(op.PrefixLen))
		copy(key[4:], op.Key)
		return key
	case TableTernary:
		key := make([]byte, 2*t.spec.KeySize+4)
		masked(key[:t.spec.KeySize], op.Key, op.Mask)
		copy(key[t.spec.KeySize:], op.Mask)
		binary.LittleEndian.PutUint32(key[2*t.spec.KeySize:], op.Priority)
		return key
	case TableIndexed:
		key := make([]byte, 4)
		copy(key, op.Key)
		return key
	}
	key := make([]byte, t.spec.KeySize)
	masked(key, op.Key, op.Mask)
	return key
}

func masked(dst, key, mask []byte) {
	copy(dst, key)
	if mask == nil {
		return
	}
	for i := range dst {
		if i < len(mask) {
			dst[i] &= mask[i]
		}
	}
}

// value builds a rule value, keeping the counters of prev if present.
func (t *ebpfTable) value(op Op, prev []byte) []byte {
	v := make([]byte, ruleHeaderSize+t.spec.ValueSize)
	if len(prev) >= ruleHeaderSize {
		copy(v, prev[:ruleHeaderSize])
	}
	binary.LittleEndian.PutUint64(v[0:], op.Rule)
	copy(v[ruleHeaderSize:], op.Value)
	return v
}

func (d *EBPF) Poll(port, queue uint16, limit int) ([]Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(port)
	if err != nil {
		return nil, err
	}
	if int(queue) >= len(p.queues) {
		return nil, fmt.Errorf("queue %d out of range", queue)
	}
	pending := p.queues[queue]
	n := len(pending)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Result, n)
	copy(out, pending)
	p.queues[queue] = pending[n:]
	return out, nil
}

func (d *EBPF) ruleValue(port uint16, table uint32, rule uint64) ([]byte, *ebpfTable, error) {
	p, err := d.port(port)
	if err != nil {
		return nil, nil, err
	}
	t, err := p.table(table)
	if err != nil {
		return nil, nil, err
	}
	key, ok := t.keys[rule]
	if !ok {
		return nil, nil, ErrUnknownRule
	}
	v, err := t.m.LookupBytes(key)
	if err != nil {
		return nil, nil, err
	}
	if len(v) < ruleHeaderSize {
		return nil, nil, fmt.Errorf("short rule value (%d bytes)", len(v))
	}
	return v, t, nil
}

func (d *EBPF) RuleStats(port uint16, table uint32, rule uint64) (Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, _, err := d.ruleValue(port, table, rule)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Packets: binary.LittleEndian.Uint64(v[8:]),
		Bytes:   binary.LittleEndian.Uint64(v[16:]),
	}, nil
}

// LastHit converts the program's bpf_ktime_get_ns stamp to wall time.
// A rule never hit reports its install time.
func (d *EBPF) LastHit(port uint16, table uint32, rule uint64) (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, t, err := d.ruleValue(port, table, rule)
	if err != nil {
		return time.Time{}, err
	}
	hit := binary.LittleEndian.Uint64(v[24:])
	if hit == 0 {
		return t.installed[rule], nil
	}
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return time.Time{}, err
	}
	age := time.Duration(uint64(ts.Nano()) - hit)
	return time.Now().Add(-age), nil
}

func (d *EBPF) SharedStats(port uint16, kind SharedKind, id uint32) (Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(port)
	if err != nil {
		return Stats{}, err
	}
	if kind != SharedCounter || !p.reserved[sharedRef{kind, id}] {
		return Stats{}, nil
	}
	var s Stats
	if err := p.counters.Lookup(id, &s); err != nil {
		return Stats{}, err
	}
	return s, nil
}

func (d *EBPF) MissStats(port uint16, table uint32) (Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(port)
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	if err := p.misses.Lookup(table, &s); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return Stats{}, nil
		}
		return Stats{}, err
	}
	return s, nil
}

// Map returns the BPF map backing a table, or nil.
func (d *EBPF) Map(port uint16, table uint32) *ebpf.Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.ports[port]
	if !ok {
		return nil
	}
	if t, ok := p.tables[table]; ok {
		return t.m
	}
	return nil
}

// Close releases all maps of all ports.
func (d *EBPF) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	for id, p := range d.ports {
		err = multierr.Append(err, p.close())
		delete(d.ports, id)
	}
	return err
}
