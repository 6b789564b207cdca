// Package swdp is a software dataplane: rule tables live in Go maps and
// traffic is injected by the caller. It backs tests, dry runs and ports
// without offload hardware.
package swdp

import (
	"fmt"
	"sync"
	"time"

	"github.com/psaab/flowpipe/pkg/dataplane"
)

func init() {
	dataplane.RegisterBackend(dataplane.TypeSW, func() dataplane.Driver { return New() })
}

var _ dataplane.Driver = (*Driver)(nil)

// FaultFunc decides whether a submitted op fails. A non-nil error is
// reported asynchronously in the op's Result.
type FaultFunc func(port, queue uint16, op dataplane.Op) error

// Driver is the software dataplane.
type Driver struct {
	mu    sync.Mutex
	clock func() time.Time
	ports map[uint16]*port

	fault     FaultFunc
	submitErr error
}

type port struct {
	spec   dataplane.PortSpec
	tables map[uint32]*table
	shared map[sharedRef]*dataplane.Stats
	queues [][]dataplane.Result
}

type sharedRef struct {
	kind dataplane.SharedKind
	id   uint32
}

type table struct {
	spec  dataplane.TableSpec
	rules map[uint64]*rule
	miss  dataplane.Stats
}

type rule struct {
	op      dataplane.Op
	stats   dataplane.Stats
	lastHit time.Time
}

// Option configures a Driver.
type Option func(*Driver)

// WithClock sets the time source used for last-hit stamps.
func WithClock(clock func() time.Time) Option {
	return func(d *Driver) { d.clock = clock }
}

// New creates a software dataplane.
func New(opts ...Option) *Driver {
	d := &Driver{
		clock: time.Now,
		ports: make(map[uint16]*port),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *Driver) Name() string { return dataplane.TypeSW }

// SetFault installs a per-op fault injector.
func (d *Driver) SetFault(fn FaultFunc) {
	d.mu.Lock()
	d.fault = fn
	d.mu.Unlock()
}

// FailSubmit makes every following Submit fail synchronously with err
// until called again with nil.
func (d *Driver) FailSubmit(err error) {
	d.mu.Lock()
	d.submitErr = err
	d.mu.Unlock()
}

func (d *Driver) OpenPort(spec dataplane.PortSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ports[spec.ID]; ok {
		return fmt.Errorf("port %d: %w", spec.ID, dataplane.ErrPortBusy)
	}
	d.ports[spec.ID] = &port{
		spec:   spec,
		tables: make(map[uint32]*table),
		shared: make(map[sharedRef]*dataplane.Stats),
		queues: make([][]dataplane.Result, spec.Queues),
	}
	return nil
}

func (d *Driver) ClosePort(id uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.ports[id]; !ok {
		return fmt.Errorf("port %d: %w", id, dataplane.ErrUnknownPort)
	}
	delete(d.ports, id)
	return nil
}

func (d *Driver) port(id uint16) (*port, error) {
	p, ok := d.ports[id]
	if !ok {
		return nil, fmt.Errorf("port %d: %w", id, dataplane.ErrUnknownPort)
	}
	return p, nil
}

func (d *Driver) table(portID uint16, id uint32) (*table, error) {
	p, err := d.port(portID)
	if err != nil {
		return nil, err
	}
	t, ok := p.tables[id]
	if !ok {
		return nil, fmt.Errorf("table %d: %w", id, dataplane.ErrUnknownTable)
	}
	return t, nil
}

func (d *Driver) CreateTable(portID uint16, spec dataplane.TableSpec) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(portID)
	if err != nil {
		return err
	}
	if _, ok := p.tables[spec.ID]; ok {
		return fmt.Errorf("table %d already exists on port %d", spec.ID, portID)
	}
	p.tables[spec.ID] = &table{spec: spec, rules: make(map[uint64]*rule)}
	return nil
}

func (d *Driver) DestroyTable(portID uint16, id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(portID)
	if err != nil {
		return err
	}
	if _, ok := p.tables[id]; !ok {
		return fmt.Errorf("table %d: %w", id, dataplane.ErrUnknownTable)
	}
	delete(p.tables, id)
	return nil
}

func (d *Driver) Reserve(portID uint16, kind dataplane.SharedKind, id uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(portID)
	if err != nil {
		return err
	}
	ref := sharedRef{kind, id}
	if _, ok := p.shared[ref]; ok {
		return nil
	}
	if kind == dataplane.SharedCounter && p.spec.Counters > 0 && id >= p.spec.Counters {
		return fmt.Errorf("counter %d: %w", id, dataplane.ErrNoSpace)
	}
	p.shared[ref] = &dataplane.Stats{}
	return nil
}

func (d *Driver) Submit(portID, queue uint16, ops []dataplane.Op) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.submitErr != nil {
		return d.submitErr
	}
	p, err := d.port(portID)
	if err != nil {
		return err
	}
	if int(queue) >= len(p.queues) {
		return fmt.Errorf("queue %d out of range", queue)
	}
	if depth := int(p.spec.QueueDepth); depth > 0 && len(p.queues[queue])+len(ops) > depth {
		return dataplane.ErrQueueFull
	}
	for _, op := range ops {
		res := dataplane.Result{Rule: op.Rule, Kind: op.Kind}
		if d.fault != nil {
			res.Err = d.fault(portID, queue, op)
		}
		if res.Err == nil {
			res.Err = d.apply(p, op)
		}
		p.queues[queue] = append(p.queues[queue], res)
	}
	return nil
}

func (d *Driver) apply(p *port, op dataplane.Op) error {
	t, ok := p.tables[op.Table]
	if !ok {
		return fmt.Errorf("table %d: %w", op.Table, dataplane.ErrUnknownTable)
	}
	switch op.Kind {
	case dataplane.OpInsert:
		if _, dup := t.rules[op.Rule]; dup {
			return fmt.Errorf("rule %#x already installed", op.Rule)
		}
		if t.spec.MaxEntries > 0 && uint32(len(t.rules)) >= t.spec.MaxEntries {
			return dataplane.ErrNoSpace
		}
		t.rules[op.Rule] = &rule{op: op, lastHit: d.clock()}
	case dataplane.OpModify:
		r, ok := t.rules[op.Rule]
		if !ok {
			return dataplane.ErrUnknownRule
		}
		r.op = op
	case dataplane.OpRemove:
		if _, ok := t.rules[op.Rule]; !ok {
			return dataplane.ErrUnknownRule
		}
		delete(t.rules, op.Rule)
	default:
		return fmt.Errorf("unknown op kind %d", op.Kind)
	}
	return nil
}

func (d *Driver) Poll(portID, queue uint16, limit int) ([]dataplane.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(portID)
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
	out := make([]dataplane.Result, n)
	copy(out, pending)
	p.queues[queue] = pending[n:]
	return out, nil
}

func (d *Driver) rule(portID uint16, tableID uint32, id uint64) (*rule, error) {
	t, err := d.table(portID, tableID)
	if err != nil {
		return nil, err
	}
	r, ok := t.rules[id]
	if !ok {
		return nil, dataplane.ErrUnknownRule
	}
	return r, nil
}

func (d *Driver) RuleStats(portID uint16, tableID uint32, id uint64) (dataplane.Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.rule(portID, tableID, id)
	if err != nil {
		return dataplane.Stats{}, err
	}
	return r.stats, nil
}

func (d *Driver) LastHit(portID uint16, tableID uint32, id uint64) (time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.rule(portID, tableID, id)
	if err != nil {
		return time.Time{}, err
	}
	return r.lastHit, nil
}

func (d *Driver) SharedStats(portID uint16, kind dataplane.SharedKind, id uint32) (dataplane.Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(portID)
	if err != nil {
		return dataplane.Stats{}, err
	}
	if s, ok := p.shared[sharedRef{kind, id}]; ok {
		return *s, nil
	}
	return dataplane.Stats{}, nil
}

func (d *Driver) MissStats(portID uint16, tableID uint32) (dataplane.Stats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.table(portID, tableID)
	if err != nil {
		return dataplane.Stats{}, err
	}
	return t.miss, nil
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.ports)
	return nil
}

// Hit accounts one packet of the given size against an installed rule and
// refreshes its last-hit stamp.
func (d *Driver) Hit(portID uint16, tableID uint32, id uint64, bytes uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, err := d.rule(portID, tableID, id)
	if err != nil {
		return err
	}
	r.stats.Packets++
	r.stats.Bytes += bytes
	r.lastHit = d.clock()
	return nil
}

// HitShared accounts one packet against a reserved shared counter.
func (d *Driver) HitShared(portID uint16, kind dataplane.SharedKind, id uint32, bytes uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(portID)
	if err != nil {
		return err
	}
	s, ok := p.shared[sharedRef{kind, id}]
	if !ok {
		return fmt.Errorf("shared object %d/%d not reserved on port %d", kind, id, portID)
	}
	s.Packets++
	s.Bytes += bytes
	return nil
}

// Miss accounts one packet that missed every rule of a table.
func (d *Driver) Miss(portID uint16, tableID uint32, bytes uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.table(portID, tableID)
	if err != nil {
		return err
	}
	t.miss.Packets++
	t.miss.Bytes += bytes
	return nil
}

// Rules returns the number of rules installed in a table.
func (d *Driver) Rules(portID uint16, tableID uint32) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, err := d.table(portID, tableID)
	if err != nil {
		return 0
	}
	return len(t.rules)
}

// Tables returns the number of tables on a port.
func (d *Driver) Tables(portID uint16) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, err := d.port(portID)
	if err != nil {
		return 0
	}
	return len(p.tables)
}
