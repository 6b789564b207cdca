package flow

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/psaab/flowpipe/pkg/dataplane"
)

// pollInterval is how long EntriesProcess sleeps between empty polls while
// a timeout allows it to wait.
const pollInterval = 50 * time.Microsecond

type slotState uint8

const (
	slotBuffered slotState = iota
	slotSubmitted
	slotDone
)

// slot is one operation of a queue in submission order. A buffered slot
// has not reached the driver, a submitted slot waits for its driver
// result and a done slot carries the result.
type slot struct {
	op    dataplane.Op
	state slotState
	res   dataplane.Result
}

// queue is one hardware queue of a port. seq holds every operation
// handed to the queue in submission order; results leave it only from
// the front so completions are reported in the order operations were
// queued, whether the driver or the engine produced them.
type queue struct {
	id   uint16
	busy atomic.Bool

	mu    sync.Mutex
	seq   []*slot
	aged  []EntryHandle
	aging agingState
}

func (q *queue) reset() {
	q.seq = nil
	q.aged = nil
	q.aging = agingState{}
}

// purgeTable drops buffered ops of a destroyed table. Submitted ops stay
// so driver results keep lining up with their slots.
func (q *queue) purgeTable(table uint32) {
	q.seq = slices.DeleteFunc(q.seq, func(s *slot) bool {
		return s.state == slotBuffered && s.op.Table == table
	})
}

func (q *queue) count(st slotState) int {
	n := 0
	for _, s := range q.seq {
		if s.state == st {
			n++
		}
	}
	return n
}

func (q *queue) idle() bool {
	return len(q.seq) == 0 && len(q.aged) == 0
}

// complete queues a result produced without the driver.
func (q *queue) complete(res dataplane.Result) {
	q.seq = append(q.seq, &slot{op: dataplane.Op{Kind: res.Kind, Rule: res.Rule}, state: slotDone, res: res})
}

// collect assigns driver results to submitted slots. The driver reports
// results of a queue in submission order.
func (q *queue) collect(results []dataplane.Result) {
	i := 0
	for _, res := range results {
		for i < len(q.seq) && q.seq[i].state != slotSubmitted {
			i++
		}
		if i == len(q.seq) {
			return
		}
		q.seq[i].res = res
		q.seq[i].state = slotDone
	}
}

// next pops the front slot when its result is in.
func (q *queue) next() (dataplane.Result, bool) {
	if len(q.seq) == 0 || q.seq[0].state != slotDone {
		return dataplane.Result{}, false
	}
	res := q.seq[0].res
	q.seq[0] = nil
	q.seq = q.seq[1:]
	return res, true
}

// enqueue buffers ops for entry h and rings the doorbell unless flags ask
// to wait for a batch. A failed doorbell fails the calling operation; the
// other buffered operations complete with an error.
func (e *Engine) enqueue(p *port, q *queue, h EntryHandle, ops []dataplane.Op, flags Flags) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := q.count(slotBuffered); n+len(ops) > int(e.cfg.QueueDepth) {
		return errorf(ErrNoMemory, "queue %d of port %d holds %d buffered ops (depth %d)",
			q.id, p.id, n, e.cfg.QueueDepth)
	}
	for _, op := range ops {
		q.seq = append(q.seq, &slot{op: op})
	}
	if flags&WaitForBatch != 0 {
		return nil
	}
	return e.flushLocked(p, q, h)
}

// flushLocked hands the buffered batch to the driver. On failure the ops
// of trigger are dropped, since the caller reports the error, and every
// other buffered op completes with the doorbell error in its place.
func (e *Engine) flushLocked(p *port, q *queue, trigger EntryHandle) error {
	var ops []dataplane.Op
	for _, s := range q.seq {
		if s.state == slotBuffered {
			ops = append(ops, s.op)
		}
	}
	if len(ops) == 0 {
		return nil
	}
	err := e.drv.Submit(p.id, q.id, ops)
	if err == nil {
		for _, s := range q.seq {
			if s.state == slotBuffered {
				s.state = slotSubmitted
			}
		}
		return nil
	}
	q.seq = slices.DeleteFunc(q.seq, func(s *slot) bool {
		return s.state == slotBuffered && trigger.IsValid() && entryOf(s.op.Rule) == trigger
	})
	for _, s := range q.seq {
		if s.state == slotBuffered {
			s.state = slotDone
			s.res = dataplane.Result{Rule: s.op.Rule, Kind: s.op.Kind, Err: err}
		}
	}
	return driverErr("doorbell", err)
}

// EntriesProcess flushes the queue buffer and drains completions of the
// queue: at most maxCount (0 means no limit), waiting up to timeout for
// outstanding operations (0 means a single pass). It is the only place
// entry state changes. Only one call per queue may run at a time; a
// concurrent call on the same queue fails with ErrBadState.
func (e *Engine) EntriesProcess(ph PortHandle, queueID uint16, timeout time.Duration, maxCount int) ([]Completion, error) {
	if maxCount < 0 {
		return nil, errorf(ErrInvalidValue, "negative max count %d", maxCount)
	}
	e.mu.RLock()
	p, err := e.portLocked(ph)
	var q *queue
	if err == nil {
		q, err = e.queueOf(p, queueID)
	}
	e.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	if !q.busy.CompareAndSwap(false, true) {
		return nil, errorf(ErrBadState, "queue %d of port %d is already being processed", queueID, p.id)
	}
	defer q.busy.Store(false)

	deadline := time.Now().Add(timeout)
	var out []Completion
	for {
		want := 0
		if maxCount > 0 {
			want = maxCount - len(out)
		}
		n, perr := e.processPass(p, q, want, &out)
		if perr != nil {
			return out, perr
		}
		if maxCount > 0 && len(out) >= maxCount {
			break
		}
		q.mu.Lock()
		idle := q.idle()
		q.mu.Unlock()
		if idle {
			break
		}
		// A single pass still drains every result already in; only the
		// wait for the driver is skipped.
		if timeout <= 0 && n == 0 {
			break
		}
		left := time.Until(deadline)
		if timeout > 0 && left <= 0 {
			break
		}
		if n == 0 {
			time.Sleep(min(pollInterval, left))
		}
	}
	return out, nil
}

// processPass runs one flush/poll/apply round. It consumes results from
// the front of the queue until want completions are out (0 means all
// that are in) and returns the number of results consumed.
func (e *Engine) processPass(p *port, q *queue, want int, out *[]Completion) (int, error) {
	q.mu.Lock()
	if err := e.flushLocked(p, q, 0); err != nil {
		e.log.Warn("doorbell failed, buffered entries fail", "port", p.id, "queue", q.id, "err", err)
	}
	var pollErr error
	if q.count(slotSubmitted) > 0 {
		polled, err := e.drv.Poll(p.id, q.id, 0)
		if err != nil {
			pollErr = driverErr("poll completions", err)
		}
		q.collect(polled)
	}
	q.mu.Unlock()

	consumed, emitted := 0, 0
	var agingAdds []EntryHandle
	for want == 0 || emitted < want {
		q.mu.Lock()
		res, ok := q.next()
		q.mu.Unlock()
		if !ok {
			break
		}
		consumed++
		c, done, aging := e.applyResult(q.id, res)
		if !done {
			continue
		}
		*out = append(*out, c)
		emitted++
		if aging {
			agingAdds = append(agingAdds, c.Entry)
		}
	}

	q.mu.Lock()
	aged := q.aged
	if want > 0 {
		if room := max(want-emitted, 0); len(aged) > room {
			aged = aged[:room]
		}
	}
	q.aged = append([]EntryHandle(nil), q.aged[len(aged):]...)
	q.mu.Unlock()

	if len(aged) > 0 {
		e.entMu.Lock()
		for _, h := range aged {
			ent, ok := e.entries.get(uint64(h))
			if !ok || !ent.aged {
				continue
			}
			ent.pipe.stats.aged++
			c := Completion{
				Entry:   h,
				Queue:   q.id,
				Status:  ent.status,
				Op:      OpAged,
				UserCtx: ent.userCtx,
			}
			if ent.ct != nil && e.ct != nil {
				e.ct.recordLocked(&c)
			}
			*out = append(*out, c)
		}
		e.entMu.Unlock()
	}
	if len(agingAdds) > 0 {
		q.mu.Lock()
		for _, h := range agingAdds {
			q.aging.add(h)
		}
		q.mu.Unlock()
	}
	return consumed + len(aged), pollErr
}

// QueueStats is a snapshot of one queue.
type QueueStats struct {
	Queue       uint16
	Pending     int
	Outstanding int
	Ready       int
	Aging       int
}

// Queues reports the buffering state of every queue of a port.
func (e *Engine) Queues(ph PortHandle) ([]QueueStats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, err := e.portLocked(ph)
	if err != nil {
		return nil, err
	}
	out := make([]QueueStats, len(p.queues))
	for i, q := range p.queues {
		q.mu.Lock()
		out[i] = QueueStats{
			Queue:       q.id,
			Pending:     q.count(slotBuffered),
			Outstanding: q.count(slotSubmitted),
			Ready:       q.count(slotDone) + len(q.aged),
			Aging:       len(q.aging.set),
		}
		q.mu.Unlock()
	}
	return out, nil
}
