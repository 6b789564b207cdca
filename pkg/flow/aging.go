package flow

import "time"

// agingState is the sweep position of one queue over the entries that
// completed on it with aging enabled.
type agingState struct {
	set     []EntryHandle
	cursor  int
	pending bool // cycle ended on a call that aged entries; next call reports -1
}

func (s *agingState) add(h EntryHandle) {
	s.set = append(s.set, h)
}

// compact drops the zeroed slots left by aged or vanished entries.
func (s *agingState) compact() {
	kept := s.set[:0]
	for _, h := range s.set {
		if h.IsValid() {
			kept = append(kept, h)
		}
	}
	s.set = kept
	s.cursor = 0
}

// AgingHandle sweeps the aging set of a queue for at most quota (0 means
// no time limit), aging at most maxEntries entries (0 means no limit).
// Aged entries are reported with OpAged by the next EntriesProcess on the
// queue. It returns the number aged by this call, or -1 once a full cycle
// has completed; the next call then starts a new cycle. Every call
// inspects at least one entry, so repeated calls always reach -1.
func (e *Engine) AgingHandle(ph PortHandle, queueID uint16, quota time.Duration, maxEntries uint64) (int, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, err := e.portLocked(ph)
	if err != nil {
		return 0, err
	}
	q, err := e.queueOf(p, queueID)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	st := &q.aging
	if st.pending {
		st.pending = false
		return -1, nil
	}
	if len(st.set) == 0 {
		return -1, nil
	}

	start := time.Now()
	now := e.clock()
	aged := 0
	for st.cursor < len(st.set) {
		i := st.cursor
		st.cursor++
		h := st.set[i]
		if !h.IsValid() {
			continue
		}
		expired, keep := e.checkAged(p, h, now)
		if !keep {
			st.set[i] = 0
		}
		if expired {
			q.aged = append(q.aged, h)
			aged++
		}
		if maxEntries > 0 && uint64(aged) >= maxEntries {
			break
		}
		if quota > 0 && time.Since(start) >= quota {
			break
		}
	}
	if st.cursor >= len(st.set) {
		st.compact()
		if aged == 0 {
			return -1, nil
		}
		st.pending = true
	}
	return aged, nil
}

// checkAged reports whether the entry idled past its aging time, and
// whether it stays in the aging set.
func (e *Engine) checkAged(p *port, h EntryHandle, now time.Time) (expired, keep bool) {
	e.entMu.Lock()
	defer e.entMu.Unlock()
	ent, ok := e.entries.get(uint64(h))
	if !ok || ent.aged || ent.agingSec == 0 {
		return false, false
	}
	if ent.status != StatusSuccess {
		// An update or removal is in flight; look again next cycle.
		return false, ent.status == StatusInProcess && ent.op == OpUpd
	}
	last := ent.lastSeen
	table := ent.pipe.table
	for _, dir := range []struct {
		bit   uint8
		reply bool
	}{{ruleOrigin, false}, {ruleReply, true}} {
		if ent.rules&dir.bit == 0 {
			continue
		}
		hit, err := e.drv.LastHit(p.id, table, ruleCookie(h, dir.reply))
		if err == nil && hit.After(last) {
			last = hit
		}
	}
	if now.Sub(last) < time.Duration(ent.agingSec)*time.Second {
		return false, true
	}
	ent.aged = true
	return true, false
}
