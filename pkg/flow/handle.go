package flow

// Handles pack a slot index (low 32 bits) and a generation (next 31 bits).
// Generations start at 1 so the zero handle never resolves; bit 63 is left
// free for driver rule cookies.
const genMask = 1<<31 - 1

// PortHandle refers to a started port.
type PortHandle uint64

// PipeHandle refers to a created pipe.
type PipeHandle uint64

// EntryHandle refers to a pipe entry or CT session.
type EntryHandle uint64

func (h PortHandle) IsValid() bool  { return h != 0 }
func (h PipeHandle) IsValid() bool  { return h != 0 }
func (h EntryHandle) IsValid() bool { return h != 0 }

type slot[T any] struct {
	gen  uint32
	used bool
	val  T
}

// arena stores values addressed by generation-checked handles. A removed
// slot is reused with a bumped generation so stale handles miss.
type arena[T any] struct {
	slots []slot[T]
	free  []uint32
	live  int
}

func packHandle(idx, gen uint32) uint64 {
	return uint64(gen&genMask)<<32 | uint64(idx)
}

func unpackHandle(h uint64) (idx, gen uint32) {
	return uint32(h), uint32(h>>32) & genMask
}

func (a *arena[T]) insert(v T) uint64 {
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		idx = uint32(len(a.slots))
		a.slots = append(a.slots, slot[T]{})
	}
	s := &a.slots[idx]
	s.gen = s.gen%genMask + 1
	s.used = true
	s.val = v
	a.live++
	return packHandle(idx, s.gen)
}

func (a *arena[T]) get(h uint64) (T, bool) {
	var zero T
	idx, gen := unpackHandle(h)
	if gen == 0 || int(idx) >= len(a.slots) {
		return zero, false
	}
	s := &a.slots[idx]
	if !s.used || s.gen != gen {
		return zero, false
	}
	return s.val, true
}

func (a *arena[T]) remove(h uint64) (T, bool) {
	v, ok := a.get(h)
	if !ok {
		return v, false
	}
	idx, _ := unpackHandle(h)
	var zero T
	a.slots[idx].used = false
	a.slots[idx].val = zero
	a.free = append(a.free, idx)
	a.live--
	return v, true
}

func (a *arena[T]) len() int { return a.live }

// each visits live values in slot order until fn returns false.
func (a *arena[T]) each(fn func(h uint64, v T) bool) {
	for i := range a.slots {
		s := &a.slots[i]
		if !s.used {
			continue
		}
		if !fn(packHandle(uint32(i), s.gen), s.val) {
			return
		}
	}
}
