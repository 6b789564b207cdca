// Package conntrack runs the background aging of flow entries and CT
// sessions and classifies packets for software CT parsing.
package conntrack

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psaab/flowpipe/pkg/flow"
)

// Ager is the part of the flow engine the GC drives.
type Ager interface {
	AgingHandle(ph flow.PortHandle, queue uint16, quota time.Duration, maxEntries uint64) (int, error)
	EntriesProcess(ph flow.PortHandle, queue uint16, timeout time.Duration, maxCount int) ([]flow.Completion, error)
	RmEntry(queue uint16, flags flow.Flags, h flow.EntryHandle) error
}

// Target is one port queue swept by the GC.
type Target struct {
	Port  flow.PortHandle
	Queue uint16
}

// GCConfig tunes the GC loop.
type GCConfig struct {
	Interval time.Duration
	// Quota bounds a single AgingHandle call; 0 means no limit.
	Quota      time.Duration
	MaxEntries uint64
	// AutoRemove removes aged entries instead of only reporting them.
	AutoRemove bool
	// Core pins the GC goroutine to one CPU; negative disables pinning.
	Core int
	// OnCompletion receives every completion drained by a sweep with the
	// queue it came from.
	OnCompletion func(Target, flow.Completion)
	Logger       *slog.Logger
}

// maxCalls bounds the AgingHandle calls of one target per sweep.
const maxCalls = 1 << 16

// SweepStats summarizes one sweep.
type SweepStats struct {
	Aged    int
	Removed int
	Errors  int
}

// GC periodically runs the aging cycle of each target queue.
type GC struct {
	ager    Ager
	cfg     GCConfig
	targets []Target
	log     *slog.Logger

	sweeps  atomic.Uint64
	aged    atomic.Uint64
	removed atomic.Uint64
}

// NewGC creates a GC over the given queues.
func NewGC(ager Ager, cfg GCConfig, targets ...Target) *GC {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &GC{
		ager:    ager,
		cfg:     cfg,
		targets: append([]Target(nil), targets...),
		log:     log.With("component", "conntrack-gc"),
	}
}

// Run starts the GC loop. It blocks until ctx is cancelled.
func (gc *GC) Run(ctx context.Context) {
	if gc.cfg.Core >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := pinToCore(gc.cfg.Core); err != nil {
			gc.log.Warn("conntrack GC pinning failed", "core", gc.cfg.Core, "err", err)
		}
	}
	gc.log.Info("conntrack GC started", "interval", gc.cfg.Interval, "targets", len(gc.targets),
		"auto_remove", gc.cfg.AutoRemove)
	ticker := time.NewTicker(gc.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			gc.log.Info("conntrack GC stopped")
			return
		case <-ticker.C:
			gc.Sweep()
		}
	}
}

func pinToCore(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}

// Sweep runs one full aging cycle over every target.
func (gc *GC) Sweep() SweepStats {
	var st SweepStats
	for _, t := range gc.targets {
		gc.sweepTarget(t, &st)
	}
	gc.sweeps.Add(1)
	gc.aged.Add(uint64(st.Aged))
	gc.removed.Add(uint64(st.Removed))
	if st.Aged > 0 || st.Errors > 0 {
		gc.log.Info("conntrack GC sweep",
			"aged", st.Aged,
			"removed", st.Removed,
			"errors", st.Errors)
	}
	return st
}

func (gc *GC) sweepTarget(t Target, st *SweepStats) {
	for range maxCalls {
		n, err := gc.ager.AgingHandle(t.Port, t.Queue, gc.cfg.Quota, gc.cfg.MaxEntries)
		if err != nil {
			st.Errors++
			gc.log.Warn("aging failed", "port", uint64(t.Port), "queue", t.Queue, "err", err)
			return
		}
		if n < 0 {
			break
		}
		st.Aged += n
	}

	comps, err := gc.drain(t)
	if err != nil {
		st.Errors++
		return
	}
	if !gc.cfg.AutoRemove {
		return
	}
	var pending int
	for _, c := range comps {
		if c.Op != flow.OpAged {
			continue
		}
		if err := gc.ager.RmEntry(t.Queue, flow.WaitForBatch, c.Entry); err != nil {
			// Removed or updated by its owner since it aged.
			if !errors.Is(err, flow.ErrNotFound) && !errors.Is(err, flow.ErrBadState) {
				st.Errors++
				gc.log.Debug("conntrack GC remove failed", "entry", uint64(c.Entry), "err", err)
			}
			continue
		}
		pending++
	}
	if pending == 0 {
		return
	}
	comps, err = gc.drain(t)
	if err != nil {
		st.Errors++
	}
	for _, c := range comps {
		if c.Op == flow.OpDel && c.Status == flow.StatusSuccess {
			st.Removed++
		}
	}
}

// drain collects the completions of a queue and hands them to the
// completion hook.
func (gc *GC) drain(t Target) ([]flow.Completion, error) {
	comps, err := gc.ager.EntriesProcess(t.Port, t.Queue, 0, 0)
	if err != nil {
		gc.log.Debug("conntrack GC drain failed", "port", uint64(t.Port), "queue", t.Queue, "err", err)
	}
	if fn := gc.cfg.OnCompletion; fn != nil {
		for _, c := range comps {
			fn(t, c)
		}
	}
	return comps, err
}

// GCStats are the lifetime totals of a GC.
type GCStats struct {
	Sweeps  uint64
	Aged    uint64
	Removed uint64
}

func (gc *GC) Stats() GCStats {
	return GCStats{
		Sweeps:  gc.sweeps.Load(),
		Aged:    gc.aged.Load(),
		Removed: gc.removed.Load(),
	}
}
