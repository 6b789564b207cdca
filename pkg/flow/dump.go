package flow

import (
	"fmt"
	"io"
	"strings"

	"github.com/psaab/flowpipe/pkg/dataplane"
)

// DumpPipe writes a human readable description of a pipe and its entries.
func (e *Engine) DumpPipe(h PipeHandle, w io.Writer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pp, err := e.pipeLocked(h)
	if err != nil {
		return err
	}
	var sb strings.Builder
	e.dumpPipeLocked(&sb, pp)
	_, err = io.WriteString(w, sb.String())
	return err
}

// DumpPort writes every pipe of a port in creation order.
func (e *Engine) DumpPort(h PortHandle, w io.Writer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, err := e.portLocked(h)
	if err != nil {
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "port %d (device %s, %d queues)\n", p.id, p.dev.Name(), len(p.queues))
	if peer, ok := e.ports.get(uint64(p.pair)); ok {
		fmt.Fprintf(&sb, "  paired with port %d\n", peer.id)
	}
	for _, ph := range p.pipes {
		if pp, ok := e.pipes.get(uint64(ph)); ok {
			e.dumpPipeLocked(&sb, pp)
		}
	}
	_, err = io.WriteString(w, sb.String())
	return err
}

func (e *Engine) dumpPipeLocked(sb *strings.Builder, pp *pipe) {
	e.entMu.Lock()
	defer e.entMu.Unlock()
	info := e.pipeInfoLocked(pp)
	fmt.Fprintf(sb, "pipe %q type %s domain %s", info.Name, info.Type, info.Domain)
	if info.Root {
		sb.WriteString(" root")
	}
	fmt.Fprintf(sb, " nb_flows %d\n", info.NbFlows)
	for i, f := range fields {
		if !pp.matched.has(i) {
			continue
		}
		v := f.get(&pp.match)
		switch {
		case isOnes(v):
			fmt.Fprintf(sb, "  match %-24s per entry\n", f.name)
		case isZero(v):
			fmt.Fprintf(sb, "  match %-24s masked %s\n", f.name, FormatField(f.name, f.get(&pp.mask)))
		default:
			fmt.Fprintf(sb, "  match %-24s = %s\n", f.name, FormatField(f.name, v))
		}
	}
	if len(pp.actions) > 0 {
		fmt.Fprintf(sb, "  actions %d\n", len(pp.actions))
	}
	if len(pp.lists) > 0 {
		fmt.Fprintf(sb, "  ordered lists %d\n", len(pp.lists))
	}
	if pp.monitor.Flags != 0 {
		fmt.Fprintf(sb, "  monitor %s", pp.monitor.Flags)
		if pp.monitor.Flags&MonitorAging != 0 {
			fmt.Fprintf(sb, " aging %ds", pp.monitor.AgingSec)
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(sb, "  forward %s miss %s\n", info.Fwd, info.FwdMiss)
	fmt.Fprintf(sb, "  entries %d in-process %d added %d removed %d failed %d aged %d\n",
		info.Entries, info.InFlight, info.Added, info.Removed, info.Failed, info.Aged)

	e.entries.each(func(h uint64, ent *entry) bool {
		if ent.pipe != pp {
			return true
		}
		fmt.Fprintf(sb, "    entry %#x queue %d %s", h, ent.queue, ent.status)
		switch {
		case ent.ct != nil:
			fmt.Fprintf(sb, " origin %v reply %v meta %#08x/%#08x", ent.ct.origin, ent.ct.reply, ent.ct.metaO, ent.ct.metaR)
		case pp.kind == dataplane.TableIndexed:
			fmt.Fprintf(sb, " index %d", ent.index)
		default:
			if ent.priority != 0 {
				fmt.Fprintf(sb, " priority %d", ent.priority)
			}
			for i, f := range fields {
				if !pp.matched.has(i) {
					continue
				}
				if v := f.get(&ent.match); !isZero(v) {
					fmt.Fprintf(sb, " %s=%s", f.name, FormatField(f.name, v))
				}
			}
		}
		if ent.fwd != nil {
			fmt.Fprintf(sb, " fwd %s", e.describeFwd(ent.fwd))
		}
		if ent.agingSec > 0 {
			fmt.Fprintf(sb, " aging %ds", ent.agingSec)
		}
		if ent.aged {
			sb.WriteString(" aged")
		}
		sb.WriteString("\n")
		return true
	})
}
