package api

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/flowpipe/pkg/flow"
)

// flowCollector implements prometheus.Collector, reading engine state on
// each scrape.
type flowCollector struct {
	srv *Server

	ports *prometheus.Desc

	// Per-pipe
	pipeEntries  *prometheus.Desc
	pipeInFlight *prometheus.Desc
	pipeOpsTotal *prometheus.Desc
	pipeMissPkts *prometheus.Desc

	// Per-queue
	queuePending     *prometheus.Desc
	queueOutstanding *prometheus.Desc
	queueReady       *prometheus.Desc
	queueAging       *prometheus.Desc

	// Shared counters
	sharedPacketsTotal *prometheus.Desc
	sharedBytesTotal   *prometheus.Desc

	// Connection tracking
	ctSessions  *prometheus.Desc
	ctWorkerOps *prometheus.Desc
	gcSweeps    *prometheus.Desc
	gcAged      *prometheus.Desc
	gcRemoved   *prometheus.Desc

	eventsDropped *prometheus.Desc
}

func newCollector(srv *Server) *flowCollector {
	return &flowCollector{
		srv: srv,

		ports: prometheus.NewDesc(
			"flowpipe_ports",
			"Number of started ports.",
			nil, nil,
		),
		pipeEntries: prometheus.NewDesc(
			"flowpipe_pipe_entries",
			"Entries installed in a pipe.",
			[]string{"port", "pipe", "type"}, nil,
		),
		pipeInFlight: prometheus.NewDesc(
			"flowpipe_pipe_in_flight",
			"Entry operations submitted and not yet completed.",
			[]string{"port", "pipe"}, nil,
		),
		pipeOpsTotal: prometheus.NewDesc(
			"flowpipe_pipe_operations_total",
			"Completed entry operations by result.",
			[]string{"port", "pipe", "result"}, nil,
		),
		pipeMissPkts: prometheus.NewDesc(
			"flowpipe_pipe_miss_packets_total",
			"Packets that missed every entry of a pipe.",
			[]string{"port", "pipe"}, nil,
		),
		queuePending: prometheus.NewDesc(
			"flowpipe_queue_pending",
			"Operations buffered on a queue awaiting a flush.",
			[]string{"port", "queue"}, nil,
		),
		queueOutstanding: prometheus.NewDesc(
			"flowpipe_queue_outstanding",
			"Operations submitted to the driver awaiting completion.",
			[]string{"port", "queue"}, nil,
		),
		queueReady: prometheus.NewDesc(
			"flowpipe_queue_ready",
			"Completions waiting to be collected.",
			[]string{"port", "queue"}, nil,
		),
		queueAging: prometheus.NewDesc(
			"flowpipe_queue_aging_entries",
			"Entries with aging enabled on a queue.",
			[]string{"port", "queue"}, nil,
		),
		sharedPacketsTotal: prometheus.NewDesc(
			"flowpipe_shared_counter_packets_total",
			"Packets counted by a shared counter.",
			[]string{"id"}, nil,
		),
		sharedBytesTotal: prometheus.NewDesc(
			"flowpipe_shared_counter_bytes_total",
			"Bytes counted by a shared counter.",
			[]string{"id"}, nil,
		),
		ctSessions: prometheus.NewDesc(
			"flowpipe_ct_sessions",
			"Connection tracking sessions by family.",
			[]string{"port", "family"}, nil,
		),
		ctWorkerOps: prometheus.NewDesc(
			"flowpipe_ct_worker_operations_total",
			"Completed session operations per CT queue.",
			[]string{"queue", "op"}, nil,
		),
		gcSweeps: prometheus.NewDesc(
			"flowpipe_gc_sweeps_total",
			"Aging sweeps run by the GC.",
			nil, nil,
		),
		gcAged: prometheus.NewDesc(
			"flowpipe_gc_aged_total",
			"Entries reported aged by the GC.",
			nil, nil,
		),
		gcRemoved: prometheus.NewDesc(
			"flowpipe_gc_removed_total",
			"Aged entries removed by the GC.",
			nil, nil,
		),
		eventsDropped: prometheus.NewDesc(
			"flowpipe_events_dropped_total",
			"Events not delivered to slow stream subscribers.",
			nil, nil,
		),
	}
}

func (c *flowCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.ports
	ch <- c.pipeEntries
	ch <- c.pipeInFlight
	ch <- c.pipeOpsTotal
	ch <- c.pipeMissPkts
	ch <- c.queuePending
	ch <- c.queueOutstanding
	ch <- c.queueReady
	ch <- c.queueAging
	ch <- c.sharedPacketsTotal
	ch <- c.sharedBytesTotal
	ch <- c.ctSessions
	ch <- c.ctWorkerOps
	ch <- c.gcSweeps
	ch <- c.gcAged
	ch <- c.gcRemoved
	ch <- c.eventsDropped
}

func (c *flowCollector) Collect(ch chan<- prometheus.Metric) {
	e := c.srv.engine
	if e == nil {
		return
	}
	ports := e.Ports()
	ch <- prometheus.MustNewConstMetric(c.ports, prometheus.GaugeValue, float64(len(ports)))
	for _, p := range ports {
		port := strconv.Itoa(int(p.ID))
		c.collectPipes(ch, e, p.Handle, port)
		c.collectQueues(ch, e, p.Handle, port)
		c.collectSessions(ch, e, p.Handle, port)
	}
	c.collectSharedCounters(ch, e)
	c.collectWorkers(ch, e)

	if gc := c.srv.gc; gc != nil {
		st := gc.Stats()
		ch <- prometheus.MustNewConstMetric(c.gcSweeps, prometheus.CounterValue, float64(st.Sweeps))
		ch <- prometheus.MustNewConstMetric(c.gcAged, prometheus.CounterValue, float64(st.Aged))
		ch <- prometheus.MustNewConstMetric(c.gcRemoved, prometheus.CounterValue, float64(st.Removed))
	}
	if eb := c.srv.eventBuf; eb != nil {
		ch <- prometheus.MustNewConstMetric(c.eventsDropped, prometheus.CounterValue, float64(eb.Dropped()))
	}
}

func (c *flowCollector) collectPipes(ch chan<- prometheus.Metric, e *flow.Engine, ph flow.PortHandle, port string) {
	pipes, err := e.Pipes(ph)
	if err != nil {
		return
	}
	for _, pi := range pipes {
		ch <- prometheus.MustNewConstMetric(c.pipeEntries, prometheus.GaugeValue,
			float64(pi.Entries), port, pi.Name, pi.Type.String())
		ch <- prometheus.MustNewConstMetric(c.pipeInFlight, prometheus.GaugeValue,
			float64(pi.InFlight), port, pi.Name)
		for _, op := range []struct {
			result string
			v      uint64
		}{
			{"added", pi.Added},
			{"removed", pi.Removed},
			{"failed", pi.Failed},
			{"aged", pi.Aged},
		} {
			ch <- prometheus.MustNewConstMetric(c.pipeOpsTotal, prometheus.CounterValue,
				float64(op.v), port, pi.Name, op.result)
		}
		if q, err := e.QueryPipeMiss(pi.Handle); err == nil {
			ch <- prometheus.MustNewConstMetric(c.pipeMissPkts, prometheus.CounterValue,
				float64(q.TotalPkts), port, pi.Name)
		}
	}
}

func (c *flowCollector) collectQueues(ch chan<- prometheus.Metric, e *flow.Engine, ph flow.PortHandle, port string) {
	qs, err := e.Queues(ph)
	if err != nil {
		return
	}
	for _, q := range qs {
		queue := strconv.Itoa(int(q.Queue))
		ch <- prometheus.MustNewConstMetric(c.queuePending, prometheus.GaugeValue, float64(q.Pending), port, queue)
		ch <- prometheus.MustNewConstMetric(c.queueOutstanding, prometheus.GaugeValue, float64(q.Outstanding), port, queue)
		ch <- prometheus.MustNewConstMetric(c.queueReady, prometheus.GaugeValue, float64(q.Ready), port, queue)
		ch <- prometheus.MustNewConstMetric(c.queueAging, prometheus.GaugeValue, float64(q.Aging), port, queue)
	}
}

func (c *flowCollector) collectSessions(ch chan<- prometheus.Metric, e *flow.Engine, ph flow.PortHandle, port string) {
	ct := e.CT()
	if ct == nil {
		return
	}
	sessions, err := ct.Sessions(ph)
	if err != nil {
		return
	}
	var v4, v6 int
	for _, s := range sessions {
		if s.Origin.IsIPv6() {
			v6++
		} else {
			v4++
		}
	}
	ch <- prometheus.MustNewConstMetric(c.ctSessions, prometheus.GaugeValue, float64(v4), port, "ipv4")
	ch <- prometheus.MustNewConstMetric(c.ctSessions, prometheus.GaugeValue, float64(v6), port, "ipv6")
}

func (c *flowCollector) collectSharedCounters(ch chan<- prometheus.Metric, e *flow.Engine) {
	var ids []uint32
	for _, ri := range e.Resources() {
		if ri.Type == flow.ResourceCount && ri.Bindings > 0 {
			ids = append(ids, ri.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	results, err := e.QueryResources(flow.ResourceCount, ids)
	if err != nil {
		return
	}
	for _, r := range results {
		id := strconv.FormatUint(uint64(r.ID), 10)
		ch <- prometheus.MustNewConstMetric(c.sharedPacketsTotal, prometheus.CounterValue, float64(r.Counter.TotalPkts), id)
		ch <- prometheus.MustNewConstMetric(c.sharedBytesTotal, prometheus.CounterValue, float64(r.Counter.TotalBytes), id)
	}
}

func (c *flowCollector) collectWorkers(ch chan<- prometheus.Metric, e *flow.Engine) {
	ct := e.CT()
	if ct == nil {
		return
	}
	ws, err := ct.WorkerStats()
	if err != nil {
		return
	}
	for _, w := range ws {
		queue := strconv.Itoa(int(w.Queue))
		for _, op := range []struct {
			name string
			v    uint64
		}{
			{"added", w.Added},
			{"updated", w.Updated},
			{"removed", w.Removed},
			{"aged", w.Aged},
			{"failed", w.Failed},
		} {
			ch <- prometheus.MustNewConstMetric(c.ctWorkerOps, prometheus.CounterValue, float64(op.v), queue, op.name)
		}
	}
}
