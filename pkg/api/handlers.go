package api

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/psaab/flowpipe/pkg/conntrack"
	"github.com/psaab/flowpipe/pkg/flow"
	"github.com/psaab/flowpipe/pkg/logging"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, Response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, Response{Success: false, Error: msg})
}

// writeEngineError maps engine error classes to HTTP status codes.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, flow.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, flow.ErrInvalidValue):
		status = http.StatusBadRequest
	case errors.Is(err, flow.ErrNotSupported):
		status = http.StatusNotImplemented
	case errors.Is(err, flow.ErrBadState), errors.Is(err, flow.ErrInUse), errors.Is(err, flow.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, flow.ErrNoMemory):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeOK(w, map[string]string{"status": "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, _ *http.Request) {
	resp := StatusResponse{
		Uptime: time.Since(s.startTime).Truncate(time.Second).String(),
		Mode:   s.engine.Mode().String(),
		Driver: s.engine.Driver().Name(),
	}
	ports := s.engine.Ports()
	resp.PortCount = len(ports)
	for _, p := range ports {
		pipes, err := s.engine.Pipes(p.Handle)
		if err != nil {
			continue
		}
		resp.PipeCount += len(pipes)
		for _, pi := range pipes {
			resp.EntryCount += pi.Entries
		}
		if ct := s.engine.CT(); ct != nil {
			if sessions, err := ct.Sessions(p.Handle); err == nil {
				resp.SessionCount += len(sessions)
			}
		}
	}
	resp.CTEnabled = s.engine.CT() != nil
	if s.gc != nil {
		st := s.gc.Stats()
		resp.GCSweeps, resp.GCAged, resp.GCRemoved = st.Sweeps, st.Aged, st.Removed
	}
	writeOK(w, resp)
}

func (s *Server) portsHandler(w http.ResponseWriter, _ *http.Request) {
	ports := s.engine.Ports()
	result := make([]PortEntry, 0, len(ports))
	for _, p := range ports {
		result = append(result, PortEntry{
			ID:       p.ID,
			Device:   p.Device,
			Features: p.Features,
			Queues:   p.Queues,
			Pipes:    p.Pipes,
			Pair:     p.PairID,
		})
	}
	writeOK(w, result)
}

// port resolves the {port} path value.
func (s *Server) port(w http.ResponseWriter, r *http.Request) (flow.PortHandle, bool) {
	id, err := strconv.ParseUint(r.PathValue("port"), 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid port id")
		return 0, false
	}
	ph, err := s.engine.PortByID(uint16(id))
	if err != nil {
		writeEngineError(w, err)
		return 0, false
	}
	return ph, true
}

// pipe resolves the {port} and {pipe} path values.
func (s *Server) pipe(w http.ResponseWriter, r *http.Request) (flow.PipeHandle, bool) {
	ph, ok := s.port(w, r)
	if !ok {
		return 0, false
	}
	pipe, err := s.engine.PipeByName(ph, r.PathValue("pipe"))
	if err != nil {
		writeEngineError(w, err)
		return 0, false
	}
	return pipe, true
}

func (s *Server) queuesHandler(w http.ResponseWriter, r *http.Request) {
	ph, ok := s.port(w, r)
	if !ok {
		return
	}
	qs, err := s.engine.Queues(ph)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	result := make([]QueueEntry, len(qs))
	for i, q := range qs {
		result[i] = QueueEntry{
			Queue:       q.Queue,
			Pending:     q.Pending,
			Outstanding: q.Outstanding,
			Ready:       q.Ready,
			Aging:       q.Aging,
		}
	}
	writeOK(w, result)
}

func pipeEntryFromInfo(pi flow.PipeInfo) PipeEntry {
	return PipeEntry{
		Name:     pi.Name,
		Port:     pi.PortID,
		Type:     pi.Type.String(),
		Domain:   pi.Domain.String(),
		Root:     pi.Root,
		NbFlows:  pi.NbFlows,
		Fields:   pi.Fields,
		Entries:  pi.Entries,
		InFlight: pi.InFlight,
		Added:    pi.Added,
		Removed:  pi.Removed,
		Failed:   pi.Failed,
		Aged:     pi.Aged,
		Forward:  pi.Fwd,
		Miss:     pi.FwdMiss,
	}
}

func (s *Server) pipesHandler(w http.ResponseWriter, r *http.Request) {
	ph, ok := s.port(w, r)
	if !ok {
		return
	}
	pipes, err := s.engine.Pipes(ph)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	result := make([]PipeEntry, len(pipes))
	for i, pi := range pipes {
		result[i] = pipeEntryFromInfo(pi)
	}
	writeOK(w, result)
}

func (s *Server) entriesHandler(w http.ResponseWriter, r *http.Request) {
	pipe, ok := s.pipe(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	if limit > 10000 {
		limit = 10000
	}
	offset := queryInt(r, "offset", 0)

	entries, err := s.engine.PipeEntries(pipe)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := EntryListResponse{Total: len(entries), Limit: limit, Offset: offset, Entries: []EntryEntry{}}
	for i := offset; i < len(entries) && len(resp.Entries) < limit; i++ {
		ei := entries[i]
		ent := EntryEntry{
			Handle:   uint64(ei.Handle),
			Queue:    ei.Queue,
			Status:   ei.Status.String(),
			Priority: ei.Priority,
			Index:    ei.Index,
			AgingSec: ei.AgingSec,
			Aged:     ei.Aged,
		}
		if q, err := s.engine.QueryEntry(ei.Handle); err == nil {
			ent.Counter = countsOf(q)
		}
		resp.Entries = append(resp.Entries, ent)
	}
	writeOK(w, resp)
}

func countsOf(q flow.Query) *Counts {
	return &Counts{Packets: q.TotalPkts, Bytes: q.TotalBytes}
}

func (s *Server) pipeMissHandler(w http.ResponseWriter, r *http.Request) {
	pipe, ok := s.pipe(w, r)
	if !ok {
		return
	}
	q, err := s.engine.QueryPipeMiss(pipe)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeOK(w, countsOf(q))
}

func (s *Server) pipeDumpHandler(w http.ResponseWriter, r *http.Request) {
	pipe, ok := s.pipe(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := s.engine.DumpPipe(pipe, &buf); err != nil {
		writeEngineError(w, err)
		return
	}
	writeOK(w, TextResponse{Output: buf.String()})
}

func (s *Server) portDumpHandler(w http.ResponseWriter, r *http.Request) {
	ph, ok := s.port(w, r)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := s.engine.DumpPort(ph, &buf); err != nil {
		writeEngineError(w, err)
		return
	}
	writeOK(w, TextResponse{Output: buf.String()})
}

// removeEntryHandler queues removal of an entry or CT session. The
// completion is collected by the aging loop of that queue.
func (s *Server) removeEntryHandler(w http.ResponseWriter, r *http.Request) {
	h, err := strconv.ParseUint(r.PathValue("handle"), 0, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid entry handle")
		return
	}
	queue := queryUint16(r, "queue", 0)
	if err := s.engine.RmEntry(queue, flow.NoWait, flow.EntryHandle(h)); err != nil {
		writeEngineError(w, err)
		return
	}
	writeOK(w, map[string]uint64{"removed": h})
}

func (s *Server) resourcesHandler(w http.ResponseWriter, _ *http.Request) {
	infos := s.engine.Resources()
	result := make([]ResourceEntry, 0, len(infos))
	for _, ri := range infos {
		re := ResourceEntry{
			Type:     ri.Type.String(),
			ID:       ri.ID,
			Bindings: ri.Bindings,
			Global:   ri.Global,
			Refs:     ri.Refs,
		}
		if ri.Type == flow.ResourceCount && ri.Bindings > 0 {
			if res, err := s.engine.QueryResources(flow.ResourceCount, []uint32{ri.ID}); err == nil && len(res) == 1 {
				re.Counter = countsOf(res[0].Counter)
			}
		}
		result = append(result, re)
	}
	writeOK(w, result)
}

func (s *Server) sessionsHandler(w http.ResponseWriter, r *http.Request) {
	ct := s.engine.CT()
	if ct == nil {
		writeError(w, http.StatusServiceUnavailable, "connection tracking not initialized")
		return
	}
	ph, ok := s.port(w, r)
	if !ok {
		return
	}
	limit := queryInt(r, "limit", 100)
	if limit > 10000 {
		limit = 10000
	}
	offset := queryInt(r, "offset", 0)
	protoFilter := r.URL.Query().Get("protocol")

	sessions, err := ct.Sessions(ph)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	all := make([]SessionEntry, 0)
	idx := 0
	for _, cs := range sessions {
		proto := protoName(cs.Origin.Proto)
		if protoFilter != "" && !strings.EqualFold(proto, protoFilter) {
			continue
		}
		if idx >= offset && len(all) < limit {
			all = append(all, sessionEntry(ct, cs))
		}
		idx++
	}
	writeOK(w, SessionListResponse{
		Total:    idx,
		Limit:    limit,
		Offset:   offset,
		Sessions: all,
	})
}

func sessionEntry(ct *flow.CT, cs flow.CTSession) SessionEntry {
	se := SessionEntry{
		Handle:     uint64(cs.Handle),
		Origin:     cs.Origin.String(),
		Reply:      cs.Reply.String(),
		Protocol:   protoName(cs.Origin.Proto),
		Zone:       cs.Origin.Zone,
		MetaOrigin: cs.MetaOrigin,
		MetaReply:  cs.MetaReply,
		Status:     cs.Status.String(),
		Aged:       cs.Aged,
	}
	// Uncounted sessions fail the query with ErrNotSupported.
	if o, rp, err := ct.QueryEntry(cs.Handle); err == nil {
		se.OriginCtr, se.ReplyCtr = countsOf(o), countsOf(rp)
	}
	return se
}

func (s *Server) sessionSummaryHandler(w http.ResponseWriter, r *http.Request) {
	ct := s.engine.CT()
	if ct == nil {
		writeError(w, http.StatusServiceUnavailable, "connection tracking not initialized")
		return
	}
	ph, ok := s.port(w, r)
	if !ok {
		return
	}
	sessions, err := ct.Sessions(ph)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	id, _ := strconv.ParseUint(r.PathValue("port"), 10, 16)
	summary := SessionSummary{Port: uint16(id), Total: len(sessions)}
	for _, cs := range sessions {
		if cs.Origin.IsIPv6() {
			summary.IPv6Sessions++
		} else {
			summary.IPv4Sessions++
		}
		switch cs.Origin.Proto {
		case 6:
			summary.TCPSessions++
		case 17:
			summary.UDPSessions++
		}
		if cs.Status == flow.StatusInProcess {
			summary.Pending++
		}
		if cs.Aged {
			summary.Aged++
		}
	}
	writeOK(w, summary)
}

func (s *Server) classifyHandler(w http.ResponseWriter, r *http.Request) {
	var req ClassifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	frame, err := hex.DecodeString(strings.ReplaceAll(req.Frame, " ", ""))
	if err != nil {
		writeError(w, http.StatusBadRequest, "frame is not valid hex")
		return
	}
	c, err := s.classifier(req.Port, uint32(queryInt(r, "zone", 0)))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	res, err := c.Classify(frame)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	resp := ClassifyResponse{
		Tuple:    res.Tuple.String(),
		Type:     res.Type.String(),
		Found:    res.Found,
		Reply:    res.Reply,
		Tunneled: res.Tunneled,
		VNI:      res.VNI,
		Queue:    res.Queue,
	}
	if res.Found {
		resp.Session = uint64(res.Session.Handle)
	}
	writeOK(w, resp)
}

// classifier returns the cached classifier of a port and zone.
func (s *Server) classifier(port uint16, zone uint32) (*conntrack.Classifier, error) {
	s.clsMu.Lock()
	defer s.clsMu.Unlock()
	key := classifierKey{port, zone}
	if c, ok := s.classifiers[key]; ok {
		return c, nil
	}
	ph, err := s.engine.PortByID(port)
	if err != nil {
		return nil, err
	}
	c, err := conntrack.NewClassifier(s.engine.CT(), ph, zone)
	if err != nil {
		return nil, err
	}
	s.classifiers[key] = c
	return c, nil
}

func eventEntryFromRecord(rec logging.EventRecord) EventEntry {
	return EventEntry{
		Seq:    rec.Seq,
		Time:   rec.Time.Format(time.RFC3339Nano),
		Port:   rec.Port,
		Queue:  rec.Queue,
		Entry:  rec.Entry,
		Pipe:   rec.Pipe,
		Op:     rec.Op,
		Status: rec.Status,
		Error:  rec.Err,
	}
}

func eventFilterFromQuery(r *http.Request) logging.EventFilter {
	q := r.URL.Query()
	return logging.EventFilter{
		Pipe:   q.Get("pipe"),
		Op:     q.Get("op"),
		Status: q.Get("status"),
	}
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.eventBuf == nil {
		writeOK(w, []EventEntry{})
		return
	}
	limit := queryInt(r, "limit", 50)
	if limit > 10000 {
		limit = 10000
	}
	filter := eventFilterFromQuery(r)

	var events []logging.EventRecord
	if filter.IsEmpty() {
		events = s.eventBuf.Latest(limit)
	} else {
		events = s.eventBuf.LatestFiltered(limit, filter)
	}
	result := make([]EventEntry, len(events))
	for i, ev := range events {
		result[i] = eventEntryFromRecord(ev)
	}
	writeOK(w, result)
}

func (s *Server) configExportHandler(w http.ResponseWriter, r *http.Request) {
	if s.configTree == nil {
		writeError(w, http.StatusServiceUnavailable, "no configuration loaded")
		return
	}
	tree := s.configTree()
	if tree == nil {
		writeError(w, http.StatusServiceUnavailable, "no configuration loaded")
		return
	}
	switch format := r.URL.Query().Get("format"); format {
	case "", "set":
		writeOK(w, TextResponse{Output: tree.FormatSet()})
	case "text":
		writeOK(w, TextResponse{Output: tree.Format()})
	default:
		writeError(w, http.StatusBadRequest, "unsupported format: "+format)
	}
}

// --- helpers ---

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func queryUint16(r *http.Request, key string, def uint16) uint16 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return def
	}
	return uint16(n)
}

func protoName(p uint8) string {
	switch p {
	case 1:
		return "ICMP"
	case 6:
		return "TCP"
	case 17:
		return "UDP"
	case 58:
		return "ICMPv6"
	case 132:
		return "SCTP"
	default:
		return strconv.Itoa(int(p))
	}
}
