package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/flowpipe/pkg/cmdtree"
	"github.com/psaab/flowpipe/pkg/config"
)

func (c *ctl) dispatchOperational(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	switch parts[0] {
	case "configure":
		return c.enterConfig()
	case "show":
		return c.handleShow(parts[1:])
	case "monitor":
		if len(parts) < 2 || parts[1] != "events" {
			return fmt.Errorf("usage: monitor events [pipe NAME] [op OP] [status STATUS]")
		}
		return c.monitorEvents(parts[2:])
	case "clear":
		return c.handleClear(parts[1:])
	case "?", "help":
		cmdtree.WriteHelp(c.out, cmdtree.HelpCandidates(cmdtree.OperationalTree))
		return nil
	case "quit", "exit":
		return errExit
	}
	return fmt.Errorf("unknown command: %s", parts[0])
}

func (c *ctl) handleShow(args []string) error {
	if len(args) == 0 {
		cmdtree.WriteHelp(c.out, cmdtree.HelpCandidates(cmdtree.OperationalTree["show"].Children))
		return nil
	}
	switch args[0] {
	case "status":
		return c.showStatus()
	case "ports":
		return c.showPorts()
	case "pipes":
		return c.showPipes(args[1:])
	case "entries":
		return c.showEntries(args[1:])
	case "dump":
		return c.showDump(args[1:])
	case "resources":
		return c.showResources()
	case "sessions":
		return c.showSessions(args[1:])
	case "events":
		return c.showEvents(args[1:])
	case "configuration":
		return c.showConfiguration(len(args) > 1 && args[1] == "set")
	}
	return fmt.Errorf("unknown show command: %s", args[0])
}

func (c *ctl) call(method string, args map[string]any) (map[string]any, error) {
	resp, err := c.client.Call(c.ctx(), method, args)
	if err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}

func str(m map[string]any, k string) string {
	switch v := m[k].(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}

func num(m map[string]any, k string) int64 {
	f, _ := m[k].(float64)
	return int64(f)
}

func items(m map[string]any, k string) []map[string]any {
	list, _ := m[k].([]any)
	out := make([]map[string]any, 0, len(list))
	for _, it := range list {
		if mm, ok := it.(map[string]any); ok {
			out = append(out, mm)
		}
	}
	return out
}

func sub(m map[string]any, k string) map[string]any {
	mm, _ := m[k].(map[string]any)
	return mm
}

func (c *ctl) showStatus() error {
	st, err := c.call("GetStatus", nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Uptime:               %s\n", str(st, "uptime"))
	fmt.Fprintf(c.out, "Mode:                 %s\n", str(st, "mode"))
	fmt.Fprintf(c.out, "Driver:               %s\n", str(st, "driver"))
	fmt.Fprintf(c.out, "Ports:                %d\n", num(st, "ports"))
	fmt.Fprintf(c.out, "Connection tracking:  %s\n", str(st, "ct_enabled"))
	if gc := sub(st, "gc"); gc != nil {
		fmt.Fprintf(c.out, "Aging:                %d sweeps, %d aged, %d removed\n",
			num(gc, "sweeps"), num(gc, "aged"), num(gc, "removed"))
	}
	return nil
}

func (c *ctl) showPorts() error {
	resp, err := c.call("ListPorts", nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%-6s %-12s %-7s %-6s %-5s %s\n", "Port", "Device", "Queues", "Pipes", "Pair", "Features")
	for _, p := range items(resp, "ports") {
		pair := "-"
		if n := num(p, "pair"); n >= 0 {
			pair = strconv.FormatInt(n, 10)
		}
		fmt.Fprintf(c.out, "%-6d %-12s %-7d %-6d %-5s %s\n",
			num(p, "id"), str(p, "device"), num(p, "queues"), num(p, "pipes"), pair, str(p, "features"))
	}
	return nil
}

// portIDs returns the port given in args, or every started port.
func (c *ctl) portIDs(args []string) ([]int64, error) {
	if len(args) > 0 {
		id, err := strconv.ParseUint(args[0], 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", args[0])
		}
		return []int64{int64(id)}, nil
	}
	resp, err := c.call("ListPorts", nil)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, p := range items(resp, "ports") {
		ids = append(ids, num(p, "id"))
	}
	return ids, nil
}

func (c *ctl) showPipes(args []string) error {
	ids, err := c.portIDs(args)
	if err != nil {
		return err
	}
	for _, id := range ids {
		resp, err := c.call("ListPipes", map[string]any{"port": id})
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Port %d:\n", id)
		fmt.Fprintf(c.out, "  %-16s %-12s %-5s %-8s %-10s %-10s %-8s %-8s %s\n",
			"Name", "Type", "Root", "Entries", "Added", "Removed", "Failed", "Aged", "Forward/Miss")
		for _, p := range items(resp, "pipes") {
			root := ""
			if b, _ := p["root"].(bool); b {
				root = "yes"
			}
			fmt.Fprintf(c.out, "  %-16s %-12s %-5s %-8d %-10d %-10d %-8d %-8d %s/%s\n",
				str(p, "name"), str(p, "type"), root, num(p, "entries"), num(p, "added"),
				num(p, "removed"), num(p, "failed"), num(p, "aged"), str(p, "forward"), str(p, "miss"))
		}
	}
	return nil
}

// pipeArgs resolves "NAME [port N]" to the request arguments of a pipe.
// Without an explicit port the configuration file supplies it.
func (c *ctl) pipeArgs(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("pipe name required")
	}
	req := map[string]any{"pipe": args[0]}
	if len(args) >= 3 && args[1] == "port" {
		id, err := strconv.ParseUint(args[2], 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid port %q", args[2])
		}
		req["port"] = int(id)
		return req, nil
	}
	if c.cfg != nil {
		if p := c.cfg.FindPipe(args[0]); p != nil {
			req["port"] = int(p.Port)
			return req, nil
		}
	}
	return nil, fmt.Errorf("port of pipe %q unknown; use '%s port N'", args[0], args[0])
}

func (c *ctl) showEntries(args []string) error {
	req, err := c.pipeArgs(args)
	if err != nil {
		return err
	}
	resp, err := c.call("ListEntries", req)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%-20s %-6s %-11s %-5s %-12s %s\n", "Handle", "Queue", "Status", "Aged", "Packets", "Bytes")
	for _, e := range items(resp, "entries") {
		aged := ""
		if b, _ := e["aged"].(bool); b {
			aged = "yes"
		}
		pkts, bytes := "-", "-"
		if cnt := sub(e, "counter"); cnt != nil {
			pkts, bytes = str(cnt, "packets"), str(cnt, "bytes")
		}
		fmt.Fprintf(c.out, "%-20s %-6d %-11s %-5s %-12s %s\n",
			str(e, "handle"), num(e, "queue"), str(e, "status"), aged, pkts, bytes)
	}
	return nil
}

func (c *ctl) showDump(args []string) error {
	req, err := c.pipeArgs(args)
	if err != nil {
		return err
	}
	resp, err := c.call("DumpPipe", req)
	if err != nil {
		return err
	}
	fmt.Fprint(c.out, str(resp, "output"))
	return nil
}

func (c *ctl) showResources() error {
	resp, err := c.call("ListResources", nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%-8s %-5s %-9s %-7s %-5s %s\n", "Type", "ID", "Bindings", "Global", "Refs", "Counter")
	for _, r := range items(resp, "resources") {
		counter := ""
		if cnt := sub(r, "counter"); cnt != nil {
			counter = fmt.Sprintf("%s packets, %s bytes", str(cnt, "packets"), str(cnt, "bytes"))
		}
		fmt.Fprintf(c.out, "%-8s %-5d %-9d %-7s %-5d %s\n",
			str(r, "type"), num(r, "id"), num(r, "bindings"), str(r, "global"), num(r, "refs"), counter)
	}
	return nil
}

func (c *ctl) showSessions(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: show sessions PORT [tcp|udp]")
	}
	id, err := strconv.ParseUint(args[0], 0, 16)
	if err != nil {
		return fmt.Errorf("invalid port %q", args[0])
	}
	req := map[string]any{"port": int(id)}
	if len(args) > 1 {
		req["protocol"] = args[1]
	}
	resp, err := c.call("ListSessions", req)
	if err != nil {
		return err
	}
	sessions := items(resp, "sessions")
	for _, s := range sessions {
		aged := ""
		if b, _ := s["aged"].(bool); b {
			aged = " aged"
		}
		fmt.Fprintf(c.out, "Session %s %s %s%s\n", str(s, "handle"), str(s, "protocol"), str(s, "status"), aged)
		fmt.Fprintf(c.out, "  In:  %s meta %d\n", str(s, "origin"), num(s, "meta_origin"))
		fmt.Fprintf(c.out, "  Out: %s meta %d\n", str(s, "reply"), num(s, "meta_reply"))
	}
	fmt.Fprintf(c.out, "Total sessions: %d\n", len(sessions))
	return nil
}

// eventArgs parses "[N] [pipe NAME] [op OP] [status STATUS]".
func eventArgs(args []string) (map[string]any, error) {
	req := make(map[string]any)
	for i := 0; i < len(args); i++ {
		switch k := args[i]; k {
		case "pipe", "op", "status":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", k)
			}
			req[k] = args[i+1]
			i++
		default:
			n, err := strconv.Atoi(k)
			if err != nil || n <= 0 {
				return nil, fmt.Errorf("unexpected %q", k)
			}
			req["limit"] = n
		}
	}
	return req, nil
}

func (c *ctl) printEvent(e map[string]any) {
	line := fmt.Sprintf("%s port %d queue %d %-4s %-7s entry %s",
		str(e, "time"), num(e, "port"), num(e, "queue"), str(e, "op"), str(e, "status"), str(e, "entry"))
	if p := str(e, "pipe"); p != "" {
		line += " pipe " + p
	}
	if msg := str(e, "error"); msg != "" {
		line += ": " + msg
	}
	fmt.Fprintln(c.out, line)
}

func (c *ctl) showEvents(args []string) error {
	req, err := eventArgs(args)
	if err != nil {
		return err
	}
	resp, err := c.call("GetEvents", req)
	if err != nil {
		return err
	}
	events := items(resp, "events")
	// Oldest first, like a log.
	for i := len(events) - 1; i >= 0; i-- {
		c.printEvent(events[i])
	}
	return nil
}

func (c *ctl) monitorEvents(args []string) error {
	req, err := eventArgs(args)
	if err != nil {
		return err
	}
	delete(req, "limit")
	ctx := c.ctx()
	fmt.Fprintln(c.out, "Monitoring entry completions (Ctrl-C to stop)")
	err = c.client.StreamEvents(ctx, req, func(ev *structpb.Struct) bool {
		c.printEvent(ev.AsMap())
		return true
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *ctl) handleClear(args []string) error {
	if len(args) < 2 || args[0] != "entry" {
		return fmt.Errorf("usage: clear entry HANDLE [queue Q]")
	}
	req := map[string]any{"handle": args[1]}
	if len(args) >= 4 && args[2] == "queue" {
		q, err := strconv.ParseUint(args[3], 0, 16)
		if err != nil {
			return fmt.Errorf("invalid queue %q", args[3])
		}
		req["queue"] = int(q)
	}
	resp, err := c.call("RemoveEntry", req)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Removal of entry %s queued on queue %d\n", str(resp, "handle"), num(resp, "queue"))
	return nil
}

func (c *ctl) showConfiguration(set bool) error {
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}
	if !set {
		fmt.Fprint(c.out, string(data))
		return nil
	}
	tree, err := config.Parse(string(data))
	if err != nil {
		return err
	}
	fmt.Fprint(c.out, tree.FormatSet())
	return nil
}
