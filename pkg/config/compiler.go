package config

import (
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// LoadConfig parses and compiles configuration text.
func LoadConfig(text string) (*Config, error) {
	tree, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return CompileConfig(tree)
}

// CompileConfig converts a parsed ConfigTree into a typed Config.
func CompileConfig(tree *ConfigTree) (*Config, error) {
	cfg := &Config{
		System: SystemConfig{
			ModeArgs:        DefaultModeArgs,
			Queues:          DefaultQueues,
			QueueDepth:      DefaultQueueDepth,
			DataplaneType:   "sw",
			EventBufferSize: DefaultEventBufferSize,
		},
		Resources: ResourcesConfig{Shared: make(map[string]uint32)},
	}

	for _, node := range tree.Children {
		switch node.Name() {
		case "system":
			if err := compileSystem(node, &cfg.System); err != nil {
				return nil, fmt.Errorf("system: %w", err)
			}
		case "resources":
			if err := compileResources(node, &cfg.Resources); err != nil {
				return nil, fmt.Errorf("resources: %w", err)
			}
		case "ports":
			if err := compilePorts(node, cfg); err != nil {
				return nil, fmt.Errorf("ports: %w", err)
			}
		case "shared-resources":
			if err := compileSharedResources(node, cfg); err != nil {
				return nil, fmt.Errorf("shared-resources: %w", err)
			}
		case "pipes":
			if err := compilePipes(node, cfg); err != nil {
				return nil, fmt.Errorf("pipes: %w", err)
			}
		case "connection-tracking":
			ct, err := compileCT(node)
			if err != nil {
				return nil, fmt.Errorf("connection-tracking: %w", err)
			}
			cfg.CT = ct
		case "api":
			if err := compileAPI(node, &cfg.API); err != nil {
				return nil, fmt.Errorf("api: %w", err)
			}
		default:
			return nil, fmt.Errorf("line %d: unknown statement %q", node.Line, node.Name())
		}
	}

	cfg.Warnings = append(cfg.Warnings, ValidateConfig(cfg)...)
	return cfg, nil
}

// ValidateConfig checks cross references in a compiled config and
// returns warnings for references that do not resolve.
func ValidateConfig(cfg *Config) []string {
	var warnings []string

	ports := make(map[uint16]bool)
	for _, p := range cfg.Ports {
		ports[p.ID] = true
	}
	for _, p := range cfg.Ports {
		if p.Pair >= 0 && !ports[uint16(p.Pair)] {
			warnings = append(warnings, fmt.Sprintf("port %d: pair port %d not defined", p.ID, p.Pair))
		}
	}

	shared := make(map[string]map[uint32]bool)
	for _, r := range cfg.SharedResources {
		if shared[r.Type] == nil {
			shared[r.Type] = make(map[uint32]bool)
		}
		shared[r.Type][r.ID] = true
		if quota := cfg.Resources.Shared[r.Type]; r.ID > quota {
			warnings = append(warnings, fmt.Sprintf(
				"shared %s %d: id exceeds the configured quota %d", r.Type, r.ID, quota))
		}
		for _, port := range r.BindPorts {
			if !ports[port] {
				warnings = append(warnings, fmt.Sprintf("shared %s %d: port %d not defined", r.Type, r.ID, port))
			}
		}
		for _, t := range r.Targets {
			warnings = append(warnings, checkForward(cfg, ports, fmt.Sprintf("shared mirror %d", r.ID), t)...)
		}
	}
	checkShared := func(what, typ string, id uint32) {
		if id != 0 && !shared[typ][id] {
			warnings = append(warnings, fmt.Sprintf("%s: shared %s %d not defined", what, typ, id))
		}
	}

	hasCTPipe := false
	for _, p := range cfg.Pipes {
		what := fmt.Sprintf("pipe %q", p.Name)
		if !ports[p.Port] {
			warnings = append(warnings, fmt.Sprintf("%s: port %d not defined", what, p.Port))
		}
		if p.Type == "ct" {
			hasCTPipe = true
			if cfg.CT == nil {
				warnings = append(warnings, fmt.Sprintf("%s: ct pipe without connection-tracking", what))
			}
		}
		checkShared(what, "counter", p.CounterID)
		checkShared(what, "meter", p.MeterID)
		checkShared(what, "mirror", p.MirrorID)
		warnings = append(warnings, checkForward(cfg, ports, what, p.Forward)...)
		warnings = append(warnings, checkForward(cfg, ports, what+" miss", p.Miss)...)
		for _, e := range p.Entries {
			ewhat := fmt.Sprintf("%s entry %q", what, e.Name)
			checkShared(ewhat, "counter", e.CounterID)
			checkShared(ewhat, "meter", e.MeterID)
			warnings = append(warnings, checkForward(cfg, ports, ewhat, e.Forward)...)
			for _, v := range e.Values {
				if !slices.Contains(p.Match, v.Field) {
					warnings = append(warnings, fmt.Sprintf("%s: field %s is not in the pipe match", ewhat, v.Field))
				}
			}
		}
	}
	if cfg.CT != nil && !hasCTPipe {
		warnings = append(warnings, "connection-tracking: no pipe of type ct")
	}
	return warnings
}

func checkForward(cfg *Config, ports map[uint16]bool, what string, fwd *ForwardConfig) []string {
	if fwd == nil {
		return nil
	}
	switch fwd.Kind {
	case "port":
		if !ports[fwd.Port] {
			return []string{fmt.Sprintf("%s: forward port %d not defined", what, fwd.Port)}
		}
	case "pipe":
		if cfg.FindPipe(fwd.Pipe) == nil {
			return []string{fmt.Sprintf("%s: forward pipe %q not defined", what, fwd.Pipe)}
		}
	}
	return nil
}

func nodeVal(n *Node) string {
	return n.Arg(0)
}

func parseUint(n *Node, bits int) (uint64, error) {
	s := nodeVal(n)
	if s == "" {
		return 0, fmt.Errorf("line %d: %s: missing value", n.Line, n.Name())
	}
	v, err := strconv.ParseUint(s, 0, bits)
	if err != nil {
		return 0, fmt.Errorf("line %d: %s: invalid value %q", n.Line, n.Name(), s)
	}
	return v, nil
}

func parseU16List(n *Node, args []string) ([]uint16, error) {
	out := make([]uint16, 0, len(args))
	for _, a := range args {
		v, err := strconv.ParseUint(a, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: invalid value %q", n.Line, n.Name(), a)
		}
		out = append(out, uint16(v))
	}
	return out, nil
}

func compileSystem(node *Node, sys *SystemConfig) error {
	for _, child := range node.Children {
		switch child.Name() {
		case "mode-args":
			sys.ModeArgs = nodeVal(child)
		case "queues":
			v, err := parseUint(child, 16)
			if err != nil {
				return err
			}
			if v == 0 {
				return fmt.Errorf("line %d: queues must be at least 1", child.Line)
			}
			sys.Queues = uint16(v)
		case "queue-depth":
			v, err := parseUint(child, 32)
			if err != nil {
				return err
			}
			sys.QueueDepth = uint32(v)
		case "dataplane-type":
			switch t := nodeVal(child); t {
			case "sw", "ebpf":
				sys.DataplaneType = t
			default:
				return fmt.Errorf("line %d: unknown dataplane-type %q", child.Line, t)
			}
		case "acl-collisions":
			v, err := parseUint(child, 8)
			if err != nil {
				return err
			}
			sys.ACLCollisions = uint8(v)
		case "pipe-miss-monitor":
			sys.PipeMissMonitor = true
		case "rss-key":
			key, err := hex.DecodeString(strings.ReplaceAll(nodeVal(child), ":", ""))
			if err != nil {
				return fmt.Errorf("line %d: rss-key: %w", child.Line, err)
			}
			sys.RSSKey = key
		case "event-buffer":
			v, err := parseUint(child, 31)
			if err != nil {
				return err
			}
			sys.EventBufferSize = int(v)
		case "syslog":
			for _, host := range child.FindChildren("host") {
				sl := &SyslogConfig{Host: host.Arg(0), Facility: "daemon", Severity: "info"}
				for _, prop := range host.Children {
					switch prop.Name() {
					case "facility":
						sl.Facility = nodeVal(prop)
					case "severity":
						sl.Severity = nodeVal(prop)
					}
				}
				if sl.Host == "" {
					return fmt.Errorf("line %d: syslog host without address", host.Line)
				}
				sys.Syslog = append(sys.Syslog, sl)
			}
		default:
			return fmt.Errorf("line %d: unknown statement %q", child.Line, child.Name())
		}
	}
	return nil
}

var sharedTypes = []string{"meter", "counter", "rss", "crypto", "mirror"}

func compileResources(node *Node, res *ResourcesConfig) error {
	for _, child := range node.Children {
		switch child.Name() {
		case "counters":
			v, err := parseUint(child, 32)
			if err != nil {
				return err
			}
			res.Counters = uint32(v)
		case "meters":
			v, err := parseUint(child, 32)
			if err != nil {
				return err
			}
			res.Meters = uint32(v)
		case "shared":
			for _, s := range child.Children {
				if !slices.Contains(sharedTypes, s.Name()) {
					return fmt.Errorf("line %d: unknown shared resource type %q", s.Line, s.Name())
				}
				v, err := parseUint(s, 32)
				if err != nil {
					return err
				}
				res.Shared[s.Name()] = uint32(v)
			}
		default:
			return fmt.Errorf("line %d: unknown statement %q", child.Line, child.Name())
		}
	}
	return nil
}

func compilePorts(node *Node, cfg *Config) error {
	for _, pn := range node.FindChildren("port") {
		id, err := parseUint(pn, 16)
		if err != nil {
			return err
		}
		if cfg.FindPort(uint16(id)) != nil {
			return fmt.Errorf("line %d: port %d defined twice", pn.Line, id)
		}
		port := &PortConfig{ID: uint16(id), Pair: -1}
		for _, prop := range pn.Children {
			switch prop.Name() {
			case "interface":
				port.Interface = nodeVal(prop)
			case "devargs":
				port.Devargs = nodeVal(prop)
			case "priv-data-size":
				v, err := parseUint(prop, 16)
				if err != nil {
					return err
				}
				port.PrivDataSize = uint16(v)
			case "pair":
				v, err := parseUint(prop, 16)
				if err != nil {
					return err
				}
				port.Pair = int(v)
			default:
				return fmt.Errorf("line %d: unknown port statement %q", prop.Line, prop.Name())
			}
		}
		cfg.Ports = append(cfg.Ports, port)
	}
	return nil
}

func compileSharedResources(node *Node, cfg *Config) error {
	for _, rn := range node.Children {
		switch rn.Name() {
		case "counter", "meter", "rss", "mirror":
		default:
			return fmt.Errorf("line %d: unknown shared resource type %q", rn.Line, rn.Name())
		}
		id, err := parseUint(rn, 32)
		if err != nil {
			return err
		}
		if id == 0 {
			return fmt.Errorf("line %d: shared %s id must be at least 1", rn.Line, rn.Name())
		}
		r := &SharedResourceConfig{Type: rn.Name(), ID: uint32(id)}
		if err := compileSharedResource(rn, r); err != nil {
			return fmt.Errorf("%s %d: %w", r.Type, r.ID, err)
		}
		cfg.SharedResources = append(cfg.SharedResources, r)
	}
	return nil
}

func compileSharedResource(node *Node, r *SharedResourceConfig) error {
	for _, prop := range node.Children {
		var err error
		switch prop.Name() {
		case "port":
			var ports []uint16
			ports, err = parseU16List(prop, prop.Args())
			r.BindPorts = append(r.BindPorts, ports...)
		case "cir":
			r.CIR, err = parseUint(prop, 64)
		case "cbs":
			r.CBS, err = parseUint(prop, 64)
		case "eir":
			r.EIR, err = parseUint(prop, 64)
		case "ebs":
			r.EBS, err = parseUint(prop, 64)
		case "algorithm":
			r.Algorithm = nodeVal(prop)
		case "limit-type":
			r.LimitType = nodeVal(prop)
		case "queues":
			r.Queues, err = parseU16List(prop, prop.Args())
		case "hash":
			r.Hash = append(r.Hash, prop.Args()...)
		case "target":
			var fwd *ForwardConfig
			fwd, err = compileForward(prop)
			r.Targets = append(r.Targets, fwd)
		default:
			return fmt.Errorf("line %d: unknown statement %q", prop.Line, prop.Name())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// compileForward parses "forward port 1", "forward pipe NAME",
// "forward rss 0 1 2", "forward shared-rss 1", "forward drop" and
// "forward none".
func compileForward(n *Node) (*ForwardConfig, error) {
	fwd := &ForwardConfig{Kind: n.Arg(0)}
	switch fwd.Kind {
	case "drop", "none":
	case "port":
		v, err := strconv.ParseUint(n.Arg(1), 0, 16)
		if err != nil {
			return nil, fmt.Errorf("line %d: %s port: invalid port %q", n.Line, n.Name(), n.Arg(1))
		}
		fwd.Port = uint16(v)
	case "pipe":
		if fwd.Pipe = n.Arg(1); fwd.Pipe == "" {
			return nil, fmt.Errorf("line %d: %s pipe: missing pipe name", n.Line, n.Name())
		}
	case "rss":
		qs, err := parseU16List(n, n.Args()[1:])
		if err != nil {
			return nil, err
		}
		fwd.Queues = qs
	case "shared-rss":
		v, err := strconv.ParseUint(n.Arg(1), 0, 32)
		if err != nil {
			return nil, fmt.Errorf("line %d: %s shared-rss: invalid id %q", n.Line, n.Name(), n.Arg(1))
		}
		fwd.RSSID = uint32(v)
	default:
		return nil, fmt.Errorf("line %d: %s: unknown target %q", n.Line, n.Name(), fwd.Kind)
	}
	return fwd, nil
}

var pipeTypes = []string{"basic", "control", "lpm", "ct", "acl", "ordered-list", "hash"}

func compilePipes(node *Node, cfg *Config) error {
	for _, pn := range node.FindChildren("pipe") {
		name := pn.Arg(0)
		if name == "" {
			return fmt.Errorf("line %d: pipe without a name", pn.Line)
		}
		if cfg.FindPipe(name) != nil {
			return fmt.Errorf("line %d: pipe %q defined twice", pn.Line, name)
		}
		p := &PipeConfig{Name: name, Type: "basic", Domain: "default"}
		if err := compilePipe(pn, p); err != nil {
			return fmt.Errorf("pipe %q: %w", name, err)
		}
		cfg.Pipes = append(cfg.Pipes, p)
	}
	return nil
}

func compilePipe(node *Node, p *PipeConfig) error {
	for _, prop := range node.Children {
		var err error
		switch prop.Name() {
		case "port":
			var v uint64
			v, err = parseUint(prop, 16)
			p.Port = uint16(v)
		case "type":
			p.Type = nodeVal(prop)
			if !slices.Contains(pipeTypes, p.Type) {
				return fmt.Errorf("line %d: unknown pipe type %q", prop.Line, p.Type)
			}
		case "domain":
			p.Domain = nodeVal(prop)
		case "root":
			p.Root = true
		case "nb-flows":
			var v uint64
			v, err = parseUint(prop, 32)
			p.NbFlows = uint32(v)
		case "match":
			p.Match = append(p.Match, prop.Args()...)
		case "match-value":
			var fv FieldValue
			fv, err = fieldValue(prop)
			p.MatchValues = append(p.MatchValues, fv)
		case "monitor":
			p.Monitor = append(p.Monitor, prop.Args()...)
		case "aging":
			var v uint64
			v, err = parseUint(prop, 32)
			p.AgingSec = uint32(v)
		case "counter":
			var v uint64
			v, err = parseUint(prop, 32)
			p.CounterID = uint32(v)
		case "meter":
			var v uint64
			v, err = parseUint(prop, 32)
			p.MeterID = uint32(v)
		case "mirror":
			var v uint64
			v, err = parseUint(prop, 32)
			p.MirrorID = uint32(v)
		case "forward":
			p.Forward, err = compileForward(prop)
		case "miss":
			p.Miss, err = compileForward(prop)
		case "entry":
			var e *EntryConfig
			e, err = compileEntry(prop)
			p.Entries = append(p.Entries, e)
		default:
			return fmt.Errorf("line %d: unknown statement %q", prop.Line, prop.Name())
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func fieldValue(n *Node) (FieldValue, error) {
	if len(n.Keys) != 3 {
		return FieldValue{}, fmt.Errorf("line %d: %s: expected <field> <value>", n.Line, n.Name())
	}
	return FieldValue{Field: n.Keys[1], Value: n.Keys[2]}, nil
}

func compileEntry(node *Node) (*EntryConfig, error) {
	e := &EntryConfig{Name: node.Arg(0)}
	if e.Name == "" {
		return nil, fmt.Errorf("line %d: entry without a name", node.Line)
	}
	for _, prop := range node.Children {
		var err error
		switch prop.Name() {
		case "match-value":
			var fv FieldValue
			fv, err = fieldValue(prop)
			e.Values = append(e.Values, fv)
		case "forward":
			e.Forward, err = compileForward(prop)
		case "aging":
			var v uint64
			v, err = parseUint(prop, 32)
			e.AgingSec = uint32(v)
		case "counter":
			var v uint64
			v, err = parseUint(prop, 32)
			e.CounterID = uint32(v)
		case "meter":
			var v uint64
			v, err = parseUint(prop, 32)
			e.MeterID = uint32(v)
		default:
			return nil, fmt.Errorf("line %d: unknown entry statement %q", prop.Line, prop.Name())
		}
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", e.Name, err)
		}
	}
	return e, nil
}

func compileCT(node *Node) (*CTConfig, error) {
	ct := &CTConfig{
		Sessions:      make(map[string]uint32),
		AgingInterval: DefaultAgingInterval,
		AgingCore:     -1,
		AutoRemove:    true,
		Tunnel:        "none",
	}
	for _, prop := range node.Children {
		var (
			v   uint64
			err error
		)
		switch prop.Name() {
		case "queues":
			v, err = parseUint(prop, 16)
			ct.Queues = uint16(v)
		case "sessions":
			kind := prop.Arg(0)
			if kind != "ipv4" && kind != "ipv6" && kind != "both" {
				return nil, fmt.Errorf("line %d: sessions: unknown type %q", prop.Line, kind)
			}
			v, err = strconv.ParseUint(prop.Arg(1), 0, 32)
			if err != nil {
				return nil, fmt.Errorf("line %d: sessions %s: invalid count %q", prop.Line, kind, prop.Arg(1))
			}
			ct.Sessions[kind] = uint32(v)
		case "zone-bits":
			v, err = parseUint(prop, 32)
			ct.ZoneBits = uint32(v)
		case "action-bits":
			v, err = parseUint(prop, 32)
			ct.ActionBits = uint32(v)
		case "user-bits":
			v, err = parseUint(prop, 32)
			ct.UserBits = uint32(v)
		case "tcp-timeout":
			v, err = parseUint(prop, 16)
			ct.TCPTimeout = uint16(v)
		case "tcp-session-del":
			v, err = parseUint(prop, 16)
			ct.TCPSessionDel = uint16(v)
		case "udp-timeout":
			v, err = parseUint(prop, 16)
			ct.UDPTimeout = uint16(v)
		case "aging-interval":
			v, err = parseUint(prop, 32)
			ct.AgingInterval = time.Duration(v) * time.Second
		case "aging-core":
			v, err = parseUint(prop, 16)
			ct.AgingCore = int(v)
		case "no-auto-remove":
			ct.AutoRemove = false
		case "asymmetric":
			ct.Asymmetric = true
		case "asymmetric-counter":
			ct.AsymmetricCounter = true
		case "software-parsing":
			ct.SwParsing = true
		case "no-aging":
			ct.NoAging = true
		case "stats":
			ct.Stats = true
		case "symmetric-hash":
			ct.SymmetricHash = true
		case "tunnel":
			ct.Tunnel = nodeVal(prop)
			if ct.Tunnel != "none" && ct.Tunnel != "vxlan" {
				return nil, fmt.Errorf("line %d: unknown tunnel %q", prop.Line, ct.Tunnel)
			}
		case "vxlan-port":
			v, err = parseUint(prop, 16)
			ct.VxlanPort = uint16(v)
		case "worker-stats":
			ct.WorkerStats = true
		case "managed":
			ct.Managed = true
		case "direction":
			err = compileCTDirection(prop, ct)
		default:
			return nil, fmt.Errorf("line %d: unknown statement %q", prop.Line, prop.Name())
		}
		if err != nil {
			return nil, err
		}
	}
	if len(ct.Sessions) == 0 {
		return nil, fmt.Errorf("no sessions configured")
	}
	if ct.Managed && (ct.Tunnel != "none" || ct.SymmetricHash) {
		return nil, fmt.Errorf("managed mode excludes tunnel and symmetric-hash")
	}
	if !ct.Managed && ct.Direction != ([2]CTDirection{}) {
		return nil, fmt.Errorf("direction needs managed mode")
	}
	if ct.AsymmetricCounter && !ct.Stats {
		return nil, fmt.Errorf("asymmetric-counter needs stats")
	}
	return ct, nil
}

// compileCTDirection parses "direction origin|reply { ... }".
func compileCTDirection(node *Node, ct *CTConfig) error {
	var d *CTDirection
	switch node.Arg(0) {
	case "origin":
		d = &ct.Direction[0]
	case "reply":
		d = &ct.Direction[1]
	default:
		return fmt.Errorf("line %d: direction: unknown direction %q", node.Line, node.Arg(0))
	}
	for _, prop := range node.Children {
		switch prop.Name() {
		case "match-inner":
			d.MatchInner = true
		case "zone-match-mask":
			v, err := parseUint(prop, 32)
			if err != nil {
				return err
			}
			d.ZoneMatchMask = uint32(v)
		case "meta-modify-mask":
			v, err := parseUint(prop, 32)
			if err != nil {
				return err
			}
			d.MetaModifyMask = uint32(v)
		default:
			return fmt.Errorf("line %d: unknown statement %q", prop.Line, prop.Name())
		}
	}
	return nil
}

func compileAPI(node *Node, api *APIConfig) error {
	for _, prop := range node.Children {
		switch prop.Name() {
		case "http":
			api.HTTP = nodeVal(prop)
		case "grpc":
			api.GRPC = nodeVal(prop)
		case "api-key":
			api.APIKey = nodeVal(prop)
		case "https":
			api.HTTPS = nodeVal(prop)
		case "cert-dir":
			api.CertDir = nodeVal(prop)
		case "user":
			name, pass := prop.Arg(0), prop.Arg(1)
			if name == "" || pass == "" {
				return fmt.Errorf("line %d: user: expected <name> <password>", prop.Line)
			}
			if api.Users == nil {
				api.Users = make(map[string]string)
			}
			api.Users[name] = pass
		}
	}
	return nil
}
