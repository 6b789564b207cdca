package flow

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// field is one named, fixed-width member of a Match. Values are read and
// written as big-endian bytes so masks, keys and dumps treat every field
// the same way.
type field struct {
	name string
	size int
	get  func(m *Match) []byte
	set  func(m *Match, b []byte)
}

func u8Field(name string, p func(*Match) *uint8) field {
	return field{
		name: name,
		size: 1,
		get:  func(m *Match) []byte { return []byte{*p(m)} },
		set:  func(m *Match, b []byte) { *p(m) = b[0] },
	}
}

func u16Field(name string, p func(*Match) *uint16) field {
	return field{
		name: name,
		size: 2,
		get:  func(m *Match) []byte { return binary.BigEndian.AppendUint16(nil, *p(m)) },
		set:  func(m *Match, b []byte) { *p(m) = binary.BigEndian.Uint16(b) },
	}
}

func u32Field(name string, p func(*Match) *uint32) field {
	return field{
		name: name,
		size: 4,
		get:  func(m *Match) []byte { return binary.BigEndian.AppendUint32(nil, *p(m)) },
		set:  func(m *Match, b []byte) { *p(m) = binary.BigEndian.Uint32(b) },
	}
}

func bytesField(name string, size int, p func(*Match) []byte) field {
	return field{
		name: name,
		size: size,
		get:  func(m *Match) []byte { return append([]byte(nil), p(m)...) },
		set:  func(m *Match, b []byte) { copy(p(m), b) },
	}
}

func headerFields(prefix string, h func(*Match) *Header) []field {
	return []field{
		bytesField(prefix+".eth.dst", 6, func(m *Match) []byte { return h(m).Eth.Dst[:] }),
		bytesField(prefix+".eth.src", 6, func(m *Match) []byte { return h(m).Eth.Src[:] }),
		u16Field(prefix+".eth.type", func(m *Match) *uint16 { return &h(m).Eth.Type }),
		u8Field(prefix+".vlans", func(m *Match) *uint8 { return &h(m).VLANs }),
		u16Field(prefix+".vlan0.tci", func(m *Match) *uint16 { return &h(m).VLAN[0].TCI }),
		u16Field(prefix+".vlan1.tci", func(m *Match) *uint16 { return &h(m).VLAN[1].TCI }),
		u8Field(prefix+".l3_type", func(m *Match) *uint8 { return (*uint8)(&h(m).L3Type) }),
		bytesField(prefix+".ip4.src", 4, func(m *Match) []byte { return h(m).IP4.Src[:] }),
		bytesField(prefix+".ip4.dst", 4, func(m *Match) []byte { return h(m).IP4.Dst[:] }),
		u8Field(prefix+".ip4.dscp_ecn", func(m *Match) *uint8 { return &h(m).IP4.DSCPECN }),
		u8Field(prefix+".ip4.next_proto", func(m *Match) *uint8 { return &h(m).IP4.NextProto }),
		u8Field(prefix+".ip4.ttl", func(m *Match) *uint8 { return &h(m).IP4.TTL }),
		bytesField(prefix+".ip6.src", 16, func(m *Match) []byte { return h(m).IP6.Src[:] }),
		bytesField(prefix+".ip6.dst", 16, func(m *Match) []byte { return h(m).IP6.Dst[:] }),
		u8Field(prefix+".ip6.traffic_class", func(m *Match) *uint8 { return &h(m).IP6.TrafficClass }),
		u8Field(prefix+".ip6.next_proto", func(m *Match) *uint8 { return &h(m).IP6.NextProto }),
		u8Field(prefix+".ip6.hop_limit", func(m *Match) *uint8 { return &h(m).IP6.HopLimit }),
		u8Field(prefix+".l4_type", func(m *Match) *uint8 { return (*uint8)(&h(m).L4Type) }),
		u16Field(prefix+".l4.src_port", func(m *Match) *uint16 { return &h(m).L4.SrcPort }),
		u16Field(prefix+".l4.dst_port", func(m *Match) *uint16 { return &h(m).L4.DstPort }),
		u8Field(prefix+".tcp.flags", func(m *Match) *uint8 { return &h(m).L4.TCPFlags }),
		u8Field(prefix+".icmp.type", func(m *Match) *uint8 { return &h(m).L4.ICMPType }),
		u8Field(prefix+".icmp.code", func(m *Match) *uint8 { return &h(m).L4.ICMPCode }),
	}
}

var fields = buildFields()

var fieldIndex = func() map[string]int {
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		idx[f.name] = i
	}
	return idx
}()

func buildFields() []field {
	fs := []field{
		u32Field("flags", func(m *Match) *uint32 { return &m.Flags }),
		u32Field("meta.pkt_meta", func(m *Match) *uint32 { return &m.Meta.PktMeta }),
		u32Field("meta.u32.0", func(m *Match) *uint32 { return &m.Meta.U32[0] }),
		u32Field("meta.u32.1", func(m *Match) *uint32 { return &m.Meta.U32[1] }),
		u32Field("meta.u32.2", func(m *Match) *uint32 { return &m.Meta.U32[2] }),
		u32Field("meta.u32.3", func(m *Match) *uint32 { return &m.Meta.U32[3] }),
		u32Field("meta.mark", func(m *Match) *uint32 { return &m.Meta.Mark }),
		u32Field("meta.port_meta", func(m *Match) *uint32 { return &m.Meta.PortMeta }),
		u16Field("meta.random", func(m *Match) *uint16 { return &m.Meta.Random }),
		u8Field("meta.ipsec_syndrome", func(m *Match) *uint8 { return &m.Meta.IPsecSyndrome }),
		u8Field("meta.meter_color", func(m *Match) *uint8 { return (*uint8)(&m.Meta.MeterColor) }),
	}
	fs = append(fs, headerFields("outer", func(m *Match) *Header { return &m.Outer })...)
	fs = append(fs,
		u8Field("tun.type", func(m *Match) *uint8 { return (*uint8)(&m.Tun.Type) }),
		u32Field("tun.vni", func(m *Match) *uint32 { return &m.Tun.VNI }),
		u32Field("tun.gre_key", func(m *Match) *uint32 { return &m.Tun.GREKey }),
		u32Field("tun.teid", func(m *Match) *uint32 { return &m.Tun.TEID }),
		u32Field("tun.esp_spi", func(m *Match) *uint32 { return &m.Tun.ESPSPI }),
		u32Field("tun.esp_sn", func(m *Match) *uint32 { return &m.Tun.ESPSN }),
		bytesField("tun.mpls", 4, func(m *Match) []byte { return m.Tun.MPLS[:] }),
	)
	fs = append(fs, headerFields("inner", func(m *Match) *Header { return &m.Inner })...)
	if len(fs) > 128 {
		panic("flow: field registry exceeds fieldSet capacity")
	}
	return fs
}

// fieldSet is a bitset over the field registry.
type fieldSet [2]uint64

func (s *fieldSet) add(i int)         { s[i/64] |= 1 << (i % 64) }
func (s fieldSet) has(i int) bool     { return s[i/64]&(1<<(i%64)) != 0 }
func (s fieldSet) empty() bool        { return s[0] == 0 && s[1] == 0 }
func (s fieldSet) len() int           { return bits.OnesCount64(s[0]) + bits.OnesCount64(s[1]) }
func (s fieldSet) union(o fieldSet) fieldSet {
	return fieldSet{s[0] | o[0], s[1] | o[1]}
}

// subsetOf reports whether every field of s is in o.
func (s fieldSet) subsetOf(o fieldSet) bool {
	return s[0]&^o[0] == 0 && s[1]&^o[1] == 0
}

func (s fieldSet) names() []string {
	var out []string
	for i, f := range fields {
		if s.has(i) {
			out = append(out, f.name)
		}
	}
	return out
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func isOnes(b []byte) bool {
	for _, c := range b {
		if c != 0xff {
			return false
		}
	}
	return len(b) > 0
}

// usedFields returns the fields with a non-zero value in m.
func usedFields(m *Match) fieldSet {
	var s fieldSet
	if m == nil {
		return s
	}
	for i, f := range fields {
		if !isZero(f.get(m)) {
			s.add(i)
		}
	}
	return s
}

// prefixLen returns the length of a contiguous leading-ones mask, or -1.
func prefixLen(mask []byte) int {
	n := 0
	for i, c := range mask {
		if c == 0xff {
			n += 8
			continue
		}
		lead := bits.LeadingZeros8(^c)
		if c<<lead != 0 || !isZero(mask[i+1:]) {
			return -1
		}
		return n + lead
	}
	return n
}

// FieldNames lists every matchable field in registry order.
func FieldNames() []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.name
	}
	return out
}

// FieldSize returns the width in bytes of a named field, or 0.
func FieldSize(name string) int {
	if i, ok := fieldIndex[name]; ok {
		return fields[i].size
	}
	return 0
}

// GetField returns the big-endian value of a named field.
func GetField(m *Match, name string) ([]byte, error) {
	i, ok := fieldIndex[name]
	if !ok {
		return nil, errorf(ErrInvalidValue, "unknown field %q", name)
	}
	return fields[i].get(m), nil
}

// SetField writes a big-endian value into a named field.
func SetField(m *Match, name string, b []byte) error {
	i, ok := fieldIndex[name]
	if !ok {
		return errorf(ErrInvalidValue, "unknown field %q", name)
	}
	if len(b) != fields[i].size {
		return errorf(ErrInvalidValue, "field %s is %d bytes, got %d", name, fields[i].size, len(b))
	}
	fields[i].set(m, b)
	return nil
}

// SetFieldOnes marks a field as changeable per entry in a pipe template.
func SetFieldOnes(m *Match, name string) error {
	size := FieldSize(name)
	if size == 0 {
		return errorf(ErrInvalidValue, "unknown field %q", name)
	}
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xff
	}
	return SetField(m, name, b)
}

// ParseFieldValue parses the textual value of a field: addresses for IP
// fields, MACs for Ethernet addresses, "a.b.c.d/len" prefixes yielding a
// value and mask, and integers otherwise.
func ParseFieldValue(name, s string) (value, mask []byte, err error) {
	size := FieldSize(name)
	if size == 0 {
		return nil, nil, errorf(ErrInvalidValue, "unknown field %q", name)
	}
	ones := func() []byte {
		b := make([]byte, size)
		for i := range b {
			b[i] = 0xff
		}
		return b
	}
	switch {
	case strings.Contains(name, ".ip4.src") || strings.Contains(name, ".ip4.dst") ||
		strings.Contains(name, ".ip6.src") || strings.Contains(name, ".ip6.dst"):
		if strings.Contains(s, "/") {
			pfx, err := netip.ParsePrefix(s)
			if err != nil {
				return nil, nil, errorf(ErrInvalidValue, "%s: %v", name, err)
			}
			addr := pfx.Masked().Addr().AsSlice()
			if len(addr) != size {
				return nil, nil, errorf(ErrInvalidValue, "%s: address family mismatch", name)
			}
			return addr, net.CIDRMask(pfx.Bits(), size*8), nil
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, nil, errorf(ErrInvalidValue, "%s: %v", name, err)
		}
		b := addr.AsSlice()
		if len(b) != size {
			return nil, nil, errorf(ErrInvalidValue, "%s: address family mismatch", name)
		}
		return b, ones(), nil
	case strings.HasSuffix(name, ".eth.dst") || strings.HasSuffix(name, ".eth.src"):
		hw, err := net.ParseMAC(s)
		if err != nil || len(hw) != 6 {
			return nil, nil, errorf(ErrInvalidValue, "%s: bad MAC %q", name, s)
		}
		return []byte(hw), ones(), nil
	}

	v, err := strconv.ParseUint(s, 0, size*8)
	if err != nil {
		return nil, nil, errorf(ErrInvalidValue, "%s: %v", name, err)
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b[8-size:], ones(), nil
}

// FormatField renders the value of a named field for dumps.
func FormatField(name string, b []byte) string {
	switch {
	case len(b) == 4 && strings.Contains(name, ".ip4."):
		return netip.AddrFrom4([4]byte(b)).String()
	case len(b) == 16 && strings.Contains(name, ".ip6."):
		return netip.AddrFrom16([16]byte(b)).String()
	case len(b) == 6:
		return net.HardwareAddr(b).String()
	case len(b) <= 8:
		var v uint64
		for _, c := range b {
			v = v<<8 | uint64(c)
		}
		return fmt.Sprintf("%#x", v)
	}
	return fmt.Sprintf("%x", b)
}
