package flow

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// ctKeySize is the driver key of one CT direction:
// src(16) dst(16) sport(2) dport(2) proto(1) zone(4).
const ctKeySize = 41

// Tuple is one direction of a CT session. IPv4 addresses are stored as
// 4-byte addresses; both addresses must be of the same family.
type Tuple struct {
	Src     netip.Addr
	Dst     netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   uint8
	Zone    uint32
}

// Reverse swaps source and destination; the zone is kept.
func (t Tuple) Reverse() Tuple {
	return Tuple{
		Src:     t.Dst,
		Dst:     t.Src,
		SrcPort: t.DstPort,
		DstPort: t.SrcPort,
		Proto:   t.Proto,
		Zone:    t.Zone,
	}
}

// IsIPv6 reports whether the tuple carries IPv6 addresses.
func (t Tuple) IsIPv6() bool {
	return t.Src.Unmap().Is6()
}

func (t Tuple) validate() error {
	if !t.Src.IsValid() || !t.Dst.IsValid() {
		return errorf(ErrInvalidValue, "tuple %v: missing address", t)
	}
	if t.Src.Unmap().Is4() != t.Dst.Unmap().Is4() {
		return errorf(ErrInvalidValue, "tuple %v: mixed address families", t)
	}
	if t.Proto == 0 {
		return errorf(ErrInvalidValue, "tuple %v: missing protocol", t)
	}
	return nil
}

// key encodes the tuple for the CT table. IPv4-mapped IPv6 addresses key
// the same as their IPv4 form.
func (t Tuple) key() []byte {
	k := make([]byte, 0, ctKeySize)
	src, dst := t.Src.Unmap().As16(), t.Dst.Unmap().As16()
	k = append(k, src[:]...)
	k = append(k, dst[:]...)
	k = binary.BigEndian.AppendUint16(k, t.SrcPort)
	k = binary.BigEndian.AppendUint16(k, t.DstPort)
	k = append(k, t.Proto)
	k = binary.BigEndian.AppendUint32(k, t.Zone)
	return k
}

func (t Tuple) String() string {
	return fmt.Sprintf("%s %s -> %s zone %d",
		protoName(t.Proto),
		netip.AddrPortFrom(t.Src.Unmap(), t.SrcPort),
		netip.AddrPortFrom(t.Dst.Unmap(), t.DstPort),
		t.Zone)
}

func protoName(p uint8) string {
	switch p {
	case 1:
		return "icmp"
	case 6:
		return "tcp"
	case 17:
		return "udp"
	case 58:
		return "icmpv6"
	}
	return fmt.Sprintf("proto-%d", p)
}
