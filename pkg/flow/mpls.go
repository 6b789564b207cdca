package flow

import "encoding/binary"

const (
	mplsLabelMax = 1<<20 - 1
	mplsTCMax    = 1<<3 - 1
)

// MPLSHeader is one MPLS label stack entry in network byte order:
// label:20 tc:3 bos:1 ttl:8.
type MPLSHeader [4]byte

// MPLSLabelEncode packs a label stack entry.
func MPLSLabelEncode(label uint32, tc, ttl uint8, bos bool) (MPLSHeader, error) {
	var h MPLSHeader
	if label > mplsLabelMax {
		return h, errorf(ErrInvalidValue, "mpls label %d exceeds 20 bits", label)
	}
	if tc > mplsTCMax {
		return h, errorf(ErrInvalidValue, "mpls tc %d exceeds 3 bits", tc)
	}
	w := label<<12 | uint32(tc)<<9 | uint32(ttl)
	if bos {
		w |= 1 << 8
	}
	binary.BigEndian.PutUint32(h[:], w)
	return h, nil
}

// MPLSLabelDecode unpacks a label stack entry.
func MPLSLabelDecode(h MPLSHeader) (label uint32, tc, ttl uint8, bos bool) {
	w := binary.BigEndian.Uint32(h[:])
	return w >> 12, uint8(w>>9) & mplsTCMax, uint8(w), w&(1<<8) != 0
}
