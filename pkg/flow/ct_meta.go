package flow

// CTMetaType is the connection type carried in the low bits of a CT meta
// word.
type CTMetaType uint8

const (
	CTMetaNone   CTMetaType = iota // regular payload
	CTMetaNew                      // SYN or first UDP packet
	CTMetaEnd                      // FIN or RST
	CTMetaUpdate                   // payload updating user action data
)

// CTMetaTypeMask covers the type bits of a meta word.
const CTMetaTypeMask = 0x3

const (
	metaDataOffset = 2
	metaDataBits   = 28
	metaSrcBit     = 30
	metaHairpinBit = 31
)

func (t CTMetaType) String() string {
	switch t {
	case CTMetaNone:
		return "none"
	case CTMetaNew:
		return "new"
	case CTMetaEnd:
		return "end"
	case CTMetaUpdate:
		return "update"
	}
	return "unknown"
}

// MetaLayout fixes the bit widths of the zone, action and user fields of
// the CT meta word. From bit 0:
//
//	type:2 | zone_o:Z | [zone_r:Z] | action_o:A | [action_r:A] | user_o:U | [user_r:U] | ... | src:1 | hairpin:1
//
// The bracketed reply fields exist only in asymmetric layouts; otherwise
// the reply argument of every accessor is ignored. Values are masked to
// their widths and not otherwise checked.
type MetaLayout struct {
	ZoneBits   uint32
	ActionBits uint32
	UserBits   uint32
	Asymmetric bool
}

// NewMetaLayout checks that the fields fit the 28 data bits.
func NewMetaLayout(zoneBits, actionBits, userBits uint32, asymmetric bool) (MetaLayout, error) {
	l := MetaLayout{ZoneBits: zoneBits, ActionBits: actionBits, UserBits: userBits, Asymmetric: asymmetric}
	total := uint64(zoneBits) + uint64(actionBits) + uint64(userBits)
	if asymmetric {
		total *= 2
	}
	if total > metaDataBits {
		return MetaLayout{}, errorf(ErrInvalidValue, "meta fields need %d bits, %d available (zone %d action %d user %d asymmetric %t)",
			total, metaDataBits, zoneBits, actionBits, userBits, asymmetric)
	}
	return l, nil
}

func (l MetaLayout) dirs() uint32 {
	if l.Asymmetric {
		return 2
	}
	return 1
}

func (l MetaLayout) slot(base, width uint32, reply bool) uint32 {
	if reply && l.Asymmetric {
		return base + width
	}
	return base
}

// ZoneOffset is the bit offset of the zone field.
func (l MetaLayout) ZoneOffset(reply bool) uint32 {
	return l.slot(metaDataOffset, l.ZoneBits, reply)
}

// ActionOffset is the bit offset of the action data field.
func (l MetaLayout) ActionOffset(reply bool) uint32 {
	return l.slot(metaDataOffset+l.dirs()*l.ZoneBits, l.ActionBits, reply)
}

// UserOffset is the bit offset of the user data field.
func (l MetaLayout) UserOffset(reply bool) uint32 {
	return l.slot(metaDataOffset+l.dirs()*(l.ZoneBits+l.ActionBits), l.UserBits, reply)
}

func widthMask(bits uint32) uint32 {
	if bits >= 32 {
		return ^uint32(0)
	}
	return 1<<bits - 1
}

func setBits(meta *uint32, off, width, v uint32) {
	m := widthMask(width) << off
	*meta = *meta&^m | (v<<off)&m
}

func getBits(meta, off, width uint32) uint32 {
	return meta >> off & widthMask(width)
}

// SetZone writes the zone field.
func (l MetaLayout) SetZone(meta *uint32, zone uint32, reply bool) {
	setBits(meta, l.ZoneOffset(reply), l.ZoneBits, zone)
}

// Zone reads the zone field.
func (l MetaLayout) Zone(meta uint32, reply bool) uint32 {
	return getBits(meta, l.ZoneOffset(reply), l.ZoneBits)
}

// SetAction writes the action data carried by identified packets.
func (l MetaLayout) SetAction(meta *uint32, action uint32, reply bool) {
	setBits(meta, l.ActionOffset(reply), l.ActionBits, action)
}

func (l MetaLayout) Action(meta uint32, reply bool) uint32 {
	return getBits(meta, l.ActionOffset(reply), l.ActionBits)
}

// SetUser writes user data; the CT worker ignores it.
func (l MetaLayout) SetUser(meta *uint32, user uint32, reply bool) {
	setBits(meta, l.UserOffset(reply), l.UserBits, user)
}

func (l MetaLayout) User(meta uint32, reply bool) uint32 {
	return getBits(meta, l.UserOffset(reply), l.UserBits)
}

func (l MetaLayout) SetType(meta *uint32, t CTMetaType) {
	setBits(meta, 0, 2, uint32(t))
}

func (l MetaLayout) Type(meta uint32) CTMetaType {
	return CTMetaType(meta & CTMetaTypeMask)
}

func (l MetaLayout) SetSrc(meta *uint32, v bool) {
	setBits(meta, metaSrcBit, 1, b2u(v))
}

func (l MetaLayout) Src(meta uint32) bool {
	return getBits(meta, metaSrcBit, 1) == 1
}

func (l MetaLayout) SetHairpin(meta *uint32, v bool) {
	setBits(meta, metaHairpinBit, 1, b2u(v))
}

func (l MetaLayout) Hairpin(meta uint32) bool {
	return getBits(meta, metaHairpinBit, 1) == 1
}

// Prepare initializes m's packet meta with zone and type none.
func (l MetaLayout) Prepare(m *Meta, zone uint32, reply bool) {
	m.PktMeta = 0
	l.SetZone(&m.PktMeta, zone, reply)
}

// MaskPrepare initializes m's packet meta as a mask of the zone and type
// bits.
func (l MetaLayout) MaskPrepare(m *Meta, reply bool) {
	m.PktMeta = CTMetaTypeMask
	l.SetZone(&m.PktMeta, widthMask(l.ZoneBits), reply)
}

// SetMatchZone writes the zone into m's packet meta and keeps the rest.
func (l MetaLayout) SetMatchZone(m *Meta, zone uint32, reply bool) {
	l.SetZone(&m.PktMeta, zone, reply)
}

func b2u(v bool) uint32 {
	if v {
		return 1
	}
	return 0
}
