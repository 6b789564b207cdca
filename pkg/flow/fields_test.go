package flow

import (
	"bytes"
	"testing"
)

func TestParseFieldValue(t *testing.T) {
	tests := []struct {
		field, in   string
		value, mask []byte
		wantErr     bool
	}{
		{field: "outer.ip4.dst", in: "10.1.2.3", value: []byte{10, 1, 2, 3}, mask: []byte{0xff, 0xff, 0xff, 0xff}},
		{field: "outer.ip4.dst", in: "10.1.2.3/24", value: []byte{10, 1, 2, 0}, mask: []byte{0xff, 0xff, 0xff, 0}},
		{field: "outer.l4.dst_port", in: "443", value: []byte{0x01, 0xbb}, mask: []byte{0xff, 0xff}},
		{field: "tun.vni", in: "0x10", value: []byte{0, 0, 0, 0x10}, mask: []byte{0xff, 0xff, 0xff, 0xff}},
		{field: "inner.eth.dst", in: "02:00:00:00:00:01", value: []byte{2, 0, 0, 0, 0, 1}, mask: bytes.Repeat([]byte{0xff}, 6)},
		{field: "outer.ip4.dst", in: "2001:db8::1", wantErr: true},
		{field: "outer.l4.dst_port", in: "70000", wantErr: true},
		{field: "outer.nope", in: "1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.field+"="+tt.in, func(t *testing.T) {
			v, m, err := ParseFieldValue(tt.field, tt.in)
			if tt.wantErr {
				wantErr(t, err, ErrInvalidValue)
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(v, tt.value) || !bytes.Equal(m, tt.mask) {
				t.Errorf("got %x/%x, want %x/%x", v, m, tt.value, tt.mask)
			}
		})
	}
}

func TestFormatField(t *testing.T) {
	tests := []struct {
		field string
		in    []byte
		want  string
	}{
		{"outer.ip4.src", []byte{192, 0, 2, 1}, "192.0.2.1"},
		{"outer.l4.src_port", []byte{0, 80}, "0x50"},
		{"outer.eth.src", []byte{2, 0, 0, 0, 0, 1}, "02:00:00:00:00:01"},
	}
	for _, tt := range tests {
		if got := FormatField(tt.field, tt.in); got != tt.want {
			t.Errorf("FormatField(%s) = %q, want %q", tt.field, got, tt.want)
		}
	}
}

func TestPrefixLen(t *testing.T) {
	tests := []struct {
		mask []byte
		want int
	}{
		{[]byte{0xff, 0xff, 0xff, 0xff}, 32},
		{[]byte{0xff, 0xf0, 0, 0}, 12},
		{[]byte{0, 0, 0, 0}, 0},
		{[]byte{0xff, 0x0f, 0, 0}, -1},
		{[]byte{0xff, 0, 0xff, 0}, -1},
	}
	for _, tt := range tests {
		if got := prefixLen(tt.mask); got != tt.want {
			t.Errorf("prefixLen(%x) = %d, want %d", tt.mask, got, tt.want)
		}
	}
}

func TestSetGetField(t *testing.T) {
	var m Match
	if err := SetField(&m, "tun.vni", []byte{0, 0x12, 0x34, 0x56}); err != nil {
		t.Fatal(err)
	}
	if m.Tun.VNI != 0x123456 {
		t.Errorf("vni = %#x", m.Tun.VNI)
	}
	got, err := GetField(&m, "tun.vni")
	if err != nil || !bytes.Equal(got, []byte{0, 0x12, 0x34, 0x56}) {
		t.Errorf("GetField = %x, %v", got, err)
	}
	wantErr(t, SetField(&m, "tun.vni", []byte{1}), ErrInvalidValue)
	if FieldSize("inner.ip6.src") != 16 {
		t.Error("inner.ip6.src size")
	}
	if used := usedFields(&m).names(); len(used) != 1 || used[0] != "tun.vni" {
		t.Errorf("used fields = %v", used)
	}
}

func TestMPLSLabel(t *testing.T) {
	h, err := MPLSLabelEncode(0xabcde, 5, 64, true)
	if err != nil {
		t.Fatal(err)
	}
	if h != (MPLSHeader{0xab, 0xcd, 0xeb, 0x40}) {
		t.Fatalf("header = %x", h)
	}
	label, tc, ttl, bos := MPLSLabelDecode(h)
	if label != 0xabcde || tc != 5 || ttl != 64 || !bos {
		t.Errorf("decode = %#x %d %d %t", label, tc, ttl, bos)
	}
	_, err = MPLSLabelEncode(1<<20, 0, 0, false)
	wantErr(t, err, ErrInvalidValue)
	_, err = MPLSLabelEncode(1, 8, 0, false)
	wantErr(t, err, ErrInvalidValue)
}
