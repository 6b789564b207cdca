// Package device answers capability queries for the devices backing flow
// ports. The flow engine consults a Device before relying on a pipe type or
// action class; an unsupported feature fails with NOT_SUPPORTED instead of
// being attempted.
package device

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/safchain/ethtool"
	"github.com/vishvananda/netlink"
)

// Feature is a capability a pipe, action or shared resource depends on.
type Feature string

const (
	FeatureBasic       Feature = "basic"
	FeatureControl     Feature = "control"
	FeatureLPM         Feature = "lpm"
	FeatureACL         Feature = "acl"
	FeatureHash        Feature = "hash"
	FeatureOrderedList Feature = "ordered-list"
	FeatureCT          Feature = "ct"
	FeatureMeter       Feature = "meter"
	FeatureCounter     Feature = "counter"
	FeatureMirror      Feature = "mirror"
	FeatureRSS         Feature = "rss"
	FeatureCrypto      Feature = "crypto"
	FeatureAging       Feature = "aging"
)

// AllFeatures lists every known feature.
var AllFeatures = []Feature{
	FeatureBasic, FeatureControl, FeatureLPM, FeatureACL, FeatureHash,
	FeatureOrderedList, FeatureCT, FeatureMeter, FeatureCounter,
	FeatureMirror, FeatureRSS, FeatureCrypto, FeatureAging,
}

// ParseFeature maps a feature name to a Feature.
func ParseFeature(s string) (Feature, error) {
	for _, f := range AllFeatures {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown device feature %q", s)
}

// Device is the capability view of one port's device.
type Device interface {
	Name() string
	Supported(f Feature) bool
	MaxQueues() uint16
}

// Static is a device with a fixed feature set.
type Static struct {
	DevName  string
	Queues   uint16
	Features map[Feature]bool
}

// NewStatic returns a static device. With no features given every known
// feature is supported.
func NewStatic(name string, queues uint16, features ...Feature) *Static {
	if len(features) == 0 {
		features = AllFeatures
	}
	s := &Static{DevName: name, Queues: queues, Features: make(map[Feature]bool)}
	for _, f := range features {
		s.Features[f] = true
	}
	return s
}

func (s *Static) Name() string { return s.DevName }
func (s *Static) Supported(f Feature) bool { return s.Features[f] }
func (s *Static) MaxQueues() uint16 { return s.Queues }
func (s *Static) String() string { return describe(s) }

// NetDevice is a kernel network interface probed through netlink and
// ethtool.
type NetDevice struct {
	Link     netlink.Link
	Driver   string
	BusInfo  string
	Offloads map[string]bool
	queues   uint16
	features map[Feature]bool
}

var (
	ethtMu sync.Mutex
	etht   *ethtool.Ethtool
)

// offloadFeatures maps ethtool feature strings to the flow features they
// unlock.
var offloadFeatures = map[string][]Feature{
	"hw-tc-offload":    {FeatureACL, FeatureHash, FeatureOrderedList, FeatureCT, FeatureMeter, FeatureMirror, FeatureAging},
	"rx-ntuple-filter": {FeatureControl, FeatureLPM},
	"rx-hashing":       {FeatureRSS},
	"esp-hw-offload":   {FeatureCrypto},
}

// Probe looks the interface up and derives its feature set from the
// driver's offload flags. Basic pipes and counters are always available.
func Probe(ifname string) (*NetDevice, error) {
	ethtMu.Lock()
	defer ethtMu.Unlock()
	if etht == nil {
		e, err := ethtool.NewEthtool()
		if err != nil {
			return nil, fmt.Errorf("ethtool.NewEthtool: %w", err)
		}
		etht = e
	}

	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("netlink.LinkByName(%s): %w", ifname, err)
	}

	d := &NetDevice{
		Link:     link,
		features: map[Feature]bool{FeatureBasic: true, FeatureCounter: true},
	}
	attrs := link.Attrs()
	d.queues = uint16(max(attrs.NumRxQueues, 1))

	if d.Driver, err = etht.DriverName(ifname); err != nil {
		slog.Debug("ethtool driver name unavailable", "interface", ifname, "err", err)
	}
	if d.BusInfo, err = etht.BusInfo(ifname); err != nil {
		slog.Debug("ethtool bus info unavailable", "interface", ifname, "err", err)
	}
	if ch, err := etht.GetChannels(ifname); err == nil {
		if n := max(ch.CombinedCount, ch.RxCount); n > 0 {
			d.queues = uint16(n)
		}
	}

	d.Offloads, err = etht.Features(ifname)
	if err != nil {
		slog.Warn("ethtool features unavailable, basic pipes only", "interface", ifname, "err", err)
		d.Offloads = map[string]bool{}
	}
	for name, on := range d.Offloads {
		if !on {
			continue
		}
		for _, f := range offloadFeatures[name] {
			d.features[f] = true
		}
	}

	slog.Info("probed device", "interface", ifname, "driver", d.Driver,
		"queues", d.queues, "features", describe(d))
	return d, nil
}

func (d *NetDevice) Name() string { return d.Link.Attrs().Name }
func (d *NetDevice) Supported(f Feature) bool { return d.features[f] }
func (d *NetDevice) MaxQueues() uint16 { return d.queues }

// describe renders the supported features of a device, sorted.
func describe(d Device) string {
	var names []string
	for _, f := range AllFeatures {
		if d.Supported(f) {
			names = append(names, string(f))
		}
	}
	sort.Strings(names)
	return strings.Join(names, ",")
}

// Describe is exported for dumps and the API.
func Describe(d Device) string { return describe(d) }
