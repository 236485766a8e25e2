package virtio

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/bits-and-blooms/bitset"
)

// Feature is a feature bit number.
type Feature uint

// Transport feature bits. Device-specific features occupy bits 0-23.
const (
	FeatureIndirectDesc     Feature = 28
	FeatureEventIdx         Feature = 29
	FeatureVersion1         Feature = 32
	FeatureAccessPlatform   Feature = 33
	FeatureRingPacked       Feature = 34
	FeatureInOrder          Feature = 35
	FeatureOrderPlatform    Feature = 36
	FeatureSRIOV            Feature = 37
	FeatureNotificationData Feature = 38
	FeatureNotifConfigData  Feature = 39
	FeatureRingReset        Feature = 40
)

var featureNames = map[Feature]string{
	FeatureIndirectDesc:     "INDIRECT_DESC",
	FeatureEventIdx:         "EVENT_IDX",
	FeatureVersion1:         "VERSION_1",
	FeatureAccessPlatform:   "ACCESS_PLATFORM",
	FeatureRingPacked:       "RING_PACKED",
	FeatureInOrder:          "IN_ORDER",
	FeatureOrderPlatform:    "ORDER_PLATFORM",
	FeatureSRIOV:            "SR_IOV",
	FeatureNotificationData: "NOTIFICATION_DATA",
	FeatureNotifConfigData:  "NOTIF_CONFIG_DATA",
	FeatureRingReset:        "RING_RESET",
}

func (f Feature) String() string {
	if name, ok := featureNames[f]; ok {
		return name
	}
	return "bit" + strconv.FormatUint(uint64(f), 10)
}

// ParseFeature accepts a transport feature name, with or without the
// VIRTIO_F_ prefix, or a bit number.
func ParseFeature(s string) (Feature, error) {
	name := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "VIRTIO_F_")
	for f, n := range featureNames {
		if n == name {
			return f, nil
		}
	}
	bit, err := strconv.ParseUint(strings.TrimPrefix(name, "BIT"), 10, 16)
	if err != nil || bit >= featureWords*32 {
		return 0, fmt.Errorf("virtio: unknown feature %q", s)
	}
	return Feature(bit), nil
}

// FeatureSet is an immutable set of feature bits. The zero value is empty.
type FeatureSet struct {
	bits *bitset.BitSet
}

// NewFeatureSet returns a set holding fs.
func NewFeatureSet(fs ...Feature) FeatureSet {
	b := bitset.New(featureWords * 32)
	for _, f := range fs {
		b.Set(uint(f))
	}
	return FeatureSet{bits: b}
}

func featureSetFromWords(words []uint32) FeatureSet {
	b := bitset.New(uint(len(words)) * 32)
	for i, w := range words {
		for bit := uint(0); bit < 32; bit++ {
			if w&(1<<bit) != 0 {
				b.Set(uint(i)*32 + bit)
			}
		}
	}
	return FeatureSet{bits: b}
}

func (s FeatureSet) set() *bitset.BitSet {
	if s.bits == nil {
		return bitset.New(0)
	}
	return s.bits
}

// Has reports whether f is in the set.
func (s FeatureSet) Has(f Feature) bool {
	return s.bits != nil && s.bits.Test(uint(f))
}

// With returns a copy of s with fs added.
func (s FeatureSet) With(fs ...Feature) FeatureSet {
	b := s.set().Clone()
	for _, f := range fs {
		b.Set(uint(f))
	}
	return FeatureSet{bits: b}
}

// Without returns a copy of s with fs removed.
func (s FeatureSet) Without(fs ...Feature) FeatureSet {
	b := s.set().Clone()
	for _, f := range fs {
		b.Clear(uint(f))
	}
	return FeatureSet{bits: b}
}

// Intersect returns the features present in both sets.
func (s FeatureSet) Intersect(o FeatureSet) FeatureSet {
	return FeatureSet{bits: s.set().Intersection(o.set())}
}

// Difference returns the features of s missing from o.
func (s FeatureSet) Difference(o FeatureSet) FeatureSet {
	return FeatureSet{bits: s.set().Difference(o.set())}
}

// SubsetOf reports whether every feature of s is in o.
func (s FeatureSet) SubsetOf(o FeatureSet) bool {
	return o.set().IsSuperSet(s.set())
}

// Equal reports whether both sets hold the same features.
func (s FeatureSet) Equal(o FeatureSet) bool {
	return s.SubsetOf(o) && o.SubsetOf(s)
}

// Len returns the number of features in the set.
func (s FeatureSet) Len() int {
	return int(s.set().Count())
}

// Features lists the set in ascending order.
func (s FeatureSet) Features() []Feature {
	b := s.set()
	out := make([]Feature, 0, b.Count())
	for i, ok := b.NextSet(0); ok; i, ok = b.NextSet(i + 1) {
		out = append(out, Feature(i))
	}
	return out
}

// word returns the 32-bit window selected by feature select value i.
func (s FeatureSet) word(i int) uint32 {
	var w uint32
	for bit := uint(0); bit < 32; bit++ {
		if s.Has(Feature(uint(i)*32 + bit)) {
			w |= 1 << bit
		}
	}
	return w
}

func (s FeatureSet) String() string {
	features := s.Features()
	names := make([]string, len(features))
	for i, f := range features {
		names[i] = f.String()
	}
	return "{" + strings.Join(names, ",") + "}"
}

// FeaturePolicy chooses the features the driver accepts from those the
// device offers.
type FeaturePolicy interface {
	SelectFeatures(offered FeatureSet) (FeatureSet, error)
}

// FeaturePolicyFunc adapts a function to FeaturePolicy.
type FeaturePolicyFunc func(offered FeatureSet) (FeatureSet, error)

// SelectFeatures implements FeaturePolicy.
func (f FeaturePolicyFunc) SelectFeatures(offered FeatureSet) (FeatureSet, error) {
	return f(offered)
}

// AcceptFeatures accepts each of wanted that the device offers.
func AcceptFeatures(wanted ...Feature) FeaturePolicy {
	want := NewFeatureSet(wanted...)
	return FeaturePolicyFunc(func(offered FeatureSet) (FeatureSet, error) {
		return offered.Intersect(want), nil
	})
}

// RequireFeatures fails negotiation unless every required feature is
// offered, and accepts optional features when they are.
func RequireFeatures(required []Feature, optional ...Feature) FeaturePolicy {
	need := NewFeatureSet(required...)
	want := need.With(optional...)
	return FeaturePolicyFunc(func(offered FeatureSet) (FeatureSet, error) {
		if missing := need.Difference(offered); missing.Len() > 0 {
			return FeatureSet{}, fmt.Errorf("device lacks required features %s", missing)
		}
		return offered.Intersect(want), nil
	})
}
