package parser

import "github.com/kdmvio/vmdk/codec"

// Default bounded-cache capacities. The grain cache only ever needs to
// hold as many grains as the largest concurrent fan-in of a single read,
// which for this single-threaded coordinator is always 1; 8 gives enough
// headroom that an LRU eviction almost never collides with a pinned read.
const (
	DefaultGrainCacheCapacity      = 8
	DefaultGrainTableCacheCapacity = 4
)

// VMDKProfile configures the runtime caches and decompressor shared by an
// ImageHandle's sparse extents.
type VMDKProfile struct {
	GrainCacheCapacity      int
	GrainTableCacheCapacity int
	Decompressor            codec.Decompressor
}

// NewVMDKProfile returns a profile with the library's own defaults.
func NewVMDKProfile() *VMDKProfile {
	return &VMDKProfile{
		GrainCacheCapacity:      DefaultGrainCacheCapacity,
		GrainTableCacheCapacity: DefaultGrainTableCacheCapacity,
		Decompressor:            codec.Default,
	}
}
