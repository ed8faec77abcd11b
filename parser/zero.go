package parser

import "fmt"

// ZeroExtent is a virtual extent whose reads always return zero bytes. It
// models a descriptor's explicit ZERO extent kind — not used for the
// gaps a real image never has, since nominal extent sizes are always
// contiguous by construction.
type ZeroExtent struct {
	offset     int64
	total_size int64
}

// NewZeroExtent builds a ZeroExtent covering sizeBytes, starting at
// virtual offset offset.
func NewZeroExtent(offset, sizeBytes int64) *ZeroExtent {
	return &ZeroExtent{offset: offset, total_size: sizeBytes}
}

func (e *ZeroExtent) ReadAt(buf []byte, offsetInExtent int64) (int, error) {
	if offsetInExtent < 0 || offsetInExtent >= e.total_size {
		return 0, fmt.Errorf("offset %d out of range for zero extent of size %d", offsetInExtent, e.total_size)
	}
	remaining := e.total_size - offsetInExtent
	n := int64(len(buf))
	if n > remaining {
		n = remaining
	}
	for i := int64(0); i < n; i++ {
		buf[i] = 0
	}
	return int(n), nil
}

func (e *ZeroExtent) TotalSize() int64     { return e.total_size }
func (e *ZeroExtent) VirtualOffset() int64 { return e.offset }
func (e *ZeroExtent) Close()               {}
func (e *ZeroExtent) Debug() {
	fmt.Printf("[ZeroExtent] offset: %d, size: %d\n", e.offset, e.total_size)
}

func (e *ZeroExtent) Stats() ExtentStat {
	return ExtentStat{
		Type:          "ZERO",
		Size:          e.total_size,
		Filename:      "",
		VirtualOffset: e.offset,
	}
}
