package parser

import (
	"fmt"
	"io"
)

// FlatExtentHeader carries the fixed geometry of a flat-layout extent:
// a reader plus the byte offset within it where the extent's data
// begins.
type FlatExtentHeader struct {
	Reader  io.ReaderAt
	Offset  int64
	Profile *VMDKProfile
}

// FlatExtent is a byte-for-byte, uncompressed extent. It backs the FLAT,
// VMFS, VMFSRAW and VMFSRDM storage kinds, which all differ
// only in the descriptor metadata attached to them, never in the read
// path itself.
type FlatExtent struct {
	profile *VMDKProfile
	reader  io.ReaderAt

	header *FlatExtentHeader

	kind       string
	total_size int64

	// The offset in the logical image where this extent sits.
	offset   int64
	filename string

	closer func()
}

func (self *FlatExtent) Close() {
	if self.closer != nil {
		self.closer()
	}
}

func (self *FlatExtent) TotalSize() int64 {
	return self.total_size
}

func (self *FlatExtent) VirtualOffset() int64 {
	return self.offset
}

func (self *FlatExtent) ReadAt(buf []byte, offset int64) (int, error) {
	if offset < 0 || offset >= self.total_size {
		return 0, io.EOF
	}

	toRead := int64(len(buf))
	if offset+toRead > self.total_size {
		toRead = self.total_size - offset
	}

	fileOffset := self.header.Offset + offset
	return self.reader.ReadAt(buf[:toRead], fileOffset)
}

func (self *FlatExtent) Stats() ExtentStat {
	return ExtentStat{
		Type:          self.kind,
		Size:          self.total_size,
		Filename:      self.filename,
		VirtualOffset: self.offset,
	}
}

func (self *FlatExtent) Debug() {
	fmt.Printf("[FlatExtent %s] file: %s, offset: %d, size: %d\n", self.kind, self.filename, self.offset, self.total_size)
}

// flatKindName renders the stats type string for a flat-backed storage
// kind; sparse and zero kinds never reach here.
func flatKindName(kind StorageKind) string {
	switch kind {
	case StorageVMFS:
		return "VMFS"
	case StorageVMFSRDM:
		return "VMFSRDM"
	case StorageVMFSRaw:
		return "VMFSRAW"
	default:
		return "FLAT"
	}
}

// GetFlatExtent builds a FlatExtent reading offsetSectors..+sectors out
// of reader, presented at virtualOffset within the logical image.
func GetFlatExtent(
	reader io.ReaderAt,
	filename string,
	kind StorageKind,
	offsetSectors int64,
	sectors int64,
	virtualOffset int64,
	profile *VMDKProfile,
	closer func(),
) (Extent, error) {
	flatExtentHeader := &FlatExtentHeader{
		Reader:  reader,
		Offset:  offsetSectors * sectorSize,
		Profile: profile,
	}

	res := &FlatExtent{
		profile:    profile,
		reader:     reader,
		header:     flatExtentHeader,
		kind:       flatKindName(kind),
		offset:     virtualOffset,
		total_size: sectors * sectorSize,
		filename:   filename,
		closer:     closer,
	}
	return res, nil
}
