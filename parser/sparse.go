package parser

import (
	"encoding/binary"
	"fmt"
	"io"

	pcache "github.com/kdmvio/vmdk/parser/cache"
	"github.com/kdmvio/vmdk/vmdkerr"
)

// SparseExtent is a grain-directory/grain-table-backed extent, with
// optional per-grain DEFLATE compression.
type SparseExtent struct {
	header *SparseHeader
	reader io.ReaderAt

	extentID   uint32
	profile    *VMDKProfile
	grainCache *pcache.GrainCache
	tableCache *pcache.TableCache

	grainBytes int64
	directory  []uint32 // sector offset of each grain table; 0 = unallocated

	kind       string
	offset     int64 // virtual offset within the image
	total_size int64
	filename   string
	closer     func()
}

func (e *SparseExtent) Close() {
	if e.closer != nil {
		e.closer()
	}
}

func (e *SparseExtent) TotalSize() int64 {
	return e.total_size
}

func (e *SparseExtent) VirtualOffset() int64 {
	return e.offset
}

func (e *SparseExtent) Stats() ExtentStat {
	return ExtentStat{
		Type:          e.kind,
		Size:          e.total_size,
		Filename:      e.filename,
		VirtualOffset: e.offset,
	}
}

func (e *SparseExtent) Debug() {
	fmt.Printf("[SparseExtent] file: %s, offset: %d, size: %d, grain: %d\n",
		e.filename, e.offset, e.total_size, e.grainBytes)
}

// GetSparseExtent builds a SparseExtent from reader. If preDecoded is
// non-nil, its header is reused instead of re-reading one (used when the
// primary descriptor file and the first extent's sparse container are the
// same already-open file).
func GetSparseExtent(
	reader io.ReaderAt,
	extentID uint32,
	profile *VMDKProfile,
	grainCache *pcache.GrainCache,
	tableCache *pcache.TableCache,
	preDecoded *SparseHeader,
) (*SparseExtent, error) {
	header := preDecoded
	var err error
	if header == nil {
		header, err = DecodeSparseHeader(reader)
		if err != nil {
			return nil, err
		}
	}

	grainBytes := int64(header.GrainSectors) * sectorSize
	gtCoverageBytes := int64(header.NumGTEsPerGT) * grainBytes
	capacityBytes := int64(header.CapacitySectors) * sectorSize
	dirCount := (capacityBytes + gtCoverageBytes - 1) / gtCoverageBytes

	directory, err := loadGrainDirectory(reader, header, dirCount)
	if err != nil {
		return nil, err
	}

	return &SparseExtent{
		header:     header,
		reader:     reader,
		extentID:   extentID,
		profile:    profile,
		grainCache: grainCache,
		tableCache: tableCache,
		grainBytes: grainBytes,
		directory:  directory,
		kind:       "sparse",
		total_size: capacityBytes,
	}, nil
}

func loadGrainDirectory(reader io.ReaderAt, header *SparseHeader, dirCount int64) ([]uint32, error) {
	buf := make([]byte, dirCount*4)
	_, err := reader.ReadAt(buf, int64(header.GDOffsetSectors)*sectorSize)
	if err != nil && err != io.EOF {
		return nil, vmdkerr.Wrap(vmdkerr.DomainIO, "read_failed", "reading grain directory", err)
	}
	gd := decodeUint32Array(buf)

	if header.HasRedundantGrainTable() && header.RGDOffsetSectors != 0 {
		rbuf := make([]byte, dirCount*4)
		_, err := reader.ReadAt(rbuf, int64(header.RGDOffsetSectors)*sectorSize)
		if err != nil && err != io.EOF {
			return nil, vmdkerr.Wrap(vmdkerr.DomainIO, "read_failed", "reading redundant grain directory", err)
		}
		rgd := decodeUint32Array(rbuf)
		for i := range gd {
			if gd[i] != rgd[i] {
				return nil, vmdkerr.New(vmdkerr.DomainInput, "checksum",
					"grain directory and redundant grain directory disagree")
			}
		}
	}

	return gd, nil
}

// loadGrainTable returns the decoded grain table for directoryIndex, or
// nil if that directory slot has no table allocated (all grains in range
// are implicitly zero).
func (e *SparseExtent) loadGrainTable(directoryIndex uint32) ([]uint32, error) {
	tk := pcache.TableKey{ExtentID: e.extentID, DirectoryIndex: directoryIndex}
	if t, ok := e.tableCache.Get(tk); ok {
		return t, nil
	}

	if int(directoryIndex) >= len(e.directory) {
		return nil, vmdkerr.New(vmdkerr.DomainRuntime, "value_missing", "grain directory index out of range")
	}
	sectorOffset := e.directory[directoryIndex]
	if sectorOffset == 0 {
		return nil, nil
	}

	buf := make([]byte, int64(e.header.NumGTEsPerGT)*4)
	_, err := e.reader.ReadAt(buf, int64(sectorOffset)*sectorSize)
	if err != nil && err != io.EOF {
		return nil, vmdkerr.Wrap(vmdkerr.DomainIO, "read_failed", "reading grain table", err)
	}
	table := decodeUint32Array(buf)
	e.tableCache.Add(tk, table)
	return table, nil
}

// ReadAt implements Extent. offsetInExtent is always within
// [0, total_size).
func (e *SparseExtent) ReadAt(buf []byte, offsetInExtent int64) (int, error) {
	if offsetInExtent < 0 || offsetInExtent >= e.total_size {
		return 0, io.EOF
	}

	remaining := e.total_size - offsetInExtent
	length := int64(len(buf))
	if length > remaining {
		length = remaining
	}

	grainIndex := offsetInExtent / e.grainBytes
	offsetInGrain := offsetInExtent % e.grainBytes
	lengthThisGrain := e.grainBytes - offsetInGrain
	if lengthThisGrain > length {
		lengthThisGrain = length
	}

	numGTEsPerGT := int64(e.header.NumGTEsPerGT)
	directoryIndex := uint32(grainIndex / numGTEsPerGT)
	tableIndex := uint32(grainIndex % numGTEsPerGT)

	table, err := e.loadGrainTable(directoryIndex)
	if err != nil {
		return 0, err
	}

	var entry uint32
	if table != nil {
		entry = table[tableIndex]
	}

	if table == nil || entry == 0 {
		for i := int64(0); i < lengthThisGrain; i++ {
			buf[i] = 0
		}
		return int(lengthThisGrain), nil
	}

	gk := pcache.GrainKey{ExtentID: e.extentID, GrainIndex: uint32(grainIndex)}
	grainBuf, unpin, err := e.grainCache.GetOrLoad(gk, func() ([]byte, error) {
		return e.fetchGrain(entry)
	})
	if err != nil {
		return 0, err
	}
	defer unpin()

	copy(buf[:lengthThisGrain], grainBuf[offsetInGrain:offsetInGrain+lengthThisGrain])
	return int(lengthThisGrain), nil
}

// fetchGrain physically reads and, if needed, decompresses one full
// grain. The returned slice is always exactly grainBytes long.
func (e *SparseExtent) fetchGrain(entrySectorOffset uint32) ([]byte, error) {
	physicalOffset := int64(entrySectorOffset) * sectorSize
	out := make([]byte, e.grainBytes)

	if !e.header.CompressedGrains() {
		n, err := e.reader.ReadAt(out, physicalOffset)
		if err != nil && err != io.EOF {
			return nil, vmdkerr.Wrap(vmdkerr.DomainIO, "read_failed", "reading grain", err)
		}
		if int64(n) < e.grainBytes {
			return nil, vmdkerr.New(vmdkerr.DomainIO, "read_failed", "grain read truncated")
		}
		return out, nil
	}

	marker := make([]byte, 12)
	_, err := e.reader.ReadAt(marker, physicalOffset)
	if err != nil && err != io.EOF {
		return nil, vmdkerr.Wrap(vmdkerr.DomainIO, "read_failed", "reading compressed grain marker", err)
	}
	compressedSize := binary.LittleEndian.Uint32(marker[8:12])

	compressed := make([]byte, compressedSize)
	_, err = e.reader.ReadAt(compressed, physicalOffset+12)
	if err != nil && err != io.EOF {
		return nil, vmdkerr.Wrap(vmdkerr.DomainIO, "read_failed", "reading compressed grain payload", err)
	}

	n, err := e.profile.Decompressor.Decompress(out, compressed)
	if err != nil {
		return nil, vmdkerr.Wrap(vmdkerr.DomainCompression, "decompress_failed", "decompressing grain", err)
	}
	if int64(n) > e.grainBytes {
		return nil, vmdkerr.New(vmdkerr.DomainCompression, "decompress_failed", "decompressed grain exceeds grain size")
	}
	// out was freshly allocated, so bytes beyond n are already zero —
	// the required zero-padded tail for a short DEFLATE grain.
	return out, nil
}
