package parser

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/kdmvio/vmdk/vmdkerr"
)

const (
	sparseMagic      = 0x564d444b // 'KDMV', little-endian
	sectorSize       = 512
	sparseHeaderSize = 512

	compressionNone    = 0
	compressionDeflate = 1

	flagRedundantGrainTable = 1 << 1
	flagCompressedGrains    = 1 << 16
)

// SparseHeader is the decoded 512-byte sparse container header.
type SparseHeader struct {
	Magic                   uint32
	Version                 uint32
	Flags                   uint32
	CapacitySectors         uint64
	GrainSectors            uint64
	DescriptorOffsetSectors uint64
	DescriptorSizeSectors   uint64
	NumGTEsPerGT            uint32
	RGDOffsetSectors        uint64
	GDOffsetSectors         uint64
	OverheadSectors         uint64
	UncleanlyClosed         uint8
	CompressionAlgorithm    uint16
}

// HasRedundantGrainTable reports whether the redundant-grain-tables flag
// is set.
func (h *SparseHeader) HasRedundantGrainTable() bool {
	return h.Flags&flagRedundantGrainTable != 0
}

// CompressedGrains reports whether grains in this extent are
// DEFLATE-compressed.
func (h *SparseHeader) CompressedGrains() bool {
	return h.Flags&flagCompressedGrains != 0
}

// DecodeSparseHeader reads and validates the 512-byte sparse header at
// the start of r.
func DecodeSparseHeader(r io.ReaderAt) (*SparseHeader, error) {
	buf := make([]byte, sparseHeaderSize)
	n, err := r.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, vmdkerr.Wrap(vmdkerr.DomainIO, "read_failed", "reading sparse header", err)
	}
	if n < sparseHeaderSize {
		return nil, vmdkerr.New(vmdkerr.DomainInput, "invalid_data", "sparse header is truncated")
	}

	h := &SparseHeader{}
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if h.Magic != sparseMagic {
		return nil, vmdkerr.New(vmdkerr.DomainInput, "signature_mismatch", "sparse header magic mismatch")
	}

	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	if h.Version < 1 || h.Version > 3 {
		return nil, vmdkerr.New(vmdkerr.DomainInput, "invalid_data", "unsupported sparse header version")
	}

	h.Flags = binary.LittleEndian.Uint32(buf[8:12])
	h.CapacitySectors = binary.LittleEndian.Uint64(buf[12:20])
	h.GrainSectors = binary.LittleEndian.Uint64(buf[20:28])
	h.DescriptorOffsetSectors = binary.LittleEndian.Uint64(buf[28:36])
	h.DescriptorSizeSectors = binary.LittleEndian.Uint64(buf[36:44])
	h.NumGTEsPerGT = binary.LittleEndian.Uint32(buf[44:48])
	h.RGDOffsetSectors = binary.LittleEndian.Uint64(buf[48:56])
	h.GDOffsetSectors = binary.LittleEndian.Uint64(buf[56:64])
	h.OverheadSectors = binary.LittleEndian.Uint64(buf[64:72])
	h.UncleanlyClosed = buf[72]

	singleEndLineChar := buf[76]
	nonEndLineChars := buf[77:79]
	doubleEndLineChar1 := buf[79]
	doubleEndLineChar2 := buf[80]
	h.CompressionAlgorithm = binary.LittleEndian.Uint16(buf[81:83])

	if singleEndLineChar != 0x0A ||
		nonEndLineChars[0] != 0x20 || nonEndLineChars[1] != 0x0D ||
		doubleEndLineChar1 != 0x0D || doubleEndLineChar2 != 0x0A {
		return nil, vmdkerr.New(vmdkerr.DomainInput, "invalid_data", "sparse header line-ending bytes mismatch")
	}

	if h.GrainSectors < 1 || !isPowerOfTwo(h.GrainSectors) {
		return nil, vmdkerr.New(vmdkerr.DomainInput, "invalid_data", "grain size is not a power of two")
	}
	if h.NumGTEsPerGT != 512 {
		return nil, vmdkerr.New(vmdkerr.DomainInput, "invalid_data", "unsupported grain table entry count")
	}
	if h.RGDOffsetSectors == 0 && h.GDOffsetSectors == 0 {
		return nil, vmdkerr.New(vmdkerr.DomainInput, "invalid_data", "no grain directory offset present")
	}
	if h.CompressionAlgorithm != compressionNone && h.CompressionAlgorithm != compressionDeflate {
		return nil, vmdkerr.New(vmdkerr.DomainInput, "unsupported_value", "unsupported compression algorithm")
	}

	return h, nil
}

// ReadEmbeddedDescriptor reads and NUL-trims the descriptor text embedded
// in the sparse container, if any.
func (h *SparseHeader) ReadEmbeddedDescriptor(r io.ReaderAt) (string, error) {
	if h.DescriptorSizeSectors == 0 {
		return "", nil
	}
	buf := make([]byte, h.DescriptorSizeSectors*sectorSize)
	n, err := r.ReadAt(buf, int64(h.DescriptorOffsetSectors*sectorSize))
	if err != nil && err != io.EOF {
		return "", vmdkerr.Wrap(vmdkerr.DomainIO, "read_failed", "reading embedded descriptor", err)
	}
	buf = buf[:n]
	if idx := bytes.IndexByte(buf, 0); idx >= 0 {
		buf = buf[:idx]
	}
	return string(buf), nil
}

func isPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

func decodeUint32Array(buf []byte) []uint32 {
	out := make([]uint32, len(buf)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return out
}
