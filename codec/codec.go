// Package codec provides the supplied, mockable decompression codec used
// for compressed sparse grains, plus the Adler-32 checksum helper.
// Neither is part of the core: the core only depends on the Decompressor
// interface, so callers can substitute a mock for testing.
package codec

import (
	"bytes"
	"compress/zlib"
	"hash/adler32"
	"io"

	"github.com/kdmvio/vmdk/vmdkerr"
)

// Decompressor decompresses a bounded compressed buffer into a bounded
// output buffer, returning the number of bytes written. Implementations
// must not write past len(dst) and must not block indefinitely.
type Decompressor interface {
	Decompress(dst, src []byte) (int, error)
}

type zlibDecompressor struct{}

// Decompress inflates a zlib-wrapped DEFLATE stream. A grain that
// decompresses to fewer than len(dst) bytes is not an error: the caller
// zero-fills the remainder, per the "trailing zeros preserved" rule for
// streamOptimized grains. A stream that still has data left after filling
// dst completely is an error: the caller's output buffer is sized exactly
// to the grain, so there is nowhere for the surplus bytes to go.
func (zlibDecompressor) Decompress(dst, src []byte) (int, error) {
	zr, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return 0, vmdkerr.Wrap(vmdkerr.DomainCompression, "decompress_failed", "opening zlib stream", err)
	}
	defer zr.Close()

	n, err := io.ReadFull(zr, dst)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, vmdkerr.Wrap(vmdkerr.DomainCompression, "decompress_failed", "inflating grain", err)
	}

	if n == len(dst) {
		var extra [1]byte
		if m, _ := zr.Read(extra[:]); m > 0 {
			return n, vmdkerr.New(vmdkerr.DomainCompression, "decompress_failed",
				"decompressed grain exceeds grain size")
		}
	}

	return n, nil
}

// Default is the zlib-backed Decompressor used unless a profile overrides
// it with a mock.
var Default Decompressor = zlibDecompressor{}

// Adler32 computes the Adler-32 checksum of data, matching libvmdk's
// libvmdk_deflate_calculate_adler32. The read path does not call it.
func Adler32(data []byte) uint32 {
	return adler32.Checksum(data)
}
