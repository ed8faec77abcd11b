package parser

import (
	"bytes"
	"encoding/binary"
	"io"
	"strings"
	"testing"

	"github.com/kdmvio/vmdk/vmdkerr"
)

const combinedDescriptor = `# Disk DescriptorFile
version=1
createType="monolithicSparse"

# Extent description
RW 2 FLAT "flat.img"
RW 4 SPARSE "sparse.img"
`

func buildCombinedImageOpener(t *testing.T) Opener {
	t.Helper()

	flatData := bytes.Repeat([]byte{0}, 2*int(sectorSize))
	copy(flatData, []byte("flat-extent-payload"))

	grainPayload := bytes.Repeat([]byte{0x7A}, 1024)
	sparseData := buildSyntheticSparseImage(t, false, grainPayload)

	return func(filename string) (io.ReaderAt, func(), error) {
		switch filename {
		case "flat.img":
			return memReader(flatData), func() {}, nil
		case "sparse.img":
			return memReader(sparseData), func() {}, nil
		default:
			t.Fatalf("unexpected extent filename %q", filename)
			return nil, nil, nil
		}
	}
}

func TestOpenFromReaderBuildsFlatThenSparseExtents(t *testing.T) {
	handle, err := OpenFromReader(memReader([]byte(combinedDescriptor)), len(combinedDescriptor), buildCombinedImageOpener(t))
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	if handle.Size() != 1024+2048 {
		t.Fatalf("Size() = %d, want %d", handle.Size(), 1024+2048)
	}

	stats := handle.Extents()
	if len(stats) != 2 {
		t.Fatalf("len(Extents()) = %d, want 2", len(stats))
	}
	if stats[0].Type != "FLAT" || stats[0].VirtualOffset != 0 {
		t.Errorf("stats[0] = %+v, unexpected", stats[0])
	}
	if stats[1].Type != "SPARSE" || stats[1].VirtualOffset != 1024 {
		t.Errorf("stats[1] = %+v, unexpected", stats[1])
	}
}

func TestImageHandleReadAtWithinFlatExtent(t *testing.T) {
	handle, err := OpenFromReader(memReader([]byte(combinedDescriptor)), len(combinedDescriptor), buildCombinedImageOpener(t))
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	buf := make([]byte, len("flat-extent-payload"))
	n, err := handle.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != len(buf) || string(buf) != "flat-extent-payload" {
		t.Errorf("ReadAt() = %q, unexpected", buf)
	}
}

func TestImageHandleReadAtAdvancesPosition(t *testing.T) {
	handle, err := OpenFromReader(memReader([]byte(combinedDescriptor)), len(combinedDescriptor), buildCombinedImageOpener(t))
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	buf := make([]byte, 16)
	n, err := handle.ReadAt(buf, 1024)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if want := int64(1024 + n); handle.Offset() != want {
		t.Fatalf("Offset() = %d, want %d", handle.Offset(), want)
	}

	// A subsequent position-relative Read must continue from where ReadAt
	// left off, not from wherever Read last stopped.
	buf2 := make([]byte, 8)
	n2, err := handle.Read(buf2)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if handle.Offset() != int64(1024+n+n2) {
		t.Fatalf("Offset() after Read() = %d, want %d", handle.Offset(), 1024+n+n2)
	}
}

func TestImageHandleReadAtCrossesExtentBoundary(t *testing.T) {
	handle, err := OpenFromReader(memReader([]byte(combinedDescriptor)), len(combinedDescriptor), buildCombinedImageOpener(t))
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	// The flat extent ends exactly at byte 1024; read straddling that
	// boundary must stitch together flat zero-padding and sparse grain
	// data from the two distinct extents.
	buf := make([]byte, 48)
	n, err := handle.ReadAt(buf, 1000)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != 48 {
		t.Fatalf("ReadAt() n = %d, want 48", n)
	}
	for i := 24; i < 48; i++ {
		if buf[i] != 0x7A {
			t.Fatalf("byte %d = %x, want 0x7A (sparse grain payload)", i, buf[i])
		}
	}
}

func TestImageHandleReadAtExactlyAtExtentStart(t *testing.T) {
	handle, err := OpenFromReader(memReader([]byte(combinedDescriptor)), len(combinedDescriptor), buildCombinedImageOpener(t))
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	// offset 1024 is the sparse extent's virtual start; the half-open
	// invariant means this must resolve to the second extent, not EOF.
	buf := make([]byte, 16)
	n, err := handle.ReadAt(buf, 1024)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != 16 {
		t.Fatalf("ReadAt() n = %d, want 16", n)
	}
	for _, b := range buf {
		if b != 0x7A {
			t.Fatalf("byte = %x, want 0x7A", b)
		}
	}
}

func TestImageHandleSeekAndRead(t *testing.T) {
	handle, err := OpenFromReader(memReader([]byte(combinedDescriptor)), len(combinedDescriptor), buildCombinedImageOpener(t))
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	pos, err := handle.Seek(1024, io.SeekStart)
	if err != nil {
		t.Fatalf("Seek() error = %v", err)
	}
	if pos != 1024 {
		t.Fatalf("Seek() = %d, want 1024", pos)
	}

	buf := make([]byte, 8)
	n, err := handle.Read(buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if n != 8 {
		t.Fatalf("Read() n = %d, want 8", n)
	}
}

func TestImageHandleSignalAbortStopsRead(t *testing.T) {
	handle, err := OpenFromReader(memReader([]byte(combinedDescriptor)), len(combinedDescriptor), buildCombinedImageOpener(t))
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	handle.SignalAbort()

	_, err = handle.ReadAt(make([]byte, 8), 0)
	if !vmdkerr.Is(err, vmdkerr.DomainRuntime, "abort_requested") {
		t.Fatalf("ReadAt() after SignalAbort error = %v, want runtime/abort_requested", err)
	}
}

func TestImageHandleSeekWhenceVariants(t *testing.T) {
	handle, err := OpenFromReader(memReader([]byte(combinedDescriptor)), len(combinedDescriptor), buildCombinedImageOpener(t))
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	if pos, err := handle.Seek(0, io.SeekStart); err != nil || pos != 0 {
		t.Fatalf("Seek(0, SET) = %d, %v", pos, err)
	}
	if pos, err := handle.Seek(500, io.SeekCurrent); err != nil || pos != 500 {
		t.Fatalf("Seek(500, CUR) = %d, %v", pos, err)
	}
	if pos, err := handle.Seek(-100, io.SeekEnd); err != nil || pos != handle.Size()-100 {
		t.Fatalf("Seek(-100, END) = %d, %v", pos, err)
	}
	if _, err := handle.Seek(-1, io.SeekStart); !vmdkerr.Is(err, vmdkerr.DomainArgument, "value_less_than_zero") {
		t.Fatalf("Seek(-1, SET) error = %v, want argument/value_less_than_zero", err)
	}

	// Seeking past the media size is allowed; the next read returns no
	// bytes.
	if _, err := handle.Seek(handle.Size()+4096, io.SeekStart); err != nil {
		t.Fatalf("Seek() past the media size error = %v", err)
	}
	n, err := handle.Read(make([]byte, 16))
	if n != 0 || err != io.EOF {
		t.Fatalf("Read() past the media size = %d, %v, want 0, io.EOF", n, err)
	}
}

func TestImageHandleZeroLengthRead(t *testing.T) {
	handle, err := OpenFromReader(memReader([]byte(combinedDescriptor)), len(combinedDescriptor), buildCombinedImageOpener(t))
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	if n, err := handle.Read(nil); n != 0 || err != nil {
		t.Fatalf("Read(nil) = %d, %v, want 0, nil", n, err)
	}
	if n, err := handle.ReadAt(nil, 0); n != 0 || err != nil {
		t.Fatalf("ReadAt(nil, 0) = %d, %v, want 0, nil", n, err)
	}
}

func TestImageHandleDescriptorAccessors(t *testing.T) {
	text := `# Disk DescriptorFile
version=1
CID=deadbeef
parentCID=cafef00d
createType="monolithicFlat"
parentFileNameHint="base.vmdk"

# Extent description
RW 2 FLAT "flat.img" 0
`
	flatData := make([]byte, 2*int(sectorSize))
	opener := func(filename string) (io.ReaderAt, func(), error) {
		return memReader(flatData), func() {}, nil
	}
	handle, err := OpenFromReader(memReader([]byte(text)), len(text), opener)
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	if handle.DiskType() != DiskTypeMonolithicFlat {
		t.Errorf("DiskType() = %v, want DiskTypeMonolithicFlat", handle.DiskType())
	}
	if handle.ContentIdentifier() != 0xdeadbeef {
		t.Errorf("ContentIdentifier() = %x, want deadbeef", handle.ContentIdentifier())
	}
	if handle.ParentContentIdentifier() != 0xcafef00d {
		t.Errorf("ParentContentIdentifier() = %x, want cafef00d", handle.ParentContentIdentifier())
	}
	if handle.ParentFilename() != "base.vmdk" {
		t.Errorf("ParentFilename() = %q, want base.vmdk", handle.ParentFilename())
	}
	if handle.NumberOfExtents() != 1 {
		t.Fatalf("NumberOfExtents() = %d, want 1", handle.NumberOfExtents())
	}

	st, err := handle.ExtentDescriptor(0)
	if err != nil {
		t.Fatalf("ExtentDescriptor(0) error = %v", err)
	}
	if st.Type != "FLAT" || st.Size != 1024 {
		t.Errorf("ExtentDescriptor(0) = %+v, unexpected", st)
	}
	if _, err := handle.ExtentDescriptor(1); err == nil {
		t.Errorf("ExtentDescriptor(1) succeeded, want an out-of-range error")
	}
}

func TestOpenWithFlagsRejectsWrite(t *testing.T) {
	opener := buildCombinedImageOpener(t)

	if _, err := OpenWithFlags(memReader([]byte(combinedDescriptor)), int64(len(combinedDescriptor)), OpenRead|OpenWrite, opener); err == nil {
		t.Fatalf("OpenWithFlags(read|write) succeeded, want an error")
	}
	if _, err := OpenWithFlags(memReader([]byte(combinedDescriptor)), int64(len(combinedDescriptor)), 0, opener); err == nil {
		t.Fatalf("OpenWithFlags(0) succeeded, want an error")
	}

	handle, err := OpenWithFlags(memReader([]byte(combinedDescriptor)), int64(len(combinedDescriptor)), OpenRead, opener)
	if err != nil {
		t.Fatalf("OpenWithFlags(read) error = %v", err)
	}
	handle.Close()
}

func TestOpenExtentDataFilesIsIdempotent(t *testing.T) {
	handle, err := OpenFromReader(memReader([]byte(combinedDescriptor)), len(combinedDescriptor), buildCombinedImageOpener(t))
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	if err := handle.OpenExtentDataFiles(); err != nil {
		t.Fatalf("OpenExtentDataFiles() error = %v", err)
	}
	if err := handle.OpenExtentDataFiles(); err != nil {
		t.Fatalf("second OpenExtentDataFiles() error = %v", err)
	}

	buf := make([]byte, 8)
	if _, err := handle.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt() after OpenExtentDataFiles() error = %v", err)
	}
}

func TestOpenFromReaderMonolithicSparseEmbeddedDescriptor(t *testing.T) {
	payload := bytes.Repeat([]byte{0x5C}, 1024)
	img := buildSyntheticSparseImage(t, false, payload)

	desc := "# Disk DescriptorFile\n" +
		"version=1\n" +
		"createType=\"monolithicSparse\"\n" +
		"\n" +
		"# Extent description\n" +
		"RW 4 SPARSE \"self.vmdk\"\n"
	binary.LittleEndian.PutUint64(img[28:36], 1) // descriptor at sector 1
	binary.LittleEndian.PutUint64(img[36:44], 4)
	copy(img[sectorSize:], desc)

	opener := func(filename string) (io.ReaderAt, func(), error) {
		t.Fatalf("opener called for %q; the embedded descriptor's extent must reuse the primary reader", filename)
		return nil, nil, nil
	}
	handle, err := OpenFromReader(memReader(img), 0, opener)
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	if handle.Size() != 2048 {
		t.Fatalf("Size() = %d, want 2048", handle.Size())
	}
	if handle.DiskType() != DiskTypeMonolithicSparse {
		t.Errorf("DiskType() = %v, want DiskTypeMonolithicSparse", handle.DiskType())
	}

	buf := make([]byte, 1024)
	n, err := handle.ReadAt(buf, 0)
	if err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}
	if n != 1024 || !bytes.Equal(buf, payload) {
		t.Errorf("ReadAt() content mismatch, n = %d", n)
	}
}

func TestImageHandleSplitReadMatchesSingleRead(t *testing.T) {
	handle, err := OpenFromReader(memReader([]byte(combinedDescriptor)), len(combinedDescriptor), buildCombinedImageOpener(t))
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	whole := make([]byte, handle.Size())
	if _, err := handle.ReadAt(whole, 0); err != nil {
		t.Fatalf("ReadAt() error = %v", err)
	}

	// The same bytes must come back regardless of where a read is split.
	for _, split := range []int64{1, 511, 512, 1023, 1024, 1025, 2000} {
		first := make([]byte, split)
		second := make([]byte, handle.Size()-split)
		if _, err := handle.ReadAt(first, 0); err != nil {
			t.Fatalf("ReadAt(first, split=%d) error = %v", split, err)
		}
		if _, err := handle.ReadAt(second, split); err != nil {
			t.Fatalf("ReadAt(second, split=%d) error = %v", split, err)
		}
		stitched := append(append([]byte(nil), first...), second...)
		if !bytes.Equal(stitched, whole) {
			t.Fatalf("split at %d produced different bytes than a single read", split)
		}
	}
}

func TestImageHandleUncleanCloseIsWarningNotFatal(t *testing.T) {
	payload := bytes.Repeat([]byte{0x7A}, 1024)
	sparseData := buildSyntheticSparseImage(t, false, payload)
	sparseData[72] = 1 // uncleanly closed

	text := `# Disk DescriptorFile
version=1
createType="monolithicSparse"

# Extent description
RW 4 SPARSE "sparse.img"
`
	opener := func(filename string) (io.ReaderAt, func(), error) {
		return memReader(sparseData), func() {}, nil
	}
	handle, err := OpenFromReader(memReader([]byte(text)), len(text), opener)
	if err != nil {
		t.Fatalf("OpenFromReader() error = %v", err)
	}
	defer handle.Close()

	found := false
	for _, w := range handle.Warnings() {
		if strings.Contains(w, "not closed cleanly") {
			found = true
		}
	}
	if !found {
		t.Errorf("Warnings() = %v, want an unclean-close warning", handle.Warnings())
	}

	// Reads proceed regardless.
	buf := make([]byte, 16)
	if _, err := handle.ReadAt(buf, 0); err != nil {
		t.Errorf("ReadAt() error = %v, want reads to proceed despite the unclean close", err)
	}
}

func TestOpenFromReaderRejectsDescriptorSizeMismatch(t *testing.T) {
	text := `# Disk DescriptorFile
version=1
createType="monolithicSparse"

# Extent description
RW 999 SPARSE "sparse.img"
`
	grainPayload := bytes.Repeat([]byte{0x7A}, 1024)
	sparseData := buildSyntheticSparseImage(t, false, grainPayload)
	opener := func(filename string) (io.ReaderAt, func(), error) {
		return memReader(sparseData), func() {}, nil
	}
	_, err := OpenFromReader(memReader([]byte(text)), len(text), opener)
	if err == nil {
		t.Fatalf("expected a fatal error for a descriptor/header size mismatch")
	}
}
