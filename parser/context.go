// This file implements the read coordinator (ImageHandle): it owns the
// opened extent list built from an ImageModel, dispatches ReadAt calls to
// the right extent by virtual offset, and exposes the abort/cancel
// surface the rest of the package is built around.
package parser

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync/atomic"

	pcache "github.com/kdmvio/vmdk/parser/cache"
	"github.com/kdmvio/vmdk/vmdkerr"
)

// Opener resolves an extent's descriptor filename to a readable backing
// store, alongside a closer to release it. Callers typically resolve
// relative to the directory containing the primary descriptor.
type Opener func(filename string) (reader io.ReaderAt, closer func(), err error)

// ImageHandle is an open virtual disk: a parsed ImageModel plus one
// opened Extent per descriptor extent line, addressable as a single
// flat byte stream.
type ImageHandle struct {
	model   *ImageModel
	profile *VMDKProfile

	extents    []Extent
	total_size int64

	position int64 // io.Seeker cursor for Read/Seek

	aborted int32
	cancel  context.CancelFunc
	ctx     context.Context
}

// Size returns the image's total addressable size in bytes.
func (h *ImageHandle) Size() int64 {
	return h.total_size
}

// Config returns the parsed descriptor model.
func (h *ImageHandle) Config() *ImageModel {
	return h.model
}

// Offset returns the handle's current logical position, as last set by
// Seek, Read, or ReadAt.
func (h *ImageHandle) Offset() int64 {
	return h.position
}

// DiskType returns the descriptor's createType, mapped to the exposed
// disk-type enumeration.
func (h *ImageHandle) DiskType() DiskType {
	return h.model.DiskType
}

// ContentIdentifier returns the descriptor's CID.
func (h *ImageHandle) ContentIdentifier() uint32 {
	return h.model.ContentIdentifier
}

// ParentContentIdentifier returns the descriptor's parentCID. The parent
// link is exposed but never followed.
func (h *ImageHandle) ParentContentIdentifier() uint32 {
	return h.model.ParentContentIdentifier
}

// ParentFilename returns the descriptor's parentFileNameHint, or "" when
// the image has no parent.
func (h *ImageHandle) ParentFilename() string {
	return h.model.ParentFilename
}

// NumberOfExtents returns how many extents back the image.
func (h *ImageHandle) NumberOfExtents() int {
	return len(h.extents)
}

// ExtentDescriptor returns the i-th extent's identity snapshot, in
// virtual-offset order.
func (h *ImageHandle) ExtentDescriptor(i int) (ExtentStat, error) {
	if i < 0 || i >= len(h.extents) {
		return ExtentStat{}, vmdkerr.New(vmdkerr.DomainRuntime, "value_out_of_bounds",
			fmt.Sprintf("extent index %d out of range", i))
	}
	return h.extents[i].Stats(), nil
}

// Extents returns a snapshot of every opened extent's identity, in
// virtual-offset order.
func (h *ImageHandle) Extents() []ExtentStat {
	stats := make([]ExtentStat, 0, len(h.extents))
	for _, e := range h.extents {
		stats = append(stats, e.Stats())
	}
	return stats
}

// Warnings returns nonfatal conditions noticed while opening the image:
// those recorded while parsing the descriptor, such as an unrecognized
// ddb.* key, plus one for each sparse extent whose header marks an
// unclean close.
func (h *ImageHandle) Warnings() []string {
	warnings := append([]string(nil), h.model.Warnings...)
	for _, e := range h.extents {
		if se, ok := e.(*SparseExtent); ok && se.header.UncleanlyClosed != 0 {
			warnings = append(warnings, fmt.Sprintf("extent %q was not closed cleanly", se.filename))
		}
	}
	return warnings
}

// Debug prints each extent's internal state, for CLI diagnostics.
func (h *ImageHandle) Debug() {
	for _, e := range h.extents {
		e.Debug()
	}
}

// Close releases every opened extent's underlying file handle.
func (h *ImageHandle) Close() {
	h.closeAll()
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *ImageHandle) closeAll() {
	for _, e := range h.extents {
		e.Close()
	}
}

// SignalAbort requests that any in-progress read return early. It is
// safe to call concurrently with ReadAt, from any goroutine.
func (h *ImageHandle) SignalAbort() {
	atomic.StoreInt32(&h.aborted, 1)
	if h.cancel != nil {
		h.cancel()
	}
}

func (h *ImageHandle) isAborted() bool {
	return atomic.LoadInt32(&h.aborted) != 0
}

// locateExtent finds the extent covering the half-open virtual range
// containing offset, i.e. [virtual_start, virtual_end).
func (h *ImageHandle) locateExtent(offset int64) (Extent, error) {
	n := sort.Search(len(h.extents), func(i int) bool {
		return h.extents[i].VirtualOffset() > offset
	})

	if n < 1 {
		return nil, io.EOF
	}

	extent := h.extents[n-1]
	vs := extent.VirtualOffset()
	ve := vs + extent.TotalSize()
	if offset < vs || offset >= ve {
		return nil, io.EOF
	}

	return extent, nil
}

// ReadAt fills buf from the image's flat virtual address space starting
// at offset, dispatching each partial read to the extent that covers it.
// This advances the handle's position cursor to offset+n, the same
// observable behavior as libvmdk's libvmdk_handle_read_buffer_at_offset.
func (h *ImageHandle) ReadAt(buf []byte, offset int64) (int, error) {
	n, err := h.readAtOffset(buf, offset)
	h.position = offset + int64(n)
	return n, err
}

func (h *ImageHandle) readAtOffset(buf []byte, offset int64) (int, error) {
	// A zero-length read is always a successful no-op, even past the end
	// of the media.
	if len(buf) == 0 {
		return 0, nil
	}
	if offset < 0 || offset >= h.total_size {
		return 0, io.EOF
	}

	available := h.total_size - offset
	if int64(len(buf)) > available {
		buf = buf[:available]
	}

	var i int64
	bufLen := int64(len(buf))

	for i < bufLen {
		if h.isAborted() {
			return int(i), vmdkerr.New(vmdkerr.DomainRuntime, "abort_requested", "read aborted")
		}
		select {
		case <-h.ctx.Done():
			return int(i), vmdkerr.New(vmdkerr.DomainRuntime, "abort_requested", "read canceled")
		default:
		}

		extent, err := h.locateExtent(offset + i)
		if err != nil {
			return int(i), err
		}

		indexInExtent := offset + i - extent.VirtualOffset()
		availableInExtent := extent.TotalSize() - indexInExtent
		toRead := bufLen - i
		if toRead > availableInExtent {
			toRead = availableInExtent
		}

		n, err := extent.ReadAt(buf[i:i+toRead], indexInExtent)
		if err != nil && err != io.EOF {
			return int(i), err
		}
		if n == 0 {
			break
		}
		i += int64(n)
	}

	return int(i), nil
}

// Read implements io.Reader over the handle's own position cursor.
func (h *ImageHandle) Read(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	n, err := h.readAtOffset(buf, h.position)
	h.position += int64(n)
	if n == 0 && err == nil {
		return 0, io.EOF
	}
	return n, err
}

// Seek implements io.Seeker over the handle's own position cursor.
func (h *ImageHandle) Seek(offset int64, whence int) (int64, error) {
	var newPos int64
	switch whence {
	case io.SeekStart:
		newPos = offset
	case io.SeekCurrent:
		newPos = h.position + offset
	case io.SeekEnd:
		newPos = h.total_size + offset
	default:
		return 0, vmdkerr.New(vmdkerr.DomainArgument, "unsupported_value", "unknown seek whence")
	}
	if newPos < 0 {
		return 0, vmdkerr.New(vmdkerr.DomainArgument, "value_less_than_zero", "negative seek position")
	}
	h.position = newPos
	return newPos, nil
}

// OpenExtentDataFiles confirms every extent backing file referenced by
// the descriptor is open. OpenFromReader already opens every extent
// eagerly while parsing, so this is always a no-op success once a
// handle exists; it is provided so callers written against the
// two-step open/open-extents sequence have something to call, and so
// repeated calls are idempotent.
func (h *ImageHandle) OpenExtentDataFiles() error {
	return nil
}

// OpenFromReader parses the descriptor readable from reader (a
// top-level sidecar *.vmdk file, or a sparse container's own embedded
// descriptor) and eagerly opens every extent it references via opener.
// sizeHint bounds how much of reader is read while searching for the
// descriptor text; 0 means use the library default.
func OpenFromReader(reader io.ReaderAt, sizeHint int, opener Opener) (*ImageHandle, error) {
	profile := NewVMDKProfile()

	readSize := sizeHint
	if readSize <= 0 || readSize > 64*1024 {
		readSize = 64 * 1024
	}

	buf := make([]byte, readSize)
	n, err := reader.ReadAt(buf, 0)
	if err != nil && err != io.EOF {
		return nil, vmdkerr.Wrap(vmdkerr.DomainIO, "read_failed", "reading descriptor header", err)
	}
	buf = buf[:n]

	var descriptorText string
	var embeddedHeader *SparseHeader

	if isSparseMagic(buf) {
		header, err := DecodeSparseHeader(reader)
		if err != nil {
			return nil, err
		}
		embeddedHeader = header
		descriptorText, err = header.ReadEmbeddedDescriptor(reader)
		if err != nil {
			return nil, err
		}
	} else {
		descriptorText = string(buf)
	}

	model, err := ParseDescriptor(descriptorText)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	handle := &ImageHandle{
		model:   model,
		profile: profile,
		ctx:     ctx,
		cancel:  cancel,
	}

	grainCache := pcache.NewGrainCache(profile.GrainCacheCapacity)
	tableCache := pcache.NewTableCache(profile.GrainTableCacheCapacity)

	for idx, spec := range model.Extents {
		extentID := uint32(idx)

		if spec.StorageKind == StorageZero {
			ze := NewZeroExtent(handle.total_size, int64(spec.NominalSizeSectors)*sectorSize)
			handle.extents = append(handle.extents, ze)
			handle.total_size += ze.TotalSize()
			continue
		}

		var extentReader io.ReaderAt
		var closer func()

		// A descriptor embedded in the sparse container itself refers to
		// its own file; reuse the already-open reader rather than asking
		// the opener to resolve "itself".
		reusesPrimary := embeddedHeader != nil && idx == 0
		if reusesPrimary {
			extentReader = reader
			closer = nil
		} else {
			extentReader, closer, err = opener(spec.Filename)
			if err != nil {
				handle.closeAll()
				return nil, vmdkerr.Wrap(vmdkerr.DomainIO, "open_failed",
					fmt.Sprintf("opening extent %q", spec.Filename), err)
			}
		}

		switch spec.StorageKind {
		case StorageSparse, StorageVMFSSparse:
			var preDecoded *SparseHeader
			if reusesPrimary {
				preDecoded = embeddedHeader
			}
			extent, err := GetSparseExtent(extentReader, extentID, profile, grainCache, tableCache, preDecoded)
			if err != nil {
				handle.closeAll()
				return nil, vmdkerr.Wrap(vmdkerr.DomainInput, "invalid_data",
					fmt.Sprintf("opening sparse extent %q", spec.Filename), err)
			}
			if int64(spec.NominalSizeSectors)*sectorSize != extent.TotalSize() {
				handle.closeAll()
				return nil, vmdkerr.New(vmdkerr.DomainInput, "value_mismatch",
					fmt.Sprintf("extent %q: descriptor size disagrees with sparse header capacity", spec.Filename))
			}
			extent.offset = handle.total_size
			extent.filename = spec.Filename
			extent.closer = closer
			extent.kind = spec.StorageKind.String()
			handle.total_size += extent.TotalSize()
			handle.extents = append(handle.extents, extent)

		case StorageFlat, StorageVMFS, StorageVMFSRDM, StorageVMFSRaw:
			extent, err := GetFlatExtent(
				extentReader,
				spec.Filename,
				spec.StorageKind,
				int64(spec.StartOffsetSectors),
				int64(spec.NominalSizeSectors),
				handle.total_size,
				profile,
				closer,
			)
			if err != nil {
				handle.closeAll()
				return nil, vmdkerr.Wrap(vmdkerr.DomainIO, "open_failed",
					fmt.Sprintf("opening flat extent %q", spec.Filename), err)
			}
			handle.total_size += extent.TotalSize()
			handle.extents = append(handle.extents, extent)

		default:
			handle.closeAll()
			return nil, vmdkerr.New(vmdkerr.DomainInput, "unsupported_value",
				"unsupported extent storage kind "+spec.StorageKind.String())
		}
	}

	return handle, nil
}

// OpenFlag is the access-flag bitset accepted by OpenWithFlags.
type OpenFlag uint32

const (
	OpenRead OpenFlag = 1 << iota
	OpenWrite
)

// Open is the convenience entry point matching the literal open/size/
// opener shape: reader is the primary descriptor (or monolithic sparse
// file carrying an embedded one), size bounds the descriptor search,
// and opener resolves every other extent filename.
func Open(reader io.ReaderAt, size int64, opener Opener) (*ImageHandle, error) {
	return OpenFromReader(reader, int(size), opener)
}

// OpenWithFlags is Open with an explicit access-flag bitset. Read access
// is required; write access is rejected, since the library is read-only.
func OpenWithFlags(reader io.ReaderAt, size int64, flags OpenFlag, opener Opener) (*ImageHandle, error) {
	if flags&OpenRead == 0 {
		return nil, vmdkerr.New(vmdkerr.DomainArgument, "unsupported_value",
			"read access flag is required")
	}
	if flags&^OpenRead != 0 {
		return nil, vmdkerr.New(vmdkerr.DomainArgument, "unsupported_value",
			"write access is not supported")
	}
	return OpenFromReader(reader, int(size), opener)
}

func isSparseMagic(buf []byte) bool {
	if len(buf) < 4 {
		return false
	}
	return uint32(buf[0])|uint32(buf[1])<<8|uint32(buf[2])<<16|uint32(buf[3])<<24 == sparseMagic
}
