package parser

import (
	"encoding/json"
	"fmt"
)

// DiskType is the disk-type enumeration exposed for source compatibility;
// the integer values are preserved so a caller expecting the original
// library's codes gets the same numbers back.
type DiskType int

const (
	DiskTypeUnknown              DiskType = 0
	DiskType2GBExtentFlat        DiskType = 1
	DiskType2GBExtentSparse      DiskType = 2
	DiskTypeCustom               DiskType = 3
	DiskTypeDevice               DiskType = 4
	DiskTypeDevicePartitioned    DiskType = 5
	DiskTypeMonolithicFlat       DiskType = 6
	DiskTypeMonolithicSparse     DiskType = 7
	DiskTypeStreamOptimized      DiskType = 8
	DiskTypeVMFSFlat             DiskType = 9
	DiskTypeVMFSFlatPreallocated DiskType = 10
	DiskTypeVMFSFlatZeroed       DiskType = 11
	DiskTypeVMFSRaw              DiskType = 12
	DiskTypeVMFSRDM              DiskType = 13
	DiskTypeVMFSRDMP             DiskType = 14
	DiskTypeVMFSSparse           DiskType = 15
	DiskTypeVMFSSparseThin       DiskType = 16
	DiskTypeVMFSSparse2GB        DiskType = 17
)

// createTypeTable maps the descriptor's createType value to a DiskType.
// An unrecognized createType is a fatal parse error.
var createTypeTable = map[string]DiskType{
	"monolithicSparse":            DiskTypeMonolithicSparse,
	"monolithicFlat":              DiskTypeMonolithicFlat,
	"2GbMaxExtentSparse":          DiskType2GBExtentSparse,
	"2GbMaxExtentFlat":            DiskType2GBExtentFlat,
	"streamOptimized":             DiskTypeStreamOptimized,
	"vmfs":                        DiskTypeVMFSFlat,
	"vmfsSparse":                  DiskTypeVMFSSparse,
	"vmfsRaw":                     DiskTypeVMFSRaw,
	"fullDevice":                  DiskTypeDevice,
	"partitionedDevice":           DiskTypeDevicePartitioned,
	"vmfsRawDeviceMap":            DiskTypeVMFSRDM,
	"vmfsPassthroughRawDeviceMap": DiskTypeVMFSRDMP,
}

// ImageModel is the parsed descriptor: disk type, parent linkage and the
// ordered extent list. A parser builds it once at open; it is immutable
// afterwards.
type ImageModel struct {
	Version                 string
	Encoding                string
	ContentIdentifier       uint32
	ParentContentIdentifier uint32
	DiskType                DiskType
	ParentFilename          string
	Extents                 []ExtentSpec

	AdapterType       string
	GeometryCylinders uint64
	GeometryHeads     uint64
	GeometrySectors   uint64
	LongContentID     string
	UUID              string
	VirtualHWVersion  string

	// Warnings collects nonfatal conditions noticed while parsing, such as
	// an unrecognized ddb.* key.
	Warnings []string
}

// NewImageModel returns an ImageModel carrying the same defaults the
// original library assumes for a descriptor that omits a key.
func NewImageModel() *ImageModel {
	return &ImageModel{
		Version:     "1",
		Encoding:    "UTF-8",
		DiskType:    DiskTypeUnknown,
		AdapterType: "lsilogic",
	}
}

// imageModelSetters returns the key -> apply function table the
// descriptor parser consults for each recognized header/ddb key. Keys not
// present in the table are recorded as a warning rather than rejected.
// Each apply function receives the 1-based line and column of the value
// being applied, so a conversion or validation failure can report exactly
// where in the descriptor it occurred.
func imageModelSetters(model *ImageModel) map[string]func(v string, line, column int) error {
	return map[string]func(v string, line, column int) error{
		"version":  func(v string, line, column int) error { model.Version = v; return nil },
		"encoding": func(v string, line, column int) error { model.Encoding = v; return nil },
		"CID": func(v string, line, column int) error {
			cid, err := parseHexUint32(v, line, column)
			if err != nil {
				return err
			}
			model.ContentIdentifier = cid
			return nil
		},
		"parentCID": func(v string, line, column int) error {
			cid, err := parseHexUint32(v, line, column)
			if err != nil {
				return err
			}
			model.ParentContentIdentifier = cid
			return nil
		},
		"createType": func(v string, line, column int) error {
			dt, ok := createTypeTable[v]
			if !ok {
				return newUnsupportedCreateTypeError(v, line, column)
			}
			model.DiskType = dt
			return nil
		},
		"parentFileNameHint": func(v string, line, column int) error { model.ParentFilename = v; return nil },
		"ddb.adapterType":    func(v string, line, column int) error { model.AdapterType = v; return nil },
		"ddb.geometry.cylinders": func(v string, line, column int) error {
			n, err := parseDecimalUint64(v, line, column)
			if err != nil {
				return err
			}
			model.GeometryCylinders = n
			return nil
		},
		"ddb.geometry.heads": func(v string, line, column int) error {
			n, err := parseDecimalUint64(v, line, column)
			if err != nil {
				return err
			}
			model.GeometryHeads = n
			return nil
		},
		"ddb.geometry.sectors": func(v string, line, column int) error {
			n, err := parseDecimalUint64(v, line, column)
			if err != nil {
				return err
			}
			model.GeometrySectors = n
			return nil
		},
		"ddb.longContentID":    func(v string, line, column int) error { model.LongContentID = v; return nil },
		"ddb.uuid":             func(v string, line, column int) error { model.UUID = v; return nil },
		"ddb.virtualHWVersion": func(v string, line, column int) error { model.VirtualHWVersion = v; return nil },
	}
}

// PrintImageModel renders model as indented JSON, for the info CLI command.
func PrintImageModel(model ImageModel) (string, error) {
	out, err := json.MarshalIndent(model, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshalling image model: %w", err)
	}
	return string(out), nil
}
