// This file implements the descriptor lexer/parser: it turns the
// free-form textual descriptor (either a sidecar *.vmdk file or the text
// embedded in a sparse header) into an ImageModel. It does no I/O of its
// own — ParseDescriptor takes already-read text and returns a model whose
// extents are not yet backed by open files.
package parser

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/kdmvio/vmdk/vmdkerr"
)

var (
	descriptorHeaderRegex = regexp.MustCompile(`^# Disk DescriptorFile`)
	extentSectionRegex    = regexp.MustCompile(`^# Extent [Dd]escription`)
	diskDataBaseRegex     = regexp.MustCompile(`^# The Disk Data Base`)

	headerLineRegex = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_.]*)\s*=\s*(.*)$`)
	extentLineRegex = regexp.MustCompile(`^(RW|RDONLY|NOACCESS)\s+(\d+)\s+([A-Z]+)\s+("(?:[^"\\]|\\.)*"|\S+)(?:\s+(\d+))?\s*$`)
)

// ParseDescriptor tokenizes descriptor text into an ImageModel. Extent
// lines populate model.Extents as specs only; no file is opened here.
// Every fatal parse error carries the 1-based line and column of the
// offending text.
func ParseDescriptor(text string) (*ImageModel, error) {
	model := NewImageModel()

	// Descriptor-only files, and the text embedded in a sparse header,
	// both start directly with key=value lines with no preceding comment
	// in some writers, so default to the header state.
	state := "header"

	for lineNo, raw := range strings.Split(text, "\n") {
		lineNumber := lineNo + 1
		line := strings.TrimRight(raw, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		if strings.HasPrefix(trimmed, "#") {
			switch {
			case descriptorHeaderRegex.MatchString(trimmed):
				state = "header"
			case extentSectionRegex.MatchString(trimmed):
				state = "extents"
			case diskDataBaseRegex.MatchString(trimmed):
				state = "ddb"
			}
			continue
		}

		switch state {
		case "header", "ddb":
			key, value, column, ok := parseHeaderLine(trimmed)
			if !ok {
				continue
			}
			if apply, known := imageModelSetters(model)[key]; known {
				if err := apply(value, lineNumber, column); err != nil {
					return nil, err
				}
			} else {
				model.Warnings = append(model.Warnings,
					fmt.Sprintf("line %d: ignored unrecognized descriptor key %q", lineNumber, key))
			}

		case "extents":
			spec, err := parseExtentLine(trimmed, lineNumber)
			if err != nil {
				return nil, err
			}
			model.Extents = append(model.Extents, spec)
		}
	}

	return model, nil
}

// parseHeaderLine splits a "KEY = VALUE" line, unescaping a
// double-quoted VALUE. column is the 1-based offset of VALUE within
// line, for use in positional error messages raised while converting it.
func parseHeaderLine(line string) (key, value string, column int, ok bool) {
	loc := headerLineRegex.FindStringSubmatchIndex(line)
	if loc == nil {
		return "", "", 0, false
	}
	key = line[loc[2]:loc[3]]
	rawValue := line[loc[4]:loc[5]]
	return key, unquote(strings.TrimSpace(rawValue)), loc[4] + 1, true
}

// parseExtentLine parses one "MODE SIZE_SECTORS KIND FILENAME
// [START_SECTORS]" line; the size comes before the storage kind.
func parseExtentLine(line string, lineNumber int) (ExtentSpec, error) {
	loc := extentLineRegex.FindStringSubmatchIndex(line)
	if loc == nil {
		return ExtentSpec{}, vmdkerr.NewAt(vmdkerr.DomainInput, "invalid_data",
			fmt.Sprintf("malformed extent line: %q", line), lineNumber, 1)
	}
	submatch := func(i int) (string, int) {
		if loc[2*i] < 0 {
			return "", 0
		}
		return line[loc[2*i]:loc[2*i+1]], loc[2*i] + 1
	}

	modeStr, modeCol := submatch(1)
	mode, err := parseAccessMode(modeStr, lineNumber, modeCol)
	if err != nil {
		return ExtentSpec{}, err
	}

	sizeStr, sizeCol := submatch(2)
	size, err := strconv.ParseUint(sizeStr, 10, 64)
	if err != nil {
		return ExtentSpec{}, vmdkerr.WrapAt(vmdkerr.DomainConversion, "generic",
			"parsing extent size in sectors", lineNumber, sizeCol, err)
	}

	kindStr, kindCol := submatch(3)
	kind, err := parseStorageKind(kindStr, lineNumber, kindCol)
	if err != nil {
		return ExtentSpec{}, err
	}

	filenameRaw, _ := submatch(4)
	filename := unquote(filenameRaw)

	var start uint64
	if startStr, startCol := submatch(5); startStr != "" {
		start, err = strconv.ParseUint(startStr, 10, 64)
		if err != nil {
			return ExtentSpec{}, vmdkerr.WrapAt(vmdkerr.DomainConversion, "generic",
				"parsing extent start offset in sectors", lineNumber, startCol, err)
		}
	}

	return ExtentSpec{
		AccessMode:         mode,
		NominalSizeSectors: size,
		StorageKind:        kind,
		Filename:           filename,
		StartOffsetSectors: start,
	}, nil
}

func parseAccessMode(s string, lineNumber, column int) (AccessMode, error) {
	switch s {
	case "RW":
		return AccessRW, nil
	case "RDONLY":
		return AccessRO, nil
	case "NOACCESS":
		return AccessNoAccess, nil
	default:
		return 0, vmdkerr.NewAt(vmdkerr.DomainInput, "invalid_data",
			"unknown extent access mode "+s, lineNumber, column)
	}
}

func parseStorageKind(s string, lineNumber, column int) (StorageKind, error) {
	switch s {
	case "FLAT":
		return StorageFlat, nil
	case "SPARSE":
		return StorageSparse, nil
	case "ZERO":
		return StorageZero, nil
	case "VMFS":
		return StorageVMFS, nil
	case "VMFSSPARSE":
		return StorageVMFSSparse, nil
	case "VMFSRDM":
		return StorageVMFSRDM, nil
	case "VMFSRAW":
		return StorageVMFSRaw, nil
	default:
		return 0, vmdkerr.NewAt(vmdkerr.DomainInput, "unsupported_value",
			"unknown extent storage kind "+s, lineNumber, column)
	}
}

// unquote strips and unescapes a double-quoted value. A bare (unquoted)
// value is returned unchanged.
func unquote(v string) string {
	if len(v) >= 2 && v[0] == '"' && v[len(v)-1] == '"' {
		inner := v[1 : len(v)-1]
		var b strings.Builder
		for i := 0; i < len(inner); i++ {
			if inner[i] == '\\' && i+1 < len(inner) && (inner[i+1] == '"' || inner[i+1] == '\\') {
				i++
			}
			b.WriteByte(inner[i])
		}
		return b.String()
	}
	return v
}

func parseHexUint32(v string, lineNumber, column int) (uint32, error) {
	n, err := strconv.ParseUint(v, 16, 32)
	if err != nil {
		return 0, vmdkerr.WrapAt(vmdkerr.DomainConversion, "generic",
			"parsing hexadecimal descriptor value "+v, lineNumber, column, err)
	}
	return uint32(n), nil
}

func parseDecimalUint64(v string, lineNumber, column int) (uint64, error) {
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, vmdkerr.WrapAt(vmdkerr.DomainConversion, "generic",
			"parsing decimal descriptor value "+v, lineNumber, column, err)
	}
	return n, nil
}

func newUnsupportedCreateTypeError(v string, lineNumber, column int) error {
	return vmdkerr.NewAt(vmdkerr.DomainInput, "unsupported_value",
		"unknown createType "+strconv.Quote(v), lineNumber, column)
}
