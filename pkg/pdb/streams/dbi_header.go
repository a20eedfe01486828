package streams

import (
	"fmt"

	"github.com/jtang613/pdbdbi/pkg/pdb/internal/binreader"
)

// DBIVersion is the format version stored in the DBI header.
type DBIVersion uint32

// DBI Stream versions
const (
	DBIStreamVersionVC41 DBIVersion = 930803
	DBIStreamVersionV50  DBIVersion = 19960307
	DBIStreamVersionV60  DBIVersion = 19970606
	DBIStreamVersionV70  DBIVersion = 19990903
	DBIStreamVersionV110 DBIVersion = 20091201
)

// MinDBIVersion is the oldest DBI format this package decodes. Older
// formats use different module and contribution layouts.
const MinDBIVersion = DBIStreamVersionV70

func (v DBIVersion) String() string {
	switch v {
	case DBIStreamVersionVC41:
		return "VC41"
	case DBIStreamVersionV50:
		return "V50"
	case DBIStreamVersionV60:
		return "V60"
	case DBIStreamVersionV70:
		return "V70"
	case DBIStreamVersionV110:
		return "V110"
	default:
		return fmt.Sprintf("DBIVersion(%d)", uint32(v))
	}
}

// Machine types
const (
	MachineUnknown = 0x0000
	MachineI386    = 0x014c
	MachineIA64    = 0x0200
	MachineAMD64   = 0x8664
	MachineARM     = 0x01c0
	MachineARM64   = 0xAA64
)

// DBIHeaderSize is the size of the fixed DBI header in bytes.
const DBIHeaderSize = 64

// BuildNumber packs the toolchain version that wrote the PDB.
type BuildNumber uint16

// Minor returns bits 0-7.
func (b BuildNumber) Minor() uint8 { return uint8(b & 0xff) }

// Major returns bits 8-14.
func (b BuildNumber) Major() uint8 { return uint8((b >> 8) & 0x7f) }

// NewFormat reports whether bit 15 is set. PDBs written by any recent
// toolchain set it.
func (b BuildNumber) NewFormat() bool { return b&0x8000 != 0 }

// DBIFlags are the attribute bits stored near the end of the header.
type DBIFlags uint16

const (
	DBIFlagIncrementalLink  DBIFlags = 0x1
	DBIFlagStrippedPrivate  DBIFlags = 0x2
	DBIFlagConflictingTypes DBIFlags = 0x4
)

// IncrementallyLinked reports whether the image was linked incrementally.
func (f DBIFlags) IncrementallyLinked() bool { return f&DBIFlagIncrementalLink != 0 }

// PrivateSymbolsStripped reports whether private symbols were removed.
func (f DBIFlags) PrivateSymbolsStripped() bool { return f&DBIFlagStrippedPrivate != 0 }

// HasConflictingTypes reports whether the linker saw conflicting type
// definitions.
func (f DBIFlags) HasConflictingTypes() bool { return f&DBIFlagConflictingTypes != 0 }

// DBIHeader is the fixed header of the DBI stream (64 bytes).
type DBIHeader struct {
	VersionSignature        int32      // Always -1
	Version                 DBIVersion // DBI version
	Age                     uint32     // PDB age
	GlobalStreamIndex       uint16     // Global symbols stream index
	BuildNumber             BuildNumber
	PublicStreamIndex       uint16 // Public symbols stream index
	PdbDllVersion           uint16
	SymRecordStream         uint16 // Symbol record stream index
	PdbDllRbld              uint16
	ModInfoSize             int32 // Size of module info substream
	SectionContributionSize int32 // Size of section contribution substream
	SectionMapSize          int32 // Size of section map substream
	SourceInfoSize          int32 // Size of file info substream
	TypeServerMapSize       int32 // Size of type server map substream
	MFCTypeServerIndex      uint32
	OptionalDbgHeaderSize   int32 // Size of the debug stream index array
	ECSubstreamSize         int32 // Size of EC substream
	Flags                   DBIFlags
	Machine                 uint16 // CPU type
	Padding                 uint32
}

func readDBIHeader(r *binreader.Reader) (DBIHeader, error) {
	if r.Remaining() < DBIHeaderSize {
		return DBIHeader{}, structuralf("DBI stream too small: %d bytes, header needs %d", r.Remaining(), DBIHeaderSize)
	}
	h := DBIHeader{
		VersionSignature:        r.I32(),
		Version:                 DBIVersion(r.U32()),
		Age:                     r.U32(),
		GlobalStreamIndex:       r.U16(),
		BuildNumber:             BuildNumber(r.U16()),
		PublicStreamIndex:       r.U16(),
		PdbDllVersion:           r.U16(),
		SymRecordStream:         r.U16(),
		PdbDllRbld:              r.U16(),
		ModInfoSize:             r.I32(),
		SectionContributionSize: r.I32(),
		SectionMapSize:          r.I32(),
		SourceInfoSize:          r.I32(),
		TypeServerMapSize:       r.I32(),
		MFCTypeServerIndex:      r.U32(),
		OptionalDbgHeaderSize:   r.I32(),
		ECSubstreamSize:         r.I32(),
		Flags:                   DBIFlags(r.U16()),
		Machine:                 r.U16(),
		Padding:                 r.U32(),
	}
	if err := r.Err(); err != nil {
		return DBIHeader{}, truncated("DBI header", err)
	}
	return h, nil
}

type sizeField struct {
	name    string
	size    int32
	aligned bool
}

func (h *DBIHeader) sizeFields() []sizeField {
	return []sizeField{
		{"module info", h.ModInfoSize, true},
		{"section contribution", h.SectionContributionSize, true},
		{"section map", h.SectionMapSize, true},
		{"file info", h.SourceInfoSize, true},
		{"type server map", h.TypeServerMapSize, true},
		{"EC", h.ECSubstreamSize, false},
		{"optional debug header", h.OptionalDbgHeaderSize, false},
	}
}

// validate checks the header against the total length of the stream. The
// checks run in a fixed order and the first failure is returned.
func (h *DBIHeader) validate(streamLen int) error {
	if h.VersionSignature != -1 {
		return structuralf("invalid DBI version signature: %d", h.VersionSignature)
	}
	if h.Version < MinDBIVersion {
		return unsupportedf("unsupported DBI version %v, need %v or later", h.Version, MinDBIVersion)
	}
	fields := h.sizeFields()
	expected := int64(DBIHeaderSize)
	for _, f := range fields {
		if f.size < 0 {
			return structuralf("DBI %s substream has negative size %d", f.name, f.size)
		}
		expected += int64(f.size)
	}
	if expected != int64(streamLen) {
		return structuralf("DBI length %d does not equal sum of substreams %d", streamLen, expected)
	}
	for _, f := range fields {
		if f.aligned && f.size%4 != 0 {
			return structuralf("DBI %s substream not aligned: size %d", f.name, f.size)
		}
	}
	return nil
}

// MachineTypeName returns the human-readable name for a machine type.
func MachineTypeName(machine uint16) string {
	switch machine {
	case MachineI386:
		return "x86"
	case MachineAMD64:
		return "x64"
	case MachineARM:
		return "ARM"
	case MachineARM64:
		return "ARM64"
	case MachineIA64:
		return "IA64"
	default:
		return fmt.Sprintf("0x%04x", machine)
	}
}
