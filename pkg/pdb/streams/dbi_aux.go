package streams

import (
	"bytes"
	"fmt"

	"github.com/jtang613/pdbdbi/pkg/pdb/internal/binreader"
)

// DebugStreamKind selects a slot of the optional debug header, the array of
// stream indices at the end of the DBI stream.
type DebugStreamKind int

const (
	DebugStreamFPO DebugStreamKind = iota
	DebugStreamException
	DebugStreamFixup
	DebugStreamOmapToSource
	DebugStreamOmapFromSource
	DebugStreamSectionHeaders
	DebugStreamTokenRIDMap
	DebugStreamXdata
	DebugStreamPdata
	DebugStreamNewFPO
	DebugStreamOriginalSectionHeaders
)

var debugStreamNames = [...]string{
	"FPO", "Exception", "Fixup", "OmapToSource", "OmapFromSource",
	"SectionHeaders", "TokenRIDMap", "Xdata", "Pdata", "NewFPO",
	"OriginalSectionHeaders",
}

func (k DebugStreamKind) String() string {
	if k >= 0 && int(k) < len(debugStreamNames) {
		return debugStreamNames[k]
	}
	return fmt.Sprintf("DebugStreamKind(%d)", int(k))
}

// SectionCharacteristics are the IMAGE_SCN_* flags of a COFF section.
type SectionCharacteristics uint32

const (
	SectionTypeNoPadding             SectionCharacteristics = 0x00000008
	SectionContainsCode              SectionCharacteristics = 0x00000020
	SectionContainsInitializedData   SectionCharacteristics = 0x00000040
	SectionContainsUninitializedData SectionCharacteristics = 0x00000080
	SectionLinkerOther               SectionCharacteristics = 0x00000100
	SectionLinkerInfo                SectionCharacteristics = 0x00000200
	SectionLinkerRemove              SectionCharacteristics = 0x00000800
	SectionLinkerComdat              SectionCharacteristics = 0x00001000
	SectionGlobalPointerRelative     SectionCharacteristics = 0x00008000
	SectionAlignMask                 SectionCharacteristics = 0x00F00000
	SectionLinkerExtendedRelocations SectionCharacteristics = 0x01000000
	SectionMemoryDiscardable         SectionCharacteristics = 0x02000000
	SectionMemoryNotCached           SectionCharacteristics = 0x04000000
	SectionMemoryNotPaged            SectionCharacteristics = 0x08000000
	SectionMemoryShared              SectionCharacteristics = 0x10000000
	SectionMemoryExecute             SectionCharacteristics = 0x20000000
	SectionMemoryRead                SectionCharacteristics = 0x40000000
	SectionMemoryWrite               SectionCharacteristics = 0x80000000
)

// Has reports whether all bits of flag are set.
func (c SectionCharacteristics) Has(flag SectionCharacteristics) bool {
	return c&flag == flag
}

// Alignment returns the section alignment in bytes encoded in the
// characteristics, or 0 if none is specified.
func (c SectionCharacteristics) Alignment() uint32 {
	n := uint32(c&SectionAlignMask) >> 20
	if n == 0 {
		return 0
	}
	return 1 << (n - 1)
}

// CoffSectionHeaderSize is the size of an IMAGE_SECTION_HEADER.
const CoffSectionHeaderSize = 40

// CoffSectionHeader is a PE section header as copied into the PDB.
type CoffSectionHeader struct {
	Name                 [8]byte
	VirtualSize          uint32
	VirtualAddress       uint32 // RVA of the section
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLinenumbers uint32
	NumberOfRelocations  uint16
	NumberOfLinenumbers  uint16
	Characteristics      SectionCharacteristics
}

// NameString returns the section name up to the first NUL.
func (s *CoffSectionHeader) NameString() string {
	if i := bytes.IndexByte(s.Name[:], 0); i >= 0 {
		return string(s.Name[:i])
	}
	return string(s.Name[:])
}

func readCoffSectionHeader(r *binreader.Reader) CoffSectionHeader {
	var s CoffSectionHeader
	copy(s.Name[:], r.Bytes(8))
	s.VirtualSize = r.U32()
	s.VirtualAddress = r.U32()
	s.SizeOfRawData = r.U32()
	s.PointerToRawData = r.U32()
	s.PointerToRelocations = r.U32()
	s.PointerToLinenumbers = r.U32()
	s.NumberOfRelocations = r.U16()
	s.NumberOfLinenumbers = r.U16()
	s.Characteristics = SectionCharacteristics(r.U32())
	return s
}

// SectionMapFlags are the OMF segment descriptor flags.
type SectionMapFlags uint16

const (
	SectionMapRead           SectionMapFlags = 0x0001
	SectionMapWrite          SectionMapFlags = 0x0002
	SectionMapExecute        SectionMapFlags = 0x0004
	SectionMapAddressIs32Bit SectionMapFlags = 0x0008
	SectionMapIsSelector     SectionMapFlags = 0x0100
	SectionMapIsAbsolute     SectionMapFlags = 0x0200
	SectionMapIsGroup        SectionMapFlags = 0x0400
)

// SectionMapEntrySize is the size of one section map entry.
const SectionMapEntrySize = 20

// SectionMapEntry is an OMF-era segment descriptor.
type SectionMapEntry struct {
	Flags         SectionMapFlags
	Ovl           uint16 // logical overlay number
	Group         uint16 // group index into the descriptor array
	Frame         uint16
	SectionName   uint16 // byte index of the segment name in the sstSegName table, or 0xFFFF
	ClassName     uint16 // byte index of the class name in the sstSegName table, or 0xFFFF
	Offset        uint32 // byte offset of the logical segment within the physical segment
	SecByteLength uint32
}

func readSectionMapEntry(r *binreader.Reader) SectionMapEntry {
	return SectionMapEntry{
		Flags:         SectionMapFlags(r.U16()),
		Ovl:           r.U16(),
		Group:         r.U16(),
		Frame:         r.U16(),
		SectionName:   r.U16(),
		ClassName:     r.U16(),
		Offset:        r.U32(),
		SecByteLength: r.U32(),
	}
}

// SectionMap is the decoded section map substream.
type SectionMap struct {
	Count    uint16
	LogCount uint16
	Entries  []SectionMapEntry
}

func parseSectionMap(data []byte) (*SectionMap, error) {
	if len(data) == 0 {
		return nil, nil
	}
	r := binreader.New("section map substream", data)
	m := &SectionMap{Count: r.U16(), LogCount: r.U16()}
	if err := r.Err(); err != nil {
		return nil, truncated("section map header", err)
	}
	if want := int(m.Count) * SectionMapEntrySize; r.Remaining() != want {
		return nil, structuralf("corrupted section map: %d entries need %d bytes, have %d", m.Count, want, r.Remaining())
	}
	entries, err := readFixedRecords(r, "section map", SectionMapEntrySize, readSectionMapEntry)
	if err != nil {
		return nil, err
	}
	m.Entries = entries
	return m, nil
}

// FrameType is the kind of frame described by an FPO record.
type FrameType uint8

const (
	FrameFPO    FrameType = 0
	FrameTrap   FrameType = 1
	FrameTSS    FrameType = 2
	FrameNonFPO FrameType = 3
)

func (t FrameType) String() string {
	switch t {
	case FrameFPO:
		return "fpo"
	case FrameTrap:
		return "trap"
	case FrameTSS:
		return "tss"
	default:
		return "nonfpo"
	}
}

// FpoDataSize is the size of an FPO_DATA record.
const FpoDataSize = 16

// FpoData is a legacy x86 frame pointer omission record.
type FpoData struct {
	Offset     uint32 // offset of the first byte of the function code
	Size       uint32 // number of bytes in the function
	NumLocals  uint32 // number of local variables, in dwords
	NumParams  uint16 // size of parameters, in dwords
	Attributes uint16
}

// PrologSize returns the number of bytes in the function prolog.
func (f *FpoData) PrologSize() uint8 { return uint8(f.Attributes & 0xff) }

// SavedRegisters returns the number of registers saved.
func (f *FpoData) SavedRegisters() uint8 { return uint8((f.Attributes >> 8) & 0x7) }

// HasSEH reports whether the function uses structured exception handling.
func (f *FpoData) HasSEH() bool { return f.Attributes&(1<<11) != 0 }

// UsesBasePointer reports whether EBP has been allocated.
func (f *FpoData) UsesBasePointer() bool { return f.Attributes&(1<<12) != 0 }

// FrameType returns the frame type.
func (f *FpoData) FrameType() FrameType { return FrameType(f.Attributes >> 14) }

func readFpoData(r *binreader.Reader) FpoData {
	return FpoData{
		Offset:     r.U32(),
		Size:       r.U32(),
		NumLocals:  r.U32(),
		NumParams:  r.U16(),
		Attributes: r.U16(),
	}
}

// FrameDataSize is the size of a new-style FPO record.
const FrameDataSize = 32

// FrameData flags.
const (
	FrameDataHasSEH          = 0x1
	FrameDataHasEH           = 0x2
	FrameDataIsFunctionStart = 0x4
)

// FrameData is a new-style FPO record. FrameFunc is an offset into the
// /names string table holding the frame program.
type FrameData struct {
	RvaStart      uint32
	CodeSize      uint32
	LocalSize     uint32
	ParamsSize    uint32
	MaxStackSize  uint32
	FrameFunc     uint32
	PrologSize    uint16
	SavedRegsSize uint16
	Flags         uint32
}

func readFrameData(r *binreader.Reader) FrameData {
	return FrameData{
		RvaStart:      r.U32(),
		CodeSize:      r.U32(),
		LocalSize:     r.U32(),
		ParamsSize:    r.U32(),
		MaxStackSize:  r.U32(),
		FrameFunc:     r.U32(),
		PrologSize:    r.U16(),
		SavedRegsSize: r.U16(),
		Flags:         r.U32(),
	}
}

// OmapEntrySize is the size of an OMAP record.
const OmapEntrySize = 8

// OmapEntry maps an address in one image layout to another.
type OmapEntry struct {
	From uint32
	To   uint32
}

func readOmapEntry(r *binreader.Reader) OmapEntry {
	return OmapEntry{From: r.U32(), To: r.U32()}
}
