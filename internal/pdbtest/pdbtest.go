// Package pdbtest builds synthetic PDB structures for tests.
package pdbtest

import (
	"encoding/binary"
	"sort"
)

// Byte offsets of the size fields in the DBI header.
const (
	OffVersion          = 4
	OffModInfoSize      = 24
	OffSecContribSize   = 28
	OffSectionMapSize   = 32
	OffFileInfoSize     = 36
	OffTypeServerSize   = 40
	OffDbgHeaderSize    = 48
	OffECSize           = 52
	DBIHeaderSize       = 64
	VersionV70          = 19990903
	VersionV60          = 19970606
	ContribVersionV60   = 0xeffe0000 + 19970605
	ContribVersionV2    = 0xeffe0000 + 20140516
	NoStream            = 0xFFFF
	StringTableMagic    = 0xEFFEEFFE
	ModuleInfoFixedSize = 64
)

func u16(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }
func u32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }

func pad4(b []byte) []byte {
	for len(b)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// Contrib is a section contribution record.
type Contrib struct {
	Section         uint16
	Offset          int32
	Size            int32
	Characteristics uint32
	Module          uint16
	DataCrc         uint32
	RelocCrc        uint32
	ISectCoff       uint32 // written only for V2
}

func (c Contrib) appendV1(b []byte) []byte {
	b = u16(b, c.Section)
	b = u16(b, 0)
	b = u32(b, uint32(c.Offset))
	b = u32(b, uint32(c.Size))
	b = u32(b, c.Characteristics)
	b = u16(b, c.Module)
	b = u16(b, 0)
	b = u32(b, c.DataCrc)
	return u32(b, c.RelocCrc)
}

// Module describes one module descriptor and its source files.
type Module struct {
	Name      string
	ObjName   string
	SymStream uint16
	SymBytes  uint32
	Flags     uint16
	Files     []string
	Contrib   Contrib
}

// AppendModuleDescriptor encodes a module descriptor, padded to 4 bytes.
func AppendModuleDescriptor(b []byte, m Module) []byte {
	start := len(b)
	b = u32(b, 0) // legacy module pointer
	b = m.Contrib.appendV1(b)
	b = u16(b, m.Flags)
	b = u16(b, m.SymStream)
	b = u32(b, m.SymBytes)
	b = u32(b, 0) // C11
	b = u32(b, 0) // C13
	b = u16(b, uint16(len(m.Files)))
	b = u16(b, 0)
	b = u32(b, 0) // legacy file name offsets pointer
	b = u32(b, 0)
	b = u32(b, 0)
	b = append(b, m.Name...)
	b = append(b, 0)
	b = append(b, m.ObjName...)
	b = append(b, 0)
	for (len(b)-start)%4 != 0 {
		b = append(b, 0)
	}
	return b
}

// ModuleInfo encodes the module info substream.
func ModuleInfo(mods []Module) []byte {
	var b []byte
	for _, m := range mods {
		b = AppendModuleDescriptor(b, m)
	}
	return b
}

// FileInfo encodes the file info substream. Identical names share one
// entry of the names buffer. declaredFiles overrides the 16-bit source file
// count when non-nil, and moduleCount overrides the module count when
// non-nil.
func FileInfo(mods []Module, declaredFiles *uint16, moduleCount *uint16) []byte {
	var names []byte
	offsets := map[string]uint32{}
	var fileOffsets []uint32
	total := 0
	for _, m := range mods {
		for _, f := range m.Files {
			off, ok := offsets[f]
			if !ok {
				off = uint32(len(names))
				offsets[f] = off
				names = append(names, f...)
				names = append(names, 0)
			}
			fileOffsets = append(fileOffsets, off)
			total++
		}
	}

	n := uint16(len(mods))
	if moduleCount != nil {
		n = *moduleCount
	}
	decl := uint16(total)
	if declaredFiles != nil {
		decl = *declaredFiles
	}

	var b []byte
	b = u16(b, n)
	b = u16(b, decl)
	for i := range mods {
		b = u16(b, uint16(i))
	}
	for _, m := range mods {
		b = u16(b, uint16(len(m.Files)))
	}
	for _, off := range fileOffsets {
		b = u32(b, off)
	}
	b = append(b, names...)
	return pad4(b)
}

// SectionContribs encodes the section contribution substream.
func SectionContribs(version uint32, contribs []Contrib) []byte {
	b := u32(nil, version)
	for _, c := range contribs {
		b = c.appendV1(b)
		if version == ContribVersionV2 {
			b = u32(b, c.ISectCoff)
		}
	}
	return b
}

// SectionMapEntry is one section map record.
type SectionMapEntry struct {
	Flags, Ovl, Group, Frame, SectionName, ClassName uint16
	Offset, Length                                  uint32
}

// SectionMap encodes the section map substream.
func SectionMap(entries []SectionMapEntry) []byte {
	b := u16(nil, uint16(len(entries)))
	b = u16(b, uint16(len(entries)))
	for _, e := range entries {
		b = u16(b, e.Flags)
		b = u16(b, e.Ovl)
		b = u16(b, e.Group)
		b = u16(b, e.Frame)
		b = u16(b, e.SectionName)
		b = u16(b, e.ClassName)
		b = u32(b, e.Offset)
		b = u32(b, e.Length)
	}
	return b
}

// DBI describes a DBI stream to encode.
type DBI struct {
	Signature     int32 // -1 when zero
	Version       uint32
	Age           uint32
	Machine       uint16
	SymRecord     uint16
	ModInfo       []byte
	SecContrib    []byte
	SectionMap    []byte
	FileInfo      []byte
	TypeServerMap []byte
	EC            []byte
	DebugStreams  []uint16
}

// NewDBI returns a V70 DBI stream description built from mods, with file
// info, an empty V60 contribution list, and every debug stream absent.
func NewDBI(mods []Module) *DBI {
	return &DBI{
		Version:      VersionV70,
		ModInfo:      ModuleInfo(mods),
		FileInfo:     FileInfo(mods, nil, nil),
		DebugStreams: NoDebugStreams(),
	}
}

// NoDebugStreams returns an optional debug header with every slot absent.
func NoDebugStreams() []uint16 {
	s := make([]uint16, 11)
	for i := range s {
		s[i] = NoStream
	}
	return s
}

// Bytes encodes the stream with header sizes matching the substreams.
func (d *DBI) Bytes() []byte {
	sig := d.Signature
	if sig == 0 {
		sig = -1
	}
	b := u32(nil, uint32(sig))
	b = u32(b, d.Version)
	b = u32(b, d.Age)
	b = u16(b, NoStream) // global symbols
	b = u16(b, 0x8e00)   // build number: 14.0, new format
	b = u16(b, NoStream) // public symbols
	b = u16(b, 0)
	b = u16(b, d.SymRecord)
	b = u16(b, 0)
	b = u32(b, uint32(len(d.ModInfo)))
	b = u32(b, uint32(len(d.SecContrib)))
	b = u32(b, uint32(len(d.SectionMap)))
	b = u32(b, uint32(len(d.FileInfo)))
	b = u32(b, uint32(len(d.TypeServerMap)))
	b = u32(b, 0)
	b = u32(b, uint32(len(d.DebugStreams)*2))
	b = u32(b, uint32(len(d.EC)))
	b = u16(b, 0)
	b = u16(b, d.Machine)
	b = u32(b, 0)
	b = append(b, d.ModInfo...)
	b = append(b, d.SecContrib...)
	b = append(b, d.SectionMap...)
	b = append(b, d.FileInfo...)
	b = append(b, d.TypeServerMap...)
	b = append(b, d.EC...)
	for _, s := range d.DebugStreams {
		b = u16(b, s)
	}
	return b
}

// StringTable encodes a string table holding strs and returns the offset
// of each string.
func StringTable(strs []string) ([]byte, map[string]uint32) {
	buf := []byte{0}
	offsets := map[string]uint32{}
	var uniq []string
	for _, s := range strs {
		if _, ok := offsets[s]; ok {
			continue
		}
		offsets[s] = uint32(len(buf))
		uniq = append(uniq, s)
		buf = append(buf, s...)
		buf = append(buf, 0)
	}
	b := u32(nil, StringTableMagic)
	b = u32(b, 1)
	b = u32(b, uint32(len(buf)))
	b = append(b, buf...)
	b = u32(b, uint32(len(uniq)))
	for _, s := range uniq {
		b = u32(b, offsets[s])
	}
	return u32(b, uint32(len(uniq))), offsets
}

// PDBInfo encodes a PDB info stream with the given named streams.
func PDBInfo(version, signature, age uint32, guid [16]byte, named map[string]uint32) []byte {
	b := u32(nil, version)
	b = u32(b, signature)
	b = u32(b, age)
	b = append(b, guid[:]...)

	keys := make([]string, 0, len(named))
	for k := range named {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var strs []byte
	keyOffsets := make([]uint32, len(keys))
	for i, k := range keys {
		keyOffsets[i] = uint32(len(strs))
		strs = append(strs, k...)
		strs = append(strs, 0)
	}
	b = u32(b, uint32(len(strs)))
	b = append(b, strs...)

	capacity := uint32(len(keys))
	b = u32(b, uint32(len(keys))) // size
	b = u32(b, capacity)
	words := (capacity + 31) / 32
	b = u32(b, words)
	for w := uint32(0); w < words; w++ {
		var bits uint32
		for i := w * 32; i < capacity && i < (w+1)*32; i++ {
			bits |= 1 << (i % 32)
		}
		b = u32(b, bits)
	}
	b = u32(b, 0) // deleted words
	for i, k := range keys {
		b = u32(b, keyOffsets[i])
		b = u32(b, named[k])
	}
	return u32(b, 0)
}

// MSF lays out streams in an MSF 7.00 image. A nil stream is written as
// deleted.
func MSF(blockSize uint32, streams [][]byte) []byte {
	const firstStreamBlock = 4 // superblock, two free block maps, block map
	blocksFor := func(n int) uint32 { return (uint32(n) + blockSize - 1) / blockSize }

	next := uint32(firstStreamBlock)
	streamBlocks := make([][]uint32, len(streams))
	for i, s := range streams {
		for j := uint32(0); j < blocksFor(len(s)); j++ {
			streamBlocks[i] = append(streamBlocks[i], next)
			next++
		}
	}

	dir := u32(nil, uint32(len(streams)))
	for _, s := range streams {
		if s == nil {
			dir = u32(dir, 0xFFFFFFFF)
		} else {
			dir = u32(dir, uint32(len(s)))
		}
	}
	for _, blocks := range streamBlocks {
		for _, blk := range blocks {
			dir = u32(dir, blk)
		}
	}
	var dirBlocks []uint32
	for j := uint32(0); j < blocksFor(len(dir)); j++ {
		dirBlocks = append(dirBlocks, next)
		next++
	}

	img := make([]byte, int(next*blockSize))
	put := func(block uint32, data []byte) {
		copy(img[block*blockSize:], data)
	}

	sb := append([]byte(nil), "Microsoft C/C++ MSF 7.00\r\n\x1aDS\x00\x00\x00"...)
	sb = u32(sb, blockSize)
	sb = u32(sb, 1)
	sb = u32(sb, next)
	sb = u32(sb, uint32(len(dir)))
	sb = u32(sb, 0)
	sb = u32(sb, 3)
	put(0, sb)

	var blockMap []byte
	for _, blk := range dirBlocks {
		blockMap = u32(blockMap, blk)
	}
	put(3, blockMap)

	for i, s := range streams {
		for j, blk := range streamBlocks[i] {
			end := (j + 1) * int(blockSize)
			if end > len(s) {
				end = len(s)
			}
			put(blk, s[j*int(blockSize):end])
		}
	}
	for j, blk := range dirBlocks {
		end := (j + 1) * int(blockSize)
		if end > len(dir) {
			end = len(dir)
		}
		put(blk, dir[j*int(blockSize):end])
	}
	return img
}

// SectionHeader encodes a 40-byte COFF section header.
func SectionHeader(name string, virtualAddress, virtualSize, characteristics uint32) []byte {
	b := make([]byte, 8)
	copy(b, name)
	b = u32(b, virtualSize)
	b = u32(b, virtualAddress)
	b = append(b, make([]byte, 20)...)
	return u32(b, characteristics)
}

// FPO encodes a legacy FPO_DATA record with 2 dwords of locals and 3 of
// parameters.
func FPO(offset, size uint32, attributes uint16) []byte {
	b := u32(nil, offset)
	b = u32(b, size)
	b = u32(b, 2)
	b = u16(b, 3)
	return u16(b, attributes)
}

// FrameData encodes a new-style FPO record.
func FrameData(rvaStart, codeSize, frameFunc uint32, prologSize uint16, flags uint32) []byte {
	b := u32(nil, rvaStart)
	b = u32(b, codeSize)
	b = u32(b, 8)  // locals
	b = u32(b, 12) // params
	b = u32(b, 0)  // max stack
	b = u32(b, frameFunc)
	b = u16(b, prologSize)
	b = u16(b, 4) // saved registers
	return u32(b, flags)
}
