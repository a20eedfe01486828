package pdb

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jtang613/pdbdbi/pkg/logflags"
	"github.com/jtang613/pdbdbi/pkg/pdb/msf"
	"github.com/jtang613/pdbdbi/pkg/pdb/streams"
)

// Stream indices
const (
	StreamPDB = 1 // PDB info stream
	StreamTPI = 2 // Type info stream
	StreamDBI = 3 // Debug info stream
	StreamIPI = 4 // ID info stream
)

// ErrNoDBI is returned by Open for PDB files without a debug info stream.
var ErrNoDBI = errors.New("PDB has no DBI stream")

// PDB represents an opened PDB file.
type PDB struct {
	msf     *msf.MSF
	pdbInfo *streams.PDBInfo
	dbi     *streams.DBIStream
	log     *logrus.Entry

	namesOnce sync.Once
	names     *streams.StringTable
	namesErr  error
}

// Open opens a PDB file and parses its PDB info and DBI streams.
func Open(path string) (*PDB, error) {
	m, err := msf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MSF: %w", err)
	}
	p, err := newPDB(m)
	if err != nil {
		m.Close()
		return nil, err
	}
	return p, nil
}

// NewFromReaderAt parses a PDB image read through r.
func NewFromReaderAt(r io.ReaderAt) (*PDB, error) {
	m, err := msf.New(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open MSF: %w", err)
	}
	return newPDB(m)
}

func newPDB(m *msf.MSF) (*PDB, error) {
	p := &PDB{msf: m, log: logflags.PDBLogger()}

	if m.NumStreams() > StreamPDB {
		data, err := m.StreamData(StreamPDB)
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			p.pdbInfo, err = streams.ReadPDBInfo(data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse PDB info stream: %w", err)
			}
		}
	}

	if m.NumStreams() <= StreamDBI {
		return nil, ErrNoDBI
	}
	data, err := m.StreamData(StreamDBI)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNoDBI
	}
	p.dbi, err = streams.ReadDBIStream(data, m)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DBI stream: %w", err)
	}

	p.log.Debugf("opened PDB: %d streams, DBI %v", m.NumStreams(), p.dbi.Header.Version)
	return p, nil
}

// Close closes the PDB file.
func (p *PDB) Close() error {
	if p.msf != nil {
		return p.msf.Close()
	}
	return nil
}

// DBI returns the parsed DBI stream.
func (p *PDB) DBI() *streams.DBIStream {
	return p.dbi
}

// Names returns the global string table from the /names stream, or nil if
// the PDB does not have one.
func (p *PDB) Names() (*streams.StringTable, error) {
	p.namesOnce.Do(func() {
		if p.pdbInfo == nil {
			return
		}
		idx, ok := p.pdbInfo.NamedStreams[streams.NamesStreamName]
		if !ok {
			return
		}
		data, err := p.msf.StreamData(int(idx))
		if err != nil {
			p.namesErr = err
			return
		}
		p.names, p.namesErr = streams.ParseStringTable(data)
	})
	return p.names, p.namesErr
}

// Info returns basic PDB file information.
func (p *PDB) Info() *PDBInfo {
	h := &p.dbi.Header
	info := &PDBInfo{
		DBIVersion:  h.Version.String(),
		DBIAge:      h.Age,
		Toolchain:   fmt.Sprintf("%d.%d", h.BuildNumber.Major(), h.BuildNumber.Minor()),
		Machine:     streams.MachineTypeName(h.Machine),
		Incremental: h.Flags.IncrementallyLinked(),
		Stripped:    h.Flags.PrivateSymbolsStripped(),
		BlockSize:   p.msf.BlockSize(),
		Streams:     p.msf.NumStreams(),
	}

	if p.pdbInfo != nil {
		info.GUID = p.pdbInfo.GUIDString()
		info.Age = p.pdbInfo.Age
		info.Signature = p.pdbInfo.Signature
		info.Version = p.pdbInfo.Version
		info.NamedStreams = p.pdbInfo.NamedStreams
	}

	return info
}

// Modules returns information about compiled modules. Source file names
// are resolved only when withFiles is set.
func (p *PDB) Modules(withFiles bool) ([]ModuleInfo, error) {
	list, err := p.dbi.Modules()
	if err != nil {
		return nil, err
	}

	modules := make([]ModuleInfo, list.Len())
	for i, mod := range list.Modules() {
		modules[i] = ModuleInfo{
			Index:          mod.Index(),
			Name:           mod.ModuleName,
			ObjectFile:     mod.ObjFileName,
			SymbolStream:   mod.ModuleSymStream,
			SymbolSize:     mod.SymByteSize,
			LinesSize:      mod.C13ByteSize,
			Section:        mod.SectionContrib.Section,
			Offset:         mod.SectionContrib.Offset,
			Size:           mod.SectionContrib.Size,
			SourceFiles:    mod.FileCount(),
			FirstFileIndex: mod.StartingFileIndex,
		}
		if withFiles {
			files, err := mod.Files()
			if err != nil {
				return nil, fmt.Errorf("module %d (%s): %w", i, mod.ModuleName, err)
			}
			modules[i].Files = files
		}
	}
	return modules, nil
}

// SectionContributions returns the section contributions in link order.
func (p *PDB) SectionContributions() ([]SectionContribution, error) {
	c, err := p.dbi.Contributions()
	if err != nil {
		return nil, err
	}
	list, err := p.dbi.Modules()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, list.Len())
	for _, mod := range list.Modules() {
		names = append(names, mod.ModuleName)
	}

	v1 := c.V1()
	v2 := c.V2()
	out := make([]SectionContribution, len(v1))
	for i, sc := range v1 {
		out[i] = SectionContribution{
			Section:         sc.Section,
			Offset:          sc.Offset,
			Size:            sc.Size,
			Characteristics: uint32(sc.Characteristics),
			Module:          sc.ModuleIndex,
			DataCrc:         sc.DataCrc,
			RelocCrc:        sc.RelocCrc,
		}
		if int(sc.ModuleIndex) < len(names) {
			out[i].ModuleName = names[sc.ModuleIndex]
		}
		if v2 != nil {
			coff := v2[i].ISectCoff
			out[i].COFFSection = &coff
		}
	}
	return out, nil
}

// Sections returns the image section headers, or nil if the PDB does not
// record them.
func (p *PDB) Sections() ([]SectionInfo, error) {
	headers, err := p.dbi.SectionHeaders()
	if err != nil {
		return nil, err
	}
	if headers == nil {
		return nil, nil
	}
	sections := make([]SectionInfo, len(headers))
	for i := range headers {
		h := &headers[i]
		sections[i] = SectionInfo{
			Index:           uint16(i + 1),
			Name:            h.NameString(),
			Offset:          h.VirtualAddress,
			Length:          h.VirtualSize,
			Characteristics: uint32(h.Characteristics),
		}
	}
	return sections, nil
}

// SectionMap returns the logical segments of the section map.
func (p *PDB) SectionMap() ([]SectionMapEntry, error) {
	m, err := p.dbi.SectionMap()
	if err != nil || m == nil {
		return nil, err
	}
	out := make([]SectionMapEntry, len(m.Entries))
	for i, e := range m.Entries {
		out[i] = SectionMapEntry{
			Frame:       e.Frame,
			Flags:       uint16(e.Flags),
			Offset:      e.Offset,
			Length:      e.SecByteLength,
			Read:        e.Flags&streams.SectionMapRead != 0,
			Write:       e.Flags&streams.SectionMapWrite != 0,
			Execute:     e.Flags&streams.SectionMapExecute != 0,
			Absolute:    e.Flags&streams.SectionMapIsAbsolute != 0,
			Group:       e.Flags&streams.SectionMapIsGroup != 0,
			SectionName: e.SectionName,
			ClassName:   e.ClassName,
		}
	}
	return out, nil
}

// FPO returns the legacy FPO records, or nil if the PDB has none.
func (p *PDB) FPO() ([]FPORecord, error) {
	recs, err := p.dbi.FPORecords()
	if err != nil || recs == nil {
		return nil, err
	}
	out := make([]FPORecord, len(recs))
	for i := range recs {
		r := &recs[i]
		out[i] = FPORecord{
			Offset:          r.Offset,
			Size:            r.Size,
			Locals:          r.NumLocals,
			Params:          r.NumParams,
			PrologSize:      r.PrologSize(),
			SavedRegisters:  r.SavedRegisters(),
			HasSEH:          r.HasSEH(),
			UsesBasePointer: r.UsesBasePointer(),
			FrameType:       r.FrameType().String(),
		}
	}
	return out, nil
}

// FrameData returns the new-style FPO records, or nil if the PDB has none.
// Frame programs are looked up in the /names stream when it exists.
func (p *PDB) FrameData() ([]FrameDataRecord, error) {
	recs, err := p.dbi.NewFPORecords()
	if err != nil || recs == nil {
		return nil, err
	}
	names, err := p.Names()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", streams.NamesStreamName, err)
	}

	out := make([]FrameDataRecord, len(recs))
	for i := range recs {
		r := &recs[i]
		out[i] = FrameDataRecord{
			RVA:             r.RvaStart,
			CodeSize:        r.CodeSize,
			LocalSize:       r.LocalSize,
			ParamsSize:      r.ParamsSize,
			MaxStackSize:    r.MaxStackSize,
			PrologSize:      r.PrologSize,
			SavedRegsSize:   r.SavedRegsSize,
			HasSEH:          r.Flags&streams.FrameDataHasSEH != 0,
			HasEH:           r.Flags&streams.FrameDataHasEH != 0,
			IsFunctionStart: r.Flags&streams.FrameDataIsFunctionStart != 0,
		}
		if names != nil && r.FrameFunc != 0 {
			prog, err := names.String(r.FrameFunc)
			if err != nil {
				return nil, fmt.Errorf("frame data at %#x: %w", r.RvaStart, err)
			}
			out[i].Program = prog
		}
	}
	return out, nil
}
