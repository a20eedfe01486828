package streams

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/jtang613/pdbdbi/pkg/logflags"
	"github.com/jtang613/pdbdbi/pkg/pdb/internal/binreader"
)

// StreamProvider gives access to the numbered streams of a PDB file. The
// DBI stream uses it to resolve the auxiliary streams listed in its
// optional debug header.
type StreamProvider interface {
	NumStreams() int
	StreamData(index int) ([]byte, error)
}

// ErrNoStreamProvider is returned when an auxiliary stream is present but
// the DBI stream was read without a StreamProvider.
var ErrNoStreamProvider = errors.New("DBI stream has no stream provider")

// lazy memoizes the result of a computation over immutable input.
type lazy[T any] struct {
	once sync.Once
	val  T
	err  error
}

func (l *lazy[T]) get(f func() (T, error)) (T, error) {
	l.once.Do(func() {
		l.val, l.err = f()
	})
	return l.val, l.err
}

// DBIStream represents the parsed DBI stream. The header and substream
// boundaries are validated by ReadDBIStream; everything else is decoded on
// first use and cached. All methods are safe for concurrent use.
type DBIStream struct {
	Header DBIHeader

	provider StreamProvider

	modInfo       []byte
	secContrib    []byte
	secMap        []byte
	fileInfo      []byte
	typeServerMap []byte
	ec            []byte
	debugStreams  []uint16

	modules      lazy[*ModuleList]
	contribs     lazy[*SectionContributions]
	contribsV1   lazy[[]SectionContrib]
	sectionMap   lazy[*SectionMap]
	ecNames      lazy[*StringTable]
	sections     lazy[[]CoffSectionHeader]
	origSections lazy[[]CoffSectionHeader]
	fpo          lazy[[]FpoData]
	newFPO       lazy[[]FrameData]
	omapTo       lazy[[]OmapEntry]
	omapFrom     lazy[[]OmapEntry]
}

// ReadDBIStream parses the DBI stream. The provider may be nil, in which
// case any auxiliary stream that is present cannot be read.
func ReadDBIStream(data []byte, provider StreamProvider) (*DBIStream, error) {
	log := logflags.DBILogger()

	r := binreader.New("DBI stream", data)
	header, err := readDBIHeader(r)
	if err != nil {
		return nil, err
	}
	if err := header.validate(len(data)); err != nil {
		return nil, err
	}

	dbi := &DBIStream{
		Header:   header,
		provider: provider,
	}

	// Substreams follow the header in this order.
	dbi.modInfo = r.Sub("module info", int(header.ModInfoSize)).Data()
	dbi.secContrib = r.Sub("section contribution", int(header.SectionContributionSize)).Data()
	dbi.secMap = r.Sub("section map", int(header.SectionMapSize)).Data()
	dbi.fileInfo = r.Sub("file info", int(header.SourceInfoSize)).Data()
	dbi.typeServerMap = r.Sub("type server map", int(header.TypeServerMapSize)).Data()
	dbi.ec = r.Sub("EC", int(header.ECSubstreamSize)).Data()
	dbi.debugStreams = r.U16Array(int(header.OptionalDbgHeaderSize) / 2)
	if err := r.Err(); err != nil {
		return nil, truncated("DBI substreams", err)
	}
	if r.Remaining() > 0 {
		return nil, structuralf("found %d unexpected bytes in DBI stream", r.Remaining())
	}

	if len(dbi.secContrib) > 0 {
		vr := binreader.New("section contribution substream", dbi.secContrib)
		if _, err := readSectionContribVersion(vr); err != nil {
			return nil, err
		}
	}

	log.Debugf("DBI %v age %d machine %s: modi=%d sc=%d secmap=%d fileinfo=%d tsm=%d ec=%d dbg=%d",
		header.Version, header.Age, MachineTypeName(header.Machine),
		len(dbi.modInfo), len(dbi.secContrib), len(dbi.secMap), len(dbi.fileInfo),
		len(dbi.typeServerMap), len(dbi.ec), len(dbi.debugStreams))

	return dbi, nil
}

// GlobalStreamIndex returns the stream holding the global symbol hash.
func (d *DBIStream) GlobalStreamIndex() uint16 { return d.Header.GlobalStreamIndex }

// PublicStreamIndex returns the stream holding the public symbol hash.
func (d *DBIStream) PublicStreamIndex() uint16 { return d.Header.PublicStreamIndex }

// SymRecordStreamIndex returns the stream holding the symbol records.
func (d *DBIStream) SymRecordStreamIndex() uint16 { return d.Header.SymRecordStream }

// TypeServerMap returns the raw type server map substream.
func (d *DBIStream) TypeServerMap() []byte { return d.typeServerMap }

// DebugStreamIndexes returns the raw optional debug header.
func (d *DBIStream) DebugStreamIndexes() []uint16 { return d.debugStreams }

// DebugStreamIndex returns the stream number recorded for kind. The second
// result is false if the slot is missing or holds InvalidStreamIndex.
func (d *DBIStream) DebugStreamIndex(kind DebugStreamKind) (uint16, bool) {
	if kind < 0 || int(kind) >= len(d.debugStreams) {
		return InvalidStreamIndex, false
	}
	idx := d.debugStreams[kind]
	return idx, idx != InvalidStreamIndex
}

// Modules returns the module list.
func (d *DBIStream) Modules() (*ModuleList, error) {
	return d.modules.get(func() (*ModuleList, error) {
		list, err := parseModuleList(d.modInfo, d.fileInfo)
		if err != nil {
			return nil, err
		}
		logflags.DBILogger().Debugf("parsed %d modules, %d source files (header declares %d)",
			list.Len(), list.SourceFileCount(), list.DeclaredSourceFileCount())
		return list, nil
	})
}

// Contributions returns the section contribution substream in the version
// it was written.
func (d *DBIStream) Contributions() (*SectionContributions, error) {
	return d.contribs.get(func() (*SectionContributions, error) {
		return parseSectionContribs(d.secContrib)
	})
}

// SectionContributions returns the section contributions in V1 shape.
// For a V2 substream the entries are derived from the V2 records.
func (d *DBIStream) SectionContributions() ([]SectionContrib, error) {
	v1, err := d.contribsV1.get(func() ([]SectionContrib, error) {
		c, err := d.Contributions()
		if err != nil {
			return nil, err
		}
		return c.V1(), nil
	})
	return slices.Clone(v1), err
}

// SectionContributions2 returns the V2 section contributions, or nil if the
// substream was written as V60.
func (d *DBIStream) SectionContributions2() ([]SectionContrib2, error) {
	c, err := d.Contributions()
	if err != nil {
		return nil, err
	}
	return c.V2(), nil
}

// SectionMap returns the section map, or nil if the substream is empty.
func (d *DBIStream) SectionMap() (*SectionMap, error) {
	return d.sectionMap.get(func() (*SectionMap, error) {
		return parseSectionMap(d.secMap)
	})
}

// ECNames returns the edit-and-continue name table, or nil if the EC
// substream is empty.
func (d *DBIStream) ECNames() (*StringTable, error) {
	return d.ecNames.get(func() (*StringTable, error) {
		if len(d.ec) == 0 {
			return nil, nil
		}
		return ParseStringTable(d.ec)
	})
}

// SectionHeaders returns the COFF section headers of the image, or nil if
// the PDB does not have a section header stream.
func (d *DBIStream) SectionHeaders() ([]CoffSectionHeader, error) {
	return d.sections.get(func() ([]CoffSectionHeader, error) {
		return readDebugStream(d, DebugStreamSectionHeaders, CoffSectionHeaderSize, readCoffSectionHeader)
	})
}

// OriginalSectionHeaders returns the section headers of the image before
// it was rewritten by a post-link tool, or nil if absent.
func (d *DBIStream) OriginalSectionHeaders() ([]CoffSectionHeader, error) {
	return d.origSections.get(func() ([]CoffSectionHeader, error) {
		return readDebugStream(d, DebugStreamOriginalSectionHeaders, CoffSectionHeaderSize, readCoffSectionHeader)
	})
}

// FPORecords returns the legacy FPO records, or nil if absent.
func (d *DBIStream) FPORecords() ([]FpoData, error) {
	return d.fpo.get(func() ([]FpoData, error) {
		return readDebugStream(d, DebugStreamFPO, FpoDataSize, readFpoData)
	})
}

// NewFPORecords returns the new-style FPO records, or nil if absent.
func (d *DBIStream) NewFPORecords() ([]FrameData, error) {
	return d.newFPO.get(func() ([]FrameData, error) {
		return readDebugStream(d, DebugStreamNewFPO, FrameDataSize, readFrameData)
	})
}

// OmapToSource returns the OMAP table from the rewritten image to the
// original one, or nil if absent.
func (d *DBIStream) OmapToSource() ([]OmapEntry, error) {
	return d.omapTo.get(func() ([]OmapEntry, error) {
		return readDebugStream(d, DebugStreamOmapToSource, OmapEntrySize, readOmapEntry)
	})
}

// OmapFromSource returns the OMAP table from the original image to the
// rewritten one, or nil if absent.
func (d *DBIStream) OmapFromSource() ([]OmapEntry, error) {
	return d.omapFrom.get(func() ([]OmapEntry, error) {
		return readDebugStream(d, DebugStreamOmapFromSource, OmapEntrySize, readOmapEntry)
	})
}

// debugStreamData fetches the stream referenced by a debug header slot.
// The second result is false if the stream is absent.
func (d *DBIStream) debugStreamData(kind DebugStreamKind) ([]byte, bool, error) {
	idx, ok := d.DebugStreamIndex(kind)
	if !ok {
		return nil, false, nil
	}
	if d.provider == nil {
		return nil, false, fmt.Errorf("reading %v stream %d: %w", kind, idx, ErrNoStreamProvider)
	}
	if int(idx) >= d.provider.NumStreams() {
		return nil, false, structuralf("no %v stream in PDB: index %d, PDB has %d streams", kind, idx, d.provider.NumStreams())
	}
	data, err := d.provider.StreamData(int(idx))
	if err != nil {
		return nil, false, fmt.Errorf("reading %v stream %d: %w", kind, idx, err)
	}
	logflags.DBILogger().Debugf("%v stream %d: %d bytes", kind, idx, len(data))
	return data, true, nil
}

func readDebugStream[T any](d *DBIStream, kind DebugStreamKind, size int, decode func(*binreader.Reader) T) ([]T, error) {
	data, ok, err := d.debugStreamData(kind)
	if err != nil || !ok {
		return nil, err
	}
	return readFixedRecords(binreader.New(kind.String()+" stream", data), kind.String(), size, decode)
}
