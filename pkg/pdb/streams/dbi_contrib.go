package streams

import (
	"fmt"

	"golang.org/x/exp/slices"

	"github.com/jtang613/pdbdbi/pkg/pdb/internal/binreader"
)

// SectionContributionVersion is the tag at the start of the section
// contribution substream.
type SectionContributionVersion uint32

const (
	SectionContributionVersionV60 SectionContributionVersion = 0xeffe0000 + 19970605
	SectionContributionVersionV2  SectionContributionVersion = 0xeffe0000 + 20140516
)

func (v SectionContributionVersion) String() string {
	switch v {
	case SectionContributionVersionV60:
		return "V60"
	case SectionContributionVersionV2:
		return "V2"
	default:
		return fmt.Sprintf("SectionContributionVersion(%#x)", uint32(v))
	}
}

// Record sizes in bytes.
const (
	SectionContribSize  = 28
	SectionContrib2Size = 32
)

// SectionContrib describes a section contribution from a module.
type SectionContrib struct {
	Section         uint16
	Padding1        uint16
	Offset          int32
	Size            int32
	Characteristics SectionCharacteristics
	ModuleIndex     uint16
	Padding2        uint16
	DataCrc         uint32
	RelocCrc        uint32
}

// SectionContrib2 is the V2 record: a SectionContrib followed by the index
// of the COFF section in the object file.
type SectionContrib2 struct {
	Base      SectionContrib
	ISectCoff uint32
}

func readSectionContrib(r *binreader.Reader) SectionContrib {
	return SectionContrib{
		Section:         r.U16(),
		Padding1:        r.U16(),
		Offset:          r.I32(),
		Size:            r.I32(),
		Characteristics: SectionCharacteristics(r.U32()),
		ModuleIndex:     r.U16(),
		Padding2:        r.U16(),
		DataCrc:         r.U32(),
		RelocCrc:        r.U32(),
	}
}

func readSectionContrib2(r *binreader.Reader) SectionContrib2 {
	return SectionContrib2{
		Base:      readSectionContrib(r),
		ISectCoff: r.U32(),
	}
}

// SectionContributions holds the decoded substream in whichever version
// it was written. Only one of the two record slices is populated.
type SectionContributions struct {
	Version SectionContributionVersion
	v1      []SectionContrib
	v2      []SectionContrib2
}

// Len returns the number of contributions.
func (s *SectionContributions) Len() int {
	if s.Version == SectionContributionVersionV2 {
		return len(s.v2)
	}
	return len(s.v1)
}

// V1 returns a copy of the contributions in V1 shape. For a V2 substream
// each entry is the Base of the corresponding V2 record.
func (s *SectionContributions) V1() []SectionContrib {
	if s.Version != SectionContributionVersionV2 {
		return slices.Clone(s.v1)
	}
	out := make([]SectionContrib, len(s.v2))
	for i := range s.v2 {
		out[i] = s.v2[i].Base
	}
	return out
}

// V2 returns a copy of the V2 records, or nil if the substream was written
// as V60.
func (s *SectionContributions) V2() []SectionContrib2 {
	return slices.Clone(s.v2)
}

// readSectionContribVersion reads and checks the leading tag.
func readSectionContribVersion(r *binreader.Reader) (SectionContributionVersion, error) {
	v := SectionContributionVersion(r.U32())
	if err := r.Err(); err != nil {
		return 0, truncated("section contribution version", err)
	}
	switch v {
	case SectionContributionVersionV60, SectionContributionVersionV2:
		return v, nil
	}
	return 0, unsupportedf("unsupported DBI section contribution version %v", v)
}

// parseSectionContribs decodes a section contribution substream. An empty
// substream yields an empty result.
func parseSectionContribs(data []byte) (*SectionContributions, error) {
	if len(data) == 0 {
		return &SectionContributions{}, nil
	}
	r := binreader.New("section contribution substream", data)
	version, err := readSectionContribVersion(r)
	if err != nil {
		return nil, err
	}
	contribs := &SectionContributions{Version: version}
	if version == SectionContributionVersionV2 {
		contribs.v2, err = readFixedRecords(r, "section contribution", SectionContrib2Size, readSectionContrib2)
	} else {
		contribs.v1, err = readFixedRecords(r, "section contribution", SectionContribSize, readSectionContrib)
	}
	if err != nil {
		return nil, err
	}
	return contribs, nil
}

// readFixedRecords decodes every remaining byte of r as records of the
// given size. The remainder must be an exact multiple of size.
func readFixedRecords[T any](r *binreader.Reader, what string, size int, decode func(*binreader.Reader) T) ([]T, error) {
	if r.Remaining()%size != 0 {
		return nil, structuralf("corrupted %s stream: %d bytes is not a multiple of %d", what, r.Remaining(), size)
	}
	records := binreader.ReadArray(r, r.Remaining()/size, decode)
	if err := r.Err(); err != nil {
		return nil, truncated(what+" records", err)
	}
	return records, nil
}
