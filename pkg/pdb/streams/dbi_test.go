package streams

import (
	"encoding/binary"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jtang613/pdbdbi/internal/pdbtest"
)

type fakeProvider [][]byte

func (p fakeProvider) NumStreams() int { return len(p) }

func (p fakeProvider) StreamData(i int) ([]byte, error) { return p[i], nil }

func twoModules() []pdbtest.Module {
	return []pdbtest.Module{
		{Name: `d:\build\a.obj`, ObjName: `d:\build\a.obj`, SymStream: 12, SymBytes: 64, Files: []string{"a.cpp"}},
		{Name: "b.obj", ObjName: `c:\lib\b.lib`, SymStream: pdbtest.NoStream, Files: []string{"b.cpp", "b.h"}},
	}
}

func setU32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:], v)
}

func getU32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off:])
}

func TestReadDBIStreamScenario(t *testing.T) {
	data := pdbtest.NewDBI(twoModules()).Bytes()

	dbi, err := ReadDBIStream(data, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(-1), dbi.Header.VersionSignature)
	assert.Equal(t, DBIStreamVersionV70, dbi.Header.Version)
	assert.Equal(t, uint8(14), dbi.Header.BuildNumber.Major())
	assert.True(t, dbi.Header.BuildNumber.NewFormat())

	mods, err := dbi.Modules()
	require.NoError(t, err)
	require.Equal(t, 2, mods.Len())

	files0, err := mods.Module(0).Files()
	require.NoError(t, err)
	assert.Len(t, files0, 1)

	files1, err := mods.Module(1).Files()
	require.NoError(t, err)
	assert.Equal(t, []string{"b.cpp", "b.h"}, files1)
	assert.Equal(t, 1, mods.Module(1).StartingFileIndex)
	assert.Equal(t, 3, mods.SourceFileCount())

	assert.Equal(t, "b.obj", mods.Module(1).ModuleName)
	assert.Equal(t, `c:\lib\b.lib`, mods.Module(1).ObjFileName)
	assert.True(t, mods.Module(0).HasSymbols())
	assert.False(t, mods.Module(1).HasSymbols())
	assert.Equal(t, 1, mods.Module(1).Index())
}

func TestHeaderTooSmall(t *testing.T) {
	_, err := ReadDBIStream(make([]byte, DBIHeaderSize-1), nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStructural))
}

func TestHeaderInvalidSignature(t *testing.T) {
	d := pdbtest.NewDBI(nil)
	d.Signature = 1
	_, err := ReadDBIStream(d.Bytes(), nil)
	assert.ErrorIs(t, err, ErrStructural)
	assert.Contains(t, err.Error(), "signature")
}

func TestHeaderOldVersionUnsupported(t *testing.T) {
	d := pdbtest.NewDBI(nil)
	d.Version = pdbtest.VersionV60
	_, err := ReadDBIStream(d.Bytes(), nil)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
	assert.NotErrorIs(t, err, ErrStructural)
}

func TestHeaderSizeSum(t *testing.T) {
	data := pdbtest.NewDBI(twoModules()).Bytes()
	_, err := ReadDBIStream(data, nil)
	require.NoError(t, err)

	// One extra byte at the end.
	_, err = ReadDBIStream(append(append([]byte(nil), data...), 0), nil)
	assert.ErrorIs(t, err, ErrStructural)
	assert.Contains(t, err.Error(), "sum of substreams")

	// A declared size that overruns the stream.
	bad := append([]byte(nil), data...)
	setU32(bad, pdbtest.OffModInfoSize, getU32(bad, pdbtest.OffModInfoSize)+4)
	_, err = ReadDBIStream(bad, nil)
	assert.ErrorIs(t, err, ErrStructural)

	// A negative size.
	bad = append([]byte(nil), data...)
	setU32(bad, pdbtest.OffTypeServerSize, 0xFFFFFFFC)
	_, err = ReadDBIStream(bad, nil)
	assert.ErrorIs(t, err, ErrStructural)
}

func TestHeaderAlignment(t *testing.T) {
	d := pdbtest.NewDBI(twoModules())
	d.EC = []byte{1, 2, 3, 4}
	data := d.Bytes()
	_, err := ReadDBIStream(data, nil)
	require.NoError(t, err)

	for _, off := range []int{
		pdbtest.OffModInfoSize,
		pdbtest.OffSecContribSize,
		pdbtest.OffSectionMapSize,
		pdbtest.OffFileInfoSize,
		pdbtest.OffTypeServerSize,
	} {
		bad := append([]byte(nil), data...)
		// Keep the total unchanged so only the alignment check can fail.
		setU32(bad, off, getU32(bad, off)+2)
		setU32(bad, pdbtest.OffECSize, getU32(bad, pdbtest.OffECSize)-2)
		_, err := ReadDBIStream(bad, nil)
		if assert.Error(t, err, "offset %d", off) {
			assert.ErrorIs(t, err, ErrStructural)
			assert.Contains(t, err.Error(), "not aligned")
		}
	}
}

func TestTrailingBytesRejected(t *testing.T) {
	d := pdbtest.NewDBI(nil)
	d.DebugStreams = nil
	data := append(d.Bytes(), 0xAB)
	// Odd debug header: sizes add up but one byte is left after the
	// uint16 array.
	setU32(data, pdbtest.OffDbgHeaderSize, 1)
	_, err := ReadDBIStream(data, nil)
	assert.ErrorIs(t, err, ErrStructural)
	assert.Contains(t, err.Error(), "unexpected bytes")
}

func TestDebugStreamIndexesSizedByHeader(t *testing.T) {
	d := pdbtest.NewDBI(nil)
	d.DebugStreams = []uint16{7, pdbtest.NoStream, 9}
	data := d.Bytes()
	dbi, err := ReadDBIStream(data, nil)
	require.NoError(t, err)
	assert.Equal(t, []uint16{7, pdbtest.NoStream, 9}, dbi.DebugStreamIndexes())
	assert.Equal(t, len(data), DBIHeaderSize+len(dbi.DebugStreamIndexes())*2)

	idx, ok := dbi.DebugStreamIndex(DebugStreamFPO)
	assert.True(t, ok)
	assert.Equal(t, uint16(7), idx)
	_, ok = dbi.DebugStreamIndex(DebugStreamException)
	assert.False(t, ok)
	_, ok = dbi.DebugStreamIndex(DebugStreamSectionHeaders)
	assert.False(t, ok, "slot past the end of the array")
}

func contribs() []pdbtest.Contrib {
	return []pdbtest.Contrib{
		{Section: 1, Offset: 0x10, Size: 0x200, Characteristics: 0x60500020, Module: 0, DataCrc: 1, RelocCrc: 2, ISectCoff: 5},
		{Section: 2, Offset: 0x0, Size: 0x40, Characteristics: 0xC0300040, Module: 1, DataCrc: 3, RelocCrc: 4, ISectCoff: 7},
	}
}

func TestSectionContributionsV60(t *testing.T) {
	d := pdbtest.NewDBI(twoModules())
	d.SecContrib = pdbtest.SectionContribs(pdbtest.ContribVersionV60, contribs())
	dbi, err := ReadDBIStream(d.Bytes(), nil)
	require.NoError(t, err)

	v1, err := dbi.SectionContributions()
	require.NoError(t, err)
	require.Len(t, v1, 2)
	assert.Equal(t, uint16(1), v1[0].Section)
	assert.Equal(t, int32(0x200), v1[0].Size)
	assert.True(t, v1[0].Characteristics.Has(SectionContainsCode))
	assert.Equal(t, uint32(16), v1[0].Characteristics.Alignment())
	assert.Equal(t, uint16(1), v1[1].ModuleIndex)

	v2, err := dbi.SectionContributions2()
	require.NoError(t, err)
	assert.Nil(t, v2)

	c, err := dbi.Contributions()
	require.NoError(t, err)
	assert.Equal(t, SectionContributionVersionV60, c.Version)
	assert.Equal(t, 2, c.Len())
}

func TestSectionContributionsV2DerivesV1(t *testing.T) {
	d := pdbtest.NewDBI(twoModules())
	d.SecContrib = pdbtest.SectionContribs(pdbtest.ContribVersionV2, contribs())
	dbi, err := ReadDBIStream(d.Bytes(), nil)
	require.NoError(t, err)

	v2, err := dbi.SectionContributions2()
	require.NoError(t, err)
	require.Len(t, v2, 2)
	assert.Equal(t, uint32(7), v2[1].ISectCoff)

	v1, err := dbi.SectionContributions()
	require.NoError(t, err)
	require.Len(t, v1, len(v2))
	for i := range v2 {
		assert.Equal(t, v2[i].Base, v1[i])
	}

	// The derived view agrees with a V60 encoding of the same data.
	d.SecContrib = pdbtest.SectionContribs(pdbtest.ContribVersionV60, contribs())
	old, err := ReadDBIStream(d.Bytes(), nil)
	require.NoError(t, err)
	oldV1, err := old.SectionContributions()
	require.NoError(t, err)
	assert.Equal(t, oldV1, v1)
}

func TestSectionContributionsNotShared(t *testing.T) {
	for _, version := range []uint32{pdbtest.ContribVersionV60, pdbtest.ContribVersionV2} {
		d := pdbtest.NewDBI(twoModules())
		d.SecContrib = pdbtest.SectionContribs(version, contribs())
		dbi, err := ReadDBIStream(d.Bytes(), nil)
		require.NoError(t, err)

		v1, err := dbi.SectionContributions()
		require.NoError(t, err)
		want := v1[0].Size
		v1[0].Size = -1
		v1, err = dbi.SectionContributions()
		require.NoError(t, err)
		assert.Equal(t, want, v1[0].Size)

		c, err := dbi.Contributions()
		require.NoError(t, err)
		c.V1()[0].Size = -1
		assert.Equal(t, want, c.V1()[0].Size)
		if version == pdbtest.ContribVersionV2 {
			c.V2()[0].ISectCoff = 99
			assert.NotEqual(t, uint32(99), c.V2()[0].ISectCoff)
		}
	}
}

func TestSectionContributionsUnknownVersion(t *testing.T) {
	d := pdbtest.NewDBI(twoModules())
	d.SecContrib = pdbtest.SectionContribs(0x12345678, contribs())
	_, err := ReadDBIStream(d.Bytes(), nil)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestSectionContributionsPartialRecord(t *testing.T) {
	d := pdbtest.NewDBI(twoModules())
	// A V2 tag over V60-sized records: 56 bytes is not a multiple of 32.
	d.SecContrib = pdbtest.SectionContribs(pdbtest.ContribVersionV60, contribs())
	binary.LittleEndian.PutUint32(d.SecContrib, pdbtest.ContribVersionV2)
	dbi, err := ReadDBIStream(d.Bytes(), nil)
	require.NoError(t, err)
	_, err = dbi.SectionContributions()
	assert.ErrorIs(t, err, ErrStructural)
}

func TestSectionContributionsEmpty(t *testing.T) {
	dbi, err := ReadDBIStream(pdbtest.NewDBI(nil).Bytes(), nil)
	require.NoError(t, err)
	v1, err := dbi.SectionContributions()
	require.NoError(t, err)
	assert.Empty(t, v1)
}

func TestSectionMap(t *testing.T) {
	d := pdbtest.NewDBI(nil)
	d.SectionMap = pdbtest.SectionMap([]pdbtest.SectionMapEntry{
		{Flags: 0x010d, Frame: 1, SectionName: 0xFFFF, ClassName: 0xFFFF, Length: 0x1000},
		{Flags: 0x0208, Frame: 2, SectionName: 0xFFFF, ClassName: 0xFFFF, Length: 0xFFFFFFFF},
	})
	dbi, err := ReadDBIStream(d.Bytes(), nil)
	require.NoError(t, err)

	m, err := dbi.SectionMap()
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, uint16(2), m.Count)
	require.Len(t, m.Entries, 2)
	assert.Equal(t, SectionMapRead|SectionMapExecute|SectionMapAddressIs32Bit|SectionMapIsSelector, m.Entries[0].Flags)
	assert.Equal(t, uint32(0x1000), m.Entries[0].SecByteLength)
	assert.Equal(t, uint16(2), m.Entries[1].Frame)
}

func TestSectionMapCountMismatch(t *testing.T) {
	d := pdbtest.NewDBI(nil)
	d.SectionMap = pdbtest.SectionMap([]pdbtest.SectionMapEntry{{}, {}})
	binary.LittleEndian.PutUint16(d.SectionMap, 3)
	dbi, err := ReadDBIStream(d.Bytes(), nil)
	require.NoError(t, err)
	_, err = dbi.SectionMap()
	assert.ErrorIs(t, err, ErrStructural)
}

func TestSectionMapEmpty(t *testing.T) {
	dbi, err := ReadDBIStream(pdbtest.NewDBI(nil).Bytes(), nil)
	require.NoError(t, err)
	m, err := dbi.SectionMap()
	require.NoError(t, err)
	assert.Nil(t, m)
}

func dbiWithDebugStreams(t *testing.T, slots map[DebugStreamKind]uint16, provider StreamProvider) *DBIStream {
	t.Helper()
	d := pdbtest.NewDBI(nil)
	for k, v := range slots {
		d.DebugStreams[k] = v
	}
	dbi, err := ReadDBIStream(d.Bytes(), provider)
	require.NoError(t, err)
	return dbi
}

func TestFPORecords(t *testing.T) {
	// attributes: prolog 5, 2 saved regs, uses BP, frame type non-FPO
	attrs := uint16(5 | 2<<8 | 1<<12 | 3<<14)
	fpo := append(pdbtest.FPO(0x1000, 0x20, attrs), pdbtest.FPO(0x1020, 0x8, 0)...)
	provider := fakeProvider{nil, nil, nil, fpo}
	dbi := dbiWithDebugStreams(t, map[DebugStreamKind]uint16{DebugStreamFPO: 3}, provider)

	recs, err := dbi.FPORecords()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, uint32(0x1000), recs[0].Offset)
	assert.Equal(t, uint16(3), recs[0].NumParams)
	assert.Equal(t, uint8(5), recs[0].PrologSize())
	assert.Equal(t, uint8(2), recs[0].SavedRegisters())
	assert.True(t, recs[0].UsesBasePointer())
	assert.False(t, recs[0].HasSEH())
	assert.Equal(t, FrameNonFPO, recs[0].FrameType())
	assert.Equal(t, FrameFPO, recs[1].FrameType())
}

func TestFPORecordsAbsent(t *testing.T) {
	dbi := dbiWithDebugStreams(t, nil, nil)
	recs, err := dbi.FPORecords()
	require.NoError(t, err)
	assert.Nil(t, recs)

	headers, err := dbi.SectionHeaders()
	require.NoError(t, err)
	assert.Nil(t, headers)

	// An empty optional debug header means every stream is absent.
	d := pdbtest.NewDBI(nil)
	d.DebugStreams = nil
	dbi, err = ReadDBIStream(d.Bytes(), nil)
	require.NoError(t, err)
	recs, err = dbi.FPORecords()
	require.NoError(t, err)
	assert.Nil(t, recs)
}

func TestFPORecordsCorrupted(t *testing.T) {
	provider := fakeProvider{append(pdbtest.FPO(0, 1, 0), 0, 0)}
	dbi := dbiWithDebugStreams(t, map[DebugStreamKind]uint16{DebugStreamFPO: 0}, provider)
	_, err := dbi.FPORecords()
	assert.ErrorIs(t, err, ErrStructural)
	assert.Contains(t, err.Error(), "corrupted")
}

func TestDebugStreamOutOfRange(t *testing.T) {
	dbi := dbiWithDebugStreams(t, map[DebugStreamKind]uint16{DebugStreamSectionHeaders: 40}, fakeProvider{nil})
	_, err := dbi.SectionHeaders()
	assert.ErrorIs(t, err, ErrStructural)
}

func TestDebugStreamWithoutProvider(t *testing.T) {
	dbi := dbiWithDebugStreams(t, map[DebugStreamKind]uint16{DebugStreamSectionHeaders: 4}, nil)
	_, err := dbi.SectionHeaders()
	assert.ErrorIs(t, err, ErrNoStreamProvider)
}

func TestSectionHeaders(t *testing.T) {
	hdrs := append(pdbtest.SectionHeader(".text", 0x1000, 0x2345, 0x60000020), pdbtest.SectionHeader(".rdata", 0x4000, 0x100, 0x40000040)...)
	orig := pdbtest.SectionHeader("12345678", 0x1000, 0x10, 0x60000020)
	provider := fakeProvider{nil, hdrs, orig}
	dbi := dbiWithDebugStreams(t, map[DebugStreamKind]uint16{
		DebugStreamSectionHeaders:         1,
		DebugStreamOriginalSectionHeaders: 2,
	}, provider)

	sections, err := dbi.SectionHeaders()
	require.NoError(t, err)
	require.Len(t, sections, 2)
	assert.Equal(t, ".text", sections[0].NameString())
	assert.Equal(t, uint32(0x1000), sections[0].VirtualAddress)
	assert.Equal(t, uint32(0x2345), sections[0].VirtualSize)
	assert.True(t, sections[0].Characteristics.Has(SectionMemoryExecute|SectionMemoryRead))
	assert.Equal(t, ".rdata", sections[1].NameString())

	origSections, err := dbi.OriginalSectionHeaders()
	require.NoError(t, err)
	require.Len(t, origSections, 1)
	assert.Equal(t, "12345678", origSections[0].NameString())
}

func TestNewFPOAndOmap(t *testing.T) {
	frame := pdbtest.FrameData(0x2000, 0x40, 9, 4, FrameDataIsFunctionStart)
	omap := []byte{0x00, 0x10, 0, 0, 0x00, 0x20, 0, 0}
	provider := fakeProvider{frame, omap}
	dbi := dbiWithDebugStreams(t, map[DebugStreamKind]uint16{
		DebugStreamNewFPO:       0,
		DebugStreamOmapToSource: 1,
	}, provider)

	frames, err := dbi.NewFPORecords()
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint32(0x2000), frames[0].RvaStart)
	assert.Equal(t, uint32(0x40), frames[0].CodeSize)
	assert.Equal(t, uint32(9), frames[0].FrameFunc)
	assert.Equal(t, uint16(4), frames[0].SavedRegsSize)
	assert.Equal(t, uint16(4), frames[0].PrologSize)
	assert.Equal(t, uint32(FrameDataIsFunctionStart), frames[0].Flags)

	to, err := dbi.OmapToSource()
	require.NoError(t, err)
	assert.Equal(t, []OmapEntry{{From: 0x1000, To: 0x2000}}, to)

	from, err := dbi.OmapFromSource()
	require.NoError(t, err)
	assert.Nil(t, from)
}

func TestECNames(t *testing.T) {
	d := pdbtest.NewDBI(nil)
	d.EC, _ = pdbtest.StringTable([]string{"foo.pdb"})
	dbi, err := ReadDBIStream(d.Bytes(), nil)
	require.NoError(t, err)
	names, err := dbi.ECNames()
	require.NoError(t, err)
	require.NotNil(t, names)
	assert.Equal(t, []string{"foo.pdb"}, names.Strings())

	dbi, err = ReadDBIStream(pdbtest.NewDBI(nil).Bytes(), nil)
	require.NoError(t, err)
	names, err = dbi.ECNames()
	require.NoError(t, err)
	assert.Nil(t, names)
}

func TestConcurrentAccess(t *testing.T) {
	d := pdbtest.NewDBI(twoModules())
	d.SecContrib = pdbtest.SectionContribs(pdbtest.ContribVersionV2, contribs())
	dbi, err := ReadDBIStream(d.Bytes(), nil)
	require.NoError(t, err)

	const n = 8
	lists := make([]*ModuleList, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l, err := dbi.Modules()
			if err != nil {
				return
			}
			for _, m := range l.Modules() {
				m.Files()
			}
			dbi.SectionContributions()
			lists[i] = l
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		assert.Same(t, lists[0], lists[i])
	}
}
